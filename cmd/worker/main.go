package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"attendguard/internal/config"
	"attendguard/internal/faceclient"
	"attendguard/internal/fraud"
	"attendguard/internal/logging"
	"attendguard/internal/model"
	"attendguard/internal/notify"
	"attendguard/internal/wiring"
)

// Worker consumes scored outcomes, raises fraud alerts and drives the
// notification queue and alert escalation.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, wiring.HealthTimeout)
	deps, err := wiring.Open(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer deps.Close()

	if !cfg.FaceSkip {
		face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
		if err := face.Health(ctx); err != nil {
			logger.Warn("face service not available; photo factors will count as failed", zap.Error(err))
		} else {
			logger.Info("face service connected")
		}
	}

	notifications := deps.Notifications(cfg, logger)
	policy := notifications.Policy()

	// The escalator reads alert status through its own engine handle, which
	// never notifies.
	escalator := notify.NewEscalator(deps.Fraud(nil, logger), notifications,
		notify.NewStaticDirectory(cfg.Policy.Directory.Contacts, cfg.Policy.Directory.Roles),
		policy.Escalation, nil, logger)
	router := notify.NewAlertRouter(notifications, escalator, logger)
	engine := deps.Fraud(router, logger)

	if err := restoreEscalations(ctx, engine, escalator, logger); err != nil {
		logger.Warn("restoring escalations failed", zap.Error(err))
	}

	scheduler := notify.NewScheduler(nil, policy.TickInterval, logger,
		func(ctx context.Context) error {
			_, err := notifications.Pump(ctx)
			return err
		},
		escalator.Tick,
	)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer notifications.Wait()
	defer scheduler.Stop()

	logger.Info("worker started, waiting for outcomes")
	if err := engine.Run(ctx, deps.Queue, router.CheckInRecorded); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

// restoreEscalations re-tracks every open alert after a restart. Alerts
// already past their delay fire on the first tick.
func restoreEscalations(ctx context.Context, engine *fraud.Engine, escalator *notify.Escalator, logger *zap.Logger) error {
	const page = 200
	tracked := 0
	for _, status := range []model.AlertStatus{model.AlertPending, model.AlertInvestigating} {
		for offset := 0; ; offset += page {
			alerts, err := engine.ListAlerts(ctx, model.AlertFilter{Status: status, Limit: page, Offset: offset})
			if err != nil {
				return err
			}
			for _, a := range alerts {
				if escalator.Track(a) {
					tracked++
				}
			}
			if len(alerts) < page {
				break
			}
		}
	}
	logger.Info("escalations restored", zap.Int("tracked", tracked))
	return nil
}
