package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/attendance"
	"attendguard/internal/cloudinary"
	"attendguard/internal/config"
	"attendguard/internal/faceclient"
	"attendguard/internal/httpapi"
	"attendguard/internal/logging"
	"attendguard/internal/notify"
	"attendguard/internal/queue"
	"attendguard/internal/wiring"
)

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

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
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

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	var (
		evidence   httpapi.EvidenceStore
		trustPhoto func(string) bool
	)
	cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	if cdn.Configured() {
		evidence = cdn
		trustPhoto = cdn.OwnsURL
		logger.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		logger.Warn("cloudinary not configured; photo upload disabled")
	}

	credentials := deps.Credentials(logger)
	checkins := attendance.NewService(deps.Repo, deps.Repo, deps.Repo, face, credentials,
		queue.NewOutcomePublisher(deps.Queue), nil, logger, attendance.Options{
			Weights:    cfg.Policy.Weights,
			Threshold:  cfg.Policy.Threshold,
			TrustPhoto: trustPhoto,
		})
	defer checkins.Wait()

	hub := notify.NewHub()
	relay := notify.NewRelay(deps.Redis.Client, notify.DefaultRelayChannel, logger)

	srv := &httpapi.Server{
		CheckIns:      checkins,
		Sessions:      deps.Repo,
		Credentials:   credentials,
		Alerts:        deps.Fraud(nil, logger),
		Notifications: deps.Notifications(cfg, logger),
		Evidence:      evidence,
		InApp:         hub,
		Health: map[string]httpapi.HealthCheck{
			"database": deps.DB.Healthy,
			"redis":    deps.Redis.Healthy,
		},
		Log: logger,
		Opts: httpapi.Options{
			SigningKey:      cfg.JWTSigningKey,
			Issuer:          cfg.JWTIssuer,
			RateLimitPerMin: cfg.RateLimitPerMin,
			CORSOrigins:     cfg.CORSOrigins,
		},
	}

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := relay.Forward(gctx, hub); err != nil {
			logger.Warn("in-app relay stopped; websocket clients get no worker frames", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}
