// Package wiring builds the components shared by the api and worker binaries.
package wiring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/config"
	"attendguard/internal/credential"
	"attendguard/internal/fraud"
	"attendguard/internal/model"
	"attendguard/internal/notify"
	"attendguard/internal/queue"
	"attendguard/internal/store"
)

// Deps are the connections every binary opens.
type Deps struct {
	DB    *store.DB
	Redis *store.Redis
	Queue queue.Queue
	Repo  *attendance.Repository
}

// Open connects to Postgres and Redis and selects the outcome queue backend.
func Open(ctx context.Context, cfg config.App, log *zap.Logger) (*Deps, error) {
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("schema migrated")
	}
	rdb := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Warn("using in-memory outcome queue; api and worker must share a process")
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(rdb.Client, cfg.QueueKey)
	}
	return &Deps{DB: db, Redis: rdb, Queue: q, Repo: attendance.NewRepository(db.Client)}, nil
}

// Close releases the connections.
func (d *Deps) Close() {
	d.Redis.Close()
	d.DB.Close()
}

// Credentials returns the credential manager backed by Postgres with Redis
// attempt counters.
func (d *Deps) Credentials(log *zap.Logger) *credential.Manager {
	return credential.NewManager(credential.NewPGStore(d.DB.Client), credential.NewRedisCounter(d.Redis.Client), nil, log)
}

// Fraud returns an engine over the Postgres alert store. notifier may be nil.
func (d *Deps) Fraud(notifier fraud.Notifier, log *zap.Logger) *fraud.Engine {
	return fraud.NewEngine(fraud.NewPGStore(d.DB.Client), d.Repo, notifier, nil, log, fraud.Config{})
}

// Notifications returns the delivery queue. In-app frames go through the
// Redis relay so the api process can hand them to websocket clients.
func (d *Deps) Notifications(cfg config.App, log *zap.Logger) *notify.Service {
	senders := Senders(cfg, notify.NewRelay(d.Redis.Client, notify.DefaultRelayChannel, log))
	dir := notify.NewStaticDirectory(cfg.Policy.Directory.Contacts, cfg.Policy.Directory.Roles)
	return notify.NewService(notify.NewPGStore(d.DB.Client), senders, dir, nil, log, cfg.Policy.Notify)
}

// Senders maps every channel to its transport.
func Senders(cfg config.App, inApp notify.Sender) map[model.Channel]notify.Sender {
	return map[model.Channel]notify.Sender{
		model.ChannelInApp: inApp,
		model.ChannelEmail: &notify.SMTPSender{
			Addr:     cfg.SMTPAddr,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		},
		model.ChannelPush:    notify.NewHTTPSender(model.ChannelPush, cfg.PushURL, cfg.GatewayToken),
		model.ChannelSMS:     notify.NewHTTPSender(model.ChannelSMS, cfg.SMSURL, cfg.GatewayToken),
		model.ChannelWebhook: notify.NewHTTPSender(model.ChannelWebhook, cfg.WebhookURL, cfg.GatewayToken),
	}
}

// HealthTimeout bounds startup dependency probes.
const HealthTimeout = 3 * time.Second
