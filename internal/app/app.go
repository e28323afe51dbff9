// Package app wires configuration into a running engine: database, proof
// storage, mail delivery and the public rate limiter.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"proofline/internal/config"
	"proofline/internal/db"
	"proofline/internal/engine"
	"proofline/internal/migrate"
	"proofline/internal/notify"
	"proofline/internal/ratelimit"
	"proofline/internal/server"
	"proofline/internal/storage"
)

type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	Mailer  notify.Mailer
	Limiter ratelimit.Limiter
	Log     *zap.Logger

	closers []func() error
}

// Open connects to the database, applies migrations and builds the engine.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	conn, dialect, err := db.Open(ctx, db.Config{Driver: cfg.Database.Driver, Path: cfg.Database.Path, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Dialect: dialect, Log: log}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(ctx, conn, dialect); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	bucket, err := OpenBucket(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	mailer, err := NewMailer(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Mailer = mailer
	var dispatcher notify.Dispatcher = notify.Direct{Mailer: mailer}
	if cfg.Mail.Queue.RedisAddr != "" {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Mail.Queue.RedisAddr})
		a.closers = append(a.closers, client.Close)
		dispatcher = notify.Queue{Client: client, Queue: cfg.Mail.Queue.Queue, MaxRetry: cfg.Mail.Queue.MaxRetry}
		log.Info("proof emails are queued", zap.String("redis_addr", cfg.Mail.Queue.RedisAddr))
	}
	if cfg.RateLimit.RedisAddr != "" {
		a.Limiter = ratelimit.NewRedis(cfg.RateLimit.RedisAddr, cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}
	a.Engine = engine.New(engine.Deps{
		DB:         conn,
		Dialect:    dialect,
		Config:     cfg,
		Bucket:     bucket,
		Dispatcher: dispatcher,
		Log:        log,
	})
	return a, nil
}

// OpenBucket returns the configured proof storage.
func OpenBucket(ctx context.Context, cfg *config.Config) (storage.Bucket, error) {
	switch cfg.Storage.Driver {
	case "dir":
		return storage.Dir{Root: cfg.Storage.Dir}, nil
	case "minio":
		m, err := storage.NewMinIO(storage.MinIOConfig{
			Endpoint:   cfg.Storage.Endpoint,
			AccessKey:  cfg.Storage.AccessKey,
			SecretKey:  cfg.Storage.SecretKey,
			Bucket:     cfg.Storage.Bucket,
			Region:     cfg.Storage.Region,
			UseSSL:     cfg.Storage.UseSSL,
			PresignTTL: cfg.Storage.PresignTTL,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func NewMailer(cfg *config.Config, log *zap.Logger) (notify.Mailer, error) {
	switch cfg.Mail.Driver {
	case "log":
		return notify.LogMailer{Log: log}, nil
	case "sendgrid":
		return notify.NewSendGrid(notify.SendGridConfig{
			APIKey:    cfg.Mail.APIKey,
			Endpoint:  cfg.Mail.Endpoint,
			FromEmail: cfg.Mail.From,
			FromName:  cfg.Mail.FromName,
		})
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Mail.Driver)
	}
}

// Handler builds the HTTP API over the engine.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:         a.Engine,
		BasePath:       a.Config.Server.BasePath,
		Auth:           server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret},
		Limiter:        a.Limiter,
		TrustedProxies: a.Config.Server.TrustedProxies,
		Log:            a.Log,
	})
}

// Worker returns the queued email handler bound to this app's mailer and
// notification log.
func (a *App) Worker() notify.Worker {
	return notify.Worker{Mailer: a.Mailer, Recorder: a.Engine.Repo, Log: a.Log}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
