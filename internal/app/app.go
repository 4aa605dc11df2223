// Package app wires configuration, the store and the transports into the
// services the newsletter commands run.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-dispatch/internal/config"
	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/mailing"
	"github.com/ignite/newsletter-dispatch/internal/pkg/logger"
	"github.com/ignite/newsletter-dispatch/internal/repository/postgres"
	"github.com/ignite/newsletter-dispatch/internal/service/campaign"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
	"github.com/ignite/newsletter-dispatch/internal/storage"
	"github.com/ignite/newsletter-dispatch/internal/worker"
)

// DefaultConfigPath is where commands look for the YAML config.
const DefaultConfigPath = "config/config.yaml"

// Runtime is everything a command needs to dispatch.
type Runtime struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     *redis.Client
	Campaigns *campaign.Service
	Builder   sending.MessageBuilder
	Transport sending.Transport
	Reports   *storage.Reports
}

// Open loads the config at path and connects to every configured backend.
// Redis and the report bucket are optional.
func Open(ctx context.Context, path string) (*Runtime, error) {
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	ConfigureLogging(cfg.Log)

	db, err := OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Config:    cfg,
		DB:        db,
		Campaigns: campaign.NewService(postgres.NewStore(db)),
		Builder:   NewBuilder(cfg.Dispatch),
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rt.Redis = redis.NewClient(opts)
		log.Println("[app] Redis dispatch lock enabled")
	}

	rt.Transport = NewTransport(ctx, cfg)
	if rt.Reports, err = storage.NewReports(ctx, cfg.S3); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// ConfigureLogging applies the log section to the package logger.
func ConfigureLogging(cfg config.LogConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.Redact())
	logger.SetOutput(os.Stderr)
}

// OpenDB opens and pings the PostgreSQL pool.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Lifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Println("[app] Connected to database")
	return db, nil
}

// NewBuilder maps the dispatch section onto the message builder.
func NewBuilder(cfg config.DispatchConfig) *mailing.Builder {
	return mailing.NewBuilder(mailing.BuilderConfig{
		DefaultHeaderSender: cfg.DefaultHeaderSender,
		DefaultHeaderReply:  cfg.DefaultHeaderReply,
		SiteDomain:          cfg.SiteDomain,
		MediaURL:            cfg.MediaURL,
		SigningKey:          cfg.SigningKey,
		UniqueKeyLength:     cfg.UniqueKeyLength,
		UniqueKeyCharset:    cfg.UniqueKeyCharset,
	}, mailing.NewTemplateService())
}

// NewTransport routes servers to SMTP or SES by their transport field. SES
// is left out when the AWS config cannot load, and servers that ask for it
// then fail to connect.
func NewTransport(ctx context.Context, cfg *config.Config) sending.Transport {
	var ses sending.Transport
	sesCtx, cancel := context.WithTimeout(ctx, cfg.SES.Timeout())
	defer cancel()
	if t, err := worker.NewSESTransport(sesCtx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey); err != nil {
		log.Printf("[app] SES transport unavailable: %v", err)
	} else {
		ses = t
	}
	return worker.NewMultiTransport(worker.NewSMTPTransport(), ses)
}

// Options returns the dispatcher options, forcing test mode when test is set.
func (rt *Runtime) Options(test bool) worker.Options {
	opts := worker.NewOptions(rt.Config.Dispatch)
	opts.Test = opts.Test || test
	return opts
}

// NewMailer returns a sequential dispatcher. A Mailer holds a session, so
// each caller gets its own.
func (rt *Runtime) NewMailer(test bool) *worker.Mailer {
	return worker.NewMailer(rt.Campaigns, rt.Builder, rt.Transport, rt.Options(test))
}

// TestSender runs every request on a fresh test-mode Mailer.
func (rt *Runtime) TestSender() *TestSender {
	return &TestSender{rt: rt}
}

type TestSender struct{ rt *Runtime }

func (t *TestSender) Run(ctx context.Context, c *domain.Campaign) (*worker.RunSummary, error) {
	summary, err := t.rt.NewMailer(true).Run(ctx, c)
	if summary != nil {
		t.rt.SaveReport(ctx, "test", c.ID, summary)
	}
	return summary, err
}

// SaveReport archives a run summary. Failures are logged, never returned.
func (rt *Runtime) SaveReport(ctx context.Context, kind, id string, v interface{}) {
	if !rt.Reports.Enabled() {
		return
	}
	key, err := rt.Reports.Save(ctx, kind, id, time.Now(), v)
	if err != nil {
		log.Printf("[app] Save %s report %s: %v", kind, id, err)
		return
	}
	logger.Debug("run report archived", "kind", kind, "key", key)
}

// Close releases the database and Redis connections.
func (rt *Runtime) Close() {
	if rt.Redis != nil {
		rt.Redis.Close()
	}
	if rt.DB != nil {
		rt.DB.Close()
	}
}
