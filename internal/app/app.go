// Package app builds the dependencies shared by the binaries from config.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/notiq/internal/config"
	"github.com/SirClappington/notiq/internal/dedup"
	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/events"
	"github.com/SirClappington/notiq/internal/kv"
	"github.com/SirClappington/notiq/internal/ratelimit"
	"github.com/SirClappington/notiq/internal/resilience"
	"github.com/SirClappington/notiq/internal/storage"
)

// Deps is everything both binaries share. Close releases the connections.
type Deps struct {
	Config   config.Config
	Log      *zap.Logger
	Owner    string
	DB       *pgxpool.Pool
	Redis    *r.Client
	KV       kv.Store
	Conn     *resilience.Manager
	Store    *storage.Guarded
	Bus      *events.Bus
	Hub      *events.Hub
	Registry *prometheus.Registry

	GlobalLimit    *ratelimit.Limiter
	RecipientLimit *ratelimit.Limiter
	Dedup          *dedup.Deduplicator
}

// Open connects to Postgres (and Redis when configured) and wires the
// resilience manager, event subscribers and metrics registry.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*Deps, error) {
	d := &Deps{Config: cfg, Log: log, Owner: owner(cfg)}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	d.DB = db

	if cfg.RedisAddr != "" {
		d.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		d.KV = kv.NewRedis(d.Redis, "notiq:")
	} else {
		log.Warn("REDIS_ADDR not set; dedup and rate limits are local to this process")
		d.KV = kv.NewMemory(nil)
	}

	pg := storage.New(db)
	d.Conn = resilience.New(pg, resilience.Options{
		BaseDelay:      cfg.ReconnectBaseDelay,
		MaxDelay:       cfg.ReconnectMaxDelay,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		HealthInterval: cfg.HealthInterval,
	}, log)
	d.Store = storage.NewGuarded(pg, d.Conn)

	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		events.NewStatsCollector(func(ctx context.Context) (domain.Stats, error) {
			return d.Store.Stats(ctx, time.Now())
		}),
	)

	d.Bus = events.NewBus()
	d.Bus.Subscribe(events.LogHandler(log.Named("events")))
	d.Bus.Subscribe(events.NewMetrics(d.Registry).Handler())
	d.Hub = events.NewHub(log, cfg.EventsAllowedOrigins)
	d.Bus.Subscribe(d.Hub.Handler())

	d.GlobalLimit = ratelimit.New("global", cfg.GlobalRateLimit, cfg.GlobalRateWindow, d.KV)
	d.RecipientLimit = ratelimit.New("recipient", cfg.RecipientRateLimit, cfg.RecipientRateWindow, d.KV)
	d.Dedup = dedup.New(d.KV, cfg.DedupWindow)
	return d, nil
}

func owner(cfg config.Config) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func (d *Deps) Close() error {
	var err error
	if d.Redis != nil {
		err = multierr.Append(err, d.Redis.Close())
	}
	if d.DB != nil {
		d.DB.Close()
	}
	_ = d.Log.Sync()
	return err
}
