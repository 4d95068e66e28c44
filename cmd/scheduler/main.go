package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/notiq/internal/api"
	"github.com/SirClappington/notiq/internal/app"
	"github.com/SirClappington/notiq/internal/config"
	"github.com/SirClappington/notiq/internal/dispatch"
	"github.com/SirClappington/notiq/internal/domain"
	"github.com/SirClappington/notiq/internal/lifecycle"
	"github.com/SirClappington/notiq/internal/logger"
	"github.com/SirClappington/notiq/internal/maintenance"
	"github.com/SirClappington/notiq/internal/notify"
	"github.com/SirClappington/notiq/internal/retry"
	"github.com/SirClappington/notiq/internal/worker"
)

func main() {
	boot := zap.NewExample()
	cfg, err := config.Load(boot)
	if err != nil {
		boot.Fatal("config", zap.Error(err))
	}
	log, err := logger.New(cfg.LogLevel, cfg.AppEnv == "development")
	if err != nil {
		boot.Fatal("logger", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("open", zap.Error(err))
	}
	defer deps.Close()

	var transport notify.Transport
	if cfg.SMTPHost != "" {
		transport = notify.NewSMTPTransport(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		log.Warn("SMTP_HOST not set; notifications are only logged")
		transport = notify.NewLogTransport(log.Named("transport"))
	}

	pool := worker.New(deps.Store, notify.NewTemplateRenderer(nil, ""), transport, deps.Bus, worker.Options{
		Concurrency:       cfg.WorkerConcurrency,
		JobTimeout:        cfg.JobTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Policy:            retry.FromConfig(cfg),
	}, log)
	dispatcher := dispatch.New(deps.Store, deps.Conn, deps.GlobalLimit, pool, deps.Bus, dispatch.Options{
		Owner:        deps.Owner,
		PollInterval: cfg.PollInterval,
	}, log)
	reaper := maintenance.NewReaper(deps.Store, deps.Bus, nil, cfg.ReapInterval, cfg.HeartbeatTimeout, log)
	sweeper := maintenance.NewSweeper(deps.Store, nil, cfg.SweepInterval, []maintenance.Retention{
		{State: domain.Completed, MaxAge: cfg.CompletedMaxAge, Keep: cfg.CompletedKeep},
		{State: domain.Dead, MaxAge: cfg.DeadMaxAge, Keep: cfg.DeadKeep},
	}, log)

	lm := lifecycle.New(lifecycle.Components{
		Conn:       deps.Conn,
		Dispatcher: dispatcher,
		Pool:       pool,
		Background: []lifecycle.Runner{reaper, sweeper},
		Store:      deps.Store,
		Bus:        deps.Bus,
	}, lifecycle.Options{Owner: deps.Owner, ShutdownTimeout: cfg.ShutdownTimeout}, log)

	// operator surface: health, status, metrics and the event stream
	rtr := api.NewRouter(nil, deps.Store, func() string { return string(deps.Conn.State()) }, api.Options{
		Events:  deps.Hub,
		Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}, log)
	srv := &http.Server{Addr: cfg.SchedAddr, Handler: rtr, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lm.Run(gctx) })
	g.Go(func() error {
		log.Info("scheduler status listening", zap.String("addr", cfg.SchedAddr), zap.String("owner", deps.Owner))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Error("scheduler stopped", zap.Error(err))
		deps.Close()
		os.Exit(1)
	}
}
