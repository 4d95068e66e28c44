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
	"github.com/SirClappington/notiq/internal/logger"
	"github.com/SirClappington/notiq/internal/publisher"
	"github.com/SirClappington/notiq/internal/storage"
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

	if err := storage.Migrate(ctx, cfg.PostgresDSN); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}
	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("open", zap.Error(err))
	}
	defer deps.Close()

	pub := publisher.New(publisher.Params{
		Store:          deps.Store,
		Dedup:          deps.Dedup,
		RecipientLimit: deps.RecipientLimit,
		LimitedEvents:  cfg.LimitedEvents(),
		Gate:           deps.Conn,
		Events:         deps.Bus,
		MaxAttempts:    cfg.MaxAttempts,
		Log:            log,
	})

	rtr := api.NewRouter(pub, deps.Store, func() string { return string(deps.Conn.State()) }, api.Options{
		Events:  deps.Hub,
		Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}, log)
	srv := &http.Server{Addr: cfg.APIAddr, Handler: rtr, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Conn.Run(gctx) })
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		log.Error("api stopped", zap.Error(err))
		deps.Close()
		os.Exit(1)
	}
}
