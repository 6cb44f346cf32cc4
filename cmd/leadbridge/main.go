package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/leadbridge/internal/bridge"
	"github.com/agentworkforce/leadbridge/internal/config"
	"github.com/agentworkforce/leadbridge/internal/httpapi"
	"github.com/agentworkforce/leadbridge/internal/logger"
)

func main() {
	_ = godotenv.Load()
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv(log)
	if err == nil {
		err = cfg.Validate()
	}
	if err == nil {
		err = run(ctx, cfg, log)
	}
	if err != nil {
		log.Error("leadbridge stopped", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	hub := httpapi.NewEventHub(0)
	rt, err := config.Build(cfg, log, hub.Publish)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.WatchDirectory(ctx); err != nil {
		log.Warn("people directory will not hot-reload", "error", err)
	}

	scheduler, err := bridge.NewScheduler(rt.Engine, cfg.Schedule)
	if err != nil {
		return err
	}
	scheduler.Start()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewServerWithConfig(rt.Engine, serverConfig(cfg, log, hub)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("leadbridge listening", "addr", cfg.Addr, "data", cfg.DataDSN, "timezone", cfg.Location.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		scheduler.Stop(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func serverConfig(cfg config.Config, log *logger.Logger, hub *httpapi.EventHub) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		WebhookSecret:   cfg.Chat.WebhookSecret,
		WebhookMaxSkew:  cfg.Chat.WebhookMaxSkew,
		AdminToken:      cfg.AdminToken,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          log,
		Events:          hub,
	}
}
