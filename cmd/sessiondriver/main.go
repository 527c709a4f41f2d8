package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sessiondriver/sessiondriver/internal/config"
	"github.com/sessiondriver/sessiondriver/internal/dispatcher"
	"github.com/sessiondriver/sessiondriver/internal/portpool"
	"github.com/sessiondriver/sessiondriver/internal/registry"
)

// shutdownGrace bounds how long the proxy waits for in-flight requests
// and session terminations to finish before exiting on signal.
const shutdownGrace = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting sessiondriver",
		"host", cfg.Host,
		"port", cfg.Port,
		"webdriver", cfg.WebDriver,
		"inactivity_timeout_s", cfg.InactivityTimeout,
		"startup_timeout_s", cfg.StartupTimeout,
	)

	ports := portpool.New(logger)
	reg := registry.New(ports, logger)

	reaper := registry.NewReaper(reg, 60*time.Second, logger)
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	reaper.Start(appCtx)
	defer reaper.Stop()

	disp := dispatcher.New(dispatcher.Options{
		Webdriver:      cfg.WebDriver,
		ExtraArgs:      cfg.SplitParameters(),
		StartupTimeout: time.Duration(cfg.StartupTimeout) * time.Second,
		SessionTTL:     time.Duration(cfg.InactivityTimeout) * time.Second,
		MaxCreateRate:  cfg.MaxCreateRate,
		CreateBurst:    cfg.CreateBurst,
	}, reg, logger)
	defer disp.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      disp,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	terminated := make(chan struct{})
	go func() {
		reg.TerminateAll()
		close(terminated)
	}()
	select {
	case <-terminated:
	case <-ctx.Done():
		slog.Warn("session termination did not finish within the shutdown grace period")
	}

	slog.Info("sessiondriver stopped")
}
