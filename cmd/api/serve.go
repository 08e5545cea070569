package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/wafportal/backend/internal/config"
	"github.com/wafportal/backend/internal/database"
	"github.com/wafportal/backend/internal/logger"
	"github.com/wafportal/backend/internal/metrics"
	"github.com/wafportal/backend/internal/nginx"
	"github.com/wafportal/backend/internal/server"
	"github.com/wafportal/backend/internal/version"
)

func newServeCmd() *cobra.Command {
	var applyOnBoot bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the portal and the cluster sync engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), applyOnBoot)
		},
	}
	cmd.Flags().BoolVar(&applyOnBoot, "apply-on-boot", true, "Regenerate and reload the proxy configuration at startup")
	return cmd
}

func runServe(parent context.Context, applyOnBoot bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Debug, logger.RotatingWriter(cfg.LogDir(), "wafportal.log"))
	log := logger.Log()
	log.WithField("version", version.Full()).Infof("starting %s", version.Name)

	// Two engines on one data directory would apply snapshots over each other.
	if err := os.MkdirAll(filepath.Dir(cfg.LockPath()), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", cfg.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("another instance is already running on %s", cfg.DataDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.WithError(err).Warn("failed to release instance lock")
		}
	}()

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	srv, err := server.New(db, cfg, registry)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if applyOnBoot && !cfg.Nginx.Disabled {
		ok, msg := nginx.NewManager(db, cfg.Nginx).Apply(ctx)
		entry := log.WithField("message", msg)
		if ok {
			entry.Info("proxy configuration applied")
		} else {
			entry.Warn("proxy configuration not applied at startup")
		}
	}

	if err := srv.Runtime.Start(ctx); err != nil {
		return fmt.Errorf("start cluster runtime: %w", err)
	}
	defer srv.Runtime.Stop()

	return srv.Run(ctx)
}
