// Command burrow runs the ephemeral VPN session orchestrator daemon: it
// provisions WireGuard instances on demand, tracks each through its session
// lifecycle, enforces capacity limits, and reaps idle sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/burrowvpn/burrow/internal/audit"
	"github.com/burrowvpn/burrow/internal/config"
	"github.com/burrowvpn/burrow/internal/configstore"
	"github.com/burrowvpn/burrow/internal/db"
	"github.com/burrowvpn/burrow/internal/provisioner"
	"github.com/burrowvpn/burrow/internal/secrets"
	"github.com/burrowvpn/burrow/internal/server"
	"github.com/burrowvpn/burrow/internal/sessions"
)

func main() {
	cfg := config.MustLoad()
	setupLogging(cfg.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(format string) {
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(handler))
}

func run(cfg *config.Config) error {
	database, err := db.OpenDB(cfg.DBType, cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	compute, err := buildProvisioner(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize provisioner: %w", err)
	}
	defer compute.Close()

	secretMgr, err := secrets.NewManager(secrets.LoadConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize secrets manager: %w", err)
	}
	defer secretMgr.Close()

	artifacts, err := buildArtifactStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	recorder := audit.NewRecorder(database)

	manager := sessions.NewManager(database, compute, secretMgr, artifacts, recorder, sessions.Options{
		GlobalCap:          cfg.MaxSessions,
		ProvisionTimeout:   cfg.ProvisionTimeout,
		DeprovisionTimeout: cfg.DeprovisionTimeout,
		Image:              cfg.VPNImage,
		ListenPort:         cfg.ListenPort,
		ConfigTTL:          cfg.ClientConfigTTL(),
		DNS:                cfg.ClientDNS,
	})

	reaper := sessions.NewIdleReaper(manager, recorder, cfg.ReapInterval, cfg.IdleAfter, cfg.IdleTimeout)
	reaper.Start()
	defer reaper.Stop()

	sweeper := audit.NewSweeper(database, cfg.AuditRetentionDays)
	sweeper.Start()
	defer sweeper.Stop()

	app := &server.App{
		DB:        database,
		Manager:   manager,
		Audit:     recorder,
		Secrets:   secretMgr,
		Artifacts: artifacts,
		Config:    cfg,
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Burrow listening",
			"port", cfg.Port,
			"db_type", cfg.DBType,
			"provisioner", cfg.Provisioner,
			"max_sessions", cfg.MaxSessions)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func buildProvisioner(cfg *config.Config) (provisioner.Provisioner, error) {
	switch cfg.Provisioner {
	case "fake":
		slog.Warn("using fake provisioner; sessions will not carry real tunnels")
		return provisioner.NewFakeProvisioner(), nil
	default:
		return provisioner.NewKubernetesProvisioner(cfg.Namespace, cfg.Kubeconfig)
	}
}

func buildArtifactStore(cfg *config.Config) (configstore.ArtifactStore, error) {
	switch cfg.ArtifactBackend {
	case "s3":
		return configstore.NewS3Store(
			cfg.ArtifactS3Bucket,
			cfg.ArtifactS3Region,
			cfg.ArtifactS3Endpoint,
			cfg.ArtifactS3Prefix,
			cfg.ArtifactS3AccessKeyID,
			cfg.ArtifactS3SecretKey,
		)
	default:
		return configstore.NewLocalStore(cfg.ArtifactPath), nil
	}
}
