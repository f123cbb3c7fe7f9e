package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grantline/grantline/internal/audit"
	"github.com/grantline/grantline/internal/domain"
	"github.com/grantline/grantline/internal/identity"
	infra_config "github.com/grantline/grantline/internal/infra/config"
	"github.com/grantline/grantline/internal/infra/persistence"
	"github.com/grantline/grantline/internal/integrity"
	"github.com/grantline/grantline/internal/session"
	"github.com/grantline/grantline/internal/tamper"
	"github.com/grantline/grantline/pkg/patterns/lifecycle"
)

const retentionSweepInterval = 12 * time.Hour

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, err := infra_config.Load(os.Getenv("GRANTLINE_CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	backend, err := persistence.New(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to create storage backend", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closer, ok := backend.(persistence.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Error("failed to close storage backend", "error", err)
			}
		}
	}()

	signingKey, err := hex.DecodeString(cfg.Audit.SigningKey)
	if err != nil {
		logger.Error("failed to decode audit signing key", "error", err)
		os.Exit(1)
	}
	sessionKey, err := hex.DecodeString(cfg.Session.EncryptionKey)
	if err != nil {
		logger.Error("failed to decode session encryption key", "error", err)
		os.Exit(1)
	}

	manager := integrity.NewManager(signingKey, cfg.Audit.SigningEnabled)

	auditStore, err := audit.NewStore(ctx, logger, backend, manager, cfg.Audit.MaxEntries)
	if err != nil {
		logger.Error("failed to create audit store", "error", err)
		os.Exit(1)
	}

	detector := tamper.NewDetector(logger, auditStore, backend, manager, tamper.Config{
		CheckInterval:  cfg.Tamper.CheckInterval,
		Debounce:       cfg.Tamper.Debounce,
		BaselineSize:   cfg.Tamper.BaselineSize,
		AutoQuarantine: cfg.Tamper.AutoQuarantine,
	})
	detector.Tampering().Subscribe(func(ev domain.TamperingEvent) {
		logger.Error("tampering detected",
			"severity", string(ev.Severity),
			"entries", ev.TamperedEntryIDs,
			"violations", len(ev.Violations))
	})

	retention := audit.NewRetention(logger, auditStore, cfg.Audit.RetentionDays,
		retentionSweepInterval, detector.Rebaseline)

	issuer, err := identity.NewJWTIssuer([]byte(cfg.Identity.TokenSecret),
		cfg.Identity.AccessTokenTTL, cfg.Identity.RefreshTokenTTL)
	if err != nil {
		logger.Error("failed to create token issuer", "error", err)
		os.Exit(1)
	}
	defer issuer.Close()

	sessionStore, err := session.NewStore(ctx, logger, backend, sessionKey, session.StoreConfig{
		IdleTimeout:        time.Duration(cfg.Session.TimeoutMinutes) * time.Minute,
		MaxSessionsPerUser: cfg.Session.MaxSessionsPerUser,
	})
	if err != nil {
		logger.Error("failed to create session store", "error", err)
		os.Exit(1)
	}

	sessionManager := session.NewManager(logger, sessionStore, issuer, auditStore, session.ManagerConfig{
		Timeout:          time.Duration(cfg.Session.TimeoutMinutes) * time.Minute,
		RenewalThreshold: time.Duration(cfg.Session.RenewalThresholdMinutes) * time.Minute,
		SweepInterval:    cfg.Session.SweepInterval,
	})
	sessionManager.Expiring().Subscribe(func(ev domain.SessionExpiringEvent) {
		logger.Warn("session expiring",
			"session_id", ev.Session.ID,
			"minutes_until_expiry", ev.MinutesUntilExpiry)
	})
	sessionManager.Expired().Subscribe(func(ev domain.SessionExpiredEvent) {
		logger.Warn("session expired", "session_id", ev.Session.ID)
	})

	resources := []lifecycle.ManagedResource{detector, retention, sessionManager}

	go func() {
		logger.Info("starting application resources",
			"mode", cfg.Mode,
			"version", cfg.ServiceVersion,
			"storage_backend", cfg.Storage.Backend)
		for _, r := range resources {
			if err := r.Start(ctx); err != nil {
				logger.Error("error starting resource", "error", err)
				cancel()
				return
			}
		}
		auditStore.Record(ctx, domain.EntrySystem, "system", "service.start", "grantline", map[string]any{
			"version": cfg.ServiceVersion,
			"commit":  cfg.BuildCommit,
		})
		logger.Info("application started successfully")
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-signalChan:
		logger.Info("received shutdown signal", "signal", s.String())
	case <-ctx.Done():
		logger.Info("context cancelled, initiating shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	auditStore.Record(shutdownCtx, domain.EntrySystem, "system", "service.stop", "grantline", nil)

	logger.Info("shutting down application resources")
	for i := len(resources) - 1; i >= 0; i-- {
		if err := resources[i].Stop(shutdownCtx); err != nil {
			logger.Error("error stopping resource", "error", err)
		}
	}
	logger.Info("shutdown complete")
}
