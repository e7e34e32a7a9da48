// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattmo0re/viveye/hub/internal/api"
	"github.com/mattmo0re/viveye/hub/internal/auth"
	"github.com/mattmo0re/viveye/hub/internal/config"
	"github.com/mattmo0re/viveye/hub/internal/dispatch"
	"github.com/mattmo0re/viveye/hub/internal/metrics"
	"github.com/mattmo0re/viveye/hub/internal/registry"
	"github.com/mattmo0re/viveye/hub/internal/router"
	"github.com/mattmo0re/viveye/hub/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = time.Hour
)

// Hub is the main hub process.
type Hub struct {
	cfg      *config.Config
	store    *store.SQLStore
	registry *registry.Registry
	engine   *dispatch.Engine
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	m := metrics.New()
	authSvc := auth.NewService(cfg.Auth)

	reg := registry.New(db, logger,
		registry.WithKeyVerifier(authSvc),
		registry.WithMetrics(m),
		registry.WithHeartbeatInterval(cfg.Session.HeartbeatInterval.Duration),
	)

	engine := dispatch.New(db, reg, dispatch.Options{
		DefaultTimeout: cfg.Commands.DefaultTimeout.Duration,
		MinTimeout:     cfg.Commands.MinTimeout.Duration,
		MaxTimeout:     cfg.Commands.MaxTimeout.Duration,
		MaxRetries:     cfg.Commands.MaxRetries,
		MaxCommandLen:  cfg.Commands.MaxCommandLen,
	}, logger, m)

	rt := router.New(reg, engine, db, logger, m, router.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Session.MaxMessageBytes,
		MessagesPerSecond: cfg.Session.MessagesPerSecond,
		MessageBurst:      cfg.Session.MessageBurst,
		RegisterTimeout:   cfg.Session.RegisterTimeout.Duration,
	})

	apiSrv := api.NewServer(db, authSvc, engine, reg, rt.HandleAgentWS, m, cfg, logger)

	h := &Hub{
		cfg:      cfg,
		store:    db,
		registry: reg,
		engine:   engine,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Auth.AllowKeylessRelays {
		logger.Warn("keyless relays allowed, any agent may register with a relay that has no key")
	}
	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	// Agents from the previous run are gone; their executing commands need
	// watchdogs again.
	if err := h.store.ResetLiveness(ctx); err != nil {
		_ = h.store.Close()
		return fmt.Errorf("reset liveness: %w", err)
	}
	if err := h.engine.Recover(ctx); err != nil {
		_ = h.store.Close()
		return fmt.Errorf("recover commands: %w", err)
	}

	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.api.StartBackgroundTasks(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		var err error
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		h.runRetentionPurger(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		// Hijacked WebSocket connections are not closed by Shutdown.
		h.registry.CloseAll(shutdownCtx)
		h.engine.Close()
		return nil
	})

	err := g.Wait()
	h.logger.Info("closing store")
	_ = h.store.Close()
	if err != nil {
		return err
	}
	h.logger.Info("shutdown complete")
	return ctx.Err()
}

func (h *Hub) runRetentionPurger(ctx context.Context) {
	retention := h.cfg.Storage.Retention.Duration
	auditRetention := h.cfg.Storage.AuditRetention.Duration
	if retention <= 0 && auditRetention <= 0 {
		return
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purge(ctx, retention, auditRetention)
		}
	}
}

func (h *Hub) purge(ctx context.Context, retention, auditRetention time.Duration) {
	if retention > 0 {
		if n, err := h.store.PurgeCommands(ctx, time.Now().Add(-retention)); err != nil {
			h.logger.Warn("retention purge: commands failed", "error", err)
		} else if n > 0 {
			h.logger.Info("retention purge: deleted old commands", "count", n)
		}
	}
	if auditRetention > 0 {
		if n, err := h.store.PurgeAuditEvents(ctx, time.Now().Add(-auditRetention)); err != nil {
			h.logger.Warn("retention purge: audit events failed", "error", err)
		} else if n > 0 {
			h.logger.Info("retention purge: deleted old audit events", "count", n)
		}
	}
}
