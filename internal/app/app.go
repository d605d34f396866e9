// Package app assembles the service from configuration: store, sandbox
// provider, catalog, orchestrator, reaper, and the HTTP server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hewlab/playground/internal/api"
	"github.com/hewlab/playground/internal/bridge"
	"github.com/hewlab/playground/internal/config"
	"github.com/hewlab/playground/internal/orchestrator"
	"github.com/hewlab/playground/internal/reaper"
)

const shutdownTimeout = 10 * time.Second

// App holds the assembled components and their teardown hooks.
type App struct {
	cfg *config.Config
	log *logrus.Logger

	infra  *infra
	reaper *reaper.Reaper
	server *http.Server
}

// New builds the application. It connects to the database and the
// cluster but does not start serving.
func New(cfg *config.Config, log *logrus.Logger) (*App, error) {
	gin.SetMode(gin.ReleaseMode)

	inf, err := buildInfra(cfg, log)
	if err != nil {
		return nil, err
	}

	orc := orchestrator.New(orchestrator.Config{
		MaxConcurrentSessions: cfg.Sessions.MaxConcurrent,
		DefaultLifetime:       cfg.Sessions.DefaultLifetime,
		ExtendIncrement:       cfg.Sessions.ExtendIncrement,
		MaxLifetime:           cfg.Sessions.MaxLifetime,
		Quota:                 quotaFromConfig(cfg.Quota),
	}, inf.store, inf.provider, inf.catalog, inf.credentials, log)

	rp := reaper.New(inf.store, inf.provider, cfg.Reaper.ExpiryInterval, cfg.Reaper.UsageInterval, log)

	br := bridge.New(inf.store, inf.provider, cfg.Server.AllowedOrigins, log)
	srv := api.New(orc, inf.catalog, br, cfg.Server.AdminToken, cfg.Server.DevUser, log)

	return &App{
		cfg:    cfg,
		log:    log,
		infra:  inf,
		reaper: rp,
		server: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: srv.Router(),
		},
	}, nil
}

// Run serves until ctx is canceled, then shuts down in order: HTTP
// server first, then the reaper, then the infrastructure.
func (a *App) Run(ctx context.Context) error {
	a.reaper.Start()
	a.infra.start()

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.server.Addr).Info("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		a.shutdown()
		return err
	case <-ctx.Done():
	}

	a.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("HTTP shutdown did not complete cleanly")
	}
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	a.reaper.Stop()
	a.infra.stop()
}

// SweepOnce runs a single expiry sweep and returns the number of
// sessions reaped. Used by the sweep command.
func (a *App) SweepOnce(ctx context.Context) int {
	defer a.infra.stop()
	return a.reaper.SweepExpired(ctx)
}
