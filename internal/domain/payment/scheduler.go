package payment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
)

// Ticker is one unit of periodic work.
type Ticker interface {
	Tick(ctx context.Context) BatchResult
}

// tenantScope runs fn with ctx bound to a tenant's schema.
type tenantScope func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error

type SchedulerConfig struct {
	Tenants           []string
	ReconcileInterval time.Duration
	DriftInterval     time.Duration
}

// Scheduler drives the poller and the drift importer on independent timers
// for every configured tenant until its context is cancelled.
type Scheduler struct {
	poller Ticker
	drift  Ticker
	cfg    SchedulerConfig
	scope  tenantScope
	logger zerolog.Logger
}

func NewScheduler(pool *pgxpool.Pool, poller, drift Ticker, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.DriftInterval <= 0 {
		cfg.DriftInterval = 5 * time.Minute
	}
	return &Scheduler{
		poller: poller,
		drift:  drift,
		cfg:    cfg,
		scope: func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
			return db.WithTenant(ctx, pool, tenant, fn)
		},
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	reconcile := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcile.Stop()
	drift := time.NewTicker(s.cfg.DriftInterval)
	defer drift.Stop()

	s.logger.Info().
		Strs("tenants", s.cfg.Tenants).
		Dur("reconcile_interval", s.cfg.ReconcileInterval).
		Dur("drift_interval", s.cfg.DriftInterval).
		Msg("payment scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("payment scheduler stopped")
			return
		case <-reconcile.C:
			s.RunAll(ctx, s.poller)
		case <-drift.C:
			s.RunAll(ctx, s.drift)
		}
	}
}

// RunAll ticks t once for every tenant and returns the results in tenant
// order.
func (s *Scheduler) RunAll(ctx context.Context, t Ticker) []BatchResult {
	out := make([]BatchResult, 0, len(s.cfg.Tenants))
	for _, tenant := range s.cfg.Tenants {
		if ctx.Err() != nil {
			break
		}
		res, err := s.RunTenant(ctx, tenant, t)
		if err != nil {
			s.logger.Error().Err(err).Str("tenant", tenant).Msg("tenant tick failed")
			continue
		}
		out = append(out, res)
	}
	return out
}

// RunTenant ticks t once inside tenant's schema.
func (s *Scheduler) RunTenant(ctx context.Context, tenant string, t Ticker) (BatchResult, error) {
	var res BatchResult
	err := s.scope(ctx, tenant, func(ctx context.Context) error {
		res = t.Tick(ctx)
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	res.Tenant = tenant
	res.Log(s.logger)
	return res, nil
}
