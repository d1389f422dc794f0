package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"autorepayd/observability"
)

const defaultReconcileInterval = 5 * time.Second

// ReconcilerConfig configures the background reconciliation loop.
type ReconcilerConfig struct {
	Manager  *Manager
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *observability.EngineMetrics
	// NewTicker is injectable so tests can advance virtual time instead
	// of waiting on real timers.
	NewTicker func(time.Duration) (<-chan time.Time, func())
}

// Reconciler keeps every managed position fresh by refreshing on a fixed
// cadence. A tick that would overlap an in-flight refresh or mutating
// transition is skipped and picked up on the next interval, so the loop
// never races user-triggered work.
type Reconciler struct {
	manager   *Manager
	interval  time.Duration
	logger    *slog.Logger
	metrics   *observability.EngineMetrics
	newTicker func(time.Duration) (<-chan time.Time, func())
}

// NewReconciler constructs a reconciler with sane defaults.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newTicker := cfg.NewTicker
	if newTicker == nil {
		newTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	return &Reconciler{
		manager:   cfg.Manager,
		interval:  interval,
		logger:    logger,
		metrics:   cfg.Metrics,
		newTicker: newTicker,
	}
}

// Run polls until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r == nil || r.manager == nil {
		return
	}
	ticks, stop := r.newTicker(r.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	for _, eng := range r.manager.Active() {
		_, ran, err := eng.TryRefresh(ctx)
		r.metrics.ObserveTick(!ran)
		if !ran {
			continue
		}
		if err != nil {
			// Transport failures are retried on the next interval, never
			// in a tight loop. Anything else is worth a louder line.
			if errors.Is(err, ErrReadUnavailable) {
				r.logger.Debug("reconcile refresh unavailable",
					slog.String("ipId", eng.journalID()), slog.Any("error", err))
			} else {
				r.logger.Warn("reconcile refresh failed",
					slog.String("ipId", eng.journalID()), slog.Any("error", err))
			}
		}
	}
}
