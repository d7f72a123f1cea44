package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/tenantfleet/internal/instance"
	"github.com/mbd888/tenantfleet/internal/metrics"
)

// Reconciler finds instances left in an in-flight status by a crashed or
// stalled worker and dispatches a resume for each.
type Reconciler struct {
	store    instance.Store
	dispatch Submitter
	interval time.Duration
	grace    time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewReconciler creates a reconciler. Instances untouched for longer than
// grace are considered abandoned.
func NewReconciler(store instance.Store, dispatch Submitter, interval, grace time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		dispatch: dispatch,
		interval: interval,
		grace:    grace,
		batch:    100,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the reconcile loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start sweeps once immediately, then on every tick. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	r.safeSweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in reconciler", "panic", fmt.Sprint(rec))
		}
	}()
	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Warn("reconcile sweep failed", "error", err)
	}
}

// Sweep dispatches a resume for every stalled in-flight instance and
// returns how many were dispatched.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stalled, err := r.store.ListInFlight(ctx, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, inst := range stalled {
		if err := r.dispatch.Submit(Job{Op: OpResume, InstanceID: inst.ID}); err != nil {
			r.logger.Warn("failed to dispatch stalled instance",
				"instance_id", inst.ID, "status", inst.Status, "error", err)
			continue
		}
		dispatched++
		metrics.ReconciledInstancesTotal.Inc()
		r.logger.Info("resuming stalled instance",
			"instance_id", inst.ID, "status", inst.Status, "step", inst.Step, "updated_at", inst.UpdatedAt)
	}
	return dispatched, nil
}
