// Package lifecycle drives tenant instances through provisioning, start,
// stop, restart, retry and deprovisioning.
//
// Every platform side effect is followed by a compare-and-swap on the
// instance record, so a crashed or interrupted operation can be resumed
// from the last recorded checkpoint by calling Resume again. Resources to
// destroy on rollback or deprovision are derived from the transition log,
// never from in-memory state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tenantfleet/internal/events"
	"github.com/mbd888/tenantfleet/internal/idgen"
	"github.com/mbd888/tenantfleet/internal/instance"
	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/logging"
	"github.com/mbd888/tenantfleet/internal/metrics"
	"github.com/mbd888/tenantfleet/internal/naming"
	"github.com/mbd888/tenantfleet/internal/orchestrator"
	"github.com/mbd888/tenantfleet/internal/retry"
	"github.com/mbd888/tenantfleet/internal/tenant"
	"github.com/mbd888/tenantfleet/internal/traces"
)

const (
	// DefaultBudget bounds one provisioning attempt, measured from the
	// request (or the last retry) to running.
	DefaultBudget = 10 * time.Minute

	// DefaultImage is deployed when no image is configured.
	DefaultImage = "ghcr.io/tenantfleet/tenant-app:stable"

	stepAttempts = 3
)

// Tenants is the subset of the tenant service the driver reads.
type Tenants interface {
	GetAccount(ctx context.Context, id string) (*tenant.Account, error)
	GetSubscription(ctx context.Context, id string) (*tenant.Subscription, error)
}

// Driver runs lifecycle operations against one store and one platform.
type Driver struct {
	store     instance.Store
	platform  orchestrator.Client
	tenants   Tenants
	allocator *naming.Allocator
	policy    *limits.Policy
	publisher events.Publisher
	image     string
	budget    time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewDriver creates a driver with the default tier table, image and budget.
func NewDriver(store instance.Store, platform orchestrator.Client, tenants Tenants, allocator *naming.Allocator) *Driver {
	return &Driver{
		store:     store,
		platform:  platform,
		tenants:   tenants,
		allocator: allocator,
		policy:    limits.DefaultPolicy(),
		publisher: events.Nop{},
		image:     DefaultImage,
		budget:    DefaultBudget,
		baseDelay: time.Second,
		maxDelay:  15 * time.Second,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithPolicy sets the tier table limits are resolved from.
func (d *Driver) WithPolicy(p *limits.Policy) *Driver {
	d.policy = p
	return d
}

// WithPublisher sets where transition events are sent.
func (d *Driver) WithPublisher(p events.Publisher) *Driver {
	d.publisher = p
	return d
}

// WithImage sets the application image deployed by provisioning.
func (d *Driver) WithImage(image string) *Driver {
	if image != "" {
		d.image = image
	}
	return d
}

// WithBudget sets the provisioning wall-clock budget.
func (d *Driver) WithBudget(budget time.Duration) *Driver {
	if budget > 0 {
		d.budget = budget
	}
	return d
}

// WithBackoff sets the per-step retry backoff.
func (d *Driver) WithBackoff(base, max time.Duration) *Driver {
	d.baseDelay = base
	d.maxDelay = max
	return d
}

// WithLogger sets the logger used when the caller's context carries none,
// as for dispatcher workers and the reconciler.
func (d *Driver) WithLogger(l *slog.Logger) *Driver {
	d.logger = l
	return d
}

// scope tags the context logger with the instance and operation being
// driven, starting from the driver's logger when ctx has none.
func (d *Driver) scope(ctx context.Context, id, op string) context.Context {
	return logging.WithInstance(logging.WithDefault(ctx, d.logger), id, op)
}

// Store returns the instance store.
func (d *Driver) Store() instance.Store { return d.store }

// Get returns an instance.
func (d *Driver) Get(ctx context.Context, id string) (*instance.Instance, error) {
	return d.store.Get(ctx, id)
}

// Provision validates the subscription, allocates names and records a new
// instance in requested. Nothing is created on the platform; call Run (or
// dispatch a resume) to drive it.
func (d *Driver) Provision(ctx context.Context, subscriptionID string) (inst *instance.Instance, err error) {
	ctx = logging.WithDefault(ctx, d.logger)
	ctx, span := traces.StartSpan(ctx, "lifecycle.Provision", traces.SubscriptionID(subscriptionID))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		observe("provision_request", err)
	}()

	sub, err := d.tenants.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Provisionable() {
		return nil, fmt.Errorf("%w: subscription %s is %s", ErrSubscriptionInactive, sub.ID, sub.Status)
	}
	account, err := d.tenants.GetAccount(ctx, sub.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Status != tenant.AccountActive {
		return nil, fmt.Errorf("%w: account %s is %s", ErrSubscriptionInactive, account.ID, account.Status)
	}
	resolved, err := d.policy.Resolve(sub.Tier)
	if err != nil {
		return nil, err
	}

	active, err := d.store.ListActiveForSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, fmt.Errorf("%w: instance %s is %s", instance.ErrActiveInstanceExists, active[0].ID, active[0].Status)
	}

	id := idgen.New()
	tenantKey := account.Slug
	if tenantKey == "" {
		tenantKey = account.ID
	}
	identity, err := d.allocator.Allocate(tenantKey, id)
	if err != nil {
		return nil, err
	}

	inst = &instance.Instance{
		ID:             id,
		SubscriptionID: sub.ID,
		AccountID:      sub.AccountID,
		Tier:           sub.Tier,
		Identity:       identity,
		Status:         instance.StatusRequested,
		Limits:         resolved,
	}
	// Create re-checks occupancy atomically with the insert; the check above
	// only avoids allocating for an obvious duplicate.
	if err := d.store.Create(ctx, inst); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.InstanceID(id))
	metrics.InstanceTransitionsTotal.WithLabelValues(string(instance.StatusRequested), instance.ActionProvision).Inc()
	d.publish(ctx, "", inst, instance.ActionProvision, "")

	logging.L(ctx).Info("instance requested",
		"instance_id", id, "subscription_id", sub.ID, "tier", sub.Tier, "app", identity.AppName)
	return inst, nil
}

// Resume continues whatever in-flight operation the instance's status
// records. Instances at rest are returned unchanged.
func (d *Driver) Resume(ctx context.Context, id string) (*instance.Instance, error) {
	inst, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case inst.Status.Provisioning():
		return d.Run(ctx, id)
	case inst.Status == instance.StatusRestarting:
		return d.FinishRestart(ctx, id)
	case inst.Status == instance.StatusDeprovisioning:
		return d.FinishDeprovision(ctx, id)
	}
	return inst, nil
}

// transition applies c to inst with a status and version CAS and publishes
// the resulting event.
func (d *Driver) transition(ctx context.Context, inst *instance.Instance, c instance.Change) (*instance.Instance, error) {
	c.ExpectedVersion = inst.Version
	next, err := d.store.UpdateStatus(ctx, inst.ID, inst.Status, c)
	if err != nil {
		if errors.Is(err, instance.ErrConflict) {
			return nil, fmt.Errorf("%w: %s changed after version %d", ErrConcurrentModification, inst.ID, inst.Version)
		}
		return nil, err
	}
	metrics.InstanceTransitionsTotal.WithLabelValues(string(next.Status), c.Action).Inc()
	d.publish(ctx, inst.Status, next, c.Action, c.ErrorCode)

	attrs := []any{"from", inst.Status, "to", next.Status, "action", c.Action, "version", next.Version}
	if c.ErrorCode != "" {
		logging.L(ctx).Warn("instance transition", append(attrs, "error_code", c.ErrorCode)...)
	} else {
		logging.L(ctx).Info("instance transition", attrs...)
	}
	return next, nil
}

func (d *Driver) publish(ctx context.Context, from instance.Status, inst *instance.Instance, action, code string) {
	typ := events.TypeStatusChanged
	switch {
	case inst.Status == instance.StatusFailed && from != instance.StatusFailed:
		typ = events.TypeFailed
	case inst.Status == instance.StatusDeprovisioned:
		typ = events.TypeDeprovisioned
	case inst.Status == instance.StatusRunning && action == stepVerify:
		typ = events.TypeProvisioned
	}
	ev := events.Event{
		Type:           typ,
		InstanceID:     inst.ID,
		SubscriptionID: inst.SubscriptionID,
		AccountID:      inst.AccountID,
		From:           string(from),
		To:             string(inst.Status),
		Action:         action,
		Step:           inst.Step,
		ErrorCode:      code,
		Version:        inst.Version,
		Timestamp:      inst.UpdatedAt,
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		logging.L(ctx).Warn("publish instance event", "instance_id", inst.ID, "error", err)
	}
}

// call runs one platform operation with the per-step retry policy. Only
// retryable failures are retried; the result is a *orchestrator.Failure,
// a *retry.ExhaustedError wrapping one, or a context error.
func (d *Driver) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	policy := retry.Policy{
		MaxAttempts: stepAttempts,
		BaseDelay:   d.baseDelay,
		MaxDelay:    d.maxDelay,
		Retryable: func(err error) bool {
			return orchestrator.Classify(op, err).Kind == orchestrator.KindRetryable
		},
		OnRetry: func(attempt int, err error, wait time.Duration) {
			metrics.StepRetriesTotal.WithLabelValues(op).Inc()
			logging.L(ctx).Warn("retrying platform call",
				"platform_op", op, "attempt", attempt, "wait", wait, "code", orchestrator.CodeOf(err))
		},
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return orchestrator.Classify(op, err)
		}
		return nil
	})
}

// observe counts a finished lifecycle operation.
func observe(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, instance.ErrConflict):
		result = "conflict"
	case errors.Is(err, ErrInterrupted):
		result = "interrupted"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, instance.ErrNotFound),
		errors.Is(err, instance.ErrActiveInstanceExists), errors.Is(err, limits.ErrConfiguration):
		result = "rejected"
	default:
		result = "failed"
	}
	metrics.LifecycleOperationsTotal.WithLabelValues(op, result).Inc()
}

func statusPtr(s instance.Status) *instance.Status { return &s }

func stringPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func timePtr(t time.Time) *time.Time { return &t }
