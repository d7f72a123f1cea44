package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/tenantfleet/internal/instance"
	"github.com/mbd888/tenantfleet/internal/logging"
	"github.com/mbd888/tenantfleet/internal/orchestrator"
	"github.com/mbd888/tenantfleet/internal/traces"
)

// RequireStatus returns the instance if its status is one of allowed, and
// ErrInvalidTransition otherwise.
func (d *Driver) RequireStatus(ctx context.Context, id string, allowed ...instance.Status) (*instance.Instance, error) {
	inst, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, s := range allowed {
		if inst.Status == s {
			return inst, nil
		}
	}
	return inst, fmt.Errorf("%w: instance %s is %s", ErrInvalidTransition, id, inst.Status)
}

// Start brings a stopped instance back to running.
func (d *Driver) Start(ctx context.Context, id string) (*instance.Instance, error) {
	return d.power(ctx, id, orchestrator.OpStart, instance.StatusStopped, instance.StatusRunning, d.platform.Start)
}

// Stop takes a running instance down without releasing anything.
func (d *Driver) Stop(ctx context.Context, id string) (*instance.Instance, error) {
	return d.power(ctx, id, orchestrator.OpStop, instance.StatusRunning, instance.StatusStopped, d.platform.Stop)
}

// power runs start or stop: a claim transition on from, one platform call,
// then the move to to. A platform that no longer has the app fails the
// instance as orphaned; any other failure leaves it in from with the error
// recorded on the transition.
func (d *Driver) power(ctx context.Context, id, op string, from, to instance.Status, call func(ctx context.Context, app string) error) (inst *instance.Instance, err error) {
	ctx = d.scope(ctx, id, op)
	ctx, span := traces.StartSpan(ctx, "lifecycle."+op, traces.InstanceID(id))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		observe(op, err)
	}()

	inst, err = d.RequireStatus(ctx, id, from)
	if err != nil {
		return inst, err
	}
	inst, err = d.transition(ctx, inst, instance.Change{To: from, Action: actionBegin + op})
	if err != nil {
		return nil, err
	}

	callErr := d.call(ctx, op, func(ctx context.Context) error { return call(ctx, inst.Identity.AppName) })
	if callErr != nil {
		if ctx.Err() != nil {
			return inst, fmt.Errorf("%w: %s during %s", ErrInterrupted, id, op)
		}
		if orchestrator.IsNotFound(callErr) {
			return d.failOrphaned(ctx, inst, op, from)
		}
		code := orchestrator.CodeOf(callErr)
		next, err := d.transition(ctx, inst, instance.Change{
			To: from, Action: op, ErrorCode: code, ErrorDetail: sanitize(callErr),
		})
		if err != nil {
			return inst, err
		}
		return next, &StepError{Step: op, Code: code, Err: callErr}
	}

	now := d.now().UTC()
	change := instance.Change{To: to, Action: op}
	if to == instance.StatusRunning {
		change.LastStartedAt = timePtr(now)
	} else {
		change.LastStoppedAt = timePtr(now)
	}
	return d.transition(ctx, inst, change)
}

// failOrphaned records that the platform lost the application. The
// instance must be reprovisioned; a retry starts over with the same names.
func (d *Driver) failOrphaned(ctx context.Context, inst *instance.Instance, op string, lastGood instance.Status) (*instance.Instance, error) {
	next, err := d.transition(ctx, inst, instance.Change{
		To:             instance.StatusFailed,
		Action:         op,
		LastGoodStatus: statusPtr(lastGood),
		ErrorCode:      CodeOrphaned,
		ErrorDetail:    sanitize(ErrOrphaned),
	})
	if err != nil {
		return inst, err
	}
	logging.L(ctx).Error("application missing on platform", "app", inst.Identity.AppName, "op", op)
	return next, &StepError{Step: op, Code: CodeOrphaned, Err: ErrOrphaned}
}

// Restart moves a running instance through restarting and back.
func (d *Driver) Restart(ctx context.Context, id string) (*instance.Instance, error) {
	if _, err := d.BeginRestart(ctx, id); err != nil {
		return nil, err
	}
	return d.FinishRestart(ctx, id)
}

// BeginRestart records the intent to restart. The restarting status is
// durable, so a crash before FinishRestart is picked up by the reconciler.
func (d *Driver) BeginRestart(ctx context.Context, id string) (*instance.Instance, error) {
	inst, err := d.RequireStatus(ctx, id, instance.StatusRunning)
	if err != nil {
		return inst, err
	}
	return d.transition(d.scope(ctx, id, orchestrator.OpRestart), inst,
		instance.Change{To: instance.StatusRestarting, Action: actionBegin + orchestrator.OpRestart})
}

// FinishRestart issues the platform restart for a restarting instance.
func (d *Driver) FinishRestart(ctx context.Context, id string) (inst *instance.Instance, err error) {
	ctx = d.scope(ctx, id, orchestrator.OpRestart)
	ctx, span := traces.StartSpan(ctx, "lifecycle.restart", traces.InstanceID(id))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		observe(orchestrator.OpRestart, err)
	}()

	inst, err = d.RequireStatus(ctx, id, instance.StatusRestarting)
	if err != nil {
		return inst, err
	}
	callErr := d.call(ctx, orchestrator.OpRestart, func(ctx context.Context) error {
		return d.platform.Restart(ctx, inst.Identity.AppName)
	})
	if callErr != nil {
		if ctx.Err() != nil {
			return inst, fmt.Errorf("%w: %s during restart", ErrInterrupted, id)
		}
		if orchestrator.IsNotFound(callErr) {
			return d.failOrphaned(ctx, inst, orchestrator.OpRestart, instance.StatusRunning)
		}
		code := orchestrator.CodeOf(callErr)
		next, err := d.transition(ctx, inst, instance.Change{
			To:             instance.StatusFailed,
			Action:         orchestrator.OpRestart,
			LastGoodStatus: statusPtr(instance.StatusRunning),
			ErrorCode:      code,
			ErrorDetail:    sanitize(callErr),
		})
		if err != nil {
			return inst, err
		}
		return next, &StepError{Step: orchestrator.OpRestart, Code: code, Err: callErr}
	}
	return d.transition(ctx, inst, instance.Change{
		To:            instance.StatusRunning,
		Action:        orchestrator.OpRestart,
		LastStartedAt: timePtr(d.now().UTC()),
	})
}

// Deprovision tears an instance down completely.
func (d *Driver) Deprovision(ctx context.Context, id string) (*instance.Instance, error) {
	if _, err := d.BeginDeprovision(ctx, id); err != nil {
		return nil, err
	}
	return d.FinishDeprovision(ctx, id)
}

// BeginDeprovision moves any instance that is not already gone to
// deprovisioning. An instance already deprovisioning is returned as is.
func (d *Driver) BeginDeprovision(ctx context.Context, id string) (*instance.Instance, error) {
	ctx = d.scope(ctx, id, "deprovision")
	inst, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch inst.Status {
	case instance.StatusDeprovisioning:
		return inst, nil
	case instance.StatusDeprovisioned:
		return inst, fmt.Errorf("%w: instance %s is already deprovisioned", ErrInvalidTransition, id)
	}
	return d.transition(ctx, inst, instance.Change{To: instance.StatusDeprovisioning, Action: actionBegin + "deprovision"})
}

// FinishDeprovision exports data (best effort) and destroys every recorded
// resource through the same path rollback uses. Destroy failures leave the
// instance failed with deprovision_incomplete; a retry picks up here.
func (d *Driver) FinishDeprovision(ctx context.Context, id string) (inst *instance.Instance, err error) {
	ctx = d.scope(ctx, id, "deprovision")
	ctx, span := traces.StartSpan(ctx, "lifecycle.deprovision", traces.InstanceID(id))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		observe("deprovision", err)
	}()

	inst, err = d.RequireStatus(ctx, id, instance.StatusDeprovisioning)
	if err != nil {
		return inst, err
	}
	trs, err := d.store.ListTransitions(ctx, id)
	if err != nil {
		return inst, err
	}
	st := &runState{inst: inst}

	created := createdSteps(trs)
	if created[stepCreateDB] && inst.ExportRef == "" && !exportAttempted(trs) {
		if err := d.export(ctx, st); err != nil {
			return st.inst, err
		}
	}

	ok, err := d.destroyAll(ctx, st, actionDeprovision)
	if err != nil {
		return st.inst, err
	}
	if !ok {
		next, err := d.transition(ctx, st.inst, instance.Change{
			To:             instance.StatusFailed,
			Action:         CodeDeprovisionIncomplete,
			LastGoodStatus: statusPtr(instance.StatusDeprovisioning),
			ErrorCode:      CodeDeprovisionIncomplete,
			ErrorDetail:    "some resources could not be destroyed; retry to continue",
		})
		if err != nil {
			return st.inst, err
		}
		return next, &StepError{Step: "deprovision", Code: CodeDeprovisionIncomplete, Err: errors.New("resources remain on platform")}
	}
	return d.transition(ctx, st.inst, instance.Change{
		To:                instance.StatusDeprovisioned,
		Action:            "deprovision",
		ResourcesReleased: boolPtr(true),
		DeprovisionedAt:   timePtr(d.now().UTC()),
	})
}

// export snapshots the database before teardown. A failed export is
// recorded and does not block deprovisioning.
func (d *Driver) export(ctx context.Context, st *runState) error {
	var ref string
	exportErr := d.call(ctx, orchestrator.OpExportData, func(ctx context.Context) error {
		var err error
		ref, err = d.platform.ExportData(ctx, st.inst.Identity.AppName, st.inst.Identity.DBServiceName)
		return err
	})
	if exportErr != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %s during export", ErrInterrupted, st.inst.ID)
	}
	change := instance.Change{To: st.inst.Status, Action: orchestrator.OpExportData}
	if exportErr != nil {
		change.ErrorCode = CodeExportFailed
		change.ErrorDetail = sanitize(exportErr)
		logging.L(ctx).Warn("data export failed, continuing teardown", "error", exportErr)
	} else {
		change.ExportRef = stringPtr(ref)
	}
	next, err := d.transition(ctx, st.inst, change)
	if err != nil {
		return err
	}
	st.inst = next
	return nil
}

func exportAttempted(trs []*instance.Transition) bool {
	for _, tr := range trs {
		if tr.Action == orchestrator.OpExportData {
			return true
		}
	}
	return false
}

// Retry moves a failed instance back into the operation that failed and
// resumes it.
func (d *Driver) Retry(ctx context.Context, id string) (*instance.Instance, error) {
	if _, err := d.PrepareRetry(ctx, id); err != nil {
		return nil, err
	}
	return d.Resume(ctx, id)
}

// PrepareRetry chooses where a failed instance resumes:
//   - a failed teardown goes back to deprovisioning;
//   - a consistency fault resumes provisioning at its checkpoint;
//   - a failed restart goes back to restarting;
//   - anything else, including orphaned apps and rolled-back provisioning,
//     starts over at requested with the same identity.
func (d *Driver) PrepareRetry(ctx context.Context, id string) (*instance.Instance, error) {
	ctx = d.scope(ctx, id, actionRetry)
	inst, err := d.RequireStatus(ctx, id, instance.StatusFailed)
	if err != nil {
		return inst, err
	}

	change := instance.Change{Action: actionRetry}
	switch {
	case inst.LastGoodStatus == instance.StatusDeprovisioning:
		change.To = instance.StatusDeprovisioning
	case inst.ErrorCode == CodeConsistencyFault && inst.LastGoodStatus.Provisioning():
		change.To = inst.LastGoodStatus
	case inst.LastGoodStatus == instance.StatusRunning && inst.ErrorCode != CodeOrphaned:
		change.To = instance.StatusRestarting
	default:
		change.To = instance.StatusRequested
		change.Step = stringPtr("")
		change.ResourcesReleased = boolPtr(false)
	}
	return d.transition(ctx, inst, change)
}

// ApplyLimits pushes the subscription's current tier limits to a running or
// stopped instance. Tier changes never reach an instance otherwise.
func (d *Driver) ApplyLimits(ctx context.Context, id string) (inst *instance.Instance, err error) {
	ctx = d.scope(ctx, id, "apply_limits")
	ctx, span := traces.StartSpan(ctx, "lifecycle.apply_limits", traces.InstanceID(id))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		observe("apply_limits", err)
	}()

	inst, err = d.RequireStatus(ctx, id, instance.StatusRunning, instance.StatusStopped)
	if err != nil {
		return inst, err
	}
	sub, err := d.tenants.GetSubscription(ctx, inst.SubscriptionID)
	if err != nil {
		return inst, err
	}
	resolved, err := d.policy.Resolve(sub.Tier)
	if err != nil {
		return inst, err
	}

	env := limitsEnv(resolved)
	env["TIER"] = string(sub.Tier)
	callErr := d.call(ctx, orchestrator.OpSetEnv, func(ctx context.Context) error {
		return d.platform.SetEnv(ctx, inst.Identity.AppName, env)
	})
	if callErr != nil {
		if ctx.Err() != nil {
			return inst, fmt.Errorf("%w: %s during apply_limits", ErrInterrupted, id)
		}
		if orchestrator.IsNotFound(callErr) {
			return d.failOrphaned(ctx, inst, "apply_limits", inst.Status)
		}
		code := orchestrator.CodeOf(callErr)
		next, err := d.transition(ctx, inst, instance.Change{
			To: inst.Status, Action: "apply_limits", ErrorCode: code, ErrorDetail: sanitize(callErr),
		})
		if err != nil {
			return inst, err
		}
		return next, &StepError{Step: "apply_limits", Code: code, Err: callErr}
	}

	tier := sub.Tier
	return d.transition(ctx, inst, instance.Change{
		To:     inst.Status,
		Action: "apply_limits",
		Tier:   &tier,
		Limits: &resolved,
	})
}
