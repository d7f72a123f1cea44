package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/tenantfleet/internal/instance"
	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/logging"
	"github.com/mbd888/tenantfleet/internal/metrics"
	"github.com/mbd888/tenantfleet/internal/orchestrator"
	"github.com/mbd888/tenantfleet/internal/traces"
)

// Provisioning step names. They double as transition actions and as the
// checkpoint stored in Instance.Step.
const (
	stepCreateApp   = orchestrator.OpCreateApp
	stepStorage     = orchestrator.OpAttachStorage
	stepCreateDB    = orchestrator.OpCreateManagedDB
	stepLinkDB      = orchestrator.OpLinkDB
	stepCreateCache = orchestrator.OpCreateManagedCache
	stepLinkCache   = orchestrator.OpLinkCache
	stepSetEnv      = orchestrator.OpSetEnv
	stepDomains     = orchestrator.OpSetDomains
	stepDeploy      = orchestrator.OpDeployImage
	stepVerify      = "verify"

	actionBegin            = "begin:"
	actionRollback         = "rollback:"
	actionDeprovision      = "deprovision:"
	actionRollbackComplete = "rollback_complete"
	actionRetry            = "retry"
)

var errBudgetExceeded = errors.New("provision budget exceeded")

// runState is what one provisioning pass carries between steps. Connection
// info is never persisted; a resumed pass asks the platform again.
type runState struct {
	inst   *instance.Instance
	db     orchestrator.ConnInfo
	cache  orchestrator.ConnInfo
	health orchestrator.HealthReport
}

// step is one entry of the provisioning plan. undo names the platform
// operation that destroys what run created, or "" when the step creates
// nothing of its own.
type step struct {
	name   string
	status instance.Status
	run    func(ctx context.Context, d *Driver, st *runState) error
	undo   string
}

// plan is the fixed provisioning order. Each step consumes what earlier
// steps produced, so the order must not change.
var plan = []step{
	{name: stepCreateApp, status: instance.StatusProvisioningApp, run: runCreateApp, undo: orchestrator.OpDestroyApp},
	{name: stepStorage, status: instance.StatusProvisioningStorage, run: runAttachStorage, undo: orchestrator.OpDestroyStorage},
	{name: stepCreateDB, status: instance.StatusProvisioningServices, run: runCreateDB, undo: orchestrator.OpDestroyManagedDB},
	{name: stepLinkDB, status: instance.StatusProvisioningServices, run: runLinkDB},
	{name: stepCreateCache, status: instance.StatusProvisioningServices, run: runCreateCache, undo: orchestrator.OpDestroyManagedCache},
	{name: stepLinkCache, status: instance.StatusProvisioningServices, run: runLinkCache},
	{name: stepSetEnv, status: instance.StatusProvisioningServices, run: runSetEnv},
	{name: stepDomains, status: instance.StatusDeploying, run: runSetDomains, undo: orchestrator.OpRemoveDomains},
	{name: stepDeploy, status: instance.StatusDeploying, run: runDeploy},
	{name: stepVerify, status: instance.StatusVerifying, run: runVerify},
}

// stepIndex returns the plan position of name, or -1.
func stepIndex(name string) int {
	for i, s := range plan {
		if s.name == name {
			return i
		}
	}
	return -1
}

// checkpointStatus is the status to resume at for a checkpoint.
func checkpointStatus(checkpoint string) instance.Status {
	if i := stepIndex(checkpoint); i >= 0 {
		return plan[i].status
	}
	return instance.StatusRequested
}

func runCreateApp(ctx context.Context, d *Driver, st *runState) error {
	return d.platform.CreateApp(ctx, orchestrator.AppSpec{
		Name:   st.inst.Identity.AppName,
		Owner:  st.inst.ID,
		Limits: st.inst.Limits,
	})
}

func runAttachStorage(ctx context.Context, d *Driver, st *runState) error {
	size := st.inst.Limits.MaxStorageGB
	if limits.IsUnlimited(size) {
		size = 0 // platform default
	}
	return d.platform.AttachStorage(ctx, orchestrator.StorageSpec{
		App:    st.inst.Identity.AppName,
		Owner:  st.inst.ID,
		SizeGB: size,
	})
}

func runCreateDB(ctx context.Context, d *Driver, st *runState) error {
	conn, err := d.platform.CreateManagedDB(ctx, serviceSpec(st.inst, st.inst.Identity.DBServiceName))
	if err != nil {
		return err
	}
	st.db = conn
	return nil
}

func runLinkDB(ctx context.Context, d *Driver, st *runState) error {
	return d.platform.LinkDB(ctx, st.inst.Identity.AppName, st.inst.Identity.DBServiceName)
}

func runCreateCache(ctx context.Context, d *Driver, st *runState) error {
	conn, err := d.platform.CreateManagedCache(ctx, serviceSpec(st.inst, st.inst.Identity.CacheServiceName))
	if err != nil {
		return err
	}
	st.cache = conn
	return nil
}

func runLinkCache(ctx context.Context, d *Driver, st *runState) error {
	return d.platform.LinkCache(ctx, st.inst.Identity.AppName, st.inst.Identity.CacheServiceName)
}

func runSetEnv(ctx context.Context, d *Driver, st *runState) error {
	if st.db.URL == "" {
		conn, err := d.platform.DescribeService(ctx, orchestrator.ServiceDB, st.inst.Identity.DBServiceName)
		if err != nil {
			return err
		}
		st.db = conn
	}
	if st.cache.URL == "" {
		conn, err := d.platform.DescribeService(ctx, orchestrator.ServiceCache, st.inst.Identity.CacheServiceName)
		if err != nil {
			return err
		}
		st.cache = conn
	}
	return d.platform.SetEnv(ctx, st.inst.Identity.AppName, environment(st.inst, st.db, st.cache))
}

func runSetDomains(ctx context.Context, d *Driver, st *runState) error {
	return d.platform.SetDomains(ctx, st.inst.Identity.AppName, st.inst.Identity.Hosts(st.inst.Limits.ChatFederation))
}

func runDeploy(ctx context.Context, d *Driver, st *runState) error {
	return d.platform.DeployImage(ctx, st.inst.Identity.AppName, d.image)
}

func runVerify(ctx context.Context, d *Driver, st *runState) error {
	report, err := d.platform.CheckHealth(ctx, st.inst.Identity.AppName)
	if err != nil {
		return err
	}
	if !report.Healthy {
		return orchestrator.Retryable(orchestrator.OpCheckHealth, CodeUnhealthy, errors.New(report.Detail))
	}
	st.health = report
	return nil
}

func serviceSpec(inst *instance.Instance, name string) orchestrator.ServiceSpec {
	return orchestrator.ServiceSpec{
		Name:   name,
		App:    inst.Identity.AppName,
		Owner:  inst.ID,
		Limits: inst.Limits,
	}
}

// environment is the full variable set injected into the tenant app.
func environment(inst *instance.Instance, db, cache orchestrator.ConnInfo) map[string]string {
	urls := inst.Identity.URLs(inst.Limits.ChatFederation)
	env := map[string]string{
		"DATABASE_URL": db.URL,
		"REDIS_URL":    cache.URL,
		"INSTANCE_ID":  inst.ID,
		"TENANT_ID":    inst.AccountID,
		"TIER":         string(inst.Tier),
		"PUBLIC_URL":   urls.Frontend,
		"API_URL":      urls.Backend,
	}
	if urls.Chat != "" {
		env["CHAT_URL"] = urls.Chat
	}
	for k, v := range limitsEnv(inst.Limits) {
		env[k] = v
	}
	return env
}

// limitsEnv renders the resource envelope the tenant app enforces itself.
func limitsEnv(l limits.ResourceLimits) map[string]string {
	return map[string]string{
		"MAX_AGENTS":              strconv.Itoa(l.MaxAgents),
		"MAX_MESSAGES_PER_DAY":    strconv.Itoa(l.MaxMessagesPerDay),
		"MAX_STORAGE_GB":          strconv.Itoa(l.MaxStorageGB),
		"MEMORY_MB":               strconv.Itoa(l.MemoryMB),
		"CPU_CORES":               strconv.FormatFloat(l.CPUCores, 'f', -1, 64),
		"CHAT_FEDERATION_ENABLED": strconv.FormatBool(l.ChatFederation),
	}
}

// Run drives a provisioning instance from its checkpoint to running. It is
// the single path for fresh provisioning, crash recovery and retries.
//
// On a fatal or exhausted step the instance is moved to failed and every
// resource recorded as created is destroyed in reverse order. A name held
// by a foreign owner fails the instance without destroying anything.
func (d *Driver) Run(ctx context.Context, id string) (inst *instance.Instance, err error) {
	ctx = d.scope(ctx, id, "provision")
	ctx, span := traces.StartSpan(ctx, "lifecycle.Run", traces.InstanceID(id))
	defer func() {
		traces.RecordError(span, err)
		span.End()
		observe("provision", err)
	}()

	inst, err = d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.Status.Provisioning() {
		return inst, fmt.Errorf("%w: cannot provision from %s", ErrInvalidTransition, inst.Status)
	}
	trs, err := d.store.ListTransitions(ctx, id)
	if err != nil {
		return inst, err
	}

	started := attemptStart(trs, inst.CreatedAt)
	budgetCtx, cancel := context.WithDeadline(ctx, started.Add(d.budget))
	defer cancel()

	st := &runState{inst: inst}
	for _, s := range plan[stepIndex(inst.Step)+1:] {
		if err := d.runStep(ctx, budgetCtx, st, s); err != nil {
			return st.inst, err
		}
	}

	metrics.ProvisionDuration.Observe(d.now().Sub(started).Seconds())
	logging.L(ctx).Info("instance provisioned",
		"app", st.inst.Identity.AppName, "frontend", st.inst.URLs.Frontend)
	return st.inst, nil
}

// attemptStart is when the current provisioning attempt began: the last
// request or retry recorded in the log.
func attemptStart(trs []*instance.Transition, fallback time.Time) time.Time {
	start := fallback
	for _, tr := range trs {
		if tr.To == instance.StatusRequested || tr.Action == actionRetry {
			start = tr.CreatedAt
		}
	}
	return start
}

func (d *Driver) runStep(ctx, budgetCtx context.Context, st *runState, s step) error {
	stepCtx, span := traces.StartSpan(budgetCtx, "lifecycle.step", traces.Step(s.name), traces.InstanceID(st.inst.ID))
	defer span.End()

	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %s before %s: %v", ErrInterrupted, st.inst.ID, s.name, ctx.Err())
	case budgetCtx.Err() != nil:
		return d.failProvision(ctx, st, s, CodeProvisionTimeout, errBudgetExceeded)
	}

	if st.inst.Status != s.status {
		next, err := d.transition(ctx, st.inst, instance.Change{To: s.status, Action: actionBegin + s.name})
		if err != nil {
			traces.RecordError(span, err)
			return err
		}
		st.inst = next
	}

	callErr := d.call(stepCtx, s.name, func(ctx context.Context) error { return s.run(ctx, d, st) })
	if callErr != nil {
		traces.RecordError(span, callErr)
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %s during %s: %v", ErrInterrupted, st.inst.ID, s.name, ctx.Err())
		case budgetCtx.Err() != nil:
			return d.failProvision(ctx, st, s, CodeProvisionTimeout, errBudgetExceeded)
		}
		if orchestrator.KindOf(callErr) == orchestrator.KindAlreadyExists {
			return d.failConsistency(ctx, st, s, callErr)
		}
		return d.failProvision(ctx, st, s, orchestrator.CodeOf(callErr), callErr)
	}

	change := instance.Change{To: s.status, Action: s.name, Step: stringPtr(s.name)}
	if s.name == stepVerify {
		now := d.now().UTC()
		urls := st.inst.Identity.URLs(st.inst.Limits.ChatFederation)
		change.To = instance.StatusRunning
		change.URLs = &urls
		change.ProvisionedAt = timePtr(now)
		change.LastStartedAt = timePtr(now)
		change.HealthCheckedAt = timePtr(st.health.CheckedAt)
		change.HealthDetail = stringPtr(st.health.Detail)
	}
	next, err := d.transition(ctx, st.inst, change)
	if err != nil {
		traces.RecordError(span, err)
		return err
	}
	st.inst = next
	return nil
}

// failConsistency records a name held by another owner. The resource
// involved is not ours, so nothing is destroyed and the slot stays taken;
// an operator resolves the collision and retries from the checkpoint. A
// dependency that vanished mid-provision is an ordinary fatal failure.
func (d *Driver) failConsistency(ctx context.Context, st *runState, s step, cause error) error {
	next, err := d.transition(ctx, st.inst, instance.Change{
		To:             instance.StatusFailed,
		Action:         s.name,
		LastGoodStatus: statusPtr(checkpointStatus(st.inst.Step)),
		ErrorCode:      CodeConsistencyFault,
		ErrorDetail:    sanitize(cause),
	})
	if err != nil {
		return err
	}
	st.inst = next
	logging.L(ctx).Error("consistency fault, operator action required", "step", s.name, "error", cause)
	return &StepError{Step: s.name, Code: CodeConsistencyFault, Err: fmt.Errorf("%w: %v", ErrConsistencyFault, cause)}
}

// failProvision moves the instance to failed and then rolls back. The
// failed record is written first so that a crash during rollback leaves an
// instance an operator can see and retry.
func (d *Driver) failProvision(ctx context.Context, st *runState, s step, code string, cause error) error {
	next, err := d.transition(ctx, st.inst, instance.Change{
		To:             instance.StatusFailed,
		Action:         s.name,
		LastGoodStatus: statusPtr(checkpointStatus(st.inst.Step)),
		ErrorCode:      code,
		ErrorDetail:    sanitize(cause),
	})
	if err != nil {
		return err
	}
	st.inst = next
	logging.L(ctx).Warn("provisioning step failed, rolling back", "step", s.name, "code", code, "error", cause)

	if err := d.rollback(ctx, st); err != nil {
		return err
	}
	return &StepError{Step: s.name, Code: code, Err: cause}
}

// rollback destroys everything the log records as created and marks the
// instance released when nothing is left.
func (d *Driver) rollback(ctx context.Context, st *runState) error {
	ok, err := d.destroyAll(ctx, st, actionRollback)
	if err != nil {
		return err
	}
	change := instance.Change{To: instance.StatusFailed, Action: actionRollbackComplete, ResourcesReleased: boolPtr(true)}
	result := "complete"
	if !ok {
		change = instance.Change{
			To:          instance.StatusFailed,
			Action:      CodeRollbackIncomplete,
			ErrorCode:   CodeRollbackIncomplete,
			ErrorDetail: "some resources could not be destroyed; retry or deprovision",
		}
		result = "incomplete"
	}
	metrics.RollbacksTotal.WithLabelValues(result).Inc()
	next, err := d.transition(ctx, st.inst, change)
	if err != nil {
		return err
	}
	st.inst = next
	return nil
}

// destroyAll runs the undo of every created step in reverse plan order,
// recording one transition per destroy. Destroy failures are recorded and
// skipped; the boolean reports whether all succeeded. Only resources the
// log proves were created by this instance are touched.
func (d *Driver) destroyAll(ctx context.Context, st *runState, prefix string) (bool, error) {
	trs, err := d.store.ListTransitions(ctx, st.inst.ID)
	if err != nil {
		return false, err
	}
	created := createdSteps(trs)

	ok := true
	for i := len(plan) - 1; i >= 0; i-- {
		s := plan[i]
		if s.undo == "" || !created[s.name] {
			continue
		}
		undoErr := d.call(ctx, s.undo, func(ctx context.Context) error {
			err := d.destroy(ctx, st.inst, s.undo)
			if orchestrator.IsNotFound(err) {
				return nil
			}
			return err
		})
		if undoErr != nil && ctx.Err() != nil {
			return false, fmt.Errorf("%w: %s during %s", ErrInterrupted, st.inst.ID, s.undo)
		}
		change := instance.Change{To: st.inst.Status, Action: prefix + s.undo}
		if undoErr != nil {
			ok = false
			change.ErrorCode = orchestrator.CodeOf(undoErr)
			change.ErrorDetail = sanitize(undoErr)
		}
		next, err := d.transition(ctx, st.inst, change)
		if err != nil {
			return false, err
		}
		st.inst = next
	}
	return ok, nil
}

func (d *Driver) destroy(ctx context.Context, inst *instance.Instance, op string) error {
	switch op {
	case orchestrator.OpDestroyApp:
		return d.platform.DestroyApp(ctx, inst.Identity.AppName)
	case orchestrator.OpDestroyStorage:
		return d.platform.DestroyStorage(ctx, inst.Identity.AppName)
	case orchestrator.OpDestroyManagedDB:
		return d.platform.DestroyManagedDB(ctx, inst.Identity.DBServiceName)
	case orchestrator.OpDestroyManagedCache:
		return d.platform.DestroyManagedCache(ctx, inst.Identity.CacheServiceName)
	case orchestrator.OpRemoveDomains:
		return d.platform.RemoveDomains(ctx, inst.Identity.AppName)
	}
	return fmt.Errorf("lifecycle: no destroy operation %q", op)
}

// createdSteps replays the log: a clean checkpoint transition proves its
// step's resource exists, a clean rollback or deprovision destroy proves
// it is gone again.
func createdSteps(trs []*instance.Transition) map[string]bool {
	created := make(map[string]bool)
	for _, tr := range trs {
		if tr.ErrorCode != "" {
			continue
		}
		if tr.Action == tr.Step && tr.To != instance.StatusFailed {
			if i := stepIndex(tr.Action); i >= 0 && plan[i].undo != "" {
				created[tr.Action] = true
			}
			continue
		}
		for _, prefix := range []string{actionRollback, actionDeprovision} {
			op, found := strings.CutPrefix(tr.Action, prefix)
			if !found {
				continue
			}
			for _, s := range plan {
				if s.undo == op {
					delete(created, s.name)
				}
			}
		}
	}
	return created
}
