package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Call is one entry of the MemoryPlatform call log.
type Call struct {
	Op     string
	Target string
}

// AppState is a snapshot of an app held by MemoryPlatform.
type AppState struct {
	Name     string
	Owner    string
	Running  bool
	Image    string
	Env      map[string]string
	DB       string
	Cache    string
	Restarts int
}

type memApp struct {
	owner    string
	running  bool
	image    string
	env      map[string]string
	db       string
	cache    string
	restarts int
}

type memResource struct {
	owner string
	app   string
}

type fault struct {
	err       error
	remaining int // -1 = every call
}

// MemoryPlatform is an in-process platform for demo mode and tests. It
// keeps a call log and supports per-operation fault injection.
type MemoryPlatform struct {
	mu        sync.Mutex
	apps      map[string]*memApp
	storage   map[string]memResource // keyed by app
	dbs       map[string]memResource
	caches    map[string]memResource
	domains   map[string]string // host -> app
	unhealthy map[string]bool
	faults    map[string][]*fault
	calls     []Call
	backups   int

	// Hook, if set, runs before every call. A non-nil result fails the call.
	Hook func(ctx context.Context, op, target string) error
}

// NewMemoryPlatform creates an empty in-memory platform.
func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{
		apps:      make(map[string]*memApp),
		storage:   make(map[string]memResource),
		dbs:       make(map[string]memResource),
		caches:    make(map[string]memResource),
		domains:   make(map[string]string),
		unhealthy: make(map[string]bool),
		faults:    make(map[string][]*fault),
	}
}

var _ Client = (*MemoryPlatform)(nil)

// FailNext makes the next n calls to op fail with err.
func (m *MemoryPlatform) FailNext(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], &fault{err: err, remaining: n})
}

// FailAlways makes every call to op fail with err until ClearFaults.
func (m *MemoryPlatform) FailAlways(op string, err error) {
	m.FailNext(op, -1, err)
}

// ClearFaults removes all injected faults.
func (m *MemoryPlatform) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = make(map[string][]*fault)
}

// Calls returns a copy of the call log.
func (m *MemoryPlatform) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times op was issued.
func (m *MemoryPlatform) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (m *MemoryPlatform) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// PlantApp creates an app out of band, as if someone else made it.
func (m *MemoryPlatform) PlantApp(name, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[name] = &memApp{owner: owner, env: map[string]string{}}
}

// RemoveAppOutOfBand deletes an app without going through the client.
func (m *MemoryPlatform) RemoveAppOutOfBand(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, name)
}

// SetUnhealthy makes CheckHealth report app as unhealthy.
func (m *MemoryPlatform) SetUnhealthy(app string, unhealthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhealthy[app] = unhealthy
}

// App returns a snapshot of app.
func (m *MemoryPlatform) App(name string) (AppState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[name]
	if !ok {
		return AppState{}, false
	}
	env := make(map[string]string, len(a.env))
	for k, v := range a.env {
		env[k] = v
	}
	return AppState{
		Name: name, Owner: a.owner, Running: a.running, Image: a.image,
		Env: env, DB: a.db, Cache: a.cache, Restarts: a.restarts,
	}, true
}

// Resources lists every live resource as "kind/name", sorted.
func (m *MemoryPlatform) Resources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for n := range m.apps {
		out = append(out, "app/"+n)
	}
	for n := range m.storage {
		out = append(out, "storage/"+n)
	}
	for n := range m.dbs {
		out = append(out, "db/"+n)
	}
	for n := range m.caches {
		out = append(out, "cache/"+n)
	}
	for h := range m.domains {
		out = append(out, "domain/"+h)
	}
	sort.Strings(out)
	return out
}

// enter records the call and applies hooks and faults. Caller must not hold mu.
func (m *MemoryPlatform) enter(ctx context.Context, op, target string) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, Target: target})
	var injected error
	if fs := m.faults[op]; len(fs) > 0 {
		f := fs[0]
		injected = f.err
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				m.faults[op] = fs[1:]
			}
		}
	}
	hook := m.Hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, target); err != nil {
			return err
		}
	}
	if injected != nil {
		return injected
	}
	return ctx.Err()
}

func (m *MemoryPlatform) CreateApp(ctx context.Context, spec AppSpec) error {
	if err := m.enter(ctx, OpCreateApp, spec.Name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.apps[spec.Name]; ok {
		if a.owner == spec.Owner {
			return nil
		}
		return AlreadyExists(OpCreateApp, spec.Name, a.owner)
	}
	m.apps[spec.Name] = &memApp{owner: spec.Owner, env: map[string]string{}}
	return nil
}

func (m *MemoryPlatform) AttachStorage(ctx context.Context, spec StorageSpec) error {
	if err := m.enter(ctx, OpAttachStorage, spec.App); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[spec.App]; !ok {
		return NotFound(OpAttachStorage, spec.App)
	}
	if s, ok := m.storage[spec.App]; ok {
		if s.owner == spec.Owner {
			return nil
		}
		return AlreadyExists(OpAttachStorage, spec.App, s.owner)
	}
	m.storage[spec.App] = memResource{owner: spec.Owner, app: spec.App}
	return nil
}

func (m *MemoryPlatform) SetEnv(ctx context.Context, app string, env map[string]string) error {
	if err := m.enter(ctx, OpSetEnv, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[app]
	if !ok {
		return NotFound(OpSetEnv, app)
	}
	for k, v := range env {
		a.env[k] = v
	}
	return nil
}

func (m *MemoryPlatform) createService(ctx context.Context, op string, set map[string]memResource, spec ServiceSpec, port int, scheme string) (ConnInfo, error) {
	if err := m.enter(ctx, op, spec.Name); err != nil {
		return ConnInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := set[spec.Name]; ok && r.owner != spec.Owner {
		return ConnInfo{}, AlreadyExists(op, spec.Name, r.owner)
	}
	set[spec.Name] = memResource{owner: spec.Owner, app: spec.App}
	return memConn(spec.Name, port, scheme), nil
}

func memConn(name string, port int, scheme string) ConnInfo {
	return ConnInfo{Host: name, Port: port, URL: fmt.Sprintf("%s://%s:%d", scheme, name, port)}
}

func (m *MemoryPlatform) CreateManagedDB(ctx context.Context, spec ServiceSpec) (ConnInfo, error) {
	return m.createService(ctx, OpCreateManagedDB, m.dbs, spec, 5432, "postgres")
}

func (m *MemoryPlatform) CreateManagedCache(ctx context.Context, spec ServiceSpec) (ConnInfo, error) {
	return m.createService(ctx, OpCreateManagedCache, m.caches, spec, 6379, "redis")
}

func (m *MemoryPlatform) LinkDB(ctx context.Context, app, dbService string) error {
	if err := m.enter(ctx, OpLinkDB, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[app]
	if !ok {
		return NotFound(OpLinkDB, app)
	}
	if _, ok := m.dbs[dbService]; !ok {
		return NotFound(OpLinkDB, dbService)
	}
	a.db = dbService
	return nil
}

func (m *MemoryPlatform) LinkCache(ctx context.Context, app, cacheService string) error {
	if err := m.enter(ctx, OpLinkCache, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[app]
	if !ok {
		return NotFound(OpLinkCache, app)
	}
	if _, ok := m.caches[cacheService]; !ok {
		return NotFound(OpLinkCache, cacheService)
	}
	a.cache = cacheService
	return nil
}

func (m *MemoryPlatform) SetDomains(ctx context.Context, app string, hosts []string) error {
	if err := m.enter(ctx, OpSetDomains, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app]; !ok {
		return NotFound(OpSetDomains, app)
	}
	for _, h := range hosts {
		if holder, ok := m.domains[h]; ok && holder != app {
			return AlreadyExists(OpSetDomains, h, m.ownerOf(holder))
		}
	}
	for _, h := range hosts {
		m.domains[h] = app
	}
	return nil
}

func (m *MemoryPlatform) ownerOf(app string) string {
	if a, ok := m.apps[app]; ok {
		return a.owner
	}
	return ""
}

func (m *MemoryPlatform) DeployImage(ctx context.Context, app, image string) error {
	if err := m.enter(ctx, OpDeployImage, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[app]
	if !ok {
		return NotFound(OpDeployImage, app)
	}
	a.image = image
	a.running = true
	return nil
}

func (m *MemoryPlatform) Start(ctx context.Context, app string) error {
	return m.setRunning(ctx, OpStart, app, true)
}

func (m *MemoryPlatform) Stop(ctx context.Context, app string) error {
	return m.setRunning(ctx, OpStop, app, false)
}

func (m *MemoryPlatform) setRunning(ctx context.Context, op, app string, running bool) error {
	if err := m.enter(ctx, op, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[app]
	if !ok {
		return NotFound(op, app)
	}
	a.running = running
	return nil
}

func (m *MemoryPlatform) Restart(ctx context.Context, app string) error {
	if err := m.enter(ctx, OpRestart, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[app]
	if !ok {
		return NotFound(OpRestart, app)
	}
	a.restarts++
	a.running = true
	return nil
}

func (m *MemoryPlatform) DestroyApp(ctx context.Context, app string) error {
	if err := m.enter(ctx, OpDestroyApp, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, app)
	return nil
}

func (m *MemoryPlatform) DestroyStorage(ctx context.Context, app string) error {
	if err := m.enter(ctx, OpDestroyStorage, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.storage, app)
	return nil
}

func (m *MemoryPlatform) DestroyManagedDB(ctx context.Context, name string) error {
	if err := m.enter(ctx, OpDestroyManagedDB, name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dbs, name)
	return nil
}

func (m *MemoryPlatform) DestroyManagedCache(ctx context.Context, name string) error {
	if err := m.enter(ctx, OpDestroyManagedCache, name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, name)
	return nil
}

func (m *MemoryPlatform) RemoveDomains(ctx context.Context, app string) error {
	if err := m.enter(ctx, OpRemoveDomains, app); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, holder := range m.domains {
		if holder == app {
			delete(m.domains, h)
		}
	}
	return nil
}

func (m *MemoryPlatform) DescribeService(ctx context.Context, kind ServiceKind, name string) (ConnInfo, error) {
	if err := m.enter(ctx, OpDescribeService, name); err != nil {
		return ConnInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case ServiceDB:
		if _, ok := m.dbs[name]; ok {
			return memConn(name, 5432, "postgres"), nil
		}
	case ServiceCache:
		if _, ok := m.caches[name]; ok {
			return memConn(name, 6379, "redis"), nil
		}
	}
	return ConnInfo{}, NotFound(OpDescribeService, name)
}

func (m *MemoryPlatform) CheckHealth(ctx context.Context, app string) (HealthReport, error) {
	if err := m.enter(ctx, OpCheckHealth, app); err != nil {
		return HealthReport{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[app]
	if !ok {
		return HealthReport{}, NotFound(OpCheckHealth, app)
	}
	now := time.Now().UTC()
	switch {
	case m.unhealthy[app]:
		return HealthReport{Healthy: false, Detail: "readiness check failing", CheckedAt: now}, nil
	case !a.running || a.image == "":
		return HealthReport{Healthy: false, Detail: "not running", CheckedAt: now}, nil
	}
	return HealthReport{Healthy: true, Detail: "ok", CheckedAt: now}, nil
}

func (m *MemoryPlatform) ExportData(ctx context.Context, app, dbService string) (string, error) {
	if err := m.enter(ctx, OpExportData, app); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dbs[dbService]; !ok {
		return "", NotFound(OpExportData, dbService)
	}
	m.backups++
	return fmt.Sprintf("memory://backups/%s/%d", app, m.backups), nil
}

func (m *MemoryPlatform) Ping(ctx context.Context) error {
	return m.enter(ctx, OpPing, "")
}
