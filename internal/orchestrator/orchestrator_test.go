package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tenantfleet/internal/circuitbreaker"
	"github.com/mbd888/tenantfleet/internal/metrics"
)

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	counter, err := c.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	require.NoError(t, counter.Write(m))
	return m.Counter.GetValue()
}

// --- Failure classification ---

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(OpCreateApp, nil))

	f := Classify(OpCreateApp, context.DeadlineExceeded)
	assert.Equal(t, KindRetryable, f.Kind)
	assert.Equal(t, CodeTimeout, f.Code)

	f = Classify(OpSetEnv, circuitbreaker.ErrOpen)
	assert.Equal(t, KindRetryable, f.Kind)
	assert.Equal(t, CodeCircuitOpen, f.Code)

	quota := Fatal(OpCreateManagedDB, CodeQuotaExceeded, errors.New("exceeded quota: db"))
	wrapped := fmt.Errorf("step: %w", quota)
	assert.Same(t, quota, Classify(OpCreateManagedDB, wrapped))

	f = Classify(OpLinkDB, errors.New("connection reset by peer"))
	assert.Equal(t, KindRetryable, f.Kind)
	assert.Equal(t, CodeUnclassified, f.Code)
}

func TestFailureHelpers(t *testing.T) {
	assert.True(t, IsRetryable(Retryable(OpStart, CodeUnavailable, nil)))
	assert.False(t, IsRetryable(Fatal(OpStart, CodePermission, nil)))
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsNotFound(NotFound(OpStart, "app-x")))
	assert.Equal(t, CodeQuotaExceeded, CodeOf(Fatal(OpStart, CodeQuotaExceeded, nil)))
	assert.Equal(t, "", CodeOf(nil))

	ae := AlreadyExists(OpCreateApp, "app-x", "other-instance")
	assert.Equal(t, KindAlreadyExists, KindOf(ae))
	assert.Equal(t, "other-instance", ae.Owner)
	assert.Contains(t, ae.Error(), "already_exists")
}

// --- MemoryPlatform ---

func TestMemoryPlatform_CreateAppIdempotentForOwner(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPlatform()

	require.NoError(t, p.CreateApp(ctx, AppSpec{Name: "acme-1", Owner: "inst-1"}))
	require.NoError(t, p.CreateApp(ctx, AppSpec{Name: "acme-1", Owner: "inst-1"}))

	err := p.CreateApp(ctx, AppSpec{Name: "acme-1", Owner: "inst-2"})
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, KindAlreadyExists, f.Kind)
	assert.Equal(t, "inst-1", f.Owner)

	assert.Equal(t, 3, p.CallCount(OpCreateApp))
}

func TestMemoryPlatform_DestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPlatform()

	require.NoError(t, p.DestroyApp(ctx, "never-existed"))
	require.NoError(t, p.DestroyStorage(ctx, "never-existed"))
	require.NoError(t, p.DestroyManagedDB(ctx, "never-existed-db"))
	require.NoError(t, p.DestroyManagedCache(ctx, "never-existed-cache"))
	require.NoError(t, p.RemoveDomains(ctx, "never-existed"))
}

func TestMemoryPlatform_FullStack(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPlatform()

	require.NoError(t, p.CreateApp(ctx, AppSpec{Name: "a", Owner: "i"}))
	require.NoError(t, p.AttachStorage(ctx, StorageSpec{App: "a", Owner: "i", SizeGB: 5}))
	db, err := p.CreateManagedDB(ctx, ServiceSpec{Name: "a-db", App: "a", Owner: "i"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://a-db:5432", db.URL)
	require.NoError(t, p.LinkDB(ctx, "a", "a-db"))
	cache, err := p.CreateManagedCache(ctx, ServiceSpec{Name: "a-cache", App: "a", Owner: "i"})
	require.NoError(t, err)
	require.NoError(t, p.LinkCache(ctx, "a", "a-cache"))
	require.NoError(t, p.SetEnv(ctx, "a", map[string]string{"DATABASE_URL": db.URL, "REDIS_URL": cache.URL}))
	require.NoError(t, p.SetDomains(ctx, "a", []string{"a.example.com"}))
	require.NoError(t, p.DeployImage(ctx, "a", "app:1"))

	report, err := p.CheckHealth(ctx, "a")
	require.NoError(t, err)
	assert.True(t, report.Healthy)

	st, ok := p.App("a")
	require.True(t, ok)
	assert.Equal(t, "a-db", st.DB)
	assert.Equal(t, "a-cache", st.Cache)
	assert.Equal(t, db.URL, st.Env["DATABASE_URL"])

	described, err := p.DescribeService(ctx, ServiceDB, "a-db")
	require.NoError(t, err)
	assert.Equal(t, db, described)

	ref, err := p.ExportData(ctx, "a", "a-db")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	assert.Equal(t, []string{"app/a", "cache/a-cache", "db/a-db", "domain/a.example.com", "storage/a"}, p.Resources())
}

func TestMemoryPlatform_DomainHeldByOtherApp(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPlatform()
	require.NoError(t, p.CreateApp(ctx, AppSpec{Name: "a", Owner: "i1"}))
	require.NoError(t, p.CreateApp(ctx, AppSpec{Name: "b", Owner: "i2"}))
	require.NoError(t, p.SetDomains(ctx, "a", []string{"shared.example.com"}))

	err := p.SetDomains(ctx, "b", []string{"shared.example.com"})
	assert.Equal(t, KindAlreadyExists, KindOf(err))
}

func TestMemoryPlatform_MissingAppIsNotFound(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPlatform()

	assert.True(t, IsNotFound(p.Start(ctx, "ghost")))
	assert.True(t, IsNotFound(p.Restart(ctx, "ghost")))
	assert.True(t, IsNotFound(p.Stop(ctx, "ghost")))
	assert.True(t, IsNotFound(p.AttachStorage(ctx, StorageSpec{App: "ghost"})))
}

func TestMemoryPlatform_FaultInjection(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPlatform()
	transient := Retryable(OpCreateApp, CodeUnavailable, errors.New("503"))

	p.FailNext(OpCreateApp, 2, transient)
	assert.ErrorIs(t, p.CreateApp(ctx, AppSpec{Name: "a", Owner: "i"}), transient)
	assert.ErrorIs(t, p.CreateApp(ctx, AppSpec{Name: "a", Owner: "i"}), transient)
	assert.NoError(t, p.CreateApp(ctx, AppSpec{Name: "a", Owner: "i"}))

	p.FailAlways(OpStop, Fatal(OpStop, CodePermission, nil))
	for i := 0; i < 3; i++ {
		assert.Equal(t, KindFatal, KindOf(p.Stop(ctx, "a")))
	}
	p.ClearFaults()
	assert.NoError(t, p.Stop(ctx, "a"))
}

func TestMemoryPlatform_Hook(t *testing.T) {
	p := NewMemoryPlatform()
	var seen []string
	p.Hook = func(_ context.Context, op, target string) error {
		seen = append(seen, op+":"+target)
		if op == OpDeployImage {
			return errors.New("hooked")
		}
		return nil
	}

	require.NoError(t, p.CreateApp(context.Background(), AppSpec{Name: "a", Owner: "i"}))
	assert.Error(t, p.DeployImage(context.Background(), "a", "img"))
	assert.Equal(t, []string{"create_app:a", "deploy_image:a"}, seen)
}

func TestMemoryPlatform_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewMemoryPlatform()

	err := p.CreateApp(ctx, AppSpec{Name: "a", Owner: "i"})
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := p.App("a")
	assert.False(t, ok)
}

// --- Instrumented ---

type slowPlatform struct {
	*MemoryPlatform
	delay time.Duration
}

func (s *slowPlatform) SetEnv(ctx context.Context, app string, env map[string]string) error {
	select {
	case <-time.After(s.delay):
		return s.MemoryPlatform.SetEnv(ctx, app, env)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestInstrumented_TimeoutIsRetryable(t *testing.T) {
	inner := &slowPlatform{MemoryPlatform: NewMemoryPlatform(), delay: time.Second}
	c := Instrument(inner, InstrumentOptions{
		Timeouts: map[string]time.Duration{OpSetEnv: 10 * time.Millisecond},
	})

	err := c.SetEnv(context.Background(), "a", nil)
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, KindRetryable, f.Kind)
	assert.Equal(t, CodeTimeout, f.Code)
}

func TestInstrumented_PassesResultsThrough(t *testing.T) {
	inner := NewMemoryPlatform()
	c := Instrument(inner, InstrumentOptions{})
	ctx := context.Background()

	require.NoError(t, c.CreateApp(ctx, AppSpec{Name: "a", Owner: "i"}))
	info, err := c.CreateManagedDB(ctx, ServiceSpec{Name: "a-db", App: "a", Owner: "i"})
	require.NoError(t, err)
	assert.Equal(t, "a-db", info.Host)

	err = c.Start(ctx, "missing")
	assert.True(t, IsNotFound(err))

	assert.Equal(t, []Call{
		{Op: OpCreateApp, Target: "a"},
		{Op: OpCreateManagedDB, Target: "a-db"},
		{Op: OpStart, Target: "missing"},
	}, inner.Calls())
}

func TestInstrumented_CircuitOpensOnRetryableOnly(t *testing.T) {
	inner := NewMemoryPlatform()
	breaker := circuitbreaker.New(2, time.Hour)
	c := Instrument(inner, InstrumentOptions{Breaker: breaker})
	ctx := context.Background()

	// Fatal rejections never trip the breaker.
	inner.FailNext(OpCreateApp, 3, Fatal(OpCreateApp, CodeInvalidRequest, nil))
	for i := 0; i < 3; i++ {
		assert.Equal(t, KindFatal, KindOf(c.CreateApp(ctx, AppSpec{Name: "a", Owner: "i"})))
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(OpCreateApp))

	inner.FailAlways(OpLinkDB, Retryable(OpLinkDB, CodeUnavailable, nil))
	_ = c.LinkDB(ctx, "a", "db")
	_ = c.LinkDB(ctx, "a", "db")
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(OpLinkDB))

	before := inner.CallCount(OpLinkDB)
	err := c.LinkDB(ctx, "a", "db")
	assert.Equal(t, CodeCircuitOpen, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, before, inner.CallCount(OpLinkDB), "open circuit must not reach the platform")
}

func TestInstrumented_RecordsMetrics(t *testing.T) {
	c := Instrument(NewMemoryPlatform(), InstrumentOptions{})
	before := counterValue(t, metrics.PlatformCallsTotal, OpRemoveDomains, "success")

	require.NoError(t, c.RemoveDomains(context.Background(), "a"))

	after := counterValue(t, metrics.PlatformCallsTotal, OpRemoveDomains, "success")
	assert.Equal(t, before+1, after)
}

func TestDefaultTimeouts(t *testing.T) {
	c := Instrument(NewMemoryPlatform(), InstrumentOptions{})
	assert.Equal(t, DeployTimeout, c.timeout(OpDeployImage))
	assert.Equal(t, ServiceTimeout, c.timeout(OpCreateManagedDB))
	assert.Equal(t, MetadataTimeout, c.timeout(OpSetDomains))
}
