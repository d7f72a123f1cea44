package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tenantfleet/internal/instance"
	"github.com/mbd888/tenantfleet/internal/limits"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner records jobs and tracks how many run at once per instance.
type fakeRunner struct {
	mu      sync.Mutex
	ran     []Job
	active  map[string]int
	overlap atomic.Bool
	delay   time.Duration
	done    chan Job
}

func newFakeRunner(delay time.Duration) *fakeRunner {
	return &fakeRunner{active: make(map[string]int), delay: delay, done: make(chan Job, 64)}
}

func (f *fakeRunner) run(op Op, id string) (*instance.Instance, error) {
	f.mu.Lock()
	f.active[id]++
	if f.active[id] > 1 {
		f.overlap.Store(true)
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.active[id]--
	f.ran = append(f.ran, Job{Op: op, InstanceID: id})
	f.mu.Unlock()
	f.done <- Job{Op: op, InstanceID: id}
	return &instance.Instance{ID: id, Status: instance.StatusRunning}, nil
}

func (f *fakeRunner) Resume(_ context.Context, id string) (*instance.Instance, error) {
	return f.run(OpResume, id)
}

func (f *fakeRunner) Start(_ context.Context, id string) (*instance.Instance, error) {
	return f.run(OpStart, id)
}

func (f *fakeRunner) Stop(_ context.Context, id string) (*instance.Instance, error) {
	return f.run(OpStop, id)
}

func (f *fakeRunner) ApplyLimits(_ context.Context, id string) (*instance.Instance, error) {
	return f.run(OpApplyLimits, id)
}

func (f *fakeRunner) jobs() []Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Job, len(f.ran))
	copy(out, f.ran)
	return out
}

func waitJobs(t *testing.T, f *fakeRunner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d of %d", i+1, n)
		}
	}
}

func TestDispatcher_DedupsQueuedJobs(t *testing.T) {
	d := NewDispatcher(newFakeRunner(0), 1, 8, discardLogger())

	require.NoError(t, d.Submit(Job{Op: OpResume, InstanceID: "a"}))
	require.NoError(t, d.Submit(Job{Op: OpResume, InstanceID: "a"}))
	require.NoError(t, d.Submit(Job{Op: OpStop, InstanceID: "a"}))
	assert.Equal(t, 2, d.Pending())
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(newFakeRunner(0), 1, 1, discardLogger())

	require.NoError(t, d.Submit(Job{Op: OpResume, InstanceID: "a"}))
	err := d.Submit(Job{Op: OpResume, InstanceID: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatcher_RunsJobsAndStops(t *testing.T) {
	runner := newFakeRunner(0)
	d := NewDispatcher(runner, 2, 8, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(stopped)
	}()

	require.NoError(t, d.Submit(Job{Op: OpStart, InstanceID: "a"}))
	require.NoError(t, d.Submit(Job{Op: OpApplyLimits, InstanceID: "b"}))
	waitJobs(t, runner, 2)
	assert.ElementsMatch(t, []Job{{Op: OpStart, InstanceID: "a"}, {Op: OpApplyLimits, InstanceID: "b"}}, runner.jobs())
	assert.Eventually(t, d.Running, time.Second, 5*time.Millisecond)

	d.Stop()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.False(t, d.Running())
	assert.ErrorIs(t, d.Submit(Job{Op: OpStart, InstanceID: "a"}), ErrDispatcherStopped)
}

func TestDispatcher_SerializesPerInstance(t *testing.T) {
	runner := newFakeRunner(20 * time.Millisecond)
	d := NewDispatcher(runner, 4, 16, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	for _, op := range []Op{OpResume, OpStart, OpStop, OpApplyLimits} {
		require.NoError(t, d.Submit(Job{Op: op, InstanceID: "same"}))
	}
	waitJobs(t, runner, 4)
	assert.False(t, runner.overlap.Load(), "jobs for one instance must not overlap")
	d.Stop()
}

// gatedRunner holds Resume for one instance until release is closed.
type gatedRunner struct {
	*fakeRunner
	slow    string
	entered chan struct{}
	release chan struct{}
}

func newGatedRunner(slow string) *gatedRunner {
	return &gatedRunner{
		fakeRunner: newFakeRunner(0),
		slow:       slow,
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (g *gatedRunner) Resume(ctx context.Context, id string) (*instance.Instance, error) {
	if id == g.slow {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}
	return g.fakeRunner.Resume(ctx, id)
}

func TestDispatcher_BusyInstanceDoesNotHoldWorkers(t *testing.T) {
	runner := newGatedRunner("a")
	d := NewDispatcher(runner, 2, 16, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Submit(Job{Op: OpResume, InstanceID: "a"}))
	select {
	case <-runner.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("resume for a never started")
	}

	// Resubmitting the running job is a no-op; a different op for the same
	// instance waits behind it without occupying a worker.
	for i := 0; i < 4; i++ {
		require.NoError(t, d.Submit(Job{Op: OpResume, InstanceID: "a"}))
	}
	require.NoError(t, d.Submit(Job{Op: OpStop, InstanceID: "a"}))
	require.NoError(t, d.Submit(Job{Op: OpStop, InstanceID: "a"}))
	assert.Eventually(t, func() bool { return d.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Submit(Job{Op: OpStart, InstanceID: "b"}))
	select {
	case j := <-runner.done:
		assert.Equal(t, Job{Op: OpStart, InstanceID: "b"}, j)
	case <-time.After(2 * time.Second):
		t.Fatal("job for b starved behind a")
	}

	close(runner.release)
	waitJobs(t, runner.fakeRunner, 2)
	assert.Equal(t, []Job{
		{Op: OpStart, InstanceID: "b"},
		{Op: OpResume, InstanceID: "a"},
		{Op: OpStop, InstanceID: "a"},
	}, runner.jobs())
	assert.Equal(t, 0, d.Pending())
	assert.False(t, runner.overlap.Load())
}

func TestDispatcher_DrivesProvisioning(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(h.driver, 2, 8, discardLogger())
	go d.Start(ctx)
	defer d.Stop()

	sub := h.subscribe(t, "Async Co", limits.TierStarter)
	inst, err := h.driver.Provision(ctx, sub.ID)
	require.NoError(t, err)
	require.NoError(t, d.Submit(Job{Op: OpResume, InstanceID: inst.ID}))

	assert.Eventually(t, func() bool {
		got, err := h.store.Get(context.Background(), inst.ID)
		return err == nil && got.Status == instance.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
}
