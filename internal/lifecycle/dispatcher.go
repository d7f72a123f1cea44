package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbd888/tenantfleet/internal/instance"
	"github.com/mbd888/tenantfleet/internal/metrics"
	"github.com/mbd888/tenantfleet/internal/syncutil"
)

var (
	ErrQueueFull         = errors.New("lifecycle: dispatch queue full")
	ErrDispatcherStopped = errors.New("lifecycle: dispatcher stopped")
)

// Op is an asynchronous lifecycle job kind.
type Op string

const (
	OpResume      Op = "resume"
	OpStart       Op = "start"
	OpStop        Op = "stop"
	OpApplyLimits Op = "apply_limits"
)

// Job asks a worker to run op on one instance.
type Job struct {
	Op         Op
	InstanceID string
}

// Runner executes jobs. *Driver implements it.
type Runner interface {
	Resume(ctx context.Context, id string) (*instance.Instance, error)
	Start(ctx context.Context, id string) (*instance.Instance, error)
	Stop(ctx context.Context, id string) (*instance.Instance, error)
	ApplyLimits(ctx context.Context, id string) (*instance.Instance, error)
}

// Submitter accepts jobs.
type Submitter interface {
	Submit(job Job) error
}

// Dispatcher is a bounded worker pool for lifecycle jobs. Jobs for the same
// instance never run concurrently in this process. A job dequeued while its
// instance is busy is parked behind the running job instead of holding a
// worker, and an identical job that is queued, parked or running is not
// submitted twice.
type Dispatcher struct {
	runner  Runner
	workers int
	queue   chan Job
	locks   *syncutil.KeyedMutex
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[Job]struct{} // queued or parked
	current map[string]Job   // running job per instance
	parked  map[string][]Job // waiting for the running job, in arrival order

	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
	closed  atomic.Bool
}

var _ Submitter = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher; call Start to launch the workers.
func NewDispatcher(runner Runner, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:  runner,
		workers: workers,
		queue:   make(chan Job, queueSize),
		locks:   syncutil.NewKeyedMutex(),
		logger:  logger,
		pending: make(map[Job]struct{}),
		current: make(map[string]Job),
		parked:  make(map[string][]Job),
		stop:    make(chan struct{}),
	}
}

// Submit enqueues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if d.closed.Load() {
		return ErrDispatcherStopped
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.pending[job]; dup {
		return nil
	}
	if cur, ok := d.current[job.InstanceID]; ok && cur == job {
		return nil
	}
	select {
	case d.queue <- job:
		d.pending[job] = struct{}{}
		metrics.DispatchQueueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("%w: %s %s", ErrQueueFull, job.Op, job.InstanceID)
	}
}

// Pending returns the number of jobs waiting to run, queued or parked.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Running reports whether the workers are running.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start launches the workers and blocks until ctx is done or Stop is
// called. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.wg.Wait()
}

// Stop signals the workers to exit after their current job. Queued jobs
// are left for the reconciler to rediscover.
func (d *Dispatcher) Stop() {
	if d.closed.CompareAndSwap(false, true) {
		close(d.stop)
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case job := <-d.queue:
			metrics.DispatchQueueDepth.Dec()
			unlock, ok := d.claim(job)
			if !ok {
				continue
			}
			for ok {
				d.safeExecute(ctx, job)
				job, ok = d.handoff(ctx, job.InstanceID, unlock)
			}
		}
	}
}

// claim takes the instance lock for job, or parks job behind the job that
// holds it.
func (d *Dispatcher) claim(job Job) (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	unlock, ok := d.locks.TryLock(job.InstanceID)
	if !ok {
		d.parked[job.InstanceID] = append(d.parked[job.InstanceID], job)
		return nil, false
	}
	delete(d.pending, job)
	d.current[job.InstanceID] = job
	return unlock, true
}

// handoff passes the instance lock to the next parked job, or releases it.
// Parked jobs are dropped on shutdown; the reconciler rediscovers any
// instance they left in flight.
func (d *Dispatcher) handoff(ctx context.Context, id string, unlock func()) (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiting := d.parked[id]
	if len(waiting) == 0 || ctx.Err() != nil || d.closed.Load() {
		for _, j := range waiting {
			delete(d.pending, j)
		}
		delete(d.parked, id)
		delete(d.current, id)
		unlock()
		return Job{}, false
	}
	next := waiting[0]
	if len(waiting) == 1 {
		delete(d.parked, id)
	} else {
		d.parked[id] = waiting[1:]
	}
	delete(d.pending, next)
	d.current[id] = next
	return next, true
}

func (d *Dispatcher) safeExecute(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in lifecycle worker",
				"op", job.Op, "instance_id", job.InstanceID, "panic", fmt.Sprint(r))
		}
	}()
	d.execute(ctx, job)
}

func (d *Dispatcher) execute(ctx context.Context, job Job) {
	var (
		inst *instance.Instance
		err  error
	)
	switch job.Op {
	case OpResume:
		inst, err = d.runner.Resume(ctx, job.InstanceID)
	case OpStart:
		inst, err = d.runner.Start(ctx, job.InstanceID)
	case OpStop:
		inst, err = d.runner.Stop(ctx, job.InstanceID)
	case OpApplyLimits:
		inst, err = d.runner.ApplyLimits(ctx, job.InstanceID)
	default:
		err = fmt.Errorf("lifecycle: unknown job op %q", job.Op)
	}

	attrs := []any{"op", job.Op, "instance_id", job.InstanceID}
	if inst != nil {
		attrs = append(attrs, "status", inst.Status)
	}
	var stepErr *StepError
	switch {
	case err == nil:
		d.logger.Info("lifecycle job done", attrs...)
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInterrupted):
		d.logger.Info("lifecycle job abandoned", append(attrs, "reason", err)...)
	case errors.As(err, &stepErr):
		d.logger.Warn("lifecycle job failed", append(attrs, "step", stepErr.Step, "code", stepErr.Code)...)
	default:
		d.logger.Error("lifecycle job error", append(attrs, "error", err)...)
	}
}
