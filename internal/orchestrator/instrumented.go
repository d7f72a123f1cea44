package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/tenantfleet/internal/circuitbreaker"
	"github.com/mbd888/tenantfleet/internal/metrics"
	"github.com/mbd888/tenantfleet/internal/traces"
)

// Default per-call timeouts.
const (
	MetadataTimeout = 30 * time.Second
	ServiceTimeout  = 2 * time.Minute
	DeployTimeout   = 10 * time.Minute
)

// DefaultTimeouts returns the per-operation timeouts used by Instrument.
// Operations not listed use MetadataTimeout.
func DefaultTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		OpCreateManagedDB:    ServiceTimeout,
		OpCreateManagedCache: ServiceTimeout,
		OpCheckHealth:        ServiceTimeout,
		OpRestart:            ServiceTimeout,
		OpStart:              ServiceTimeout,
		OpExportData:         DeployTimeout,
		OpDeployImage:        DeployTimeout,
	}
}

// InstrumentOptions configures Instrument.
type InstrumentOptions struct {
	Timeouts       map[string]time.Duration // nil uses DefaultTimeouts
	DefaultTimeout time.Duration            // zero uses MetadataTimeout
	Breaker        *circuitbreaker.Breaker  // nil disables circuit breaking
}

// Instrumented wraps a Client with per-call timeouts, a per-operation
// circuit breaker, error classification, metrics and tracing.
type Instrumented struct {
	next           Client
	timeouts       map[string]time.Duration
	defaultTimeout time.Duration
	breaker        *circuitbreaker.Breaker
}

var _ Client = (*Instrumented)(nil)

// Instrument wraps next.
func Instrument(next Client, opts InstrumentOptions) *Instrumented {
	if opts.Timeouts == nil {
		opts.Timeouts = DefaultTimeouts()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = MetadataTimeout
	}
	return &Instrumented{
		next:           next,
		timeouts:       opts.Timeouts,
		defaultTimeout: opts.DefaultTimeout,
		breaker:        opts.Breaker,
	}
}

func (c *Instrumented) timeout(op string) time.Duration {
	if d, ok := c.timeouts[op]; ok {
		return d
	}
	return c.defaultTimeout
}

func (c *Instrumented) call(ctx context.Context, op, target string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "platform."+op, traces.PlatformOp(op), attribute.String("platform.target", target))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout(op))
	defer cancel()

	start := time.Now()
	run := func() error { return fn(callCtx) }

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(op, func(err error) bool {
			return Classify(op, err).Kind == KindRetryable
		}, run)
	} else {
		err = run()
	}
	metrics.PlatformCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		// The call's own deadline expired while the caller is still live.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = Retryable(op, CodeTimeout, err)
		}
		f := Classify(op, err)
		metrics.PlatformCallsTotal.WithLabelValues(op, f.Kind.String()).Inc()
		span.SetAttributes(attribute.String("platform.failure_code", f.Code))
		traces.RecordError(span, f)
		return f
	}
	metrics.PlatformCallsTotal.WithLabelValues(op, "success").Inc()
	return nil
}

func (c *Instrumented) CreateApp(ctx context.Context, spec AppSpec) error {
	return c.call(ctx, OpCreateApp, spec.Name, func(ctx context.Context) error {
		return c.next.CreateApp(ctx, spec)
	})
}

func (c *Instrumented) AttachStorage(ctx context.Context, spec StorageSpec) error {
	return c.call(ctx, OpAttachStorage, spec.App, func(ctx context.Context) error {
		return c.next.AttachStorage(ctx, spec)
	})
}

func (c *Instrumented) SetEnv(ctx context.Context, app string, env map[string]string) error {
	return c.call(ctx, OpSetEnv, app, func(ctx context.Context) error {
		return c.next.SetEnv(ctx, app, env)
	})
}

func (c *Instrumented) CreateManagedDB(ctx context.Context, spec ServiceSpec) (ConnInfo, error) {
	var info ConnInfo
	err := c.call(ctx, OpCreateManagedDB, spec.Name, func(ctx context.Context) error {
		var err error
		info, err = c.next.CreateManagedDB(ctx, spec)
		return err
	})
	return info, err
}

func (c *Instrumented) LinkDB(ctx context.Context, app, dbService string) error {
	return c.call(ctx, OpLinkDB, app, func(ctx context.Context) error {
		return c.next.LinkDB(ctx, app, dbService)
	})
}

func (c *Instrumented) CreateManagedCache(ctx context.Context, spec ServiceSpec) (ConnInfo, error) {
	var info ConnInfo
	err := c.call(ctx, OpCreateManagedCache, spec.Name, func(ctx context.Context) error {
		var err error
		info, err = c.next.CreateManagedCache(ctx, spec)
		return err
	})
	return info, err
}

func (c *Instrumented) LinkCache(ctx context.Context, app, cacheService string) error {
	return c.call(ctx, OpLinkCache, app, func(ctx context.Context) error {
		return c.next.LinkCache(ctx, app, cacheService)
	})
}

func (c *Instrumented) SetDomains(ctx context.Context, app string, hosts []string) error {
	return c.call(ctx, OpSetDomains, app, func(ctx context.Context) error {
		return c.next.SetDomains(ctx, app, hosts)
	})
}

func (c *Instrumented) DeployImage(ctx context.Context, app, image string) error {
	return c.call(ctx, OpDeployImage, app, func(ctx context.Context) error {
		return c.next.DeployImage(ctx, app, image)
	})
}

func (c *Instrumented) Start(ctx context.Context, app string) error {
	return c.call(ctx, OpStart, app, func(ctx context.Context) error {
		return c.next.Start(ctx, app)
	})
}

func (c *Instrumented) Stop(ctx context.Context, app string) error {
	return c.call(ctx, OpStop, app, func(ctx context.Context) error {
		return c.next.Stop(ctx, app)
	})
}

func (c *Instrumented) Restart(ctx context.Context, app string) error {
	return c.call(ctx, OpRestart, app, func(ctx context.Context) error {
		return c.next.Restart(ctx, app)
	})
}

func (c *Instrumented) DestroyApp(ctx context.Context, app string) error {
	return c.call(ctx, OpDestroyApp, app, func(ctx context.Context) error {
		return c.next.DestroyApp(ctx, app)
	})
}

func (c *Instrumented) DestroyStorage(ctx context.Context, app string) error {
	return c.call(ctx, OpDestroyStorage, app, func(ctx context.Context) error {
		return c.next.DestroyStorage(ctx, app)
	})
}

func (c *Instrumented) DestroyManagedDB(ctx context.Context, name string) error {
	return c.call(ctx, OpDestroyManagedDB, name, func(ctx context.Context) error {
		return c.next.DestroyManagedDB(ctx, name)
	})
}

func (c *Instrumented) DestroyManagedCache(ctx context.Context, name string) error {
	return c.call(ctx, OpDestroyManagedCache, name, func(ctx context.Context) error {
		return c.next.DestroyManagedCache(ctx, name)
	})
}

func (c *Instrumented) RemoveDomains(ctx context.Context, app string) error {
	return c.call(ctx, OpRemoveDomains, app, func(ctx context.Context) error {
		return c.next.RemoveDomains(ctx, app)
	})
}

func (c *Instrumented) DescribeService(ctx context.Context, kind ServiceKind, name string) (ConnInfo, error) {
	var info ConnInfo
	err := c.call(ctx, OpDescribeService, name, func(ctx context.Context) error {
		var err error
		info, err = c.next.DescribeService(ctx, kind, name)
		return err
	})
	return info, err
}

func (c *Instrumented) CheckHealth(ctx context.Context, app string) (HealthReport, error) {
	var report HealthReport
	err := c.call(ctx, OpCheckHealth, app, func(ctx context.Context) error {
		var err error
		report, err = c.next.CheckHealth(ctx, app)
		return err
	})
	return report, err
}

func (c *Instrumented) ExportData(ctx context.Context, app, dbService string) (string, error) {
	var ref string
	err := c.call(ctx, OpExportData, app, func(ctx context.Context) error {
		var err error
		ref, err = c.next.ExportData(ctx, app, dbService)
		return err
	})
	return ref, err
}

func (c *Instrumented) Ping(ctx context.Context) error {
	return c.call(ctx, OpPing, "", c.next.Ping)
}
