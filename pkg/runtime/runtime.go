// Package runtime hosts the background work of a running relay.
//
// A LocalRuntime periodically sweeps registered expirers, such as the relay's
// reaper, and runs shutdown hooks in reverse registration order on Stop.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Runtime defines the minimal lifecycle of the relay process.
type Runtime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Expirer is implemented by components that can expire stale work.
type Expirer interface {
	ExpireRequests(ctx context.Context) (int, error)
}

// ShutdownFunc releases a resource when the runtime stops.
type ShutdownFunc func(ctx context.Context) error

// LocalRuntime is an in-process runtime.
type LocalRuntime struct {
	mu      sync.Mutex
	started bool
	tracer  trace.Tracer
	logger  *slog.Logger

	expirers      []Expirer
	sweepInterval time.Duration
	sweepTimeout  time.Duration
	sweepCancel   context.CancelFunc
	sweepDone     chan struct{}

	hooks []namedHook
}

type namedHook struct {
	name string
	fn   ShutdownFunc
}

// NewLocal creates a new LocalRuntime instance.
func NewLocal() *LocalRuntime {
	return &LocalRuntime{logger: slog.Default()}
}

// SetLogger overrides the runtime logger.
func (r *LocalRuntime) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// AddExpirer registers an expirer to be swept on the configured interval.
func (r *LocalRuntime) AddExpirer(expirer Expirer) {
	if expirer == nil {
		return
	}
	r.mu.Lock()
	r.expirers = append(r.expirers, expirer)
	r.mu.Unlock()
}

// SetSweepInterval defines how often to sweep. Set to 0 to disable.
func (r *LocalRuntime) SetSweepInterval(interval time.Duration) {
	r.sweepInterval = interval
}

// SetSweepTimeout defines a per-sweep timeout.
func (r *LocalRuntime) SetSweepTimeout(timeout time.Duration) {
	r.sweepTimeout = timeout
}

// OnStop registers fn to run when the runtime stops.
func (r *LocalRuntime) OnStop(name string, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, namedHook{name: name, fn: fn})
	r.mu.Unlock()
}

// Start launches the sweeper.
func (r *LocalRuntime) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runtime already started")
	}
	r.started = true
	if r.tracer == nil {
		r.tracer = otel.Tracer("pagerelay/runtime")
	}
	r.startSweeper()
	return nil
}

// Stop halts the sweeper and runs shutdown hooks, newest first.
func (r *LocalRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	hooks := append([]namedHook(nil), r.hooks...)
	r.mu.Unlock()

	r.stopSweeper()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		if err := hook.fn(ctx); err != nil {
			r.logger.Warn("runtime.shutdown.error",
				slog.String("hook", hook.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
			continue
		}
		r.logger.Info("runtime.shutdown.complete", slog.String("hook", hook.name))
	}
	return errors.Join(errs...)
}

// Started reports whether the runtime is running.
func (r *LocalRuntime) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *LocalRuntime) startSweeper() {
	if r.sweepInterval <= 0 || len(r.expirers) == 0 {
		r.logger.Info("runtime.sweeper.disabled",
			slog.Duration("interval", r.sweepInterval),
			slog.Int("expirers", len(r.expirers)),
		)
		return
	}
	initSweepMetrics()
	expirers := append([]Expirer(nil), r.expirers...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.sweepCancel = cancel
	r.sweepDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		r.logger.Info("runtime.sweeper.start",
			slog.Duration("interval", r.sweepInterval),
			slog.Int("expirers", len(expirers)),
		)
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("runtime.sweeper.stop")
				return
			case <-ticker.C:
				r.sweep(ctx, expirers)
			}
		}
	}()
}

func (r *LocalRuntime) sweep(ctx context.Context, expirers []Expirer) {
	sweepStart := time.Now()
	sweepCtx := ctx
	var cancel context.CancelFunc
	if r.sweepTimeout > 0 {
		sweepCtx, cancel = context.WithTimeout(ctx, r.sweepTimeout)
		defer cancel()
	}
	sweepCtx, sweepSpan := r.tracer.Start(sweepCtx, "runtime.sweep",
		trace.WithAttributes(
			attribute.Int("expirers", len(expirers)),
			attribute.String("timeout", r.sweepTimeout.String()),
		),
	)
	defer sweepSpan.End()

	total := 0
	for _, expirer := range expirers {
		name := expirerName(expirer)
		expired, err := expirer.ExpireRequests(sweepCtx)
		if err != nil {
			sweepErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("expirer", name)))
			sweepSpan.RecordError(err)
			r.logger.Warn("runtime.sweep.error",
				slog.String("expirer", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += expired
	}
	sweepTotalLatencyMs.Record(ctx, float64(time.Since(sweepStart).Seconds()*1000), metric.WithAttributes(
		attribute.Int("expirers", len(expirers)),
	))
	sweepSpan.SetAttributes(attribute.Int("expired", total))
}

func (r *LocalRuntime) stopSweeper() {
	if r.sweepCancel == nil {
		return
	}
	r.sweepCancel()
	if r.sweepDone != nil {
		<-r.sweepDone
	}
	r.sweepCancel = nil
	r.sweepDone = nil
}

var (
	sweepMetricsOnce    sync.Once
	sweepErrorCounter   metric.Int64Counter
	sweepTotalLatencyMs metric.Float64Histogram
)

func initSweepMetrics() {
	sweepMetricsOnce.Do(func() {
		meter := otel.Meter("pagerelay/runtime")
		sweepErrorCounter, _ = meter.Int64Counter("pagerelay.runtime.sweep.error.count")
		sweepTotalLatencyMs, _ = meter.Float64Histogram("pagerelay.runtime.sweep.total_latency_ms")
	})
}

func expirerName(expirer Expirer) string {
	if expirer == nil {
		return "unknown"
	}
	return fmt.Sprintf("%T", expirer)
}
