// Package executor runs lifecycle jobs on a bounded pool of workers.
//
// A Pool accepts jobs without blocking, runs each one through a Runner with
// a per-job deadline, retries temporary failures with exponential backoff,
// and reports the outcome exactly once through the caller's ReportFunc.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/inopsio/modeld/pkg/lifecycle"
	"github.com/inopsio/modeld/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrPoolClosed is returned by Submit after Stop has been called.
var ErrPoolClosed = errors.New("executor pool is closed")

// Job outcomes reported to MetricsRecorder.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Runner performs the work of a job. Errors implementing
// Temporary() bool that report true are retried.
type Runner interface {
	Run(ctx context.Context, job *lifecycle.Job) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *lifecycle.Job) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, job *lifecycle.Job) error {
	return f(ctx, job)
}

// MetricsRecorder receives job measurements. Optional.
type MetricsRecorder interface {
	RecordJob(kind, outcome string, duration time.Duration)
	SetQueuedJobs(n int)
}

// Config holds pool settings.
type Config struct {
	// Workers is the number of jobs run concurrently.
	Workers int

	// QueueSize bounds jobs waiting for a worker. Submit fails with
	// lifecycle.ErrQueueFull beyond it.
	QueueSize int

	// JobTimeout applies to jobs that carry no timeout of their own.
	JobTimeout time.Duration

	// MaxRetries is the number of extra attempts for temporary errors.
	MaxRetries int

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   64,
		JobTimeout:  5 * time.Minute,
		MaxRetries:  2,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	}
}

// Pool is a worker pool implementing lifecycle.Executor.
type Pool struct {
	cfg     Config
	runner  Runner
	logger  zerolog.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer

	queue chan *task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards closed and the send side of queue.
	mu     sync.RWMutex
	closed bool
}

type task struct {
	job    *lifecycle.Job
	report lifecycle.ReportFunc
	handle *handle
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithTracer overrides the tracer used for job spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) { p.tracer = t }
}

// NewPool creates a pool and starts its workers.
func NewPool(cfg Config, runner Runner, logger zerolog.Logger, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		runner: runner,
		logger: logger.With().Str("component", "executor").Logger(),
		tracer: otel.Tracer("modeld/executor"),
		queue:  make(chan *task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info().Int("workers", cfg.Workers).Int("queue_size", cfg.QueueSize).Msg("Executor pool started")
	return p
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job *lifecycle.Job, report lifecycle.ReportFunc) (lifecycle.JobHandle, error) {
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	t := &task{job: job, report: report, handle: newHandle(job.ID)}
	select {
	case p.queue <- t:
	default:
		return nil, lifecycle.ErrQueueFull
	}
	p.setQueued()
	return t.handle, nil
}

// Stop stops accepting jobs and waits for queued and running jobs to
// finish. If ctx ends first, running jobs are cancelled and Stop waits for
// them to report before returning ctx's error.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info().Msg("Executor pool stopped")
		return nil
	case <-ctx.Done():
		queued := p.Queued()
		p.cancel()
		<-done
		p.logger.Warn().Int("queued", queued).Msg("Executor pool stopped with jobs cancelled")
		return ctx.Err()
	}
}

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.queue)
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for t := range p.queue {
		p.setQueued()
		p.execute(t)
	}
	p.logger.Debug().Int("worker", n).Msg("Worker exited")
}

// execute runs one task and reports its outcome.
func (p *Pool) execute(t *task) {
	job := t.job
	logger := p.logger.With().
		Str("job_id", job.ID).
		Str("model_id", job.Model.ID).
		Str("kind", string(job.Kind)).
		Logger()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.cfg.JobTimeout
	}
	ctx := p.ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "executor.job",
		trace.WithAttributes(
			telemetry.AttrJobID.String(job.ID),
			telemetry.AttrJobKind.String(string(job.Kind)),
			telemetry.AttrModelID.String(job.Model.ID),
		),
	)

	start := time.Now()
	logger.Debug().Msg("Job started")
	err := p.runWithRetry(ctx, job, logger)
	duration := time.Since(start)

	outcome := OutcomeSucceeded
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeTimeout
		err = lifecycle.NewExecutorTimeoutError(job.ID).WithCause(err)
	case errors.Is(err, context.Canceled):
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
	}

	if err != nil {
		if kind := lifecycle.KindOf(err); kind != "" {
			span.SetAttributes(telemetry.AttrErrorKind.String(string(kind)))
		}
		telemetry.RecordError(span, err)
		logger.Warn().Err(err).Str("outcome", outcome).Dur("duration", duration).Msg("Job failed")
	} else {
		telemetry.RecordSuccess(span)
		logger.Info().Dur("duration", duration).Msg("Job completed")
	}
	span.End()

	if p.metrics != nil {
		p.metrics.RecordJob(string(job.Kind), outcome, duration)
	}

	if t.report != nil {
		t.report(job, err)
	}
	t.handle.finish(err)
}

// runWithRetry runs the job, retrying temporary errors while the job's
// context allows.
func (p *Pool) runWithRetry(ctx context.Context, job *lifecycle.Job, logger zerolog.Logger) error {
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		err = p.runOnce(ctx, job)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTemporary(err) || attempt >= p.cfg.MaxRetries {
			return err
		}

		delay := p.backoff(attempt)
		logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", p.cfg.MaxRetries+1).
			Dur("backoff", delay).
			Msg("Retrying after failure")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return err
}

// runOnce calls the runner, converting a panic into an error.
func (p *Pool) runOnce(ctx context.Context, job *lifecycle.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()
	return p.runner.Run(ctx, job)
}

// backoff returns base * 2^attempt, capped, plus half of a 25% jitter.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := p.cfg.BaseBackoff * time.Duration(math.Pow(2, float64(attempt)))
	if delay > p.cfg.MaxBackoff || delay <= 0 {
		delay = p.cfg.MaxBackoff
	}
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

func (p *Pool) setQueued() {
	if p.metrics != nil {
		p.metrics.SetQueuedJobs(p.Queued())
	}
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// handle implements lifecycle.JobHandle.
type handle struct {
	id   string
	done chan struct{}

	mu  sync.Mutex
	err error
}

func newHandle(id string) *handle {
	return &handle{id: id, done: make(chan struct{})}
}

func (h *handle) ID() string { return h.id }

func (h *handle) Done() <-chan struct{} { return h.done }

// Err returns the job error once Done is closed.
func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
