package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// LastErrorTimeout is stored when a job exceeds its timeout.
	LastErrorTimeout = "timeout"

	// LastErrorInterrupted is stored by Recover for jobs lost in a restart.
	LastErrorInterrupted = "interrupted"
)

// errStaleJob marks a completion for a job that no longer owns the model.
var errStaleJob = errors.New("job no longer owns the model")

// Options configure a Coordinator.
type Options struct {
	// JobTimeout forces a job's model to failed if no completion arrives.
	// Zero disables the watchdog.
	JobTimeout time.Duration

	// MaxCASRetries bounds retries after a lost compare-and-swap.
	MaxCASRetries int

	DefaultListLimit int
	MaxListLimit     int

	// Admission is consulted before deploying. Optional.
	Admission Admission

	Observers []TransitionObserver
	Logger    zerolog.Logger
	Tracer    trace.Tracer

	// NewID generates model and job ids. Defaults to UUIDv4.
	NewID func() string

	// InstanceID is stamped on records whose job this coordinator runs.
	// Recover only fails jobs owned by this instance, unowned jobs, and
	// jobs idle for longer than JobTimeout. Defaults to a random id.
	InstanceID string

	// OnCASConflict is called for every lost compare-and-swap. Optional.
	OnCASConflict func(modelID string)
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		JobTimeout:       5 * time.Minute,
		MaxCASRetries:    3,
		DefaultListLimit: 100,
		MaxListLimit:     1000,
		Logger:           zerolog.Nop(),
	}
}

// Coordinator exposes the lifecycle operations on models.
type Coordinator struct {
	store    Store
	executor Executor
	machine  *Machine
	opts     Options
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	watchdog map[string]*time.Timer
	closed   bool

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator over store and executor.
func NewCoordinator(store Store, executor Executor, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.MaxCASRetries < 0 {
		opts.MaxCASRetries = 0
	}
	if opts.DefaultListLimit <= 0 {
		opts.DefaultListLimit = defaults.DefaultListLimit
	}
	if opts.MaxListLimit <= 0 {
		opts.MaxListLimit = defaults.MaxListLimit
	}
	if opts.DefaultListLimit > opts.MaxListLimit {
		opts.DefaultListLimit = opts.MaxListLimit
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.New().String()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/inopsio/modeld/pkg/lifecycle")
	}

	logger := opts.Logger.With().Str("component", "coordinator").Logger()
	return &Coordinator{
		store:    store,
		executor: executor,
		machine:  NewMachine(store, opts.Logger, opts.Observers...),
		opts:     opts,
		logger:   logger,
		tracer:   opts.Tracer,
		watchdog: make(map[string]*time.Timer),
	}
}

// CreateModel registers a model and starts its initialization in the
// background. The returned record is in the registered state.
func (c *Coordinator) CreateModel(ctx context.Context, spec ModelSpec) (*ModelRecord, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.CreateModel")
	defer span.End()

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		err := NewValidationError("name is required").WithOperation("create").WithDetail("field", "name")
		endSpan(span, err)
		return nil, err
	}

	now := time.Now().UTC()
	rec := &ModelRecord{
		ID:           c.opts.NewID(),
		Name:         name,
		Version:      spec.Version,
		Metadata:     copyMetadata(spec.Metadata),
		State:        StateRegistered,
		StateVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	span.SetAttributes(attribute.String("model.id", rec.ID))

	if err := c.store.Create(ctx, rec); err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	c.logger.Info().Str("model_id", rec.ID).Str("name", rec.Name).Msg("Model registered")

	if !c.spawn(ctx, func(bg context.Context) {
		if _, err := c.startJob(bg, rec.ID, EventInitialize, JobInitialize, nil); err != nil {
			c.logger.Error().Err(err).Str("model_id", rec.ID).Msg("Failed to start initialization")
		}
	}) {
		c.logger.Warn().Str("model_id", rec.ID).Msg("Coordinator closed, initialization not started")
	}

	return rec.Clone(), nil
}

// GetModel returns the model, or NotFound if it is absent or deleted.
func (c *Coordinator) GetModel(ctx context.Context, id string) (*ModelRecord, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == StateDeleted {
		return nil, NewNotFoundError(id)
	}
	return rec, nil
}

// ListModels returns non-deleted models ordered by creation time.
func (c *Coordinator) ListModels(ctx context.Context, offset, limit int) ([]*ModelRecord, error) {
	if offset < 0 {
		return nil, NewValidationError("offset must not be negative").WithOperation("list").WithDetail("field", "skip")
	}
	if limit <= 0 {
		limit = c.opts.DefaultListLimit
	}
	if limit > c.opts.MaxListLimit {
		limit = c.opts.MaxListLimit
	}
	recs, err := c.store.List(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return recs, nil
}

// UpdateModel changes descriptive fields. State is never touched.
func (c *Coordinator) UpdateModel(ctx context.Context, id string, patch ModelPatch) (*ModelRecord, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.UpdateModel", trace.WithAttributes(attribute.String("model.id", id)))
	defer span.End()

	if patch.Empty() {
		err := NewValidationError("update changes nothing").WithModel(id).WithOperation("update")
		endSpan(span, err)
		return nil, err
	}

	var name string
	if patch.Name != nil {
		name = strings.TrimSpace(*patch.Name)
		if name == "" {
			err := NewValidationError("name must not be empty").WithModel(id).WithOperation("update").WithDetail("field", "name")
			endSpan(span, err)
			return nil, err
		}
	}

	rec, err := c.retry(id, func() (*ModelRecord, error) {
		return c.machine.Update(ctx, id, func(next *ModelRecord) {
			if patch.Name != nil {
				next.Name = name
			}
			if patch.Version != nil {
				next.Version = *patch.Version
			}
			if patch.Metadata != nil {
				next.Metadata = copyMetadata(patch.Metadata)
			}
		})
	})
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeployModel moves a ready or failed model to deploying and submits a
// deploy job. It returns without waiting for the job.
// Admission runs under the model's lock against the record the transition
// is applied to.
func (c *Coordinator) DeployModel(ctx context.Context, id string) (*ModelRecord, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.DeployModel", trace.WithAttributes(attribute.String("model.id", id)))
	defer span.End()

	var guard func(cur *ModelRecord) error
	if c.opts.Admission != nil {
		guard = func(cur *ModelRecord) error {
			// Fire reports the invalid transition itself.
			if !CanFire(cur.State, EventDeploy) {
				return nil
			}
			return c.opts.Admission.AdmitDeploy(ctx, cur.Clone())
		}
	}

	rec, err := c.startJob(ctx, id, EventDeploy, JobDeploy, guard)
	endSpan(span, err)
	return rec, err
}

// UndeployModel moves a deployed model to undeploying and submits an
// undeploy job.
func (c *Coordinator) UndeployModel(ctx context.Context, id string) (*ModelRecord, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.UndeployModel", trace.WithAttributes(attribute.String("model.id", id)))
	defer span.End()

	rec, err := c.startJob(ctx, id, EventUndeploy, JobUndeploy, nil)
	endSpan(span, err)
	return rec, err
}

// DeleteModel soft-deletes the model. It is refused with Conflict while a
// job is in flight.
func (c *Coordinator) DeleteModel(ctx context.Context, id string) (*ModelRecord, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.DeleteModel", trace.WithAttributes(attribute.String("model.id", id)))
	defer span.End()

	rec, err := c.retry(id, func() (*ModelRecord, error) {
		return c.machine.Fire(ctx, id, EventDelete, FireOptions{})
	})
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("model_id", id).Msg("Model deleted")
	return rec, nil
}

// History returns the recorded transitions of a model.
func (c *Coordinator) History(ctx context.Context, id string, offset, limit int) ([]Transition, error) {
	h, ok := c.store.(HistoryStore)
	if !ok {
		return nil, NewUnsupportedError("store does not record transition history")
	}
	if offset < 0 {
		return nil, NewValidationError("offset must not be negative").WithOperation("history")
	}
	if _, err := c.GetModel(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = c.opts.DefaultListLimit
	}
	if limit > c.opts.MaxListLimit {
		limit = c.opts.MaxListLimit
	}
	ts, err := h.ListTransitions(ctx, id, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	return ts, nil
}

// Recover fails models left in an in-flight state by a previous run of
// this instance, typically one that stopped before its jobs reported. Jobs
// held by another live instance are left alone; they are only taken over
// once their record has been idle for longer than JobTimeout. It returns
// the number of models recovered.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	const page = 500
	now := time.Now()
	var stuck []*ModelRecord
	skipped := 0
	for offset := 0; ; offset += page {
		recs, err := c.store.List(ctx, offset, page)
		if err != nil {
			return 0, fmt.Errorf("failed to list models: %w", err)
		}
		for _, rec := range recs {
			if !rec.State.InFlight() {
				continue
			}
			if !c.orphaned(rec, now) {
				skipped++
				continue
			}
			stuck = append(stuck, rec)
		}
		if len(recs) < page {
			break
		}
	}
	if skipped > 0 {
		c.logger.Info().Int("count", skipped).Msg("Leaving jobs owned by other instances")
	}

	recovered := 0
	for _, rec := range stuck {
		job := &Job{ID: rec.ActiveJobID, Kind: jobKindForState(rec.State), Model: *rec}
		if err := c.finishJob(ctx, job, LastErrorInterrupted); err != nil {
			if errors.Is(err, errStaleJob) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Warn().Int("count", recovered).Msg("Recovered interrupted models")
	}
	return recovered, nil
}

// orphaned reports whether rec's job can be failed by this instance.
func (c *Coordinator) orphaned(rec *ModelRecord, now time.Time) bool {
	if rec.JobOwner == "" || rec.JobOwner == c.opts.InstanceID {
		return true
	}
	return c.opts.JobTimeout > 0 && now.Sub(rec.UpdatedAt) > c.opts.JobTimeout
}

// Close stops the timeout watchdog and waits for background work started
// by the coordinator. Executors must be stopped separately.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for id, t := range c.watchdog {
		t.Stop()
		delete(c.watchdog, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// startJob fires the job's start event, then submits the job. guard, if
// set, runs under the model's lock before the transition. If the executor
// refuses the job the model is failed right away.
func (c *Coordinator) startJob(ctx context.Context, id string, event Event, kind JobKind, guard func(cur *ModelRecord) error) (*ModelRecord, error) {
	jobID := c.opts.NewID()
	rec, err := c.retry(id, func() (*ModelRecord, error) {
		return c.machine.Fire(ctx, id, event, FireOptions{
			JobID: jobID,
			Guard: guard,
			Mutate: func(next *ModelRecord) {
				next.ActiveJobID = jobID
				next.JobOwner = c.opts.InstanceID
			},
		})
	})
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:          jobID,
		Kind:        kind,
		Model:       *rec.Clone(),
		SubmittedAt: time.Now().UTC(),
		Timeout:     c.opts.JobTimeout,
	}

	logger := c.logger.With().Str("model_id", id).Str("job_id", jobID).Str("kind", string(kind)).Logger()

	c.armWatchdog(job)
	if _, err := c.executor.Submit(job, c.onJobDone); err != nil {
		c.disarmWatchdog(job.ID)
		logger.Error().Err(err).Msg("Failed to submit job")
		if ferr := c.finishJob(context.WithoutCancel(ctx), job, fmt.Sprintf("failed to submit job: %v", err)); ferr != nil && !errors.Is(ferr, errStaleJob) {
			logger.Error().Err(ferr).Msg("Failed to record submit failure")
		}
		if latest, gerr := c.store.Get(ctx, id); gerr == nil {
			return latest, nil
		}
		return rec, nil
	}

	logger.Debug().Msg("Job submitted")
	return rec, nil
}

// onJobDone is the ReportFunc handed to the executor.
func (c *Coordinator) onJobDone(job *Job, jobErr error) {
	lastError := ""
	if jobErr != nil {
		lastError = lastErrorFor(jobErr)
	}
	if err := c.finishJob(context.Background(), job, lastError); err != nil && !errors.Is(err, errStaleJob) {
		c.logger.Error().Err(err).Str("model_id", job.Model.ID).Str("job_id", job.ID).Msg("Failed to apply job completion")
	}
}

// finishJob applies the completion transition for job. An empty lastError
// means success. Completions for jobs that no longer own the model return
// errStaleJob and leave the record unchanged.
func (c *Coordinator) finishJob(ctx context.Context, job *Job, lastError string) error {
	c.disarmWatchdog(job.ID)

	failed := lastError != ""
	event := job.Kind.CompletionEvent(failed)
	pending := job.Kind.PendingState()
	id := job.Model.ID

	_, err := c.retry(id, func() (*ModelRecord, error) {
		return c.machine.Fire(ctx, id, event, FireOptions{
			JobID: job.ID,
			Guard: func(cur *ModelRecord) error {
				if cur.State != pending || cur.ActiveJobID != job.ID {
					return errStaleJob
				}
				return nil
			},
			Mutate: func(next *ModelRecord) {
				if failed {
					next.LastError = lastError
				}
			},
		})
	})
	if errors.Is(err, errStaleJob) || IsNotFound(err) {
		c.logger.Debug().Str("model_id", id).Str("job_id", job.ID).Msg("Ignoring completion of stale job")
		return errStaleJob
	}
	if err != nil {
		return err
	}

	ev := c.logger.Info()
	if failed {
		ev = c.logger.Warn().Str("last_error", lastError)
	}
	ev.Str("model_id", id).Str("job_id", job.ID).Str("event", string(event)).Msg("Job finished")
	return nil
}

func (c *Coordinator) armWatchdog(job *Job) {
	if c.opts.JobTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.watchdog[job.ID] = time.AfterFunc(c.opts.JobTimeout, func() {
		c.mu.Lock()
		if _, armed := c.watchdog[job.ID]; !armed || c.closed {
			c.mu.Unlock()
			return
		}
		delete(c.watchdog, job.ID)
		c.wg.Add(1)
		c.mu.Unlock()
		defer c.wg.Done()

		c.logger.Warn().Str("model_id", job.Model.ID).Str("job_id", job.ID).Dur("timeout", c.opts.JobTimeout).Msg("Job timed out")
		if err := c.finishJob(context.Background(), job, LastErrorTimeout); err != nil && !errors.Is(err, errStaleJob) {
			c.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to fail timed out job")
		}
	})
}

func (c *Coordinator) disarmWatchdog(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.watchdog[jobID]; ok {
		t.Stop()
		delete(c.watchdog, jobID)
	}
}

// spawn runs fn in a tracked goroutine with a context detached from the
// caller's cancellation. It returns false once the coordinator is closed.
func (c *Coordinator) spawn(parent context.Context, fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	bg := context.WithoutCancel(parent)
	go func() {
		defer c.wg.Done()
		fn(bg)
	}()
	return true
}

// retry re-runs op while it loses compare-and-swap races, then gives up
// with a Conflict.
func (c *Coordinator) retry(id string, op func() (*ModelRecord, error)) (*ModelRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxCASRetries; attempt++ {
		rec, err := op()
		if err == nil {
			return rec, nil
		}
		if !IsConcurrentModification(err) {
			return nil, err
		}
		lastErr = err
		if c.opts.OnCASConflict != nil {
			c.opts.OnCASConflict(id)
		}
		c.logger.Debug().Str("model_id", id).Int("attempt", attempt+1).Msg("Lost compare-and-swap, retrying")
	}
	return nil, NewConflictError("too many concurrent modifications", lastErr).
		WithModel(id).
		WithCode(ErrCodeRetriesExhausted).
		WithDetail("attempts", c.opts.MaxCASRetries+1)
}

// lastErrorFor converts a job error into the text stored on the record.
func lastErrorFor(err error) string {
	if IsExecutorTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return LastErrorTimeout
	}
	msg := err.Error()
	if msg == "" {
		return "job failed"
	}
	return msg
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
