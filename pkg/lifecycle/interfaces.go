package lifecycle

import (
	"context"
	"errors"
)

// Store persists model records.
//
// Get returns deleted records so the state machine can reject events on
// them; List never does. CASUpdate replaces the stored record only when its
// StateVersion still equals expectedVersion and fails with a
// ConcurrentModification error otherwise. Implementations return NotFound
// errors for unknown ids.
type Store interface {
	Get(ctx context.Context, id string) (*ModelRecord, error)
	List(ctx context.Context, offset, limit int) ([]*ModelRecord, error)
	Create(ctx context.Context, rec *ModelRecord) error
	CASUpdate(ctx context.Context, id string, expectedVersion int64, rec *ModelRecord) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// HistoryStore is implemented by stores that keep a transition log.
type HistoryStore interface {
	RecordTransition(ctx context.Context, t Transition) error
	ListTransitions(ctx context.Context, modelID string, offset, limit int) ([]Transition, error)
}

// ReportFunc receives the outcome of a job. A nil err means success.
type ReportFunc func(job *Job, err error)

// JobHandle tracks a submitted job.
type JobHandle interface {
	ID() string
	Done() <-chan struct{}
	Err() error
}

// Executor runs jobs in the background.
//
// Submit must not block. It returns ErrQueueFull (or another error) when the
// job cannot be accepted, in which case report is never called. Otherwise
// report is called exactly once when the job finishes.
type Executor interface {
	Submit(job *Job, report ReportFunc) (JobHandle, error)
}

// ErrQueueFull is returned by executors that cannot accept more work.
var ErrQueueFull = errors.New("executor queue is full")

// Admission decides whether a model may be deployed.
type Admission interface {
	AdmitDeploy(ctx context.Context, rec *ModelRecord) error
}

// TransitionObserver is notified after every applied transition.
type TransitionObserver interface {
	ObserveTransition(ctx context.Context, rec *ModelRecord, t Transition)
}

// ObserverFunc adapts a function to TransitionObserver.
type ObserverFunc func(ctx context.Context, rec *ModelRecord, t Transition)

// ObserveTransition calls f.
func (f ObserverFunc) ObserveTransition(ctx context.Context, rec *ModelRecord, t Transition) {
	f(ctx, rec, t)
}
