package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// FireOptions customize a single transition.
type FireOptions struct {
	// Guard inspects the current record before the event is evaluated. A
	// non-nil error aborts the transition and is returned unchanged.
	Guard func(cur *ModelRecord) error

	// Mutate adjusts the candidate record before it is written.
	Mutate func(next *ModelRecord)

	// JobID is recorded on the emitted Transition.
	JobID string
}

// Machine applies transitions to stored records.
type Machine struct {
	store     Store
	locks     *keyedMutex
	observers []TransitionObserver
	logger    zerolog.Logger
	now       func() time.Time
}

// NewMachine creates a state machine over store.
func NewMachine(store Store, logger zerolog.Logger, observers ...TransitionObserver) *Machine {
	return &Machine{
		store:     store,
		locks:     newKeyedMutex(),
		observers: observers,
		logger:    logger.With().Str("component", "state-machine").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Fire applies event to the model identified by id.
//
// The read, the guard, the transition check and the compare-and-swap all
// happen while the model's lock is held. Deleted models are reported as NotFound.
func (m *Machine) Fire(ctx context.Context, id string, event Event, opts FireOptions) (*ModelRecord, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State == StateDeleted {
		return nil, NewNotFoundError(id)
	}
	if opts.Guard != nil {
		if err := opts.Guard(cur); err != nil {
			return nil, err
		}
	}

	to, err := Next(cur.State, event)
	if err != nil {
		if le, ok := err.(*Error); ok {
			le.WithModel(id)
		}
		return nil, err
	}

	next := cur.Clone()
	next.State = to
	next.StateVersion = cur.StateVersion + 1
	next.UpdatedAt = m.now()
	if to != StateFailed {
		next.LastError = ""
	}
	if !to.InFlight() {
		next.ActiveJobID = ""
		next.JobOwner = ""
	}
	if opts.Mutate != nil {
		opts.Mutate(next)
	}

	if err := m.store.CASUpdate(ctx, id, cur.StateVersion, next); err != nil {
		return nil, err
	}

	t := Transition{
		ModelID:      id,
		From:         cur.State,
		To:           to,
		Event:        event,
		StateVersion: next.StateVersion,
		JobID:        opts.JobID,
		Error:        next.LastError,
		At:           next.UpdatedAt,
	}

	m.logger.Debug().
		Str("model_id", id).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("event", string(event)).
		Int64("state_version", t.StateVersion).
		Msg("Transition applied")

	m.record(ctx, next, t)
	return next.Clone(), nil
}

// Update applies a descriptive change without a state transition. The
// record's StateVersion is still incremented.
func (m *Machine) Update(ctx context.Context, id string, mutate func(next *ModelRecord)) (*ModelRecord, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cur, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State == StateDeleted {
		return nil, NewNotFoundError(id)
	}

	next := cur.Clone()
	mutate(next)
	next.ID = cur.ID
	next.State = cur.State
	next.StateVersion = cur.StateVersion + 1
	next.UpdatedAt = m.now()

	if err := m.store.CASUpdate(ctx, id, cur.StateVersion, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (m *Machine) record(ctx context.Context, rec *ModelRecord, t Transition) {
	if h, ok := m.store.(HistoryStore); ok {
		if err := h.RecordTransition(ctx, t); err != nil {
			m.logger.Warn().Err(err).Str("model_id", t.ModelID).Msg("Failed to record transition")
		}
	}
	for _, o := range m.observers {
		o.ObserveTransition(ctx, rec.Clone(), t)
	}
}
