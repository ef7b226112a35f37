package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inopsio/modeld/pkg/lifecycle"
)

// MetadataSimulateFail makes SimulatedRunner fail jobs of the named kind,
// or of every kind when set to "all".
const MetadataSimulateFail = "simulate.fail"

// Mux dispatches jobs to a runner by kind.
type Mux struct {
	mu       sync.RWMutex
	runners  map[lifecycle.JobKind]Runner
	fallback Runner
}

// NewMux returns a Mux that sends unregistered kinds to fallback, which
// may be nil.
func NewMux(fallback Runner) *Mux {
	return &Mux{runners: make(map[lifecycle.JobKind]Runner), fallback: fallback}
}

// Handle registers r for kind.
func (m *Mux) Handle(kind lifecycle.JobKind, r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[kind] = r
}

// Run implements Runner.
func (m *Mux) Run(ctx context.Context, job *lifecycle.Job) error {
	m.mu.RLock()
	r, ok := m.runners[job.Kind]
	m.mu.RUnlock()
	if !ok {
		r = m.fallback
	}
	if r == nil {
		return fmt.Errorf("no runner registered for job kind %q", job.Kind)
	}
	return r.Run(ctx, job)
}

// SimulatedRunner sleeps instead of doing work. Used for development and
// for serving hosts that need no preparation.
type SimulatedRunner struct {
	Delays       map[lifecycle.JobKind]time.Duration
	DefaultDelay time.Duration
}

// Run waits for the kind's delay, then fails if the model's metadata asks
// for it.
func (r *SimulatedRunner) Run(ctx context.Context, job *lifecycle.Job) error {
	delay, ok := r.Delays[job.Kind]
	if !ok {
		delay = r.DefaultDelay
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch job.Model.Metadata[MetadataSimulateFail] {
	case string(job.Kind), "all":
		return fmt.Errorf("simulated %s failure", job.Kind)
	}
	return nil
}

// Chain runs runners in order, stopping at the first error.
type Chain []Runner

// Run implements Runner.
func (c Chain) Run(ctx context.Context, job *lifecycle.Job) error {
	for _, r := range c {
		if err := r.Run(ctx, job); err != nil {
			return err
		}
	}
	return nil
}
