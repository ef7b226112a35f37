package lifecycle

import (
	"time"
)

// State is the lifecycle state of a model.
type State string

const (
	StateRegistered   State = "registered"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateDeploying    State = "deploying"
	StateDeployed     State = "deployed"
	StateUndeploying  State = "undeploying"
	StateFailed       State = "failed"
	StateDeleted      State = "deleted"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateRegistered,
	StateInitializing,
	StateReady,
	StateDeploying,
	StateDeployed,
	StateUndeploying,
	StateFailed,
	StateDeleted,
}

// InFlight reports whether a background job owns the model in this state.
func (s State) InFlight() bool {
	switch s {
	case StateInitializing, StateDeploying, StateUndeploying:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDeleted
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Event triggers a transition of the state machine.
type Event string

const (
	EventInitialize      Event = "initialize"
	EventInitSuccess     Event = "init_success"
	EventInitFailure     Event = "init_failure"
	EventDeploy          Event = "deploy"
	EventDeploySuccess   Event = "deploy_success"
	EventDeployFailure   Event = "deploy_failure"
	EventUndeploy        Event = "undeploy"
	EventUndeploySuccess Event = "undeploy_success"
	EventUndeployFailure Event = "undeploy_failure"
	EventDelete          Event = "delete"
)

// ModelRecord is the persisted representation of a model.
type ModelRecord struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// State changes only through the transition table.
	State State `json:"state"`

	// StateVersion increases on every successful write and guards
	// compare-and-swap updates.
	StateVersion int64 `json:"state_version"`

	// LastError is set only while the model is failed.
	LastError string `json:"last_error,omitempty"`

	// ActiveJobID identifies the job that owns an in-flight state.
	ActiveJobID string `json:"active_job_id,omitempty"`

	// JobOwner is the instance id of the coordinator running ActiveJobID.
	JobOwner string `json:"job_owner,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *ModelRecord) Clone() *ModelRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ModelSpec holds the descriptive fields supplied on create.
type ModelSpec struct {
	Name     string            `json:"name" validate:"required,max=255"`
	Version  string            `json:"version,omitempty" validate:"max=64"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ModelPatch is a partial update of descriptive fields. Nil fields are left
// unchanged; a non-nil Metadata replaces the existing map.
type ModelPatch struct {
	Name     *string           `json:"name,omitempty" validate:"omitempty,max=255"`
	Version  *string           `json:"version,omitempty" validate:"omitempty,max=64"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ModelPatch) Empty() bool {
	return p.Name == nil && p.Version == nil && p.Metadata == nil
}

// JobKind identifies the work a background job performs.
type JobKind string

const (
	JobInitialize JobKind = "initialize"
	JobDeploy     JobKind = "deploy"
	JobUndeploy   JobKind = "undeploy"
)

// PendingState is the in-flight state a job of this kind supervises.
func (k JobKind) PendingState() State {
	switch k {
	case JobInitialize:
		return StateInitializing
	case JobDeploy:
		return StateDeploying
	case JobUndeploy:
		return StateUndeploying
	default:
		return ""
	}
}

// CompletionEvent returns the event fired when a job of this kind finishes.
func (k JobKind) CompletionEvent(failed bool) Event {
	switch k {
	case JobInitialize:
		if failed {
			return EventInitFailure
		}
		return EventInitSuccess
	case JobDeploy:
		if failed {
			return EventDeployFailure
		}
		return EventDeploySuccess
	case JobUndeploy:
		if failed {
			return EventUndeployFailure
		}
		return EventUndeploySuccess
	default:
		return ""
	}
}

// jobKindForState maps an in-flight state back to the job kind owning it.
func jobKindForState(s State) JobKind {
	switch s {
	case StateInitializing:
		return JobInitialize
	case StateDeploying:
		return JobDeploy
	case StateUndeploying:
		return JobUndeploy
	default:
		return ""
	}
}

// Job is a unit of background work submitted to an Executor.
type Job struct {
	ID   string  `json:"id"`
	Kind JobKind `json:"kind"`

	// Model is a snapshot of the record taken when the job was started.
	Model ModelRecord `json:"model"`

	SubmittedAt time.Time     `json:"submitted_at"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Transition records one applied state change.
type Transition struct {
	ModelID      string    `json:"model_id"`
	From         State     `json:"from"`
	To           State     `json:"to"`
	Event        Event     `json:"event"`
	StateVersion int64     `json:"state_version"`
	JobID        string    `json:"job_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}
