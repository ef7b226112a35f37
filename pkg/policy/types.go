package policy

import (
	"time"

	"github.com/inopsio/modeld/pkg/lifecycle"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module with its metadata.
type Policy struct {
	// Name is the unique name of the policy.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Rego        string `json:"rego"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`
	Enabled  bool     `json:"enabled"`

	// Builtin policies survive reloads of user policies.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	ModelID  string   `json:"model_id,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	Allowed bool `json:"allowed"`

	// Violations holds blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies are evaluated against.
type Input struct {
	Operation string     `json:"operation"`
	Timestamp time.Time  `json:"timestamp"`
	Model     ModelInput `json:"model"`
}

// ModelInput is the model view exposed to policies.
type ModelInput struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	State        string            `json:"state"`
	StateVersion int64             `json:"state_version"`
	Metadata     map[string]string `json:"metadata"`
}

// NewInput builds the evaluation input for an operation on rec.
func NewInput(operation string, rec *lifecycle.ModelRecord) Input {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return Input{
		Operation: operation,
		Timestamp: time.Now().UTC(),
		Model: ModelInput{
			ID:           rec.ID,
			Name:         rec.Name,
			Version:      rec.Version,
			State:        string(rec.State),
			StateVersion: rec.StateVersion,
			Metadata:     metadata,
		},
	}
}
