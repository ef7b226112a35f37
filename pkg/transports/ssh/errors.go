package ssh

import "fmt"

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed: connect, exec, upload.
	Op string

	Err error

	// Retryable marks failures that may succeed on another attempt.
	Retryable bool

	// Auth marks authentication or host key failures.
	Auth bool

	// ExitStatus is the remote exit code for exec failures, or -1.
	ExitStatus int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may be retried.
func (e *TransportError) Temporary() bool {
	return e.Retryable
}

func retryable(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err, Retryable: true, ExitStatus: -1}
}

func permanent(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err, ExitStatus: -1}
}
