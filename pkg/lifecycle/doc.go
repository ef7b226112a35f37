// Package lifecycle implements the model deployment lifecycle.
//
// # Overview
//
// A model moves through a fixed set of states:
//
//	registered -> initializing -> ready -> deploying -> deployed
//	deployed -> undeploying -> ready
//	initializing|deploying|undeploying -> failed
//	failed -> deploying
//	any non-terminal state -> deleted
//
// The Machine owns the transition table and applies every change to a
// ModelRecord with a compare-and-swap on its StateVersion while holding the
// model's in-process lock. The Coordinator exposes the request-level
// operations (create, get, list, update, deploy, undeploy, delete), submits
// background jobs to an Executor and turns job completion into the matching
// success or failure transition.
//
// # Collaborators
//
// The package depends only on two contracts:
//
//   - Store: durable persistence with compare-and-swap updates
//   - Executor: non-blocking job submission with a completion callback
//
// MemoryStore is an in-process Store used by tests and by the "memory"
// store driver. Durable drivers live in the stores package.
//
// # Errors
//
// All errors returned by the package are *Error values carrying a Kind.
// Callers match them with errors.Is against the sentinels:
//
//	if errors.Is(err, lifecycle.ErrNotFound) {
//	    // 404
//	}
package lifecycle
