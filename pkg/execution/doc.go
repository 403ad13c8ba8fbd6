// Package execution implements the per-request state machine shared by the
// event loop and the concurrency gate.
//
// One Execution exists per logical request and survives every retry attempt:
//
//	Idle → Prepared → Running → Finalized → Retrying → Prepared ...
//	                                     └→ Resolved
//
// Prepare acquires a handle and binds it to the execution, the runner
// performs the exchange, Finalize maps the outcome to a ConnectionStatus,
// ShouldRetry decides whether another attempt follows and Resolve builds the
// terminal Response. Runners drive one execution from one goroutine at a
// time; only the force-reset flag and cancellation are touched concurrently.
package execution
