// Package eventloop drives many transfers at once from a single loop
// goroutine.
//
// Each iteration of the loop:
//  1. processes finished transfers: Finalize, then requeue for a retry or
//     Resolve and deliver the Response
//  2. parks while the engine is suspended and nothing is in flight
//  3. admits queued executions: Prepare, then hand the handle to the
//     multiplexed context (Multi)
//  4. waits on the wakeup signal with a bounded timeout, so a submission or
//     a suspend/resume transition interrupts the wait immediately
//
// Executions are only touched by the loop goroutine, except for the
// exchange itself which Multi runs on its own goroutine under a total
// connection budget. User callbacks are never invoked with a lock held.
package eventloop
