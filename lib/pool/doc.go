// Package pool provides a generic client pool for long-lived, stateful
// clients of a remote service.
//
// The pool owns:
//   - Size limits and blocking borrow with context/timeout support
//   - Idle client eviction
//   - Per-slot state: live, or suspect after a connection failure
//   - Metrics for pool utilization
//
// Everything that depends on what a client talks to is supplied by a
// Lifecycle: how to build a client, how to heal one, how to tell a dead
// connection from an application error and how to tear one down.
//
// # Basic Usage
//
//	p := pool.New[*MyClient](lifecycle, pool.DefaultConfig())
//	defer p.Close()
//
//	err := p.Run(ctx, func(c *MyClient) error {
//	    return c.Ping(ctx)
//	})
//
// # Connection failures
//
// When an action fails and the Lifecycle classifies the error as a
// connection error, the slot is marked suspect and returned. The next borrow
// of that slot calls Reconnect before handing the client out; if Reconnect
// fails the slot is discarded and, capacity permitting, a fresh client is
// built. With Config.RetryByDefault the reconnect happens immediately and
// the action is run once more.
//
// Errors that are not connection errors are returned to the caller unchanged
// and the client stays in service.
//
// # Metrics
//
// Pool metrics are collected in Registry, labelled by pool name:
//   - metapool_pool_clients_max, _open, _idle, _in_use, _suspect
//   - metapool_pool_acquire_total, _acquire_success_total, _acquire_failed_total
//   - metapool_pool_release_total, _created_total, _reconnect_total,
//     _reconnect_failed_total, _discarded_total
//   - metapool_pool_acquire_duration_seconds
package pool
