// Package lock implements a single-node distributed lock on top of a Redis
// node: SET NX PX to acquire, a compare-and-delete script to release and a
// compare-and-pexpire script to renew. Every acquisition carries a random
// ownership token so that only the owner can release or extend its lease.
//
// A Watchdog keeps a lease alive while protected work runs and cancels the
// work's context as soon as ownership is lost. AcquireBlocking retries with
// jittered backoff and, when a syncbus.Bus is configured, wakes up early on
// release notifications.
//
// Limitations: the lease is a wall-clock bound. A process paused for longer
// than its ttl (GC, swap, VM migration) may still believe it holds the lock
// after another owner acquired it. Work that must never overlap should check
// Watchdog.Context or Handle.Remaining before side effects, or use fencing
// at the resource itself. Redis replication is asynchronous, so a failover
// can lose a granted lock; see the redlock package for a quorum variant.
package lock
