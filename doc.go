// Package jobguard mirrors the lifecycle of jobs submitted to an external
// Redis-backed queue (Bull, BullMQ, Bee-Queue) into PostgreSQL, and recovers
// jobs that have gone stuck or abandoned mid-processing.
//
// # Overview
//
// Bull/BullMQ/Bee own job execution; jobguard never pulls or dispatches a
// job itself. A Coordinator wraps a live queue client through an Adapter,
// intercepting Submit to persist a pending JobRecord and subscribing to the
// broker's own lifecycle events to mirror state transitions as they happen.
//
// # State Machine
//
// JobRecord follows this lifecycle:
//
//	Pending    -> Processing
//	Processing -> Completed
//	Processing -> Failed      (attempts+1 < max_attempts)
//	Processing -> Dead        (attempts+1 >= max_attempts)
//	Processing -> Stuck       (liveness signal gone stale)
//	Stuck      -> Pending     (re-enqueue succeeded, new row)
//	Stuck      -> Dead        (attempts exhausted)
//
// Completed, Failed and Dead are terminal and never mutated back.
//
// # Reconciliation
//
// A Reconciler periodically harvests Processing rows whose liveness signal
// (updated_at or, with useHeartbeat, last_heartbeat) is older than
// stuckThresholdMs, marks them Stuck under row-level locking
// (SELECT ... FOR UPDATE SKIP LOCKED, never an in-process lock), and hands
// survivors to the Adapter's Reenqueue for an atomic broker-side
// verify+remove+resubmit. Its cadence adapts to recent outcomes via
// Scheduler, and it self-quarantines after repeated cycle failures rather
// than hammering a persistently failing database.
//
// # Recovery Model
//
// jobguard assumes at-least-once broker delivery already holds; it adds
// crash-survivability on top by giving external state a durable home outside
// the broker's own volatile structures. It does not provide exactly-once
// delivery, cross-broker failover, or payload encryption — callers needing
// those must layer them on top.
//
// # Concurrency Model
//
// A bounded worker pool dispatches re-enqueue work concurrently with the
// reconciliation cycle that discovered it, decoupling harvesting from broker
// I/O the same way the cycle itself is decoupled from request-time Submit
// calls. Shutdown is graceful and concurrent: the reconciler, the cleanup
// timer and the adapter's event subscription all stop independently before
// the database connection closes.
package jobguard
