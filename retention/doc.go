// Package retention implements the compliance-driven lifecycle for
// persisted alerts: creation-time expiration stamping, lazy status
// recomputation, grace periods, legal holds, purge sweeps and the
// append-only audit trail.
//
// The engine is decoupled from alert visibility: it operates on whatever
// the injected AlertStore returns, regardless of what the queue or grouping
// layers are doing. All collaborators (store, audit store, notifier, clock,
// policy) are constructor-injected so tests can substitute fakes.
package retention
