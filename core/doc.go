// Package core defines the domain model and lifecycle engines for the Aegis
// alert pipeline.
//
// The core package provides:
//   - Domain types (Alert, Priority, Payload, AlertGroup, retention metadata)
//   - PriorityHeap: binary min-heap keyed by (priority weight, timestamp)
//   - QueueManager: visibility scheduling, capacity bounds and overflow control
//   - GroupingEngine: similarity-based clustering plus dismissal governance
//
// # Design Principles
//
//  1. Interfaces defined where used (consumer package), not where implemented
//  2. Collaborators (clock, storage, policy) injected via constructors
//  3. Accept interfaces, return concrete types
//  4. context.Context as first parameter for cancellation support
//  5. Typed errors with proper wrapping; boolean returns for not-found
//
// Each engine owns its state exclusively; cross-engine communication happens
// through explicit method calls and registered callbacks, never shared
// mutable globals.
package core
