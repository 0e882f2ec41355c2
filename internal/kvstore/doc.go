// Package kvstore defines the driver contract that the transactional
// mutation layer (package txn) is built on top of, and ships one reference
// driver pair used by its tests and examples.
//
// # Overview
//
// kvstore deliberately knows nothing about transactions, phases, or
// read-modify-write sources — that machinery lives in package txn. This
// package only describes the shape of the thing txn depends on: a
// byte-addressed, generation-versioned key-value driver, consumed the way
// internal/shard consumes internal/storage.Store in this module's sibling
// history. No wire format or file format is defined here; that belongs to
// whatever concrete driver (a real database client, a cloud object store
// adapter, ...) implements Driver in production.
//
// # Generations
//
// Every committed value carries an opaque Generation token. Generation
// supports a partial order with four distinguished states — unknown,
// unconditional, no-value, and a concrete driver-assigned token — used by
// the transaction layer to decide whether a conditional write's precondition
// still holds.
//
// # Reference drivers
//
// MemoryDriver and AtomicMemoryDriver are in-memory implementations used by
// package txn's tests: the former is a "terminal, non-atomic" driver (every
// key is written independently, optimistic-concurrency retries happen
// per-key); the latter additionally implements AtomicDriver, so the
// transaction layer can exercise the single-batch commit path.
package kvstore
