// Package txn implements the transactional mutation layer that sits
// between a kvstore.Driver and user code: it lets independent
// read-modify-write (RMW) operations and range deletes be staged against a
// driver, combined across one or more phases, validated against live
// storage, and committed atomically (when the driver supports it) or
// serially (when it does not).
//
// # Architecture
//
// The shape mirrors this module's storage/shard/coordinator split, just
// re-pointed at a different domain:
//
//	┌───────────────────────────────────────┐
//	│              Caller                    │
//	│   (a driver adapter, or a cache node)  │
//	└───────────────────────────────────────┘
//	                 │  AddReadModifyWrite / AddDeleteRange
//	                 ▼
//	┌───────────────────────────────────────┐
//	│                Txn                     │
//	│   one *Node per driver touched         │
//	└───────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌───────────────────────────────────────┐
//	│                Node                    │
//	│  mutex + ring (arena) of phases        │
//	│  each phase: an ordered tree of entries│
//	└───────────────────────────────────────┘
//	                 │  Commit
//	                 ▼
//	┌───────────────────────────────────────┐
//	│           kvstore.Driver               │
//	│   (non-atomic: per-key writes          │
//	│    atomic: one batched commit)         │
//	└───────────────────────────────────────┘
//
// # Entries and supersession
//
// Each phase holds an ordered tree (internal/txn/tree.go, backed by
// github.com/google/btree) of entries keyed by representative key: a
// single-key RMW entry, or a half-open range-delete entry. At most one
// entry in the whole node ever covers a given key at a time — whenever a
// new admission would overlap an existing entry, the existing one is
// either superseded (its key chained via prev, itself no longer tree-
// resident) or absorbed (folded into a delete-range's superseded subtree,
// kept only for validation). See entry.go and node.go for the exact rules,
// and DESIGN.md for how this resolves the source spec's two open
// questions about cross-phase splitting and writeback-success ordering.
//
// # RMW sources
//
// An RMW entry never stores the user's mutation directly. Instead it holds
// a Source — typically a cache node — which is asked, at commit time, what
// it wants written (Source.Writeback) and which is told to drop any cached
// read state once its effect is superseded or the transaction aborts
// (Source.Revoke). The entry itself exposes the reverse half of the
// protocol, Target, so a Source's own Writeback logic can ask for its
// input by calling back into the entry it belongs to.
//
// # Errors
//
// Failures this package raises itself are *Error values carrying one of a
// small closed set of Kind values (see errors.go); an error returned by a
// Driver or a Source may also be passed through unwrapped (for example
// from the non-atomic commit path or from TransactionalRead). Use
// errors.As to recover a *Error and
// errors.Is(err, kvstore.ErrGenerationMismatch) to detect
// the underlying driver conflict that produced an Aborted/FailedPrecondition
// result.
package txn
