package kvstore

import (
	"context"
	"errors"
)

// ErrGenerationMismatch is returned by Write and CommitAtomic when the
// caller's generation precondition was not satisfied by the driver's
// current state.
var ErrGenerationMismatch = errors.New("kvstore: generation mismatch")

// Driver is the external key-value collaborator this module's mutation
// layer is built on top of. It is deliberately minimal: everything about
// transactions, phases, and RMW sources lives above this interface, not in
// it — exactly as internal/shard never asks internal/storage.Store about
// anything but Get/Put/Delete/List/Stats.
//
// All methods must be safe for concurrent use. No method may retain ctx,
// key, or value beyond the call; inputs should be treated as immutable by
// implementations and copied if stored.
type Driver interface {
	// Read returns the current value (or confirmed absence) for key,
	// subject to the generation and staleness conditions in opts.
	Read(ctx context.Context, key string, opts ReadOptions) (ReadResult, error)

	// Write stores value under key (or deletes it, when tombstone is true),
	// subject to opts.GenerationConditions.IfEqual. On a generation
	// mismatch it returns ErrGenerationMismatch and a zero
	// TimestampedGeneration.
	Write(ctx context.Context, key string, value []byte, tombstone bool, opts WriteOptions) (TimestampedGeneration, error)

	// DeleteRange removes every key in r. It has no generation
	// precondition: callers that need validated deletes model them as a
	// Write with tombstone=true per key instead.
	DeleteRange(ctx context.Context, r KeyRange) error

	// ListImpl streams every key matching opts to receiver in the driver's
	// natural order, stopping early if receiver returns an error.
	ListImpl(ctx context.Context, opts ListOptions, receiver func(key string) error) error

	// DescribeKey renders key for diagnostics (logs, error messages). It
	// never fails and never touches the network.
	DescribeKey(key string) string
}

// BatchOp is one operation within an atomic commit batch: either a
// conditional point write/delete (DeleteRange == nil) or an unconditional
// range delete (DeleteRange != nil, other fields ignored).
type BatchOp struct {
	Key         string
	Tombstone   bool
	Value       []byte
	Expected    Generation
	DeleteRange *KeyRange
}

// AtomicDriver is implemented by drivers that can apply a whole batch of
// operations as a single all-or-nothing unit, asserting every operation's
// expected generation before applying any of them. The atomic commit path
// (spec §4.4) requires this; the non-atomic path only requires Driver.
type AtomicDriver interface {
	Driver

	// CommitAtomic validates every op's Expected generation against the
	// current driver state and, only if all hold, applies the whole batch.
	// On any mismatch it returns ErrGenerationMismatch and applies nothing.
	CommitAtomic(ctx context.Context, ops []BatchOp) (TimestampedGeneration, error)
}
