package txn

import (
	"context"
	"time"

	"github.com/dreamware/kvtxn/internal/kvstore"
)

// Source is the external collaborator behind one RMW entry — typically a
// cache node. It is the target→source half of the RMW protocol (spec
// §4.3): the mutation layer calls Writeback to ask what should be written,
// and Revoke to invalidate cached read state once this entry's effect is
// superseded or the transaction aborts.
//
// A Source may optionally implement any of:
//
//	interface{ SupportsByteRange() bool }  — answers scoped writeback requests
//	interface{ NonRetryable() bool }       — a generation mismatch aborts rather than retries
//	TargetBinder                           — wants the Target handed back at admission
//	Committer                              — wants to observe the final commit outcome
type Source interface {
	// Writeback returns the value this source wants written, or a ReadResult
	// with State == kvstore.ReadUnspecified to leave the key unchanged.
	Writeback(ctx context.Context, req WritebackRequest) (kvstore.ReadResult, error)
	// Revoke invalidates any cached read state. Must be idempotent.
	Revoke()
}

// WritebackRequest scopes a Source.Writeback call.
type WritebackRequest struct {
	StalenessBound time.Time
	ByteRange      *kvstore.ByteRange
}

// ReadOptions scopes a Target.Read call.
type ReadOptions struct {
	StalenessBound time.Time
	ByteRange      *kvstore.ByteRange
}

// Target is the source→target half of the RMW protocol, implemented by
// *entry. A Source whose Writeback logic needs the current value calls
// back into the Target it was bound to (see TargetBinder).
type Target interface {
	Read(ctx context.Context, opts ReadOptions) (kvstore.ReadResult, error)
	ReadsCommitted() bool
}

// TargetBinder is implemented by a Source that wants a reference to the
// Target for its entry, handed to it once at admission time.
type TargetBinder interface {
	BindTarget(t Target)
}

// Committer is an optional extension letting a Source observe the final
// outcome of its entry once commit resolves. It is not part of the
// mandatory RMW-target contract; it exists so upward convenience helpers
// like WriteViaExistingTransaction can report a result back to a caller
// that never sees the entry itself.
type Committer interface {
	NotifyCommitted(stamp kvstore.TimestampedGeneration)
	NotifyFailed(err error)
}

// Read implements Target: it walks one link toward the head of this
// entry's chain, synthesizing a missing result when a delete-range covered
// the key after its predecessor (flagPrevDeleted, whether or not prev is
// set), and delegating to the driver for an entry with no predecessor at
// all.
func (e *entry) Read(ctx context.Context, opts ReadOptions) (kvstore.ReadResult, error) {
	if e.hasFlag(flagPrevDeleted) {
		// The generation here is Unconditional, not NoValue: a delete-range
		// admitted earlier in the same phase may not have reached the driver
		// yet (phase dispatch has no ordering between entries), so this
		// entry's eventual write must not be conditioned on the driver
		// actually observing the key as absent.
		return kvstore.Missing(kvstore.TimestampedGeneration{Generation: kvstore.UnconditionalGeneration, Time: time.Now()}), nil
	}
	if e.prev != nil {
		return e.prev.source.Writeback(ctx, WritebackRequest{StalenessBound: opts.StalenessBound, ByteRange: opts.ByteRange})
	}
	return e.node.driver.Read(ctx, e.key, kvstore.ReadOptions{StalenessBound: opts.StalenessBound, ByteRange: opts.ByteRange})
}

// ReadsCommitted implements Target: it reports whether a Read call on this
// entry goes straight to the driver rather than through a chain of
// in-transaction writes.
func (e *entry) ReadsCommitted() bool {
	return e.prev == nil && !e.hasFlag(flagPrevDeleted)
}
