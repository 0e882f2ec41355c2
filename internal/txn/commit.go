package txn

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/kvtxn/internal/kvstore"
	"github.com/sethvargo/go-retry"
)

// Commit drives this node's phases to completion strictly in order: phase
// N fully resolves — every entry either written or individually failed —
// before phase N+1 begins. A failed phase short-circuits every phase after
// it, which are destroyed rather than attempted (spec §4.4/§4.6).
func (n *Node) Commit(ctx context.Context) error {
	n.mu.Lock()
	phases := append([]*phase(nil), n.phases...)
	n.mu.Unlock()

	for i, p := range phases {
		if err := ctx.Err(); err != nil {
			cerr := newError(Cancelled, err, "commit cancelled before phase %d", p.index)
			n.abortPhases(phases[i:])
			n.clearPhases()
			return cerr
		}
		if err := n.commitNextPhase(ctx, p); err != nil {
			n.releasePhase(p)
			n.abortPhases(phases[i+1:])
			n.clearPhases()
			return err
		}
		n.releasePhase(p)
	}
	n.clearPhases()
	return nil
}

func (n *Node) clearPhases() {
	n.mu.Lock()
	n.phases = nil
	n.mu.Unlock()
}

// abortPhases destroys every phase in phases in reverse order, notifying
// each live entry's source of failure. Used only for phases that never
// got a chance to dispatch.
func (n *Node) abortPhases(phases []*phase) {
	for i := len(phases) - 1; i >= 0; i-- {
		n.abortPhase(phases[i], newError(Aborted, nil, "prior phase failed"))
	}
}

// relocate asserts the invariant that every entry physically present in
// p's tree was in fact admitted (or last re-homed) into p. Because
// AddReadModifyWrite and AddDeleteRange always relocate a superseded entry
// into the last phase immediately (node.go), by the time commit reaches a
// phase there is nothing left to splice — this resolves the source spec's
// open question about deferred relocation by doing the move eagerly at
// admission time instead. The pass is kept as a lightweight consistency
// check rather than removed outright, so the commit state machine still
// has a place matching spec §4.4 step 1.
func (n *Node) relocate(p *phase) {
	p.tree.ascend(func(e *entry) bool {
		if e.originalPhase != p.index {
			log.Printf("kvtxn: internal: entry for %s tagged phase %d found in phase %d", n.driver.DescribeKey(e.key), e.originalPhase, p.index)
		}
		return true
	})
}

func (n *Node) commitNextPhase(ctx context.Context, p *phase) error {
	n.relocate(p)

	n.mu.Lock()
	entries := make([]*entry, 0, p.tree.len())
	p.tree.ascend(func(e *entry) bool { entries = append(entries, e); return true })
	n.mu.Unlock()

	atomic.StoreInt32(&p.pending, int32(len(entries)))
	if len(entries) == 0 {
		return nil
	}

	if n.atomicDriver != nil {
		return n.commitAtomic(ctx, p, entries)
	}
	return n.commitNonAtomic(ctx, p, entries)
}

// finishPhaseEntry records err as the phase's first error (if any),
// notifies the entry's source of the outcome, and decrements the phase's
// outstanding-entry counter. The decrement always happens last, so a
// concurrent reader of p.pending never observes zero before every
// notification for this entry has been delivered (spec §4.7's ordering
// requirement between writeback notification and the completion count).
func (n *Node) finishPhaseEntry(p *phase, e *entry, err error) {
	if err != nil {
		p.recordError(err)
		n.writebackError(e, err)
	}
	if e.kind == kindRMW {
		if c, ok := e.source.(Committer); ok {
			if err != nil {
				c.NotifyFailed(err)
			} else {
				c.NotifyCommitted(e.bufStamp)
			}
		}
	}
	atomic.AddInt32(&p.pending, -1)
}

// writebackError implements spec §4.7's record_entry_writeback_error
// notification: idempotent per entry (guarded by flagError), it revokes
// the source's cached state and recurses toward the head of the chain.
func (n *Node) writebackError(e *entry, err error) {
	if e == nil {
		return
	}
	if !e.setFlagCAS(flagError) {
		return
	}
	e.mu.Lock()
	if e.firstErr == nil {
		e.firstErr = err
	}
	e.mu.Unlock()
	if e.source != nil {
		e.source.Revoke()
	}
	n.writebackError(e.prev, err)
}

// --- non-atomic commit ---

func (n *Node) commitNonAtomic(ctx context.Context, p *phase, entries []*entry) error {
	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			n.dispatchNonAtomic(ctx, p, e)
			return nil
		})
	}
	_ = g.Wait()
	if p.hasError() {
		return p.err()
	}
	return nil
}

func (n *Node) dispatchNonAtomic(ctx context.Context, p *phase, e *entry) {
	var err error
	switch e.kind {
	case kindDeleteRange, kindDeleteRangePlaceholder:
		err = n.writebackDelete(ctx, e)
	case kindRMW:
		err = n.writebackRMWNonAtomic(ctx, e)
	}
	n.finishPhaseEntry(p, e, err)
}

func (n *Node) writebackDelete(ctx context.Context, e *entry) error {
	hi := e.upperBound
	if e.upperUnbounded {
		hi = ""
	}
	return n.driver.DeleteRange(ctx, kvstore.KeyRange{Inclusive: e.key, Exclusive: hi})
}

func (n *Node) markResultFlags(e *entry, result kvstore.ReadResult) {
	if result.Stamp.Generation.IsUnconditional() || (e.prev != nil && e.prev.hasFlag(flagTransitivelyUnconditional)) {
		e.setFlag(flagTransitivelyUnconditional)
	}
	if result.State != kvstore.ReadUnspecified || (e.prev != nil && e.prev.hasFlag(flagTransitivelyDirty)) {
		e.setFlag(flagTransitivelyDirty)
	}
}

func (n *Node) writebackRMWNonAtomic(ctx context.Context, e *entry) error {
	e = tailOf(e)
	var staleness time.Time
	attempt := func(ctx context.Context) error {
		result, rerr := e.source.Writeback(ctx, WritebackRequest{StalenessBound: staleness})
		if rerr != nil {
			return rerr
		}
		n.markResultFlags(e, result)
		e.setFlag(flagWritebackProvided)
		if result.State == kvstore.ReadUnspecified {
			return nil
		}

		tombstone := result.State == kvstore.ReadMissing
		expected := result.Stamp.Generation
		stamp, werr := n.driver.Write(ctx, e.key, result.Value, tombstone, kvstore.WriteOptions{
			GenerationConditions: kvstore.GenerationConditions{IfEqual: &expected},
		})
		if werr == nil {
			e.bufStamp = stamp
			return nil
		}
		if !errors.Is(werr, kvstore.ErrGenerationMismatch) {
			return werr
		}
		if e.hasFlag(flagNonRetryable) {
			return newError(FailedPrecondition, werr, "generation mismatch writing %s", n.driver.DescribeKey(e.key))
		}
		staleness = time.Now()
		return retry.RetryableError(werr)
	}

	err := retry.Do(ctx, boundedBackoff(maxNonAtomicRetries), attempt)
	if err == nil {
		return nil
	}
	if isKvtxnError(err) {
		return err
	}
	return newError(Aborted, err, "retries exhausted writing %s", n.driver.DescribeKey(e.key))
}

// --- atomic commit ---

func (n *Node) commitAtomic(ctx context.Context, p *phase, entries []*entry) error {
	{
		var g errgroup.Group
		for _, e := range entries {
			e := e
			if e.kind == kindRMW {
				g.Go(func() error { return n.bufferWriteback(ctx, e, time.Time{}) })
			}
		}
		if err := g.Wait(); err != nil {
			for _, e := range entries {
				n.finishPhaseEntry(p, e, err)
			}
			return err
		}
	}

	commitErr := retry.Do(ctx, boundedBackoff(maxAtomicRetries), func(ctx context.Context) error {
		batch := n.buildBatch(entries)
		stamp, err := n.atomicDriver.CommitAtomic(ctx, batch)
		if err == nil {
			n.atomicCommitWritebackSuccess(entries, stamp)
			return nil
		}
		if !errors.Is(err, kvstore.ErrGenerationMismatch) {
			return err
		}
		if n.anyNonRetryable(entries) {
			return newError(Aborted, err, "atomic commit conflict on a non-retryable entry")
		}
		if rerr := n.retryAtomicWriteback(ctx, entries); rerr != nil {
			return rerr
		}
		return retry.RetryableError(err)
	})

	if commitErr != nil {
		if !isKvtxnError(commitErr) {
			commitErr = newError(Aborted, commitErr, "atomic commit exceeded its retry bound")
		}
		for _, e := range entries {
			n.finishPhaseEntry(p, e, commitErr)
		}
		return commitErr
	}
	for _, e := range entries {
		n.finishPhaseEntry(p, e, nil)
	}
	return nil
}

func (n *Node) bufferWriteback(ctx context.Context, e *entry, staleness time.Time) error {
	e = tailOf(e)
	result, err := e.source.Writeback(ctx, WritebackRequest{StalenessBound: staleness})
	if err != nil {
		return err
	}
	n.markResultFlags(e, result)
	e.bufState = result.State
	e.bufValue = result.Value
	e.bufStamp = result.Stamp
	e.setFlag(flagWritebackProvided)
	return nil
}

func (n *Node) retryAtomicWriteback(ctx context.Context, entries []*entry) error {
	now := time.Now()
	var g errgroup.Group
	for _, e := range entries {
		e := e
		if e.kind == kindRMW {
			g.Go(func() error { return n.bufferWriteback(ctx, e, now) })
		}
	}
	return g.Wait()
}

func (n *Node) buildBatch(entries []*entry) []kvstore.BatchOp {
	var ops []kvstore.BatchOp
	for _, e := range entries {
		switch e.kind {
		case kindDeleteRange, kindDeleteRangePlaceholder:
			hi := e.upperBound
			if e.upperUnbounded {
				hi = ""
			}
			r := kvstore.KeyRange{Inclusive: e.key, Exclusive: hi}
			ops = append(ops, kvstore.BatchOp{DeleteRange: &r})
		case kindRMW:
			if e.bufState == kvstore.ReadUnspecified {
				continue
			}
			ops = append(ops, kvstore.BatchOp{
				Key:       e.key,
				Tombstone: e.bufState == kvstore.ReadMissing,
				Value:     e.bufValue,
				Expected:  e.bufStamp.Generation,
			})
		}
	}
	return ops
}

func (n *Node) atomicCommitWritebackSuccess(entries []*entry, stamp kvstore.TimestampedGeneration) {
	for _, e := range entries {
		if e.kind != kindRMW {
			continue
		}
		e.origGeneration = e.bufStamp.Generation
		e.bufStamp = stamp
	}
}

func (n *Node) anyNonRetryable(entries []*entry) bool {
	for _, e := range entries {
		if e.kind == kindRMW && e.hasFlag(flagNonRetryable) {
			return true
		}
	}
	return false
}
