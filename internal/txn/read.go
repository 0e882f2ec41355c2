package txn

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/kvtxn/internal/kvstore"
)

// AddReadModifyWrite admits an RMW against driver within txn, returning
// the phase it landed in. A nil txn is invalid; callers without an active
// transaction should call driver.Write directly.
func AddReadModifyWrite(driver kvstore.Driver, txn *Txn, key string, source Source) (int, error) {
	return txn.nodeFor(driver).AddReadModifyWrite(key, source)
}

// AddDeleteRange admits a delete over r against driver within txn,
// returning the phase it landed in.
func AddDeleteRange(driver kvstore.Driver, txn *Txn, r kvstore.KeyRange) (int, error) {
	return txn.nodeFor(driver).AddDeleteRange(r)
}

// TransactionalRead resolves key's value as of this point in the
// transaction (spec §4.5): an in-progress write against the same node
// shadows the driver, so a read always sees the transaction's own pending
// effects. With txn == nil this degrades to a plain driver.Read. In
// ModeRepeatableRead an additional no-op RMW is admitted so commit fails
// if the value changes underneath the transaction before it commits.
//
// Unlike the source spec's literal "look only in the last phase" phrasing,
// this scans every phase for the entry currently covering key. Under this
// node's eager-relocation admission rules (node.go) at most one entry in
// the whole node ever covers a given key, so the two are equivalent except
// when an earlier phase holds an untouched entry that nothing has
// superseded since — exactly the case where only scanning the last phase
// would silently miss the transaction's own pending write. See DESIGN.md.
func TransactionalRead(ctx context.Context, driver kvstore.Driver, txn *Txn, key string, opts kvstore.ReadOptions) (kvstore.ReadResult, error) {
	if txn != nil {
		n := txn.nodeFor(driver)
		if result, found, err := n.readFromTree(ctx, key, opts); found || err != nil {
			return result, err
		}
	}

	result, err := driver.Read(ctx, key, opts)
	if err != nil {
		return kvstore.ReadResult{}, err
	}
	if txn != nil && txn.Mode == ModeRepeatableRead {
		n := txn.nodeFor(driver)
		if _, aerr := n.AddReadModifyWrite(key, &noopSource{result: result}); aerr != nil {
			return kvstore.ReadResult{}, aerr
		}
	}
	return result, nil
}

func (n *Node) readFromTree(ctx context.Context, key string, opts kvstore.ReadOptions) (kvstore.ReadResult, bool, error) {
	n.mu.Lock()
	var covering *entry
	for _, p := range n.phases {
		if e, ok := p.tree.covering(key); ok {
			covering = e
			break
		}
	}
	n.mu.Unlock()

	if covering == nil {
		return kvstore.ReadResult{}, false, nil
	}
	if covering.kind != kindRMW {
		result := kvstore.Missing(kvstore.TimestampedGeneration{Generation: kvstore.NoValueGeneration, Time: time.Now()})
		if !generationConditionsHold(opts.GenerationConditions, result.Stamp.Generation) {
			return kvstore.ReadResult{}, true, newError(FailedPrecondition, nil, "generation condition not satisfied for %s", n.driver.DescribeKey(key))
		}
		return result, true, nil
	}
	result, err := covering.source.Writeback(ctx, WritebackRequest{StalenessBound: opts.StalenessBound, ByteRange: opts.ByteRange})
	if err != nil {
		return kvstore.ReadResult{}, true, err
	}
	if !generationConditionsHold(opts.GenerationConditions, result.Stamp.Generation) {
		return kvstore.ReadResult{}, true, newError(FailedPrecondition, nil, "generation condition not satisfied for %s", n.driver.DescribeKey(key))
	}
	return result, true, nil
}

// generationConditionsHold reports whether cond's if-equal/if-not-equal
// constraints (spec §6's "Configuration options recognized on a read")
// are satisfied by a generation that was resolved in-transaction. A
// shadowed key whose conditions do not hold fails with FailedPrecondition;
// a non-shadowed key's conditions are left to driver.Read.
func generationConditionsHold(cond kvstore.GenerationConditions, gen kvstore.Generation) bool {
	if cond.IfEqual != nil && !cond.IfEqual.Equal(gen) {
		return false
	}
	if cond.IfNotEqual != nil && cond.IfNotEqual.Equal(gen) {
		return false
	}
	return true
}

// TransactionalList streams keys matching opts from driver. repeatable_read
// is not supported for list and fails with Unimplemented, matching the
// source spec's stated restriction.
func TransactionalList(ctx context.Context, driver kvstore.Driver, txn *Txn, opts kvstore.ListOptions, receiver func(key string) error) error {
	if opts.RepeatableRead {
		return newError(Unimplemented, nil, "repeatable_read is not supported for transactional list")
	}
	return driver.ListImpl(ctx, opts, receiver)
}

// CommitTransaction commits every node txn has touched and returns the
// first error encountered, still attempting the rest. In ModeAtomic it
// first checks that every node's driver is an AtomicDriver; if one is not,
// it aborts every node and returns an Unimplemented error without
// committing anything.
func CommitTransaction(ctx context.Context, txn *Txn) error {
	nodes := txn.Nodes()
	if txn.Mode == ModeAtomic {
		for _, n := range nodes {
			if n.atomicDriver == nil {
				err := newError(Unimplemented, nil, "atomic transaction mode requires every driver to support atomic commit")
				for _, m := range nodes {
					m.Abort(err)
				}
				return err
			}
		}
	}
	var firstErr error
	for _, n := range nodes {
		if err := n.Commit(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteResult observes the outcome of a write admitted through
// WriteViaExistingTransaction once its owning transaction commits. Reading
// it before commit returns the zero generation and a nil error.
type WriteResult struct {
	mu  sync.Mutex
	gen kvstore.TimestampedGeneration
	err error
}

// Generation returns the committed generation, or the error commit failed
// with.
func (w *WriteResult) Generation() (kvstore.TimestampedGeneration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gen, w.err
}

// valueSource is the Source backing WriteViaExistingTransaction: a literal
// value (or tombstone) to write, conditioned on the caller-supplied
// generation condition (opts.GenerationConditions.IfEqual, spec §6's "On a
// write: {generation_conditions: {if_equal?}}") when one was given, or —
// absent that — on whatever generation its bound Target currently reads,
// when failOnMismatch asks for a fresh CAS against live state.
type valueSource struct {
	value          []byte
	tombstone      bool
	opts           kvstore.WriteOptions
	failOnMismatch bool
	target         Target
	result         *WriteResult
}

func (v *valueSource) Writeback(ctx context.Context, req WritebackRequest) (kvstore.ReadResult, error) {
	var gen kvstore.Generation
	switch {
	case v.opts.GenerationConditions.IfEqual != nil:
		gen = *v.opts.GenerationConditions.IfEqual
	case v.failOnMismatch && v.target != nil:
		current, err := v.target.Read(ctx, ReadOptions{StalenessBound: req.StalenessBound})
		if err != nil {
			return kvstore.ReadResult{}, err
		}
		gen = current.Stamp.Generation
	default:
		gen = kvstore.UnconditionalGeneration
	}
	stamp := kvstore.TimestampedGeneration{Generation: gen, Time: time.Now()}
	if v.tombstone {
		return kvstore.Missing(stamp), nil
	}
	return kvstore.Value(v.value, stamp), nil
}

func (v *valueSource) Revoke() {}

func (v *valueSource) NonRetryable() bool { return v.failOnMismatch }

func (v *valueSource) BindTarget(t Target) { v.target = t }

func (v *valueSource) NotifyCommitted(stamp kvstore.TimestampedGeneration) {
	v.result.mu.Lock()
	v.result.gen = stamp
	v.result.mu.Unlock()
}

func (v *valueSource) NotifyFailed(err error) {
	v.result.mu.Lock()
	v.result.err = err
	v.result.mu.Unlock()
}

// WriteViaExistingTransaction admits value (or a tombstone) as an RMW
// against key within txn, returning a WriteResult that resolves once txn's
// node for driver commits (spec §6's write_via_existing_transaction). When
// opts.GenerationConditions.IfEqual names a previously observed generation,
// the write is conditioned on that exact token rather than on whatever is
// live at commit time. Otherwise, with failOnMismatch, the write is
// conditioned on whatever generation a fresh read observes at commit time
// and aborts rather than retries on conflict; with neither, the write is
// unconditional.
func WriteViaExistingTransaction(txn *Txn, driver kvstore.Driver, key string, value []byte, tombstone bool, opts kvstore.WriteOptions, failOnMismatch bool) (*WriteResult, error) {
	src := &valueSource{value: value, tombstone: tombstone, opts: opts, failOnMismatch: failOnMismatch, result: &WriteResult{}}
	if _, err := txn.nodeFor(driver).AddReadModifyWrite(key, src); err != nil {
		return nil, err
	}
	return src.result, nil
}

// WriteViaTransaction performs a single key write as its own one-shot,
// isolated transaction and blocks until it commits (spec §6's
// write_via_transaction).
func WriteViaTransaction(ctx context.Context, driver kvstore.Driver, key string, value []byte, tombstone bool, opts kvstore.WriteOptions) (kvstore.TimestampedGeneration, error) {
	txn := NewTxn(ModeIsolated)
	result, err := WriteViaExistingTransaction(txn, driver, key, value, tombstone, opts, true)
	if err != nil {
		return kvstore.TimestampedGeneration{}, err
	}
	if err := CommitTransaction(ctx, txn); err != nil {
		return kvstore.TimestampedGeneration{}, err
	}
	return result.Generation()
}

// noopSource backs the additional validating RMW ModeRepeatableRead admits
// on every read: it writes the same value/absence back, conditioned on the
// generation it was read at, and is non-retryable — so commit fails
// outright (rather than silently re-validating against a changed value) if
// the key was modified after this read.
type noopSource struct {
	result kvstore.ReadResult
}

func (s *noopSource) Writeback(ctx context.Context, req WritebackRequest) (kvstore.ReadResult, error) {
	return s.result, nil
}

func (s *noopSource) Revoke() {}

func (s *noopSource) NonRetryable() bool { return true }
