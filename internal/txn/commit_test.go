package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvtxn/internal/kvstore"
)

// rmwSource is a realistic RMW collaborator: it reads the current value
// through its bound Target, computes a new one, and conditions its
// writeback on whatever generation it observed.
type rmwSource struct {
	mu             sync.Mutex
	newValue       func(current kvstore.ReadResult) ([]byte, bool)
	target         Target
	writebackCalls int
	revoked        bool
}

func (s *rmwSource) Writeback(ctx context.Context, req WritebackRequest) (kvstore.ReadResult, error) {
	s.mu.Lock()
	s.writebackCalls++
	s.mu.Unlock()

	current, err := s.target.Read(ctx, ReadOptions{StalenessBound: req.StalenessBound})
	if err != nil {
		return kvstore.ReadResult{}, err
	}
	v, tombstone := s.newValue(current)
	if tombstone {
		return kvstore.Missing(current.Stamp), nil
	}
	return kvstore.Value(v, current.Stamp), nil
}

func (s *rmwSource) Revoke() {
	s.mu.Lock()
	s.revoked = true
	s.mu.Unlock()
}

func (s *rmwSource) BindTarget(t Target) { s.target = t }

func appendByte(b byte) func(kvstore.ReadResult) ([]byte, bool) {
	return func(current kvstore.ReadResult) ([]byte, bool) {
		v := append(append([]byte{}, current.Value...), b)
		return v, false
	}
}

func TestCommitNonAtomicSingleRMW(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	txn := NewTxn(ModeIsolated)

	_, err := AddReadModifyWrite(driver, txn, "k", &rmwSource{newValue: appendByte('x')})
	require.NoError(t, err)

	require.NoError(t, CommitTransaction(context.Background(), txn))

	result, err := driver.Read(context.Background(), "k", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), result.Value)
}

func TestCommitNonAtomicChainedRMW(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	txn := NewTxn(ModeIsolated)
	n := txn.nodeFor(driver)

	_, err := n.AddReadModifyWrite("k", &rmwSource{newValue: appendByte('a')})
	require.NoError(t, err)
	_, err = n.AddReadModifyWrite("k", &rmwSource{newValue: appendByte('b')})
	require.NoError(t, err)

	require.NoError(t, n.Commit(context.Background()))

	result, err := driver.Read(context.Background(), "k", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), result.Value, "only the tail of a same-key chain actually writes")
}

func TestCommitAtomicRMWAndDeleteRange(t *testing.T) {
	driver := kvstore.NewAtomicMemoryDriver()
	ctx := context.Background()
	_, err := driver.Write(ctx, "b1", []byte("old"), false, kvstore.WriteOptions{})
	require.NoError(t, err)
	_, err = driver.Write(ctx, "b2", []byte("old"), false, kvstore.WriteOptions{})
	require.NoError(t, err)

	txn := NewTxn(ModeIsolated)
	n := txn.nodeFor(driver)
	_, err = n.AddReadModifyWrite("k", &rmwSource{newValue: appendByte('z')})
	require.NoError(t, err)
	_, err = n.AddDeleteRange(kvstore.KeyRange{Inclusive: "b", Exclusive: "c"})
	require.NoError(t, err)

	require.NoError(t, n.Commit(ctx))

	result, err := driver.Read(ctx, "k", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("z"), result.Value)

	result, err = driver.Read(ctx, "b1", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, kvstore.ReadMissing, result.State)
}

func TestCommitNonAtomicRetryConverges(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	ctx := context.Background()
	_, err := driver.Write(ctx, "k", []byte(""), false, kvstore.WriteOptions{})
	require.NoError(t, err)

	txn := NewTxn(ModeIsolated)
	n := txn.nodeFor(driver)

	src := &rmwSource{}
	raced := false
	src.newValue = func(current kvstore.ReadResult) ([]byte, bool) {
		if !raced {
			raced = true
			// Simulate a concurrent external writer racing with the first
			// writeback: by the time this source's write lands, the
			// generation it read has already moved on.
			_, werr := driver.Write(ctx, "k", []byte("external"), false, kvstore.WriteOptions{})
			require.NoError(t, werr)
		}
		return append(append([]byte{}, current.Value...), 'x'), false
	}
	_, err = n.AddReadModifyWrite("k", src)
	require.NoError(t, err)

	require.NoError(t, n.Commit(ctx))

	result, err := driver.Read(ctx, "k", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("externalx"), result.Value)
	assert.GreaterOrEqual(t, src.writebackCalls, 2, "the mismatch must have triggered at least one retry")
}

// staleConditionedSource captures the generation it will condition its
// write on at construction time, rather than re-reading it fresh at
// writeback time — modeling a caller that already decided what it expects
// to overwrite (classic compare-and-swap), as opposed to rmwSource's
// self-healing read-then-write.
type staleConditionedSource struct {
	value []byte
	gen   kvstore.Generation
}

func (s *staleConditionedSource) Writeback(context.Context, WritebackRequest) (kvstore.ReadResult, error) {
	return kvstore.Value(s.value, kvstore.TimestampedGeneration{Generation: s.gen, Time: time.Now()}), nil
}
func (s *staleConditionedSource) Revoke()            {}
func (s *staleConditionedSource) NonRetryable() bool { return true }

func TestCommitNonAtomicNonRetryableMismatchFails(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	ctx := context.Background()
	_, err := driver.Write(ctx, "k", []byte("orig"), false, kvstore.WriteOptions{})
	require.NoError(t, err)

	stale, err := driver.Read(ctx, "k", kvstore.ReadOptions{})
	require.NoError(t, err)

	// Race an external write in after the caller captured its expected
	// generation, so that generation is stale by the time commit validates it.
	_, err = driver.Write(ctx, "k", []byte("raced"), false, kvstore.WriteOptions{})
	require.NoError(t, err)

	txn := NewTxn(ModeIsolated)
	n := txn.nodeFor(driver)
	_, err = n.AddReadModifyWrite("k", &staleConditionedSource{value: []byte("caller-expected"), gen: stale.Stamp.Generation})
	require.NoError(t, err)

	err = n.Commit(ctx)
	require.Error(t, err)
	assert.True(t, Is(err, FailedPrecondition))

	result, rerr := driver.Read(ctx, "k", kvstore.ReadOptions{})
	require.NoError(t, rerr)
	assert.Equal(t, []byte("raced"), result.Value, "a failed non-retryable write must not clobber the raced value")
}

func TestCommitDeleteThenWriteSamePhaseSynthesizesMissing(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	ctx := context.Background()
	_, err := driver.Write(ctx, "k", []byte("old"), false, kvstore.WriteOptions{})
	require.NoError(t, err)
	_, err = driver.Write(ctx, "m", []byte("also-in-range"), false, kvstore.WriteOptions{})
	require.NoError(t, err)

	txn := NewTxn(ModeIsolated)
	n := txn.nodeFor(driver)
	_, err = n.AddDeleteRange(kvstore.KeyRange{Inclusive: "a", Exclusive: "z"})
	require.NoError(t, err)

	var observedMissing bool
	src := &rmwSource{}
	src.newValue = func(current kvstore.ReadResult) ([]byte, bool) {
		observedMissing = current.State == kvstore.ReadMissing
		return []byte("new"), false
	}
	_, err = n.AddReadModifyWrite("k", src)
	require.NoError(t, err)

	assert.Equal(t, 3, totalLiveEntries(n), "delete-range split into two placeholders plus one RMW")

	require.NoError(t, n.Commit(ctx))
	assert.True(t, observedMissing, "the RMW's synthesized input must report the key as missing, not the pre-delete value")

	result, err := driver.Read(ctx, "k", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), result.Value)

	result, err = driver.Read(ctx, "m", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, kvstore.ReadMissing, result.State, "the surviving delete-range placeholder must still remove other keys in its range")
}

func totalLiveEntries(n *Node) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, p := range n.phases {
		count += p.tree.len()
	}
	return count
}

func TestCommitPhaseOrderingRespectsCompletionCounter(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	ctx := context.Background()
	txn := NewTxn(ModeIsolated)
	n := txn.nodeFor(driver)

	_, err := n.AddReadModifyWrite("phase0", &rmwSource{newValue: appendByte('a')})
	require.NoError(t, err)
	n.NewPhase()
	var phase0AtPhase1Writeback []byte
	_, err = n.AddReadModifyWrite("phase1", &rmwSource{newValue: func(current kvstore.ReadResult) ([]byte, bool) {
		before, _ := driver.Read(ctx, "phase0", kvstore.ReadOptions{})
		phase0AtPhase1Writeback = before.Value
		return appendByte('b')(current)
	}})
	require.NoError(t, err)

	require.NoError(t, n.Commit(ctx))
	assert.Equal(t, []byte("a"), phase0AtPhase1Writeback, "phase 1's writeback must not start before phase 0 has been written")

	for _, key := range []string{"phase0", "phase1"} {
		result, rerr := driver.Read(ctx, key, kvstore.ReadOptions{})
		require.NoError(t, rerr)
		assert.Equal(t, ReadValueKind(key), result.Value)
	}
}

// ReadValueKind returns the single-byte value each phase-ordering test key
// was written with, keeping that test's assertions self-contained.
func ReadValueKind(key string) []byte {
	switch key {
	case "phase0":
		return []byte("a")
	case "phase1":
		return []byte("b")
	default:
		return nil
	}
}

func TestCommitCancelledContextAbortsRemainingPhases(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	txn := NewTxn(ModeIsolated)
	n := txn.nodeFor(driver)

	src := &rmwSource{newValue: appendByte('a')}
	_, err := n.AddReadModifyWrite("k", src)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = n.Commit(ctx)
	require.Error(t, err)
	assert.True(t, Is(err, Cancelled))
	assert.True(t, src.revoked, "an aborted, never-dispatched entry must still notify its source")
}

func TestWriteViaTransactionRoundTrip(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	ctx := context.Background()

	stamp, err := WriteViaTransaction(ctx, driver, "k", []byte("v"), false, kvstore.WriteOptions{})
	require.NoError(t, err)
	assert.False(t, stamp.Generation.IsUnknown())

	result, err := driver.Read(ctx, "k", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), result.Value)
}

func TestTransactionalReadSeesOwnPendingWrite(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	ctx := context.Background()
	_, err := driver.Write(ctx, "k", []byte("committed"), false, kvstore.WriteOptions{})
	require.NoError(t, err)

	txn := NewTxn(ModeIsolated)
	_, err = WriteViaExistingTransaction(txn, driver, "k", []byte("pending"), false, kvstore.WriteOptions{}, false)
	require.NoError(t, err)

	result, err := TransactionalRead(ctx, driver, txn, "k", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), result.Value, "a transactional read must see its own node's uncommitted write")
}

func TestWriteViaExistingTransactionHonorsCallerSuppliedGenerationCondition(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	ctx := context.Background()

	first, err := driver.Write(ctx, "k", []byte("committed"), false, kvstore.WriteOptions{})
	require.NoError(t, err)

	stale := kvstore.NewGeneration("stale")
	txn := NewTxn(ModeIsolated)
	_, err = WriteViaExistingTransaction(txn, driver, "k", []byte("pending"), false,
		kvstore.WriteOptions{GenerationConditions: kvstore.GenerationConditions{IfEqual: &stale}}, false)
	require.NoError(t, err)
	require.ErrorIs(t, CommitTransaction(ctx, txn), kvstore.ErrGenerationMismatch,
		"a write conditioned on a stale caller-supplied generation must fail even though the key is otherwise unchanged")

	result, err := driver.Read(ctx, "k", kvstore.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("committed"), result.Value, "a failed conditional write must not apply")

	txn2 := NewTxn(ModeIsolated)
	_, err = WriteViaExistingTransaction(txn2, driver, "k", []byte("pending"), false,
		kvstore.WriteOptions{GenerationConditions: kvstore.GenerationConditions{IfEqual: &first.Generation}}, false)
	require.NoError(t, err)
	require.NoError(t, CommitTransaction(ctx, txn2),
		"a write conditioned on the generation actually observed must succeed")
}

func TestRepeatableReadFailsOnExternalChange(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	ctx := context.Background()
	_, err := driver.Write(ctx, "k", []byte("v1"), false, kvstore.WriteOptions{})
	require.NoError(t, err)

	txn := NewTxn(ModeRepeatableRead)
	_, err = TransactionalRead(ctx, driver, txn, "k", kvstore.ReadOptions{})
	require.NoError(t, err)

	_, err = driver.Write(ctx, "k", []byte("v2"), false, kvstore.WriteOptions{})
	require.NoError(t, err)

	err = CommitTransaction(ctx, txn)
	require.Error(t, err, "commit must refuse once the repeatable-read key changed underneath it")
}

func TestAbortRevokesEveryChainedSource(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	txn := NewTxn(ModeIsolated)
	n := txn.nodeFor(driver)

	first := &rmwSource{newValue: appendByte('a')}
	second := &rmwSource{newValue: appendByte('b')}
	_, err := n.AddReadModifyWrite("k", first)
	require.NoError(t, err)
	_, err = n.AddReadModifyWrite("k", second)
	require.NoError(t, err)

	n.Abort(newError(Cancelled, nil, "test abort"))

	assert.True(t, first.revoked)
	assert.True(t, second.revoked)
	assert.Equal(t, 0, totalLiveEntries(n))
}

func TestWritebackErrorNotificationIsIdempotent(t *testing.T) {
	n := newTestNode()
	src := &rmwSource{newValue: appendByte('a')}
	e := &entry{node: n, key: "k", kind: kindRMW, source: src}

	n.writebackError(e, newError(Internal, nil, "boom"))
	assert.True(t, src.revoked)
	src.revoked = false

	n.writebackError(e, newError(Internal, nil, "boom again"))
	assert.False(t, src.revoked, "a second notification on the same entry must be a no-op")
}

func TestContextTimeoutSurfacesAsCommitError(t *testing.T) {
	driver := kvstore.NewMemoryDriver()
	txn := NewTxn(ModeIsolated)
	n := txn.nodeFor(driver)

	_, err := n.AddReadModifyWrite("k", &rmwSource{newValue: appendByte('a')})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	err = n.Commit(ctx)
	require.Error(t, err)
}
