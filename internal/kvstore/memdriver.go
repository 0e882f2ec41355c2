package kvstore

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// record is one stored key's current value and version, generalized from
// the plain map entry in the teacher's MemoryStore to also carry a
// generation counter so conditional writes have something to validate
// against.
type record struct {
	value     []byte
	tombstone bool
	gen       uint64
}

// MemoryDriver is an in-memory, non-atomic reference Driver: every Write is
// independent and conditioned only on the single key it touches. It has no
// persistence across restarts, same as the teacher's MemoryStore, and adds
// per-key optimistic-concurrency versioning on top.
type MemoryDriver struct {
	mu   sync.RWMutex
	data map[string]record
	seq  uint64
}

// NewMemoryDriver creates an empty, immediately thread-safe driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{data: make(map[string]record)}
}

func (m *MemoryDriver) currentLocked(key string) (Generation, ReadResult) {
	rec, ok := m.data[key]
	now := time.Now()
	if !ok || rec.tombstone {
		return NoValueGeneration, Missing(TimestampedGeneration{Generation: NoValueGeneration, Time: now})
	}
	gen := NewGeneration(strconv.FormatUint(rec.gen, 10))
	value := make([]byte, len(rec.value))
	copy(value, rec.value)
	return gen, Value(value, TimestampedGeneration{Generation: gen, Time: now})
}

// Read implements Driver. It always returns the latest stored value and
// applies only opts.ByteRange; opts.GenerationConditions and
// opts.StalenessBound are not evaluated.
func (m *MemoryDriver) Read(_ context.Context, key string, opts ReadOptions) (ReadResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, result := m.currentLocked(key)
	if r := opts.ByteRange; r != nil && result.State == ReadValue {
		result.Value = sliceByteRange(result.Value, *r)
	}
	return result, nil
}

func sliceByteRange(value []byte, r ByteRange) []byte {
	start := r.Start
	if start < 0 {
		start = 0
	}
	if start > int64(len(value)) {
		start = int64(len(value))
	}
	end := r.End
	if end < 0 || end > int64(len(value)) {
		end = int64(len(value))
	}
	if end < start {
		end = start
	}
	out := make([]byte, end-start)
	copy(out, value[start:end])
	return out
}

// Write implements Driver.
func (m *MemoryDriver) Write(_ context.Context, key string, value []byte, tombstone bool, opts WriteOptions) (TimestampedGeneration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, _ := m.currentLocked(key)
	if cond := opts.GenerationConditions.IfEqual; cond != nil && !cond.IsUnconditional() && !cond.Equal(current) {
		return TimestampedGeneration{}, ErrGenerationMismatch
	}

	m.seq++
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = record{value: stored, tombstone: tombstone, gen: m.seq}

	gen := NoValueGeneration
	if !tombstone {
		gen = NewGeneration(strconv.FormatUint(m.seq, 10))
	}
	return TimestampedGeneration{Generation: gen, Time: time.Now()}, nil
}

// DeleteRange implements Driver.
func (m *MemoryDriver) DeleteRange(_ context.Context, r KeyRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.data {
		if r.Contains(key) {
			m.seq++
			delete(m.data, key)
		}
	}
	return nil
}

// ListImpl implements Driver.
func (m *MemoryDriver) ListImpl(_ context.Context, opts ListOptions, receiver func(key string) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key, rec := range m.data {
		if rec.tombstone {
			continue
		}
		if opts.KeyRange.Contains(key) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, key := range keys {
		out := key
		if n := opts.StripPrefixLength; n > 0 && n <= len(out) {
			out = out[n:]
		}
		if err := receiver(out); err != nil {
			return err
		}
	}
	return nil
}

// DescribeKey implements Driver.
func (m *MemoryDriver) DescribeKey(key string) string {
	return "memdriver:" + strconv.Quote(key)
}

// AtomicMemoryDriver extends MemoryDriver with a single-batch, all-or-
// nothing CommitAtomic, used to exercise the atomic commit path (spec
// §4.4) in tests without a real transactionally-capable backend.
type AtomicMemoryDriver struct {
	*MemoryDriver
}

// NewAtomicMemoryDriver creates an empty atomic-capable driver.
func NewAtomicMemoryDriver() *AtomicMemoryDriver {
	return &AtomicMemoryDriver{MemoryDriver: NewMemoryDriver()}
}

// CommitAtomic implements AtomicDriver: it validates every op's expected
// generation under a single lock, and only applies the batch if every
// precondition holds.
func (a *AtomicMemoryDriver) CommitAtomic(_ context.Context, ops []BatchOp) (TimestampedGeneration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, op := range ops {
		if op.DeleteRange != nil {
			continue
		}
		current, _ := a.currentLocked(op.Key)
		if !op.Expected.IsUnknown() && !op.Expected.IsUnconditional() && !op.Expected.Equal(current) {
			return TimestampedGeneration{}, ErrGenerationMismatch
		}
	}

	var last TimestampedGeneration
	for _, op := range ops {
		if op.DeleteRange != nil {
			for key := range a.data {
				if op.DeleteRange.Contains(key) {
					delete(a.data, key)
				}
			}
			continue
		}
		a.seq++
		stored := make([]byte, len(op.Value))
		copy(stored, op.Value)
		a.data[op.Key] = record{value: stored, tombstone: op.Tombstone, gen: a.seq}
		gen := NoValueGeneration
		if !op.Tombstone {
			gen = NewGeneration(strconv.FormatUint(a.seq, 10))
		}
		last = TimestampedGeneration{Generation: gen, Time: time.Now()}
	}
	if last.Time.IsZero() {
		last = TimestampedGeneration{Generation: UnconditionalGeneration, Time: time.Now()}
	}
	return last, nil
}
