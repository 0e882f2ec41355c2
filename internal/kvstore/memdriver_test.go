package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDriverReadMissing(t *testing.T) {
	d := NewMemoryDriver()
	result, err := d.Read(context.Background(), "k", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReadMissing, result.State)
	assert.True(t, result.Stamp.Generation.IsNoValue())
}

func TestMemoryDriverWriteThenRead(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	stamp, err := d.Write(ctx, "k", []byte("v1"), false, WriteOptions{})
	require.NoError(t, err)
	assert.False(t, stamp.Generation.IsUnknown())

	result, err := d.Read(ctx, "k", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReadValue, result.State)
	assert.Equal(t, []byte("v1"), result.Value)
	assert.True(t, result.Stamp.Generation.Equal(stamp.Generation))
}

func TestMemoryDriverConditionalWriteMismatch(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	wrong := NewGeneration("bogus")
	_, err := d.Write(ctx, "k", []byte("v1"), false, WriteOptions{
		GenerationConditions: GenerationConditions{IfEqual: &wrong},
	})
	require.ErrorIs(t, err, ErrGenerationMismatch)
}

func TestMemoryDriverConditionalWriteInsertOnly(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	noValue := NoValueGeneration
	_, err := d.Write(ctx, "k", []byte("v1"), false, WriteOptions{
		GenerationConditions: GenerationConditions{IfEqual: &noValue},
	})
	require.NoError(t, err)

	_, err = d.Write(ctx, "k", []byte("v2"), false, WriteOptions{
		GenerationConditions: GenerationConditions{IfEqual: &noValue},
	})
	require.ErrorIs(t, err, ErrGenerationMismatch)
}

func TestMemoryDriverDeleteRange(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		_, err := d.Write(ctx, k, []byte(k), false, WriteOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, d.DeleteRange(ctx, KeyRange{Inclusive: "b", Exclusive: "d"}))

	var seen []string
	err := d.ListImpl(ctx, ListOptions{}, func(key string) error {
		seen = append(seen, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, seen)
}

func TestMemoryDriverByteRange(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	_, err := d.Write(ctx, "k", []byte("0123456789"), false, WriteOptions{})
	require.NoError(t, err)

	result, err := d.Read(ctx, "k", ReadOptions{ByteRange: &ByteRange{Start: 2, End: 5}})
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), result.Value)
}

func TestAtomicMemoryDriverCommitAtomic(t *testing.T) {
	d := NewAtomicMemoryDriver()
	ctx := context.Background()

	stamp, err := d.CommitAtomic(ctx, []BatchOp{
		{Key: "a", Value: []byte("1"), Expected: NoValueGeneration},
		{Key: "b", Value: []byte("2"), Expected: NoValueGeneration},
	})
	require.NoError(t, err)
	assert.False(t, stamp.Generation.IsUnknown())

	result, err := d.Read(ctx, "a", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), result.Value)
}

func TestAtomicMemoryDriverCommitAtomicAllOrNothing(t *testing.T) {
	d := NewAtomicMemoryDriver()
	ctx := context.Background()

	_, err := d.Write(ctx, "a", []byte("orig"), false, WriteOptions{})
	require.NoError(t, err)

	wrong := NewGeneration("bogus")
	_, err = d.CommitAtomic(ctx, []BatchOp{
		{Key: "a", Value: []byte("new"), Expected: wrong},
		{Key: "b", Value: []byte("new"), Expected: NoValueGeneration},
	})
	require.ErrorIs(t, err, ErrGenerationMismatch)

	result, err := d.Read(ctx, "a", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), result.Value, "a failed op must leave every op in the batch unapplied")

	result, err = d.Read(ctx, "b", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, ReadMissing, result.State)
}
