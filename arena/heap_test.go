package arena

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-bridge/errors"
)

func TestHeap_AllocFreeCoalesce(t *testing.T) {
	ctx := context.Background()
	h := NewHeap(16 + 3*8)

	a, err := h.Alloc(ctx, 8)
	require.NoError(t, err)
	b, err := h.Alloc(ctx, 8)
	require.NoError(t, err)
	c, err := h.Alloc(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, []uint64{16, 24, 32}, []uint64{a, b, c})

	_, err = h.Alloc(ctx, 1)
	require.Error(t, err, "heap should be exhausted")

	require.NoError(t, h.Free(ctx, a))
	require.NoError(t, h.Free(ctx, c))
	require.NoError(t, h.Free(ctx, b))

	// all three blocks merged back into one span
	big, err := h.Alloc(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), big)
}

func TestHeap_ZeroSizeAllocIsDistinct(t *testing.T) {
	ctx := context.Background()
	h := NewHeap(64)

	a, err := h.Alloc(ctx, 0)
	require.NoError(t, err)
	b, err := h.Alloc(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotZero(t, a)
}

func TestHeap_DoubleFree(t *testing.T) {
	ctx := context.Background()
	h := NewHeap(64)

	p, err := h.Alloc(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, h.Free(ctx, p))

	err = h.Free(ctx, p)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseAlloc, Kind: errors.KindDoubleFree})

	err = h.Free(ctx, 40)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseAlloc, Kind: errors.KindDoubleFree})
}

func TestHeap_PoisonsFreedMemory(t *testing.T) {
	ctx := context.Background()
	h := NewHeap(64)

	p, err := h.Alloc(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, h.Write(p, []byte("hello")))

	view, err := h.Read(p, 5)
	require.NoError(t, err)
	require.NoError(t, h.Free(ctx, p))

	assert.Equal(t, []byte{poisonByte, poisonByte, poisonByte, poisonByte, poisonByte}, view)
}

func TestHeap_StrictReads(t *testing.T) {
	ctx := context.Background()
	h := NewHeap(64, WithStrictReads())

	p, err := h.Alloc(ctx, 8)
	require.NoError(t, err)

	_, err = h.Read(p, 8)
	require.NoError(t, err)

	_, err = h.Read(p+4, 8)
	assert.Error(t, err, "read straddling the allocation end")

	require.NoError(t, h.Free(ctx, p))
	_, err = h.Read(p, 4)
	assert.Error(t, err, "read after free")
}

func TestHeap_Reserve(t *testing.T) {
	ctx := context.Background()
	h := NewHeap(128)

	require.NoError(t, h.Reserve(0x20, 5))
	require.NoError(t, h.Reserve(0x30, 3))
	assert.True(t, h.Live(0x20))
	assert.True(t, h.Live(0x30))

	assert.Error(t, h.Reserve(0x20, 8), "already reserved")
	assert.Error(t, h.Reserve(0x21, 8), "unaligned")

	// allocation skips the reserved ranges
	p, err := h.Alloc(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), p)
	q, err := h.Alloc(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x18), q)

	require.NoError(t, h.Free(ctx, 0x20))
	require.NoError(t, h.Free(ctx, 0x30))
	assert.Equal(t, 2, h.Stats().Live)
}

func TestHeap_OversizedRequests(t *testing.T) {
	ctx := context.Background()
	h := NewHeap(64)

	for _, size := range []uint64{math.MaxUint64, math.MaxUint64 - 3, 65} {
		_, err := h.Alloc(ctx, size)
		assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseAlloc, Kind: errors.KindAllocation}, "size %d", size)
	}
	assert.Equal(t, 0, h.Stats().Live)

	// the heap is untouched, so two allocations still get distinct pointers
	p, err := h.Alloc(ctx, 8)
	require.NoError(t, err)
	q, err := h.Alloc(ctx, 8)
	require.NoError(t, err)
	assert.NotEqual(t, p, q)

	assert.Error(t, h.Reserve(0x20, math.MaxUint64))
	assert.Error(t, h.Reserve(math.MaxUint64-7, 8))
	assert.Error(t, h.Reserve(0x38, 16))
	assert.False(t, h.Live(0x20))
}

func TestHeap_ReadWriteIntegers(t *testing.T) {
	h := NewHeap(64)
	require.NoError(t, h.Write(16, []byte{1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 1}))

	v32, err := h.ReadU32(16)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v32)

	v64, err := h.ReadU64(20)
	require.NoError(t, err)
	assert.Equal(t, uint64(2)|uint64(1)<<56, v64)

	_, err = h.ReadU64(60)
	assert.Error(t, err)
	assert.Error(t, h.Write(62, []byte{1, 2, 3}))
}

func TestHeap_Stats(t *testing.T) {
	ctx := context.Background()
	h := NewHeap(128)

	p, _ := h.Alloc(ctx, 3)
	_, _ = h.Alloc(ctx, 9)
	require.NoError(t, h.Free(ctx, p))

	s := h.Stats()
	assert.Equal(t, uint64(2), s.Allocs)
	assert.Equal(t, uint64(1), s.Frees)
	assert.Equal(t, 1, s.Live)
	assert.Equal(t, uint64(16), s.LiveBytes)
	assert.Equal(t, uint64(128), h.Size())
}
