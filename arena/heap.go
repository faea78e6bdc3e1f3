package arena

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

const (
	heapAlign = 8

	// DefaultHeapBase keeps the first bytes unallocatable so 0 stays null.
	DefaultHeapBase = 16

	poisonByte = 0xDD
)

// HeapStats is a snapshot of allocator activity.
type HeapStats struct {
	Allocs    uint64
	Frees     uint64
	Live      int
	LiveBytes uint64
}

type span struct {
	off  uint64
	size uint64
}

// Heap is a simulated linear memory with a first-fit allocator.
//
// Freed blocks are filled with a poison byte, and in strict mode every read
// must fall inside a single live allocation, which makes use-after-free
// visible. Free of an unknown pointer returns a double_free error.
type Heap struct {
	buf    []byte
	live   map[uint64]uint64
	free   []span
	stats  HeapStats
	strict bool
	mu     sync.Mutex
}

// HeapOption configures a Heap.
type HeapOption func(*Heap)

// WithStrictReads rejects reads outside live allocations.
func WithStrictReads() HeapOption {
	return func(h *Heap) {
		h.strict = true
	}
}

// NewHeap creates a heap of size bytes.
func NewHeap(size uint64, opts ...HeapOption) *Heap {
	h := &Heap{
		buf:  make([]byte, size),
		live: make(map[uint64]uint64),
	}
	if size > DefaultHeapBase {
		h.free = []span{{off: DefaultHeapBase, size: size - DefaultHeapBase}}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func alignUp(n uint64) uint64 {
	if n == 0 {
		n = 1
	}
	return (n + heapAlign - 1) &^ (heapAlign - 1)
}

// Alloc reserves size bytes and returns their offset.
// A zero-size request still returns a distinct pointer that must be freed.
func (h *Heap) Alloc(_ context.Context, size uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size > uint64(len(h.buf)) {
		return 0, errors.AllocationFailed(size, nil)
	}
	n := alignUp(size)
	for i, s := range h.free {
		if s.size < n {
			continue
		}
		ptr := s.off
		if s.size == n {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{off: s.off + n, size: s.size - n}
		}
		h.live[ptr] = n
		h.stats.Allocs++
		return ptr, nil
	}
	return 0, errors.AllocationFailed(size, nil)
}

// Reserve marks [ptr, ptr+size) as allocated, as if Alloc had returned ptr.
// It fails if any part of the range is already in use.
func (h *Heap) Reserve(ptr, size uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ptr%heapAlign != 0 {
		return errors.InvalidInput(errors.PhaseAlloc, "reserve pointer must be 8-byte aligned")
	}
	if size > uint64(len(h.buf)) {
		return errors.AllocationFailed(size, nil)
	}
	n := alignUp(size)
	if n > uint64(len(h.buf)) || ptr > uint64(len(h.buf))-n {
		return errors.AllocationFailed(size, errors.InvalidInput(errors.PhaseAlloc, "range past end of heap"))
	}
	for i, s := range h.free {
		if ptr < s.off || ptr+n > s.off+s.size {
			continue
		}
		var parts []span
		if ptr > s.off {
			parts = append(parts, span{off: s.off, size: ptr - s.off})
		}
		if end := s.off + s.size; ptr+n < end {
			parts = append(parts, span{off: ptr + n, size: end - (ptr + n)})
		}
		rest := append(parts, h.free[i+1:]...)
		h.free = append(h.free[:i], rest...)
		h.live[ptr] = n
		h.stats.Allocs++
		return nil
	}
	return errors.AllocationFailed(size, errors.InvalidInput(errors.PhaseAlloc, "range not free"))
}

// Free releases ptr and poisons its bytes.
func (h *Heap) Free(_ context.Context, ptr uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, ok := h.live[ptr]
	if !ok {
		return errors.DoubleFree(ptr)
	}
	delete(h.live, ptr)
	h.stats.Frees++

	region := h.buf[ptr : ptr+n]
	for i := range region {
		region[i] = poisonByte
	}

	idx := sort.Search(len(h.free), func(i int) bool { return h.free[i].off > ptr })
	h.free = append(h.free, span{})
	copy(h.free[idx+1:], h.free[idx:])
	h.free[idx] = span{off: ptr, size: n}

	// coalesce with neighbours
	if idx+1 < len(h.free) && h.free[idx].off+h.free[idx].size == h.free[idx+1].off {
		h.free[idx].size += h.free[idx+1].size
		h.free = append(h.free[:idx+1], h.free[idx+2:]...)
	}
	if idx > 0 && h.free[idx-1].off+h.free[idx-1].size == h.free[idx].off {
		h.free[idx-1].size += h.free[idx].size
		h.free = append(h.free[:idx], h.free[idx+1:]...)
	}
	return nil
}

// Read returns a view of length bytes at offset.
func (h *Heap) Read(offset uint64, length uint32) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.check(offset, uint64(length)); err != nil {
		return nil, err
	}
	if h.strict && !h.insideLive(offset, uint64(length)) {
		return nil, errors.New(errors.PhaseDecode, errors.KindOutOfBounds).
			Value(offset).
			Detail("read of %d bytes at 0x%x outside any live allocation", length, offset).
			Build()
	}
	return h.buf[offset : offset+uint64(length) : offset+uint64(length)], nil
}

// Write copies data to offset.
func (h *Heap) Write(offset uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.check(offset, uint64(len(data))); err != nil {
		return err
	}
	copy(h.buf[offset:], data)
	return nil
}

// ReadU32 reads a little-endian uint32.
func (h *Heap) ReadU32(offset uint64) (uint32, error) {
	b, err := h.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads a little-endian uint64.
func (h *Heap) ReadU64(offset uint64) (uint64, error) {
	b, err := h.Read(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Size returns the heap size in bytes.
func (h *Heap) Size() uint64 {
	return uint64(len(h.buf))
}

// Stats returns a snapshot of allocator counters.
func (h *Heap) Stats() HeapStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stats
	s.Live = len(h.live)
	for _, n := range h.live {
		s.LiveBytes += n
	}
	return s
}

// Live reports whether ptr is a live allocation.
func (h *Heap) Live(ptr uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.live[ptr]
	return ok
}

func (h *Heap) check(offset, length uint64) error {
	size := uint64(len(h.buf))
	if offset > size || length > size-offset {
		return errors.OutOfBounds(errors.PhaseDecode, offset, length, size)
	}
	return nil
}

func (h *Heap) insideLive(offset, length uint64) bool {
	for ptr, n := range h.live {
		if offset >= ptr && offset+length <= ptr+n {
			return true
		}
	}
	return false
}

var (
	_ wasmbridge.Memory      = (*Heap)(nil)
	_ wasmbridge.MemorySizer = (*Heap)(nil)
	_ wasmbridge.Allocator   = (*Heap)(nil)
)
