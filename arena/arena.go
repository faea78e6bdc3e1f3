// Package arena wraps an engine's linear memory and allocator.
//
// Arena is the only place that turns host byte slices into arena pointers.
// WithBytes bounds an allocation's lifetime to a callback, releasing it on
// every exit path. Heap is a simulated linear memory with its own allocator,
// used by the loopback engine and by tests that need to count allocations.
package arena

import (
	"context"
	"math"

	"go.uber.org/multierr"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/abi"
	"github.com/wippyai/wasm-bridge/errors"
)

// Arena combines memory access and allocation under one addressing mode.
// It is not safe for concurrent use; callers serialize access.
type Arena struct {
	mem   wasmbridge.Memory
	alloc wasmbridge.Allocator
	mode  abi.Mode
}

// New creates an Arena over mem and alloc.
func New(mem wasmbridge.Memory, alloc wasmbridge.Allocator, mode abi.Mode) *Arena {
	return &Arena{mem: mem, alloc: alloc, mode: mode}
}

// Mode returns the addressing mode.
func (a *Arena) Mode() abi.Mode {
	return a.mode
}

// Memory returns the underlying memory.
func (a *Arena) Memory() wasmbridge.Memory {
	return a.mem
}

// Read returns a view of length bytes at ptr.
// The view aliases arena memory and must not be used after ptr is freed.
func (a *Arena) Read(ptr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if ptr == 0 {
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Detail("null pointer with length %d", length).
			Build()
	}
	data, err := a.mem.Read(ptr, length)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindOutOfBounds, err, "read arena")
	}
	return data, nil
}

// Write copies data into the arena at ptr.
func (a *Arena) Write(ptr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := a.mem.Write(ptr, data); err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindOutOfBounds, err, "write arena")
	}
	return nil
}

// Alloc reserves size bytes. A null pointer for a non-empty request is an
// allocation failure. For size 0 a null pointer is accepted.
func (a *Arena) Alloc(ctx context.Context, size uint64) (uint64, error) {
	ptr, err := a.alloc.Alloc(ctx, size)
	if err != nil {
		return 0, errors.AllocationFailed(size, err)
	}
	if ptr == 0 && size > 0 {
		return 0, errors.AllocationFailed(size, nil)
	}
	if ptr > a.mode.MaxPtr() {
		return 0, multierr.Append(
			errors.New(errors.PhaseAlloc, errors.KindInvalidData).
				Op("alloc").
				Detail("pointer 0x%x does not fit %s mode", ptr, a.mode).
				Build(),
			a.Free(ctx, ptr),
		)
	}
	return ptr, nil
}

// Free releases ptr. Freeing the null pointer is a no-op.
func (a *Arena) Free(ctx context.Context, ptr uint64) error {
	if ptr == 0 {
		return nil
	}
	if err := a.alloc.Free(ctx, ptr); err != nil {
		return errors.New(errors.PhaseAlloc, errors.KindCall).
			Op("free").
			Value(ptr).
			Cause(err).
			Build()
	}
	return nil
}

// Copy allocates a buffer sized to data and copies data into it.
// The caller owns the returned pointer.
func (a *Arena) Copy(ctx context.Context, data []byte) (uint64, error) {
	if uint64(len(data)) > math.MaxUint32 {
		return 0, errors.Limit(errors.PhaseEncode, "payload size", uint64(len(data)), math.MaxUint32)
	}
	ptr, err := a.Alloc(ctx, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	if err := a.Write(ptr, data); err != nil {
		return 0, multierr.Append(err, a.Free(ctx, ptr))
	}
	return ptr, nil
}

// WithBytes copies data into a fresh arena buffer, calls fn with its pointer
// and length, and frees the buffer when fn returns or panics.
func (a *Arena) WithBytes(ctx context.Context, data []byte, fn func(ptr uint64, length uint32) error) (err error) {
	ptr, err := a.Copy(ctx, data)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Free(ctx, ptr))
	}()
	return fn(ptr, uint32(len(data)))
}
