package wasmbridge

import "context"

// Memory is the host's view of the engine's linear memory.
// Offsets are 64-bit so that Wide addressing can be represented; an offset
// beyond the memory size is reported as an error, never a panic.
type Memory interface {
	// Read returns a view of length bytes at offset. The view aliases the
	// arena and is only valid until the region is freed or memory grows.
	Read(offset uint64, length uint32) ([]byte, error)
	Write(offset uint64, data []byte) error
	ReadU32(offset uint64) (uint32, error)
	ReadU64(offset uint64) (uint64, error)
}

// MemorySizer provides the current size of linear memory in bytes.
type MemorySizer interface {
	Size() uint64
}

// Allocator allocates memory inside the engine's arena
type Allocator interface {
	Alloc(ctx context.Context, size uint64) (uint64, error)
	Free(ctx context.Context, ptr uint64) error
}

// Guest is the foreign surface consumed by the protocol layer.
// Implementations are not required to be safe for concurrent use; the
// runtime serializes every call.
type Guest interface {
	Allocator

	Memory() Memory

	// Wide reports whether wire pointers are 8 bytes (true) or 4 bytes.
	Wide(ctx context.Context) (bool, error)

	NewEngine(ctx context.Context) (uint64, error)
	DeleteEngine(ctx context.Context, engine uint64) error
	NewSession(ctx context.Context, engine uint64) (uint32, error)
	CloseSession(ctx context.Context, engine uint64, clientID uint32) error

	// HandleRequest processes one request and returns a response batch pointer.
	HandleRequest(ctx context.Context, engine uint64, clientID uint32, ptr uint64, length uint32) (uint64, error)

	// Poll drains unsolicited messages and returns a response batch pointer.
	Poll(ctx context.Context, engine uint64) (uint64, error)
}
