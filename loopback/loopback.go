// Package loopback is an in-process guest engine over a simulated arena.
//
// It speaks the same protocol as a compiled guest: requests arrive as arena
// pointers and responses leave as batches whose every buffer the host must
// free. Requests are echoed to their sender, with two exceptions:
//
//	broadcast:<text>  delivers <text> to every open session
//	push:<text>       queues <text> for the sender, delivered on the next poll
//
// The arena is an arena.Heap with strict reads, so a host that reads a
// buffer after freeing it, or frees one twice, gets an error.
package loopback

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/abi"
	"github.com/wippyai/wasm-bridge/arena"
	"github.com/wippyai/wasm-bridge/errors"
)

// DefaultHeapSize is the arena size used when WithHeapSize is not given.
const DefaultHeapSize = 1 << 20

var (
	BroadcastPrefix = []byte("broadcast:")
	PushPrefix      = []byte("push:")
)

// Outgoing is a message the engine hands back to the host.
type Outgoing struct {
	Data     []byte
	ClientID uint32
}

type instance struct {
	clients    map[uint32]struct{}
	pending    []Outgoing
	nextClient uint32
}

// Engine is a simulated guest. It is safe for concurrent use.
type Engine struct {
	heap      *arena.Heap
	arena     *arena.Arena
	log       *zap.Logger
	instances map[uint64]*instance
	mode      abi.Mode
	next      uint64
	mu        sync.Mutex
}

type options struct {
	log      *zap.Logger
	heapSize uint64
	mode     abi.Mode
}

// Option configures an Engine.
type Option func(*options)

// WithMode selects the addressing mode reported to the host.
func WithMode(m abi.Mode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// WithHeapSize sets the arena size in bytes.
func WithHeapSize(n uint64) Option {
	return func(o *options) {
		o.heapSize = n
	}
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// New creates a loopback engine.
func New(opts ...Option) *Engine {
	o := options{heapSize: DefaultHeapSize, mode: abi.Narrow}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	heap := arena.NewHeap(o.heapSize, arena.WithStrictReads())
	return &Engine{
		heap:      heap,
		arena:     arena.New(heap, heap, o.mode),
		log:       o.log,
		instances: make(map[uint64]*instance),
		mode:      o.mode,
	}
}

// Heap returns the simulated arena.
func (e *Engine) Heap() *arena.Heap {
	return e.heap
}

func (e *Engine) Memory() wasmbridge.Memory {
	return e.heap
}

func (e *Engine) Alloc(ctx context.Context, size uint64) (uint64, error) {
	return e.heap.Alloc(ctx, size)
}

func (e *Engine) Free(ctx context.Context, ptr uint64) error {
	return e.heap.Free(ctx, ptr)
}

func (e *Engine) Wide(context.Context) (bool, error) {
	return e.mode == abi.Wide, nil
}

func (e *Engine) NewEngine(context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	e.instances[e.next] = &instance{clients: make(map[uint32]struct{})}
	return e.next, nil
}

func (e *Engine) DeleteEngine(_ context.Context, engine uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[engine]
	if !ok {
		return errors.NotFound(errors.PhaseEngine, "engine", "delete_engine")
	}
	if n := len(inst.pending); n > 0 {
		e.log.Debug("dropping undelivered messages", zap.Uint64("engine", engine), zap.Int("count", n))
	}
	delete(e.instances, engine)
	return nil
}

func (e *Engine) NewSession(_ context.Context, engine uint64) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.instance(engine)
	if err != nil {
		return 0, err
	}
	inst.nextClient++
	inst.clients[inst.nextClient] = struct{}{}
	return inst.nextClient, nil
}

func (e *Engine) CloseSession(_ context.Context, engine uint64, clientID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.instance(engine)
	if err != nil {
		return err
	}
	if _, ok := inst.clients[clientID]; !ok {
		return errors.UnknownSession(clientID)
	}
	delete(inst.clients, clientID)

	kept := inst.pending[:0]
	for _, m := range inst.pending {
		if m.ClientID != clientID {
			kept = append(kept, m)
		}
	}
	inst.pending = kept
	return nil
}

func (e *Engine) HandleRequest(ctx context.Context, engine uint64, clientID uint32, ptr uint64, length uint32) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.instance(engine)
	if err != nil {
		return 0, err
	}
	if _, ok := inst.clients[clientID]; !ok {
		return 0, errors.UnknownSession(clientID)
	}

	req, err := e.arena.Read(ptr, length)
	if err != nil {
		return 0, err
	}
	// the request buffer is freed by the host once we return
	req = bytes.Clone(req)

	var out []Outgoing
	switch {
	case bytes.HasPrefix(req, BroadcastPrefix):
		body := req[len(BroadcastPrefix):]
		for _, id := range inst.sortedClients() {
			out = append(out, Outgoing{ClientID: id, Data: body})
		}
	case bytes.HasPrefix(req, PushPrefix):
		inst.pending = append(inst.pending, Outgoing{ClientID: clientID, Data: req[len(PushPrefix):]})
		return 0, nil
	default:
		out = append(out, Outgoing{ClientID: clientID, Data: req})
	}
	return WriteBatch(ctx, e.arena, out)
}

func (e *Engine) Poll(ctx context.Context, engine uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.instance(engine)
	if err != nil {
		return 0, err
	}
	if len(inst.pending) == 0 {
		return 0, nil
	}
	out := inst.pending
	inst.pending = nil
	return WriteBatch(ctx, e.arena, out)
}

func (e *Engine) instance(engine uint64) (*instance, error) {
	inst, ok := e.instances[engine]
	if !ok {
		return nil, errors.Closed("engine")
	}
	return inst, nil
}

func (i *instance) sortedClients() []uint32 {
	ids := make([]uint32, 0, len(i.clients))
	for id := range i.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// WriteBatch lays msgs out in a as a response batch and returns the header
// pointer. An empty msgs yields a header with count 0 and a null table.
// On failure everything allocated so far is freed.
func WriteBatch(ctx context.Context, a *arena.Arena, msgs []Outgoing) (_ uint64, err error) {
	var owned []uint64
	defer func() {
		if err != nil {
			for _, p := range owned {
				err = multierr.Append(err, a.Free(ctx, p))
			}
		}
	}()

	records := make([]abi.Record, len(msgs))
	for i, m := range msgs {
		p, err := a.Copy(ctx, m.Data)
		if err != nil {
			return 0, err
		}
		owned = append(owned, p)
		records[i] = abi.Record{Data: p, Len: uint32(len(m.Data)), ClientID: m.ClientID}
	}

	var table uint64
	if len(records) > 0 {
		buf, err := abi.EncodeTable(a.Mode(), records)
		if err != nil {
			return 0, err
		}
		if table, err = a.Copy(ctx, buf); err != nil {
			return 0, err
		}
		owned = append(owned, table)
	}

	hdr := abi.AppendHeader(nil, a.Mode(), abi.Header{Count: uint32(len(records)), Table: table})
	return a.Copy(ctx, hdr)
}

var _ wasmbridge.Guest = (*Engine)(nil)
