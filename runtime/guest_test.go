package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/abi"
	"github.com/wippyai/wasm-bridge/errors"
)

// segmentMemory stores each allocation as its own buffer keyed by pointer.
// A read resolves to the segment with the highest start that contains it.
type segmentMemory map[uint64][]byte

func (m segmentMemory) find(offset, length uint64) ([]byte, error) {
	var best uint64
	found := false
	for start, buf := range m {
		if start <= offset && offset+length <= start+uint64(len(buf)) && (!found || start > best) {
			best, found = start, true
		}
	}
	if !found {
		return nil, errors.OutOfBounds(errors.PhaseDecode, offset, length, 0)
	}
	buf := m[best]
	return buf[offset-best : offset-best+length], nil
}

func (m segmentMemory) Read(offset uint64, length uint32) ([]byte, error) {
	return m.find(offset, uint64(length))
}

func (m segmentMemory) Write(offset uint64, data []byte) error {
	dst, err := m.find(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (m segmentMemory) ReadU32(offset uint64) (uint32, error) {
	b, err := m.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m segmentMemory) ReadU64(offset uint64) (uint64, error) {
	b, err := m.Read(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

type rec struct {
	client uint32
	data   string
}

// scriptedGuest is a Guest whose responses are produced by test closures.
// Its allocator records every free and rejects unknown pointers.
type scriptedGuest struct {
	mem   segmentMemory
	freed map[uint64]int

	onRequest func(g *scriptedGuest, client uint32, req []byte) uint64
	onPoll    func(g *scriptedGuest) uint64

	allocErr     error
	newEngineErr error
	wideErr      error
	requestErr   error

	ids        []uint32
	closed     []uint32
	requests   []string
	reqPtrs    []uint64
	next       uint64
	allocs     int
	deleted    int
	nextClient uint32
	wide       bool
	zeroNull   bool
	mu         sync.Mutex
}

func newScriptedGuest(wide bool) *scriptedGuest {
	return &scriptedGuest{
		mem:   make(segmentMemory),
		freed: make(map[uint64]int),
		next:  0x1000,
		wide:  wide,
	}
}

func (g *scriptedGuest) mode() abi.Mode {
	return abi.ModeOf(g.wide)
}

// put allocates a segment holding data, as the guest allocator would.
func (g *scriptedGuest) put(data []byte) uint64 {
	ptr := g.next
	g.next += uint64(len(data)) + 32
	g.mem[ptr] = append([]byte(nil), data...)
	g.allocs++
	return ptr
}

// batch lays records out as data segments, a table and a header.
func (g *scriptedGuest) batch(recs ...rec) uint64 {
	records := make([]abi.Record, len(recs))
	for i, r := range recs {
		records[i] = abi.Record{Data: g.put([]byte(r.data)), Len: uint32(len(r.data)), ClientID: r.client}
	}
	var table uint64
	if len(records) > 0 {
		buf, err := abi.EncodeTable(g.mode(), records)
		if err != nil {
			panic(err)
		}
		table = g.put(buf)
	}
	return g.put(abi.AppendHeader(nil, g.mode(), abi.Header{Count: uint32(len(records)), Table: table}))
}

func (g *scriptedGuest) live() int {
	return len(g.mem)
}

func (g *scriptedGuest) Memory() wasmbridge.Memory {
	return g.mem
}

func (g *scriptedGuest) Alloc(_ context.Context, size uint64) (uint64, error) {
	if g.allocErr != nil {
		return 0, g.allocErr
	}
	if size == 0 && g.zeroNull {
		return 0, nil
	}
	return g.put(make([]byte, size)), nil
}

func (g *scriptedGuest) Free(_ context.Context, ptr uint64) error {
	if _, ok := g.mem[ptr]; !ok {
		return fmt.Errorf("free of unknown pointer 0x%x", ptr)
	}
	delete(g.mem, ptr)
	g.freed[ptr]++
	return nil
}

func (g *scriptedGuest) Wide(context.Context) (bool, error) {
	return g.wide, g.wideErr
}

func (g *scriptedGuest) NewEngine(context.Context) (uint64, error) {
	if g.newEngineErr != nil {
		return 0, g.newEngineErr
	}
	return 1, nil
}

func (g *scriptedGuest) DeleteEngine(context.Context, uint64) error {
	g.deleted++
	return nil
}

func (g *scriptedGuest) NewSession(context.Context, uint64) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) > 0 {
		id := g.ids[0]
		g.ids = g.ids[1:]
		return id, nil
	}
	g.nextClient++
	return g.nextClient, nil
}

func (g *scriptedGuest) CloseSession(_ context.Context, _ uint64, id uint32) error {
	g.closed = append(g.closed, id)
	return nil
}

func (g *scriptedGuest) HandleRequest(_ context.Context, _ uint64, client uint32, ptr uint64, length uint32) (uint64, error) {
	g.reqPtrs = append(g.reqPtrs, ptr)
	var req []byte
	if length > 0 {
		b, err := g.mem.Read(ptr, length)
		if err != nil {
			return 0, err
		}
		req = append([]byte(nil), b...)
	}
	g.requests = append(g.requests, string(req))
	if g.requestErr != nil {
		return 0, g.requestErr
	}
	if g.onRequest == nil {
		return 0, nil
	}
	return g.onRequest(g, client, req), nil
}

func (g *scriptedGuest) Poll(context.Context, uint64) (uint64, error) {
	if g.onPoll == nil {
		return 0, nil
	}
	return g.onPoll(g), nil
}

var _ wasmbridge.Guest = (*scriptedGuest)(nil)
