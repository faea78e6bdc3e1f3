package runtime

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/abi"
	"github.com/wippyai/wasm-bridge/arena"
	"github.com/wippyai/wasm-bridge/errors"
)

// Message is one decoded record with its payload view.
type Message struct {
	Data     []byte
	ClientID uint32
}

// Batch owns a response batch returned by the guest.
//
// The header is read when the batch is opened. The record table is read once,
// on the first call to Records or Close, before any pointer is released.
// Close frees payloads, then the table, then the header, each exactly once.
// A Batch is not safe for concurrent use.
type Batch struct {
	arena   *arena.Arena
	log     *zap.Logger
	records []abi.Record
	loadErr error
	header  abi.Header
	ptr     uint64
	limit   uint32
	loaded  bool
	closed  bool
}

// OpenBatch takes ownership of the batch at ptr. A null pointer is an empty
// batch. If the header cannot be read it is freed and an error returned.
func OpenBatch(ctx context.Context, a *arena.Arena, ptr uint64, limit uint32, log *zap.Logger) (*Batch, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Batch{arena: a, log: log, ptr: ptr, limit: limit}
	if ptr == 0 {
		b.loaded = true
		return b, nil
	}

	h, err := abi.DecodeHeader(a.Memory(), a.Mode(), ptr)
	if err != nil {
		b.closed = true
		return nil, multierr.Append(err, a.Free(ctx, ptr))
	}
	b.header = h
	return b, nil
}

// Len returns the record count claimed by the header.
func (b *Batch) Len() int {
	return int(b.header.Count)
}

// Records reads the record table. The result is cached.
func (b *Batch) Records() ([]abi.Record, error) {
	if b.closed {
		return nil, errors.Closed("batch")
	}
	b.load()
	return b.records, b.loadErr
}

func (b *Batch) load() {
	if b.loaded {
		return
	}
	b.loaded = true

	if b.header.Count > b.limit {
		b.loadErr = errors.Limit(errors.PhaseDecode, "record count", uint64(b.header.Count), uint64(b.limit))
		return
	}
	if b.header.Count > 0 && b.header.Table == 0 {
		b.loadErr = errors.InvalidData(errors.PhaseDecode, "null record table with non-zero count")
		return
	}
	b.records, b.loadErr = abi.DecodeRecords(b.arena.Memory(), b.arena.Mode(), b.header.Table, b.header.Count)
}

// Message returns record i with a view of its payload.
func (b *Batch) Message(i int) (Message, error) {
	recs, err := b.Records()
	if err != nil {
		return Message{}, err
	}
	if i < 0 || i >= len(recs) {
		return Message{}, errors.OutOfBounds(errors.PhaseDecode, uint64(i), 1, uint64(len(recs)))
	}
	rec := recs[i]
	data, err := b.arena.Read(rec.Data, rec.Len)
	if err != nil {
		return Message{ClientID: rec.ClientID}, err
	}
	return Message{ClientID: rec.ClientID, Data: data}, nil
}

// Close releases every pointer the batch owns. Subsequent calls are no-ops.
func (b *Batch) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.load()
	b.closed = true

	if b.ptr == 0 {
		return nil
	}

	var errs error
	if b.loadErr != nil && b.header.Count > 0 {
		b.log.Warn("record table unreadable, payload pointers leaked",
			zap.Uint64("batch", b.ptr),
			zap.Uint64("table", b.header.Table),
			zap.Uint32("count", b.header.Count),
			zap.Error(b.loadErr))
	}

	// the table and header are freed below, never as payloads
	seen := make(map[uint64]struct{}, len(b.records)+2)
	seen[b.ptr] = struct{}{}
	seen[b.header.Table] = struct{}{}
	for _, rec := range b.records {
		if rec.Data == 0 {
			continue
		}
		if _, dup := seen[rec.Data]; dup {
			continue
		}
		seen[rec.Data] = struct{}{}
		errs = multierr.Append(errs, b.arena.Free(ctx, rec.Data))
	}
	if b.header.Table != 0 && b.header.Table != b.ptr {
		errs = multierr.Append(errs, b.arena.Free(ctx, b.header.Table))
	}
	errs = multierr.Append(errs, b.arena.Free(ctx, b.ptr))
	return errs
}
