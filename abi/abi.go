// Package abi defines the addressing mode and the response batch wire format
// shared by the host and the engine.
//
// A response batch is a header followed, somewhere in the arena, by a table
// of fixed-size records. Layout depends only on the addressing mode:
//
//	           header                     record
//	Narrow     count u32, table u32       data u32, len u32, client u32
//	Wide       count u32, table u64       data u64, len u32, client u32
//
// Everything is little-endian. The functions here never allocate or free
// arena memory; ownership is handled by the arena and runtime packages.
package abi

import (
	"encoding/binary"
	"math"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

// Mode is the width of pointers in the wire format.
type Mode uint8

const (
	// Narrow uses 4-byte pointers (wasm32).
	Narrow Mode = iota
	// Wide uses 8-byte pointers (wasm64).
	Wide
)

// ModeOf maps the engine's addressing_mode() flag to a Mode.
func ModeOf(wide bool) Mode {
	if wide {
		return Wide
	}
	return Narrow
}

func (m Mode) String() string {
	switch m {
	case Narrow:
		return "narrow"
	case Wide:
		return "wide"
	default:
		return "unknown"
	}
}

// PtrSize is the size of a pointer in bytes.
func (m Mode) PtrSize() uint32 {
	if m == Wide {
		return 8
	}
	return 4
}

// HeaderSize is the size of a batch header in bytes.
func (m Mode) HeaderSize() uint32 {
	return 4 + m.PtrSize()
}

// RecordStride is the distance between consecutive records in bytes.
func (m Mode) RecordStride() uint32 {
	return m.PtrSize() + 8
}

// MaxPtr is the largest pointer representable in this mode.
func (m Mode) MaxPtr() uint64 {
	if m == Wide {
		return math.MaxUint64
	}
	return math.MaxUint32
}

// TableSize returns the byte size of a table holding count records.
func (m Mode) TableSize(count uint32) uint64 {
	return uint64(count) * uint64(m.RecordStride())
}

// Header is the fixed prefix of a response batch.
type Header struct {
	Count uint32
	Table uint64
}

// Record describes one message in a response batch.
type Record struct {
	Data     uint64
	Len      uint32
	ClientID uint32
}

// ParseHeader decodes a header from b, which must hold at least HeaderSize bytes.
func ParseHeader(m Mode, b []byte) (Header, error) {
	if uint32(len(b)) < m.HeaderSize() {
		return Header{}, errors.InvalidData(errors.PhaseDecode, "short header")
	}
	h := Header{Count: binary.LittleEndian.Uint32(b[0:4])}
	h.Table = readPtr(m, b[4:])
	return h, nil
}

// ParseRecord decodes a single record from b.
func ParseRecord(m Mode, b []byte) (Record, error) {
	if uint32(len(b)) < m.RecordStride() {
		return Record{}, errors.InvalidData(errors.PhaseDecode, "short record")
	}
	p := m.PtrSize()
	return Record{
		Data:     readPtr(m, b),
		Len:      binary.LittleEndian.Uint32(b[p : p+4]),
		ClientID: binary.LittleEndian.Uint32(b[p+4 : p+8]),
	}, nil
}

// ParseTable decodes count consecutive records from b.
func ParseTable(m Mode, b []byte, count uint32) ([]Record, error) {
	need := m.TableSize(count)
	if uint64(len(b)) < need {
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Detail("table of %d records needs %d bytes, have %d", count, need, len(b)).
			Build()
	}
	stride := m.RecordStride()
	records := make([]Record, count)
	for i := range records {
		off := uint32(i) * stride
		rec, err := ParseRecord(m, b[off:off+stride])
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}
	return records, nil
}

// AppendHeader appends the encoding of h to dst.
func AppendHeader(dst []byte, m Mode, h Header) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, h.Count)
	return appendPtr(dst, m, h.Table)
}

// AppendRecord appends the encoding of r to dst.
func AppendRecord(dst []byte, m Mode, r Record) []byte {
	dst = appendPtr(dst, m, r.Data)
	dst = binary.LittleEndian.AppendUint32(dst, r.Len)
	return binary.LittleEndian.AppendUint32(dst, r.ClientID)
}

// EncodeTable encodes records as a contiguous table.
func EncodeTable(m Mode, records []Record) ([]byte, error) {
	buf := make([]byte, 0, m.TableSize(uint32(len(records))))
	for _, r := range records {
		if r.Data > m.MaxPtr() {
			return nil, errors.New(errors.PhaseEncode, errors.KindInvalidData).
				Detail("pointer 0x%x does not fit %s mode", r.Data, m).
				Build()
		}
		buf = AppendRecord(buf, m, r)
	}
	return buf, nil
}

// DecodeHeader reads the header at ptr from mem.
func DecodeHeader(mem wasmbridge.Memory, m Mode, ptr uint64) (Header, error) {
	raw, err := mem.Read(ptr, m.HeaderSize())
	if err != nil {
		return Header{}, errors.Wrap(errors.PhaseDecode, errors.KindOutOfBounds, err, "read batch header")
	}
	return ParseHeader(m, raw)
}

// DecodeRecords reads count records from the table at ptr.
// The whole table is read with one bounds-checked access, so a count that
// runs past the end of memory fails instead of reading stray bytes.
func DecodeRecords(mem wasmbridge.Memory, m Mode, ptr uint64, count uint32) ([]Record, error) {
	if count == 0 {
		return nil, nil
	}
	size := m.TableSize(count)
	if size > math.MaxUint32 {
		return nil, errors.Limit(errors.PhaseDecode, "table size", size, math.MaxUint32)
	}
	raw, err := mem.Read(ptr, uint32(size))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindOutOfBounds, err, "read record table")
	}
	return ParseTable(m, raw, count)
}

func readPtr(m Mode, b []byte) uint64 {
	if m == Wide {
		return binary.LittleEndian.Uint64(b[0:8])
	}
	return uint64(binary.LittleEndian.Uint32(b[0:4]))
}

func appendPtr(dst []byte, m Mode, p uint64) []byte {
	if m == Wide {
		return binary.LittleEndian.AppendUint64(dst, p)
	}
	return binary.LittleEndian.AppendUint32(dst, uint32(p))
}
