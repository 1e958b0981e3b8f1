// Package container assembles minidump files.
//
// A Writer is an arena of chunks addressed by stable Ref indices. Chunks that
// point at each other do so through patch sites which are resolved only when
// the file is laid out, so a chunk can be referenced before its offset is
// known and the reference graph may contain forward edges.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

var (
	// ErrUnresolvedReference is returned when a patch site names a chunk
	// that does not exist or does not fit inside its own chunk.
	ErrUnresolvedReference = errors.New("unresolved cross-stream reference")
	// ErrUnfilledReservation is returned when a reserved chunk was never set.
	ErrUnfilledReservation = errors.New("reserved chunk was never filled")
	// ErrTooLarge is returned when the file would not be addressable by 32-bit RVAs.
	ErrTooLarge = errors.New("minidump exceeds 4 GiB")
)

// Ref identifies a chunk inside a Writer.
type Ref int

// DefaultAlignment is the file alignment applied to chunks by Alloc.
const DefaultAlignment = 8

type chunk struct {
	data   []byte
	align  int
	filled bool
}

type patchKind int

const (
	patchRVA patchKind = iota
	patchRVA64
	patchLocation
)

func (k patchKind) width() int {
	switch k {
	case patchRVA:
		return 4
	default:
		return 8
	}
}

type patch struct {
	in     Ref
	off    int
	target Ref
	kind   patchKind
}

type stream struct {
	typ format.StreamType
	ref Ref
}

// Writer accumulates chunks, streams and patch sites.
type Writer struct {
	chunks  []chunk
	patches []patch
	streams []stream
}

// New returns an empty Writer.
func New() *Writer {
	return &Writer{}
}

// Alloc appends data as a new chunk with the default alignment.
func (w *Writer) Alloc(data []byte) Ref {
	return w.AllocAligned(data, DefaultAlignment)
}

// AllocAligned appends data as a new chunk whose file offset is a multiple of align.
func (w *Writer) AllocAligned(data []byte, align int) Ref {
	if align < 1 {
		align = 1
	}
	w.chunks = append(w.chunks, chunk{data: data, align: align, filled: true})
	return Ref(len(w.chunks) - 1)
}

// AllocValue encodes a fixed-size value and appends it as a new chunk.
func (w *Writer) AllocValue(v any) (Ref, error) {
	data, err := format.Marshal(v)
	if err != nil {
		return 0, err
	}
	return w.Alloc(data), nil
}

// AllocString appends a MINIDUMP_STRING.
func (w *Writer) AllocString(s string) Ref {
	return w.AllocAligned(format.EncodeString(s), 4)
}

// Reserve appends a zeroed placeholder of size bytes that must be filled
// with Set before Finalize.
func (w *Writer) Reserve(size int) Ref {
	w.chunks = append(w.chunks, chunk{data: make([]byte, size), align: DefaultAlignment})
	return Ref(len(w.chunks) - 1)
}

// Set fills a reserved chunk. The length of data must match the reservation.
func (w *Writer) Set(ref Ref, data []byte) error {
	if !w.valid(ref) {
		return fmt.Errorf("set chunk %d: %w", ref, ErrUnresolvedReference)
	}
	c := &w.chunks[ref]
	if len(data) != len(c.data) {
		return fmt.Errorf("set chunk %d: have %d bytes, reserved %d", ref, len(data), len(c.data))
	}
	copy(c.data, data)
	c.filled = true
	return nil
}

// Bytes returns the mutable contents of a chunk.
func (w *Writer) Bytes(ref Ref) []byte {
	if !w.valid(ref) {
		return nil
	}
	return w.chunks[ref].data
}

// AddStream registers ref in the stream directory.
func (w *Writer) AddStream(typ format.StreamType, ref Ref) {
	w.streams = append(w.streams, stream{typ: typ, ref: ref})
}

// NumStreams returns the number of directory entries registered so far.
func (w *Writer) NumStreams() int {
	return len(w.streams)
}

// PatchRVA records that the four bytes at off inside in receive the file
// offset of target.
func (w *Writer) PatchRVA(in Ref, off int, target Ref) {
	w.patches = append(w.patches, patch{in: in, off: off, target: target, kind: patchRVA})
}

// PatchRVA64 is PatchRVA for 64-bit RVA fields.
func (w *Writer) PatchRVA64(in Ref, off int, target Ref) {
	w.patches = append(w.patches, patch{in: in, off: off, target: target, kind: patchRVA64})
}

// PatchLocation records that the location descriptor at off inside in
// receives the size and file offset of target.
func (w *Writer) PatchLocation(in Ref, off int, target Ref) {
	w.patches = append(w.patches, patch{in: in, off: off, target: target, kind: patchLocation})
}

func (w *Writer) valid(ref Ref) bool {
	return ref >= 0 && int(ref) < len(w.chunks)
}

// layout returns the file offset assigned to every chunk and the total size.
func (w *Writer) layout() ([]uint64, uint64) {
	offsets := make([]uint64, len(w.chunks))
	pos := uint64(format.HeaderSize + format.DirectorySize*len(w.streams))
	for i, c := range w.chunks {
		a := uint64(c.align)
		pos = (pos + a - 1) / a * a
		offsets[i] = pos
		pos += uint64(len(c.data))
	}
	return offsets, pos
}

// Finalize lays out the file and resolves every patch site. The chunks
// themselves are not modified, so Finalize produces identical output when
// called repeatedly.
func (w *Writer) Finalize(timestamp uint32, flags uint64) ([]byte, error) {
	for i, c := range w.chunks {
		if !c.filled {
			return nil, fmt.Errorf("chunk %d: %w", i, ErrUnfilledReservation)
		}
	}

	offsets, size := w.layout()
	if size > math.MaxUint32 {
		return nil, fmt.Errorf("%d bytes: %w", size, ErrTooLarge)
	}

	out := make([]byte, size)
	for i, c := range w.chunks {
		copy(out[offsets[i]:], c.data)
	}

	for _, p := range w.patches {
		if !w.valid(p.in) || !w.valid(p.target) {
			return nil, fmt.Errorf("patch %d->%d: %w", p.in, p.target, ErrUnresolvedReference)
		}
		if p.off < 0 || p.off+p.kind.width() > len(w.chunks[p.in].data) {
			return nil, fmt.Errorf("patch at %d outside chunk %d of %d bytes: %w",
				p.off, p.in, len(w.chunks[p.in].data), ErrUnresolvedReference)
		}
		at := offsets[p.in] + uint64(p.off)
		rva := offsets[p.target]
		switch p.kind {
		case patchRVA:
			binary.LittleEndian.PutUint32(out[at:], uint32(rva))
		case patchRVA64:
			binary.LittleEndian.PutUint64(out[at:], rva)
		case patchLocation:
			binary.LittleEndian.PutUint32(out[at:], uint32(len(w.chunks[p.target].data)))
			binary.LittleEndian.PutUint32(out[at+4:], uint32(rva))
		}
	}

	header := format.Header{
		Signature:          format.Signature,
		Version:            format.Version,
		NumberOfStreams:    uint32(len(w.streams)),
		StreamDirectoryRVA: format.HeaderSize,
		TimeDateStamp:      timestamp,
		Flags:              flags,
	}
	hdr, err := format.Marshal(&header)
	if err != nil {
		return nil, err
	}
	copy(out, hdr)

	for i, s := range w.streams {
		if !w.valid(s.ref) {
			return nil, fmt.Errorf("stream %s: %w", s.typ, ErrUnresolvedReference)
		}
		entry := out[format.HeaderSize+i*format.DirectorySize:]
		binary.LittleEndian.PutUint32(entry, uint32(s.typ))
		binary.LittleEndian.PutUint32(entry[4:], uint32(len(w.chunks[s.ref].data)))
		binary.LittleEndian.PutUint32(entry[8:], uint32(offsets[s.ref]))
	}

	return out, nil
}
