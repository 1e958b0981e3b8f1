package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

func TestEmptyContainer(t *testing.T) {
	w := New()
	out, err := w.Finalize(0, 0)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if len(out) != format.HeaderSize {
		t.Fatalf("expected %d bytes, got %d", format.HeaderSize, len(out))
	}

	f, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if f.Header.NumberOfStreams != 0 {
		t.Errorf("expected 0 streams, got %d", f.Header.NumberOfStreams)
	}
}

func TestForwardReferences(t *testing.T) {
	w := New()

	// The list points at a string allocated after it.
	list := w.Alloc(make([]byte, 20))
	w.AddStream(format.ModuleListStream, list)
	name := w.AllocString("libfoo.so")
	blob := w.Alloc([]byte("payload!"))
	w.PatchRVA(list, 0, name)
	w.PatchLocation(list, 4, blob)
	w.PatchRVA64(list, 12, blob)

	out, err := w.Finalize(1234, 0)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	f, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if f.Header.TimeDateStamp != 1234 {
		t.Errorf("timestamp = %d, want 1234", f.Header.TimeDateStamp)
	}
	s, ok := f.Stream(format.ModuleListStream)
	if !ok {
		t.Fatal("module list stream missing")
	}

	nameRVA := binary.LittleEndian.Uint32(s.Data)
	got, err := f.String(uint64(nameRVA))
	if err != nil {
		t.Fatalf("String failed: %v", err)
	}
	if got != "libfoo.so" {
		t.Errorf("name = %q, want libfoo.so", got)
	}

	loc := format.Location{
		DataSize: binary.LittleEndian.Uint32(s.Data[4:]),
		RVA:      binary.LittleEndian.Uint32(s.Data[8:]),
	}
	data, err := f.Slice(loc)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if string(data) != "payload!" {
		t.Errorf("location resolves to %q", data)
	}
	if rva64 := binary.LittleEndian.Uint64(s.Data[12:]); rva64 != uint64(loc.RVA) {
		t.Errorf("RVA64 = %#x, want %#x", rva64, loc.RVA)
	}
}

func TestReserveAndSet(t *testing.T) {
	w := New()
	slot := w.Reserve(4)
	w.AddStream(format.MiscInfoStream, slot)

	if _, err := w.Finalize(0, 0); !errors.Is(err, ErrUnfilledReservation) {
		t.Fatalf("expected ErrUnfilledReservation, got %v", err)
	}

	if err := w.Set(slot, []byte{1, 2, 3}); err == nil {
		t.Error("expected size mismatch error")
	}
	if err := w.Set(slot, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	out, err := w.Finalize(0, 0)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	f, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !bytes.Equal(f.Streams[0].Data, []byte{1, 2, 3, 4}) {
		t.Errorf("stream data = %v", f.Streams[0].Data)
	}
}

func TestUnresolvedReference(t *testing.T) {
	tests := []struct {
		name  string
		build func(w *Writer)
	}{
		{
			name: "missing target",
			build: func(w *Writer) {
				r := w.Alloc(make([]byte, 8))
				w.PatchRVA(r, 0, Ref(42))
			},
		},
		{
			name: "patch outside chunk",
			build: func(w *Writer) {
				r := w.Alloc(make([]byte, 8))
				w.PatchLocation(r, 4, r)
			},
		},
		{
			name: "stream without chunk",
			build: func(w *Writer) {
				w.AddStream(format.ThreadListStream, Ref(3))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New()
			tt.build(w)
			if _, err := w.Finalize(0, 0); !errors.Is(err, ErrUnresolvedReference) {
				t.Errorf("expected ErrUnresolvedReference, got %v", err)
			}
		})
	}
}

func TestFinalizeIsDeterministic(t *testing.T) {
	w := New()
	a := w.Alloc(make([]byte, 12))
	b := w.AllocAligned([]byte{0xaa, 0xbb, 0xcc}, 1)
	c := w.AllocString("x")
	w.AddStream(format.ThreadListStream, a)
	w.AddStream(format.MemoryListStream, b)
	w.PatchLocation(a, 0, b)
	w.PatchRVA(a, 8, c)

	first, err := w.Finalize(99, 0)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	second, err := w.Finalize(99, 0)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("repeated Finalize produced different bytes")
	}
}

func TestChunkAlignment(t *testing.T) {
	w := New()
	w.AllocAligned([]byte{1}, 1)
	r := w.Alloc([]byte{2})
	w.AddStream(format.MiscInfoStream, r)

	out, err := w.Finalize(0, 0)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	f, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if rva := f.Streams[0].Location.RVA; rva%DefaultAlignment != 0 {
		t.Errorf("chunk RVA %#x not aligned to %d", rva, DefaultAlignment)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte("MDMP")},
		{"bad signature", make([]byte, 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}

	hdr, _ := format.Marshal(&format.Header{
		Signature:          format.Signature,
		Version:            format.Version,
		NumberOfStreams:    5,
		StreamDirectoryRVA: format.HeaderSize,
	})
	if _, err := Parse(hdr); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for truncated directory, got %v", err)
	}
}
