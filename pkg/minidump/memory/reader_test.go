package memory

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/willibrandon/ChronoDump/pkg/process"
)

func newFake(size int) (*process.Fake, []byte) {
	p := process.NewFake(42)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	p.AddMemory(0x10000, data, process.PermRead|process.PermWrite, "")
	return p, data
}

func TestReadCapped(t *testing.T) {
	p, data := newFake(64 * 1024)
	r := NewReader(p, Options{MaxReadSize: 8 * 1024})

	got, err := r.Read(0x10000, 64*1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 8*1024 {
		t.Fatalf("Read returned %d bytes, want the 8 KiB cap", len(got))
	}
	if !bytes.Equal(got, data[:8*1024]) {
		t.Fatal("capped read returned wrong bytes")
	}
	if p.Reads[0].Length != 8*1024 {
		t.Fatalf("underlying read asked for %d bytes", p.Reads[0].Length)
	}
}

func TestReadShort(t *testing.T) {
	p, _ := newFake(100)
	r := NewReader(p, DefaultOptions())

	got, err := r.Read(0x10000+90, 50)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("short read returned %d bytes, want 10", len(got))
	}
}

func TestReadError(t *testing.T) {
	p, _ := newFake(100)
	r := NewReader(p, DefaultOptions())

	_, err := r.Read(0x1, 16)
	var re *ReadError
	if !errors.As(err, &re) {
		t.Fatalf("Read error = %v, want *ReadError", err)
	}
	if re.PID != 42 || re.Addr != 0x1 || re.Length != 16 || re.Requested != 16 {
		t.Fatalf("ReadError = %+v", re)
	}
	if len(p.Reads) != 1 {
		t.Fatalf("RetryNone issued %d reads", len(p.Reads))
	}
}

func TestRetryShrink(t *testing.T) {
	tests := []struct {
		name    string
		maxRead int
		length  int
		want    int
		wantErr bool
	}{
		{"halves once", 16 * 1024, 32 * 1024, 16 * 1024, false},
		{"halves to a page", PageSize, 32 * 1024, PageSize, false},
		{"gives up below a page", PageSize / 2, 32 * 1024, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newFake(64 * 1024)
			p.MaxRead = tt.maxRead
			r := NewReader(p, Options{Retry: RetryShrink})

			got, err := r.Read(0x10000, tt.length)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Read succeeded")
				}
				return
			}
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("Read returned %d bytes, want %d", len(got), tt.want)
			}
		})
	}
}

func TestReadAt(t *testing.T) {
	p, data := newFake(100)
	r := NewReader(p, DefaultOptions())

	var _ io.ReaderAt = r
	buf := make([]byte, 20)
	if _, err := r.ReadAt(buf, 0x10000+10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, data[10:30]) {
		t.Fatal("ReadAt returned wrong bytes")
	}

	buf = make([]byte, 20)
	n, err := r.ReadAt(buf, 0x10000+90)
	if n != 10 || err != io.ErrUnexpectedEOF {
		t.Fatalf("ReadAt across the end = %d, %v", n, err)
	}
}

func TestReadCString(t *testing.T) {
	p := process.NewFake(1)
	p.AddMemory(0x2000, []byte("/usr/lib/libc.so.6\x00garbage"), process.PermRead, "")
	r := NewReader(p, DefaultOptions())

	s, err := r.ReadCString(0x2000, 4096)
	if err != nil || s != "/usr/lib/libc.so.6" {
		t.Fatalf("ReadCString = %q, %v", s, err)
	}
	s, err = r.ReadCString(0x2000, 4)
	if err != nil || s != "/usr" {
		t.Fatalf("bounded ReadCString = %q, %v", s, err)
	}
	if _, err := r.ReadCString(0x9000, 16); err == nil {
		t.Fatal("ReadCString of unmapped memory succeeded")
	}
}

func TestParseRetryPolicy(t *testing.T) {
	for in, want := range map[string]RetryPolicy{"": RetryNone, "none": RetryNone, "shrink": RetryShrink} {
		got, err := ParseRetryPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseRetryPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseRetryPolicy("forever"); err == nil {
		t.Error("unknown policy accepted")
	}
}
