// Package memory reads bytes out of a target process with a bounded request
// size and an optional shrinking retry.
package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/willibrandon/ChronoDump/pkg/process"
)

// DefaultMaxReadSize is the largest single read issued against a target.
const DefaultMaxReadSize = 32 << 20

// PageSize is the smallest window RetryShrink reduces a read to.
const PageSize = 4096

// RetryPolicy selects what Read does when the underlying read fails.
type RetryPolicy int

const (
	// RetryNone issues a single capped attempt.
	RetryNone RetryPolicy = iota
	// RetryShrink halves the window down to one page and keeps the first
	// prefix that can be read.
	RetryShrink
)

func (p RetryPolicy) String() string {
	switch p {
	case RetryNone:
		return "none"
	case RetryShrink:
		return "shrink"
	}
	return fmt.Sprintf("RetryPolicy(%d)", int(p))
}

// ParseRetryPolicy maps "none" and "shrink" to a RetryPolicy.
func ParseRetryPolicy(s string) (RetryPolicy, error) {
	switch s {
	case "", "none":
		return RetryNone, nil
	case "shrink":
		return RetryShrink, nil
	}
	return RetryNone, fmt.Errorf("unknown retry policy %q", s)
}

// Options configures a Reader.
type Options struct {
	MaxReadSize int
	Retry       RetryPolicy
}

// DefaultOptions returns the default reader configuration.
func DefaultOptions() Options {
	return Options{
		MaxReadSize: DefaultMaxReadSize,
		Retry:       RetryNone,
	}
}

// ReadError describes a failed read. Callers treat it as non-fatal.
type ReadError struct {
	PID       int
	Addr      uint64
	Length    int // length actually attempted after capping
	Requested int
	Err       error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %d bytes at %#x from process %d: %v", e.Length, e.Addr, e.PID, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// ErrEmptyRead is returned when the target produced no bytes and no error.
var ErrEmptyRead = errors.New("read returned no data")

// Reader copies memory out of a target process.
type Reader struct {
	proc process.Process
	opts Options
}

// NewReader returns a Reader over p.
func NewReader(p process.Process, opts Options) *Reader {
	if opts.MaxReadSize <= 0 {
		opts.MaxReadSize = DefaultMaxReadSize
	}
	return &Reader{proc: p, opts: opts}
}

// MaxReadSize returns the cap applied to every read.
func (r *Reader) MaxReadSize() int {
	return r.opts.MaxReadSize
}

// Read returns up to length bytes at addr. The request is capped to
// MaxReadSize first; the result may be shorter still if the target returned
// a short read. Failures are reported as *ReadError.
func (r *Reader) Read(addr uint64, length int) ([]byte, error) {
	requested := length
	if length > r.opts.MaxReadSize {
		length = r.opts.MaxReadSize
	}
	if length <= 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	n, err := r.readOnce(addr, buf)
	if err != nil && r.opts.Retry == RetryShrink {
		for window := length / 2; window >= PageSize; window /= 2 {
			if n, err = r.readOnce(addr, buf[:window]); err == nil {
				break
			}
		}
	}
	if err != nil {
		return nil, &ReadError{PID: r.proc.PID(), Addr: addr, Length: length, Requested: requested, Err: err}
	}
	return buf[:n], nil
}

func (r *Reader) readOnce(addr uint64, buf []byte) (int, error) {
	n, err := r.proc.ReadMemory(addr, buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrEmptyRead
	}
	return n, nil
}

// ReadAt implements io.ReaderAt over the target's address space so binary
// parsers can read image headers straight from memory.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	done := 0
	for done < len(p) {
		data, err := r.Read(uint64(off)+uint64(done), len(p)-done)
		if err != nil {
			if done > 0 {
				return done, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		done += copy(p[done:], data)
	}
	return done, nil
}

// ReadCString reads a NUL-terminated string of at most max bytes at addr.
func (r *Reader) ReadCString(addr uint64, max int) (string, error) {
	const chunk = 256
	var out []byte
	for len(out) < max {
		n := min(chunk, max-len(out))
		// Do not let a chunk cross a page boundary into unmapped memory.
		if rem := PageSize - int((addr+uint64(len(out)))%PageSize); rem < n {
			n = rem
		}
		data, err := r.Read(addr+uint64(len(out)), n)
		if err != nil {
			if len(out) > 0 {
				return string(out), nil
			}
			return "", err
		}
		if i := bytes.IndexByte(data, 0); i >= 0 {
			return string(append(out, data[:i]...)), nil
		}
		out = append(out, data...)
	}
	return string(out), nil
}

// ReadUint64 reads a little-endian 64-bit word at addr.
func (r *Reader) ReadUint64(addr uint64) (uint64, error) {
	var b [8]byte
	if _, err := r.ReadAt(b[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
