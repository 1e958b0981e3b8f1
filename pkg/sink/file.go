// Package sink writes finished minidumps to disk.
//
// A File collects the dump in a temporary file next to its destination and
// renames it into place on Commit, so readers never observe a partial dump.
// Compression and encryption are applied to the complete dump at Commit.
package sink

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
)

// ErrClosed is returned when a File is used after Commit or Abort
var ErrClosed = errors.New("sink is closed")

// Options configures a File
type Options struct {
	Compression CompressionType
	Security    SecurityOptions
	// Perm is the mode of the committed file
	Perm   os.FileMode
	Logger log.Interface
}

// DefaultOptions returns the default file options
func DefaultOptions() Options {
	return Options{
		Compression: NoCompression,
		Security:    DefaultSecurityOptions(),
		Perm:        0o600,
		Logger:      log.Log,
	}
}

// WithCompression selects the compression applied at Commit
func WithCompression(c CompressionType) func(*Options) {
	return func(opts *Options) {
		opts.Compression = c
	}
}

// WithSecurity applies security options such as WithEncryption
func WithSecurity(fns ...func(*SecurityOptions)) func(*Options) {
	return func(opts *Options) {
		for _, fn := range fns {
			fn(&opts.Security)
		}
	}
}

// WithLogger sets the logger
func WithLogger(l log.Interface) func(*Options) {
	return func(opts *Options) {
		opts.Logger = l
	}
}

// File is an io.Writer whose contents appear at path only after Commit
type File struct {
	path string
	tmp  *os.File
	opts Options
	buf  bytes.Buffer
	n    int64
}

// NewFile creates the temporary file for a dump destined for path
func NewFile(path string, fns ...func(*Options)) (*File, error) {
	opts := DefaultOptions()
	for _, fn := range fns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.Log
	}
	if opts.Security.EnableEncryption && !validKeySize(len(opts.Security.EncryptionKey)) {
		return nil, ErrKeySize
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary dump: %w", err)
	}
	return &File{path: path, tmp: tmp, opts: opts}, nil
}

// Path returns the destination path
func (f *File) Path() string {
	return f.path
}

// transformed reports whether the dump must be held in memory until Commit
func (f *File) transformed() bool {
	return f.opts.flags() != 0
}

// Write implements io.Writer
func (f *File) Write(p []byte) (int, error) {
	if f.tmp == nil {
		return 0, ErrClosed
	}
	f.n += int64(len(p))
	if f.transformed() {
		return f.buf.Write(p)
	}
	return f.tmp.Write(p)
}

// Commit finishes the dump and renames it to its destination
func (f *File) Commit() error {
	if f.tmp == nil {
		return ErrClosed
	}
	tmp := f.tmp
	f.tmp = nil

	written := f.n
	if f.transformed() {
		sealed, err := Seal(f.buf.Bytes(), f.opts)
		if err != nil {
			return f.fail(tmp, err)
		}
		f.buf.Reset()
		if _, err := tmp.Write(sealed); err != nil {
			return f.fail(tmp, err)
		}
		written = int64(len(sealed))
	}
	if err := tmp.Chmod(f.opts.Perm); err != nil {
		return f.fail(tmp, err)
	}
	if err := tmp.Sync(); err != nil {
		return f.fail(tmp, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	f.opts.Logger.WithFields(log.Fields{
		"path":        f.path,
		"size":        humanize.Bytes(uint64(f.n)),
		"on_disk":     humanize.Bytes(uint64(written)),
		"compression": f.opts.Compression,
		"encrypted":   f.opts.Security.EnableEncryption,
	}).Debug("committed dump")
	return nil
}

func (f *File) fail(tmp *os.File, err error) error {
	tmp.Close()
	os.Remove(tmp.Name())
	return err
}

// Abort discards the dump. It is a no-op after Commit.
func (f *File) Abort() error {
	if f.tmp == nil {
		return nil
	}
	tmp := f.tmp
	f.tmp = nil
	f.buf.Reset()
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Remove(tmp.Name())
}

// ReadFile reads a dump written by File and reverses its transforms
func ReadFile(path string, fns ...func(*Options)) ([]byte, error) {
	opts := DefaultOptions()
	for _, fn := range fns {
		fn(&opts)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unseal(data, opts)
}
