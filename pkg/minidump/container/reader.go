package container

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

// ErrMalformed is returned by Parse for files that are not well-formed minidumps.
var ErrMalformed = errors.New("malformed minidump")

// Stream is one parsed directory entry.
type Stream struct {
	Type     format.StreamType
	Location format.Location
	Data     []byte
}

// File is a parsed minidump. It only decodes the container structure;
// stream payloads are left to the caller.
type File struct {
	Header  format.Header
	Streams []Stream
	data    []byte
}

// Parse checks the header and directory of a minidump and returns the streams.
func Parse(data []byte) (*File, error) {
	f := &File{data: data}
	if len(data) < format.HeaderSize {
		return nil, fmt.Errorf("%d byte file: %w", len(data), ErrMalformed)
	}
	if err := format.Unmarshal(data, &f.Header); err != nil {
		return nil, err
	}
	if f.Header.Signature != format.Signature {
		return nil, fmt.Errorf("signature %#x: %w", f.Header.Signature, ErrMalformed)
	}
	if f.Header.Version&0xffff != format.Version {
		return nil, fmt.Errorf("version %#x: %w", f.Header.Version, ErrMalformed)
	}

	dir := uint64(f.Header.StreamDirectoryRVA)
	end := dir + uint64(f.Header.NumberOfStreams)*format.DirectorySize
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("directory of %d streams past end of file: %w", f.Header.NumberOfStreams, ErrMalformed)
	}
	for i := uint32(0); i < f.Header.NumberOfStreams; i++ {
		entry := data[dir+uint64(i)*format.DirectorySize:]
		s := Stream{
			Type: format.StreamType(binary.LittleEndian.Uint32(entry)),
			Location: format.Location{
				DataSize: binary.LittleEndian.Uint32(entry[4:]),
				RVA:      binary.LittleEndian.Uint32(entry[8:]),
			},
		}
		payload, err := f.Slice(s.Location)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", s.Type, err)
		}
		s.Data = payload
		f.Streams = append(f.Streams, s)
	}
	return f, nil
}

// Stream returns the first stream of the given type.
func (f *File) Stream(typ format.StreamType) (*Stream, bool) {
	for i := range f.Streams {
		if f.Streams[i].Type == typ {
			return &f.Streams[i], true
		}
	}
	return nil, false
}

// Slice returns the bytes a location descriptor refers to.
func (f *File) Slice(loc format.Location) ([]byte, error) {
	end := uint64(loc.RVA) + uint64(loc.DataSize)
	if end > uint64(len(f.data)) {
		return nil, fmt.Errorf("location %#x+%#x past end of file: %w", loc.RVA, loc.DataSize, ErrMalformed)
	}
	return f.data[loc.RVA:end], nil
}

// String decodes the MINIDUMP_STRING at rva.
func (f *File) String(rva uint64) (string, error) {
	if rva >= uint64(len(f.data)) {
		return "", fmt.Errorf("string at %#x past end of file: %w", rva, ErrMalformed)
	}
	return format.DecodeString(f.data[rva:])
}

// Bytes returns the whole file.
func (f *File) Bytes() []byte {
	return f.data
}
