// Package format defines the on-disk structures of the minidump container.
//
// Every structure is encoded little-endian with fixed-width fields, matching
// the layout consumed by Breakpad, Crashpad and the Windows debugging tools.
package format

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

const (
	// Signature is "MDMP" read as a little-endian uint32.
	Signature uint32 = 0x504d444d
	// Version is the low word of the header version field.
	Version uint32 = 0xa793

	// HeaderSize is the encoded size of Header.
	HeaderSize = 32
	// DirectorySize is the encoded size of one Directory entry.
	DirectorySize = 12
)

// StreamType identifies the payload of a directory entry.
type StreamType uint32

const (
	ThreadListStream     StreamType = 3
	ModuleListStream     StreamType = 4
	MemoryListStream     StreamType = 5
	ExceptionStream      StreamType = 6
	SystemInfoStream     StreamType = 7
	MiscInfoStream       StreamType = 15
	MemoryInfoListStream StreamType = 16
	ThreadNamesStream    StreamType = 24

	// Breakpad extensions ("Gg").
	BreakpadInfoStream StreamType = 0x47670001
	LinuxCPUInfo       StreamType = 0x47670003
	LinuxProcStatus    StreamType = 0x47670004
	LinuxLsbRelease    StreamType = 0x47670005
	LinuxCmdLine       StreamType = 0x47670006
	LinuxEnviron       StreamType = 0x47670007
	LinuxAuxv          StreamType = 0x47670008
	LinuxMaps          StreamType = 0x47670009
	LinuxDSODebug      StreamType = 0x4767000a

	// Mozilla extensions ("Mz").
	MozLinuxLimits StreamType = 0x4d7a0003
	MozSoftErrors  StreamType = 0x4d7a0004
)

var streamNames = map[StreamType]string{
	ThreadListStream:     "ThreadList",
	ModuleListStream:     "ModuleList",
	MemoryListStream:     "MemoryList",
	ExceptionStream:      "Exception",
	SystemInfoStream:     "SystemInfo",
	MiscInfoStream:       "MiscInfo",
	MemoryInfoListStream: "MemoryInfoList",
	ThreadNamesStream:    "ThreadNames",
	BreakpadInfoStream:   "BreakpadInfo",
	LinuxCPUInfo:         "LinuxCpuInfo",
	LinuxProcStatus:      "LinuxProcStatus",
	LinuxLsbRelease:      "LinuxLsbRelease",
	LinuxCmdLine:         "LinuxCmdLine",
	LinuxEnviron:         "LinuxEnviron",
	LinuxAuxv:            "LinuxAuxv",
	LinuxMaps:            "LinuxMaps",
	LinuxDSODebug:        "LinuxDsoDebug",
	MozLinuxLimits:       "MozLinuxLimits",
	MozSoftErrors:        "MozSoftErrors",
}

func (t StreamType) String() string {
	if name, ok := streamNames[t]; ok {
		return name
	}
	return fmt.Sprintf("StreamType(%#x)", uint32(t))
}

// Arch is the ProcessorArchitecture field of the system info stream.
type Arch uint16

const (
	ArchX86     Arch = 0
	ArchARM     Arch = 5
	ArchAMD64   Arch = 9
	ArchARM64   Arch = 12
	ArchUnknown Arch = 0xffff
)

func (a Arch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchARM:
		return "arm"
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	}
	return fmt.Sprintf("Arch(%#x)", uint16(a))
}

// Platform is the PlatformId field of the system info stream.
type Platform uint32

const (
	PlatformWin32NT Platform = 2
	PlatformMacOS   Platform = 0x8101
	PlatformIOS     Platform = 0x8102
	PlatformLinux   Platform = 0x8201
	PlatformUnknown Platform = 0xffffffff
)

// Exception codes that do not come from the crashed process.
const (
	// ExceptionCodeDumpRequested marks a dump taken without a crash.
	ExceptionCodeDumpRequested uint32 = 0xffffffff
	// StatusNoncontinuableException is the Windows default exception code.
	StatusNoncontinuableException uint32 = 0xc0000025
)

// MaxExceptionParameters is the capacity of ExceptionRecord.ExceptionInformation.
const MaxExceptionParameters = 15

// CodeView record signatures.
const (
	CVSignatureELF   uint32 = 0x4270454c // "LEpB"
	CVSignaturePDB70 uint32 = 0x53445352 // "RSDS"
)

// Header is MINIDUMP_HEADER.
type Header struct {
	Signature          uint32
	Version            uint32
	NumberOfStreams    uint32
	StreamDirectoryRVA uint32
	CheckSum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

// Location is MINIDUMP_LOCATION_DESCRIPTOR.
type Location struct {
	DataSize uint32
	RVA      uint32
}

// Directory is MINIDUMP_DIRECTORY.
type Directory struct {
	StreamType StreamType
	Location   Location
}

// MemoryDescriptor is MINIDUMP_MEMORY_DESCRIPTOR.
type MemoryDescriptor struct {
	StartOfMemoryRange uint64
	Memory             Location
}

// MemoryDescriptorSize is the encoded size of MemoryDescriptor.
const MemoryDescriptorSize = 16

// Marshal encodes a fixed-size value little-endian.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a fixed-size value from the start of data.
func Unmarshal(data []byte, v any) error {
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

// EncodeString encodes s as MINIDUMP_STRING: a byte length followed by
// UTF-16LE code units and a two-byte terminator not counted in the length.
func EncodeString(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 4+2*len(units)+2)
	binary.LittleEndian.PutUint32(out, uint32(2*len(units)))
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[4+2*i:], u)
	}
	return out
}

// DecodeString reads a MINIDUMP_STRING starting at the beginning of data.
func DecodeString(data []byte) (string, error) {
	if len(data) < 4 {
		return "", fmt.Errorf("string header truncated")
	}
	n := int(binary.LittleEndian.Uint32(data))
	if n%2 != 0 || 4+n > len(data) {
		return "", fmt.Errorf("string of %d bytes exceeds buffer", n)
	}
	units := make([]uint16, n/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[4+2*i:])
	}
	return string(utf16.Decode(units)), nil
}
