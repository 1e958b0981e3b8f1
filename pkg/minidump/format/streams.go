package format

// Thread is MINIDUMP_THREAD.
type Thread struct {
	ThreadID      uint32
	SuspendCount  uint32
	PriorityClass uint32
	Priority      uint32
	Teb           uint64
	Stack         MemoryDescriptor
	ThreadContext Location
}

// Byte offsets inside an encoded Thread.
const (
	ThreadSize             = 48
	ThreadStackLocationOff = 32
	ThreadContextOff       = 40
)

// VSFixedFileInfo is VS_FIXEDFILEINFO.
type VSFixedFileInfo struct {
	Signature        uint32
	StrucVersion     uint32
	FileVersionHi    uint32
	FileVersionLo    uint32
	ProductVersionHi uint32
	ProductVersionLo uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateHi       uint32
	FileDateLo       uint32
}

// VSFixedFileInfoSignature marks a populated VSFixedFileInfo.
const VSFixedFileInfoSignature uint32 = 0xfeef04bd

// Module is MINIDUMP_MODULE.
type Module struct {
	BaseOfImage   uint64
	SizeOfImage   uint32
	CheckSum      uint32
	TimeDateStamp uint32
	ModuleNameRVA uint32
	VersionInfo   VSFixedFileInfo
	CvRecord      Location
	MiscRecord    Location
	Reserved0     uint64
	Reserved1     uint64
}

// Byte offsets inside an encoded Module.
const (
	ModuleSize        = 108
	ModuleNameRVAOff  = 20
	ModuleCvRecordOff = 76
)

// ExceptionRecord is MINIDUMP_EXCEPTION.
type ExceptionRecord struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      uint64
	ExceptionAddress     uint64
	NumberParameters     uint32
	UnusedAlignment      uint32
	ExceptionInformation [MaxExceptionParameters]uint64
}

// ExceptionStreamData is MINIDUMP_EXCEPTION_STREAM.
type ExceptionStreamData struct {
	ThreadID        uint32
	Alignment       uint32
	ExceptionRecord ExceptionRecord
	ThreadContext   Location
}

// Byte offsets inside an encoded ExceptionStreamData.
const (
	ExceptionStreamSize       = 168
	ExceptionStreamContextOff = 160
)

// SystemInfo is MINIDUMP_SYSTEM_INFO. CPU holds the architecture dependent
// union: X86CPUInfo for x86 and amd64, two uint64 feature words otherwise.
type SystemInfo struct {
	ProcessorArchitecture Arch
	ProcessorLevel        uint16
	ProcessorRevision     uint16
	NumberOfProcessors    uint8
	ProductType           uint8
	MajorVersion          uint32
	MinorVersion          uint32
	BuildNumber           uint32
	PlatformID            Platform
	CSDVersionRVA         uint32
	SuiteMask             uint16
	Reserved2             uint16
	CPU                   [24]byte
}

// Byte offsets inside an encoded SystemInfo.
const (
	SystemInfoSize          = 56
	SystemInfoCSDVersionOff = 24
)

// X86CPUInfo is the x86 member of the SystemInfo CPU union.
type X86CPUInfo struct {
	VendorID               [3]uint32
	VersionInformation     uint32
	FeatureInformation     uint32
	AMDExtendedCPUFeatures uint32
}

// MiscInfo is MINIDUMP_MISC_INFO.
type MiscInfo struct {
	SizeOfInfo        uint32
	Flags1            uint32
	ProcessID         uint32
	ProcessCreateTime uint32
	ProcessUserTime   uint32
	ProcessKernelTime uint32
}

// MiscInfo flags.
const (
	MiscInfoProcessID    uint32 = 0x1
	MiscInfoProcessTimes uint32 = 0x2
)

// BreakpadInfo is MDRawBreakpadInfo.
type BreakpadInfo struct {
	Validity           uint32
	DumpThreadID       uint32
	RequestingThreadID uint32
}

// BreakpadInfo validity flags.
const (
	BreakpadInfoDumpThreadValid       uint32 = 0x1
	BreakpadInfoRequestingThreadValid uint32 = 0x2
)

// ThreadName is MINIDUMP_THREAD_NAME. The name RVA is 64 bits wide.
type ThreadName struct {
	ThreadID        uint32
	RvaOfThreadName uint64
}

// Byte offsets inside an encoded ThreadName.
const (
	ThreadNameSize   = 12
	ThreadNameRVAOff = 4
)

// MemoryInfoListHeader is MINIDUMP_MEMORY_INFO_LIST.
type MemoryInfoListHeader struct {
	SizeOfHeader    uint32
	SizeOfEntry     uint32
	NumberOfEntries uint64
}

// MemoryInfo is MINIDUMP_MEMORY_INFO.
type MemoryInfo struct {
	BaseAddress       uint64
	AllocationBase    uint64
	AllocationProtect uint32
	Alignment1        uint32
	RegionSize        uint64
	State             uint32
	Protect           uint32
	Type              uint32
	Alignment2        uint32
}

// Memory state, protection and type values used in MemoryInfo.
const (
	MemCommit  uint32 = 0x1000
	MemPrivate uint32 = 0x20000
	MemMapped  uint32 = 0x40000
	MemImage   uint32 = 0x1000000

	PageNoAccess         uint32 = 0x01
	PageReadOnly         uint32 = 0x02
	PageReadWrite        uint32 = 0x04
	PageWriteCopy        uint32 = 0x08
	PageExecute          uint32 = 0x10
	PageExecuteRead      uint32 = 0x20
	PageExecuteReadWrite uint32 = 0x40
	PageExecuteWriteCopy uint32 = 0x80
)

// Debug64 is MDRawDebug for 64-bit targets.
type Debug64 struct {
	Version  uint32
	Map      uint32
	DSOCount uint32
	Padding  uint32
	Brk      uint64
	LdBase   uint64
	Dynamic  uint64
}

// LinkMap64 is MDRawLinkMap for 64-bit targets.
type LinkMap64 struct {
	Addr    uint64
	Name    uint32
	Padding uint32
	Ld      uint64
}

// Byte offsets inside the DSO debug structures.
const (
	Debug64Size      = 40
	Debug64MapOff    = 4
	LinkMap64Size    = 24
	LinkMap64NameOff = 8
)
