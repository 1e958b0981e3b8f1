package format

// ThreadContext is a fixed-size CPU register snapshot.
type ThreadContext interface {
	Arch() Arch
	StackPointer() uint64
	InstructionPointer() uint64
	// Size is the encoded size in bytes.
	Size() int
	MarshalBinary() ([]byte, error)
}

// AMD64 context flags.
const (
	ContextAMD64               uint32 = 0x00100000
	ContextAMD64Control               = ContextAMD64 | 0x1
	ContextAMD64Integer               = ContextAMD64 | 0x2
	ContextAMD64Segments              = ContextAMD64 | 0x4
	ContextAMD64FloatingPoint         = ContextAMD64 | 0x8
	ContextAMD64DebugRegisters        = ContextAMD64 | 0x10
	ContextAMD64Full                  = ContextAMD64Control | ContextAMD64Integer | ContextAMD64FloatingPoint
)

// XMMSaveArea32 is the FXSAVE image embedded in the AMD64 context.
type XMMSaveArea32 struct {
	ControlWord    uint16
	StatusWord     uint16
	TagWord        uint8
	Reserved1      uint8
	ErrorOpcode    uint16
	ErrorOffset    uint32
	ErrorSelector  uint16
	Reserved2      uint16
	DataOffset     uint32
	DataSelector   uint16
	Reserved3      uint16
	MxCsr          uint32
	MxCsrMask      uint32
	FloatRegisters [8][16]byte
	XMMRegisters   [16][16]byte
	Reserved4      [96]byte
}

// AMD64 is the 1232-byte CONTEXT record for x86-64.
type AMD64 struct {
	P1Home, P2Home, P3Home, P4Home, P5Home, P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs, SegDs, SegEs, SegFs, SegGs, SegSs uint16
	EFlags                                   uint32

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint64

	Rax, Rcx, Rdx, Rbx, Rsp, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	Rip                                    uint64

	FltSave XMMSaveArea32

	VectorRegister [26][16]byte
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// AMD64ContextSize is the encoded size of AMD64.
const AMD64ContextSize = 1232

// Byte offsets of the stack and instruction pointers in an encoded AMD64.
const (
	AMD64RspOff = 152
	AMD64RipOff = 248
)

func (c *AMD64) Arch() Arch                 { return ArchAMD64 }
func (c *AMD64) StackPointer() uint64       { return c.Rsp }
func (c *AMD64) InstructionPointer() uint64 { return c.Rip }
func (c *AMD64) Size() int                  { return AMD64ContextSize }

func (c *AMD64) MarshalBinary() ([]byte, error) {
	return Marshal(c)
}

// ARM64 context flags.
const (
	ContextARM64              uint32 = 0x00400000
	ContextARM64Control              = ContextARM64 | 0x1
	ContextARM64Integer              = ContextARM64 | 0x2
	ContextARM64FloatingPoint        = ContextARM64 | 0x4
	ContextARM64Debug                = ContextARM64 | 0x8
	ContextARM64Full                 = ContextARM64Control | ContextARM64Integer | ContextARM64FloatingPoint
)

// ARM64 is the 912-byte CONTEXT record for AArch64. X[29] is the frame
// pointer and X[30] the link register.
type ARM64 struct {
	ContextFlags uint32
	Cpsr         uint32
	X            [31]uint64
	Sp           uint64
	Pc           uint64
	V            [32][16]byte
	Fpcr         uint32
	Fpsr         uint32
	Bcr          [8]uint32
	Bvr          [8]uint64
	Wcr          [2]uint32
	Wvr          [2]uint64
}

// ARM64ContextSize is the encoded size of ARM64.
const ARM64ContextSize = 912

func (c *ARM64) Arch() Arch                 { return ArchARM64 }
func (c *ARM64) StackPointer() uint64       { return c.Sp }
func (c *ARM64) InstructionPointer() uint64 { return c.Pc }
func (c *ARM64) Size() int                  { return ARM64ContextSize }

func (c *ARM64) MarshalBinary() ([]byte, error) {
	return Marshal(c)
}

// StackRedZone is the number of bytes below the stack pointer a leaf
// function may use without moving it.
func StackRedZone(a Arch) uint64 {
	if a == ArchAMD64 {
		return 128
	}
	return 0
}
