// Package process exposes the operating-system primitives needed to inspect
// a live process: thread enumeration and suspension, register snapshots,
// foreign memory reads, the address-space layout and loader metadata.
//
// Every unsafe or OS-specific operation lives behind the Process interface.
// One implementation is compiled per platform; Open returns ErrUnsupported
// where no backend exists. Fake is an in-memory implementation for tests.
//
// On Linux, ptrace requests must come from the OS thread that attached to
// the target. Callers must hold runtime.LockOSThread between the first
// Suspend and the last Resume.
package process

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

var (
	// ErrUnsupported is returned when the platform has no backend.
	ErrUnsupported = errors.New("process inspection is not supported on this platform")
	// ErrNoSuchProcess is returned when the target process does not exist.
	ErrNoSuchProcess = errors.New("no such process")
	// ErrNoSuchThread is returned when a thread exited during inspection.
	ErrNoSuchThread = errors.New("no such thread")
	// ErrPermission is returned when the OS denies access to the target.
	ErrPermission = errors.New("permission denied")
	// ErrNotFound is returned for optional data the target does not expose.
	ErrNotFound = errors.New("not found")
)

// Process is the capability interface over a target process.
type Process interface {
	// PID returns the target process id.
	PID() int
	// IsSelf reports whether the target is the calling process.
	IsSelf() bool
	// Threads returns the ids of all threads in enumeration order.
	Threads() ([]int, error)
	// Suspend stops a thread. Every successful Suspend must be paired with Resume.
	Suspend(tid int) error
	// Resume restarts a thread stopped by Suspend.
	Resume(tid int) error
	// Context returns the register snapshot of a suspended thread.
	Context(tid int) (format.ThreadContext, error)
	// ReadMemory reads target memory at addr into p. It may return fewer
	// bytes than requested together with a nil error.
	ReadMemory(addr uint64, p []byte) (int, error)
	// Mappings returns the target's address-space layout sorted by address.
	Mappings() ([]Mapping, error)
	// Loader returns the platform's description of where loader metadata lives.
	Loader() (LoaderInfo, error)
	// ThreadName returns the human-readable name of a thread.
	ThreadName(tid int) (string, error)
	// Close releases OS handles held for the target.
	Close() error
}

// FileSource is implemented by backends that expose per-process text files
// such as "status", "cmdline", "environ", "auxv", "maps", "limits",
// "cpuinfo" and "lsb-release".
type FileSource interface {
	ReadFile(name string) ([]byte, error)
}

// SystemSource is implemented by backends that can describe the host.
type SystemSource interface {
	SystemInfo() (SystemInfo, error)
}

// TimesSource is implemented by backends that report process CPU times.
type TimesSource interface {
	Times() (Times, error)
}

// Perms are the access bits of a mapping.
type Perms uint8

const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExec
	PermPrivate
)

func (p Perms) String() string {
	b := []byte("---s")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	if p&PermPrivate != 0 {
		b[3] = 'p'
	}
	return string(b)
}

// Mapping is one contiguous region of the target's address space.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  Perms
	Offset uint64
	Inode  uint64
	Path   string
}

// Size returns the length of the mapping in bytes.
func (m Mapping) Size() uint64 {
	return m.End - m.Start
}

// Contains reports whether addr lies inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// Executable reports whether the mapping is executable.
func (m Mapping) Executable() bool {
	return m.Perms&PermExec != 0
}

// Deleted reports whether the backing file was unlinked.
func (m Mapping) Deleted() bool {
	return strings.HasSuffix(m.Path, " (deleted)")
}

func (m Mapping) String() string {
	return fmt.Sprintf("%x-%x %s %08x %d %s", m.Start, m.End, m.Perms, m.Offset, m.Inode, m.Path)
}

// FindMapping returns the mapping containing addr.
func FindMapping(maps []Mapping, addr uint64) (Mapping, bool) {
	lo, hi := 0, len(maps)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case addr < maps[mid].Start:
			hi = mid
		case addr >= maps[mid].End:
			lo = mid + 1
		default:
			return maps[mid], true
		}
	}
	return Mapping{}, false
}

// LoaderKind selects how loader metadata is described.
type LoaderKind int

const (
	// LoaderNone means the backend cannot locate loader metadata.
	LoaderNone LoaderKind = iota
	// LoaderAuxv means Auxv holds the ELF auxiliary vector.
	LoaderAuxv
	// LoaderDyld means DyldInfoAddr points at dyld_all_image_infos.
	LoaderDyld
)

// Auxiliary vector keys used by the module enumerator.
const (
	AtNull        = 0
	AtPhdr        = 3
	AtPhent       = 4
	AtPhnum       = 5
	AtBase        = 7
	AtEntry       = 9
	AtSysinfoEhdr = 33
)

// LoaderInfo locates the loader's list of images.
type LoaderInfo struct {
	Kind         LoaderKind
	Auxv         map[uint64]uint64
	DyldInfoAddr uint64
	DyldInfoSize uint64
}

// SystemInfo describes the host the target runs on.
type SystemInfo struct {
	Arch          format.Arch
	Platform      format.Platform
	CPUCount      int
	CPUVendor     string
	CPUFamily     uint32
	CPUModel      uint32
	CPUStepping   uint32
	MajorVersion  uint32
	MinorVersion  uint32
	BuildNumber   uint32
	OSDescription string
}

// Times holds process accounting information.
type Times struct {
	Start  time.Time
	User   time.Duration
	Kernel time.Duration
}
