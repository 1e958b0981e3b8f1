// Package modules enumerates the executable images loaded into a target
// process: the main executable, shared libraries, the dynamic linker and
// the vDSO on Linux, and dyld images on macOS.
package modules

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/willibrandon/ChronoDump/pkg/minidump/memory"
	"github.com/willibrandon/ChronoDump/pkg/process"
)

// Kind classifies a module.
type Kind int

const (
	KindLibrary Kind = iota
	KindExecutable
	KindDynamicLinker
	KindVDSO
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindLibrary:
		return "library"
	case KindExecutable:
		return "executable"
	case KindDynamicLinker:
		return "dynamic-linker"
	case KindVDSO:
		return "vdso"
	case KindUser:
		return "user"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ImageFormat is the object file format of a module.
type ImageFormat int

const (
	FormatELF ImageFormat = iota
	FormatMachO
)

// Module is one loaded image.
type Module struct {
	Base    uint64
	Size    uint64
	BuildID []byte
	// Path is best effort and may be empty.
	Path   string
	SOName string
	Kind   Kind
	Format ImageFormat
	// VersionHi and VersionLo hold the packed LC_ID_DYLIB current_version.
	VersionHi  uint32
	VersionLo  uint32
	HasVersion bool
}

// Name returns the path, falling back to the SONAME.
func (m Module) Name() string {
	if m.Path != "" {
		return m.Path
	}
	return m.SOName
}

// End returns the first address past the module.
func (m Module) End() uint64 {
	return m.Base + m.Size
}

// UserMapping is a caller-identified image appended to the module list.
type UserMapping struct {
	Start   uint64
	Size    uint64
	Path    string
	BuildID []byte
}

// Options configures Enumerate.
type Options struct {
	Logger       log.Interface
	UserMappings []UserMapping
	// CacheSize bounds the build-id cache for on-disk lookups.
	CacheSize int
}

// DefaultOptions returns the default enumeration options.
func DefaultOptions() Options {
	return Options{
		Logger:    log.Log,
		CacheSize: 128,
	}
}

// LinkMapEntry is one element of the dynamic linker's link_map list.
type LinkMapEntry struct {
	Addr    uint64
	Name    string
	NameRVA uint64 // address of l_name in the target
	LD      uint64
}

// DSODebug is the dynamic linker state found through DT_DEBUG.
type DSODebug struct {
	Version  uint32
	Map      []LinkMapEntry
	Brk      uint64
	LDBase   uint64
	Dynamic  uint64
	DynBytes []byte
}

// Result is the outcome of one enumeration.
type Result struct {
	Modules []Module
	// DSO is nil when the target has no loader list.
	DSO *DSODebug
	// SoftErrors are non-fatal problems such as unreadable paths.
	SoftErrors []error
}

// ErrNoMappings is returned when the address-space layout is unavailable.
var ErrNoMappings = errors.New("address-space layout unavailable")

type enumerator struct {
	proc   process.Process
	mem    *memory.Reader
	log    log.Interface
	maps   []process.Mapping
	cache  *lru.Cache
	result Result
}

// Enumerate lists the modules of p. Only a missing address-space layout is
// fatal; everything else degrades to soft errors.
func Enumerate(p process.Process, mem *memory.Reader, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = log.Log
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}
	maps, err := p.Mappings()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMappings, err)
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	e := &enumerator{
		proc:  p,
		mem:   mem,
		log:   opts.Logger.WithField("pid", p.PID()),
		maps:  maps,
		cache: cache,
	}

	info, err := p.Loader()
	if err != nil {
		e.soft(fmt.Errorf("loader metadata: %w", err))
	}
	switch info.Kind {
	case process.LoaderDyld:
		e.enumerateDyld(info)
	default:
		e.enumerateELF(info)
	}

	for _, um := range opts.UserMappings {
		e.result.Modules = append(e.result.Modules, Module{
			Base:    um.Start,
			Size:    um.Size,
			Path:    um.Path,
			BuildID: um.BuildID,
			Kind:    KindUser,
		})
	}
	e.log.WithField("count", len(e.result.Modules)).Debug("enumerated modules")
	return &e.result, nil
}

func (e *enumerator) soft(err error) {
	e.log.WithError(err).Debug("module enumeration")
	e.result.SoftErrors = append(e.result.SoftErrors, err)
}
