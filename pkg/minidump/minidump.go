// Package minidump writes Breakpad compatible minidumps of a live process.
//
// A Writer is bound to one target with Create, optionally given a crash
// context, extra memory ranges and stack sanitization, and then produces the
// file with Dump. The whole container is assembled in memory before the
// first byte reaches the sink, so a failed dump never leaves a partial file
// behind.
//
//	w, err := minidump.Create(minidump.Target{PID: pid})
//	if err != nil {
//		return err
//	}
//	defer w.Close()
//	return w.Dump(f)
package minidump

import (
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/willibrandon/ChronoDump/pkg/minidump/exception"
	"github.com/willibrandon/ChronoDump/pkg/minidump/memory"
	"github.com/willibrandon/ChronoDump/pkg/minidump/modules"
	"github.com/willibrandon/ChronoDump/pkg/minidump/threads"
	"github.com/willibrandon/ChronoDump/pkg/process"
)

// IPMemorySize is the number of bytes captured around the faulting
// instruction pointer.
const IPMemorySize = 256

// Target names the process to dump.
type Target struct {
	PID int
	// TID is the faulting or requesting thread. Zero lets the crash
	// context, or failing that the first thread, decide.
	TID int
	// HandlerTID is the thread producing the dump, recorded in the
	// BreakpadInfo stream when non-zero.
	HandlerTID int
}

// MemoryRegion is a caller-requested range of target memory.
type MemoryRegion struct {
	Addr   uint64
	Length int
}

// Options configures a Writer.
type Options struct {
	Logger log.Interface
	// Process replaces the platform backend opened by Create.
	Process process.Process
	Memory  memory.Options
	// StackLimit caps the bytes captured per thread stack.
	StackLimit int
	// SizeLimit shrinks the stacks of extra threads when the dump is
	// expected to exceed it. Zero disables the limit.
	SizeLimit int64
	// PrincipalMapping, when non-zero, drops all stacks unless some thread
	// references the mapping holding this address.
	PrincipalMapping uint64
	UserMappings     []modules.UserMapping
	// StrictSanitize keeps code pointers on a stack only when they follow
	// a call instruction.
	StrictSanitize bool
	// Clock supplies the header timestamp.
	Clock func() time.Time
}

// Option modifies Options.
type Option func(*Options)

// DefaultOptions returns the default writer options.
func DefaultOptions() Options {
	return Options{
		Logger:     log.Log,
		Memory:     memory.DefaultOptions(),
		StackLimit: threads.DefaultStackLimit,
		Clock:      time.Now,
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Interface) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithProcess uses p instead of opening the platform backend. The Writer
// does not close p.
func WithProcess(p process.Process) Option {
	return func(o *Options) {
		o.Process = p
	}
}

// WithMemoryOptions configures the foreign-memory reader.
func WithMemoryOptions(m memory.Options) Option {
	return func(o *Options) {
		o.Memory = m
	}
}

// WithStackLimit caps the bytes captured per thread stack.
func WithStackLimit(n int) Option {
	return func(o *Options) {
		o.StackLimit = n
	}
}

// WithSizeLimit enables the size limit policy for thread stacks.
func WithSizeLimit(n int64) Option {
	return func(o *Options) {
		o.SizeLimit = n
	}
}

// WithSkipStacksIfMappingUnreferenced omits every stack unless a thread
// register or stack word points into the mapping containing addr.
func WithSkipStacksIfMappingUnreferenced(addr uint64) Option {
	return func(o *Options) {
		o.PrincipalMapping = addr
	}
}

// WithUserMapping adds a module the caller identified itself.
func WithUserMapping(m modules.UserMapping) Option {
	return func(o *Options) {
		o.UserMappings = append(o.UserMappings, m)
	}
}

// WithStrictSanitize makes SanitizeStack keep only return addresses.
func WithStrictSanitize(strict bool) Option {
	return func(o *Options) {
		o.StrictSanitize = strict
	}
}

// WithClock sets the source of the header timestamp.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.Clock = clock
	}
}

// Writer produces a minidump of one target.
type Writer struct {
	target   Target
	opts     Options
	proc     process.Process
	ownsProc bool
	log      log.Interface

	crash    exception.CrashContext
	extra    []MemoryRegion
	sanitize bool
}

// Create binds a Writer to target. It opens the platform backend but reads
// no target memory.
func Create(target Target, opts ...Option) (*Writer, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = log.Log
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}

	w := &Writer{target: target, opts: o, proc: o.Process}
	if w.proc == nil {
		if target.PID <= 0 {
			return nil, &DumpError{Stage: StageOpen, Kind: KindTargetGone,
				Err: fmt.Errorf("invalid pid %d: %w", target.PID, process.ErrNoSuchProcess)}
		}
		p, err := process.Open(target.PID)
		if err != nil {
			return nil, stageError(StageOpen, err)
		}
		w.proc, w.ownsProc = p, true
	}
	if w.target.PID == 0 {
		w.target.PID = w.proc.PID()
	}
	w.log = o.Logger.WithFields(log.Fields{
		"pid":  w.target.PID,
		"self": w.proc.IsSelf(),
	})
	return w, nil
}

// SetCrashContext records the crash the dump describes. Without one the
// dump carries a "dump requested" exception.
func (w *Writer) SetCrashContext(ctx exception.CrashContext) error {
	if _, err := exception.Normalize(ctx, w.target.TID); err != nil {
		return err
	}
	w.crash = ctx
	return nil
}

// SetExtraMemory adds ranges of target memory to the memory list.
func (w *Writer) SetExtraMemory(regions ...MemoryRegion) {
	w.extra = append(w.extra, regions...)
}

// SanitizeStack enables stack sanitization: captured stacks keep only
// small integers and pointers into stack or code.
func (w *Writer) SanitizeStack() {
	w.sanitize = true
}

// Close releases the backend opened by Create.
func (w *Writer) Close() error {
	if !w.ownsProc || w.proc == nil {
		return nil
	}
	err := w.proc.Close()
	w.proc = nil
	return err
}
