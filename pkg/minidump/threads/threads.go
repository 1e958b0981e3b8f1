// Package threads suspends the threads of a target, captures their
// registers and stacks, and resumes them.
package threads

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apex/log"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
	"github.com/willibrandon/ChronoDump/pkg/minidump/memory"
	"github.com/willibrandon/ChronoDump/pkg/process"
)

const (
	// DefaultStackLimit caps the stack captured per thread.
	DefaultStackLimit = 32 << 10
	// BaseThreads is the number of threads whose stacks are never shrunk
	// by a size limit.
	BaseThreads = 20
	// ExtraThreadStackLimit caps the stacks of threads past BaseThreads
	// when a size limit is in force.
	ExtraThreadStackLimit = 2 << 10
	// EstimatedStackSize is the per-thread cost assumed by the size limit.
	EstimatedStackSize = 8 << 10
	// SizeLimitFudge covers everything in a dump other than stacks.
	SizeLimitFudge = 64 << 10
)

// Thread is one captured thread.
type Thread struct {
	ID      int
	Context format.ThreadContext
	// StackStart is the address of Stack[0].
	StackStart uint64
	Stack      []byte
	Name       string
}

// Options configures Collect.
type Options struct {
	Logger     log.Interface
	StackLimit int
	// SizeLimit caps the stacks of extra threads when the estimated dump
	// size exceeds it. Zero disables the limit.
	SizeLimit int64
	// CrashTID is the faulting thread; its stack is never shrunk.
	CrashTID int
	// CrashContext, when set, replaces the captured registers of CrashTID.
	CrashContext format.ThreadContext
	// PrincipalMapping, when non-zero, drops the stack of every thread
	// whose instruction pointer is outside the mapping holding it and
	// whose stack above the stack pointer holds no pointer into it.
	PrincipalMapping uint64
}

// DefaultOptions returns the default collection options.
func DefaultOptions() Options {
	return Options{
		Logger:     log.Log,
		StackLimit: DefaultStackLimit,
	}
}

// Result is the outcome of Collect.
type Result struct {
	Threads    []Thread
	SoftErrors []error
	// OmittedStacks counts the stacks dropped for not referencing
	// PrincipalMapping.
	OmittedStacks int
}

// Session tracks suspended threads so every one of them is resumed.
type Session struct {
	proc      process.Process
	suspended []int
}

// NewSession starts a suspension session over p.
func NewSession(p process.Process) *Session {
	return &Session{proc: p}
}

// Suspend stops tid and records it for ResumeAll.
func (s *Session) Suspend(tid int) error {
	if err := s.proc.Suspend(tid); err != nil {
		return err
	}
	s.suspended = append(s.suspended, tid)
	return nil
}

// Suspended returns the threads currently held by the session.
func (s *Session) Suspended() []int {
	return s.suspended
}

// ResumeAll resumes every thread the session suspended, once, and joins the
// failures. It is safe to call more than once.
func (s *Session) ResumeAll() error {
	var errs []error
	for _, tid := range s.suspended {
		if err := s.proc.Resume(tid); err != nil {
			errs = append(errs, fmt.Errorf("resuming thread %d: %w", tid, err))
		}
	}
	s.suspended = nil
	return errors.Join(errs...)
}

// Collect suspends every thread of the session's process and captures it.
// Threads stay suspended until the caller runs ResumeAll. A thread that
// cannot be suspended or read is skipped and reported as a soft error.
func Collect(s *Session, mem *memory.Reader, maps []process.Mapping, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = log.Log
	}
	if opts.StackLimit <= 0 {
		opts.StackLimit = DefaultStackLimit
	}
	logger := opts.Logger.WithField("pid", s.proc.PID())

	tids, err := s.proc.Threads()
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}

	res := &Result{}
	soft := func(tid int, err error) {
		logger.WithField("tid", tid).WithError(err).Debug("skipping thread")
		res.SoftErrors = append(res.SoftErrors, err)
	}

	for _, tid := range tids {
		if err := s.Suspend(tid); err != nil {
			soft(tid, fmt.Errorf("suspending thread %d: %w", tid, err))
			continue
		}
		ctx, err := s.proc.Context(tid)
		if tid == opts.CrashTID && opts.CrashContext != nil {
			ctx, err = opts.CrashContext, nil
		}
		if err != nil {
			soft(tid, fmt.Errorf("registers of thread %d: %w", tid, err))
			continue
		}
		// Threads of seccomp-sandboxed code report a zero stack pointer.
		if ctx.StackPointer() == 0 {
			soft(tid, fmt.Errorf("thread %d has no stack pointer", tid))
			continue
		}
		t := Thread{ID: tid, Context: ctx}
		if name, err := s.proc.ThreadName(tid); err == nil {
			t.Name = name
		}
		res.Threads = append(res.Threads, t)
	}

	capped := opts.SizeLimit > 0 &&
		int64(len(res.Threads))*EstimatedStackSize+SizeLimitFudge > opts.SizeLimit
	for i := range res.Threads {
		t := &res.Threads[i]
		limit := opts.StackLimit
		if capped && i >= BaseThreads && t.ID != opts.CrashTID {
			limit = min(limit, ExtraThreadStackLimit)
		}
		start, length, err := StackRange(t.Context, maps, limit)
		if err != nil {
			soft(t.ID, err)
			t.StackStart = t.Context.StackPointer()
			continue
		}
		data, err := mem.Read(start, length)
		if err != nil {
			soft(t.ID, fmt.Errorf("stack of thread %d: %w", t.ID, err))
			t.StackStart = start
			continue
		}
		t.StackStart, t.Stack = start, data
	}

	if opts.PrincipalMapping != 0 {
		principal, ok := process.FindMapping(maps, opts.PrincipalMapping)
		for i := range res.Threads {
			t := &res.Threads[i]
			if t.Stack == nil || ok && referencesMapping(t, principal) {
				continue
			}
			logger.WithFields(log.Fields{
				"tid":  t.ID,
				"addr": fmt.Sprintf("%#x", opts.PrincipalMapping),
			}).Debug("principal mapping unreferenced, omitting stack")
			t.Stack = nil
			res.OmittedStacks++
		}
	}
	return res, nil
}

// StackRange returns the span of stack to capture for ctx: from the stack
// pointer minus the red zone, rounded down to a page, to the end of its
// mapping, at most limit bytes.
func StackRange(ctx format.ThreadContext, maps []process.Mapping, limit int) (uint64, int, error) {
	sp := ctx.StackPointer()
	start := sp
	if rz := format.StackRedZone(ctx.Arch()); start >= rz {
		start -= rz
	}
	start &^= memory.PageSize - 1

	m, ok := process.FindMapping(maps, sp)
	if !ok {
		return 0, 0, fmt.Errorf("stack pointer %#x is not mapped", sp)
	}
	if start < m.Start {
		start = m.Start
	}
	return start, int(min(m.End-start, uint64(limit))), nil
}

// referencesMapping reports whether t executes inside m or keeps a pointer
// into m on the live part of its stack.
func referencesMapping(t *Thread, m process.Mapping) bool {
	if m.Contains(t.Context.InstructionPointer()) {
		return true
	}
	var off uint64
	if sp := t.Context.StackPointer(); sp > t.StackStart {
		off = min(sp-t.StackStart, uint64(len(t.Stack)))
	}
	for ; off+8 <= uint64(len(t.Stack)); off += 8 {
		if m.Contains(binary.LittleEndian.Uint64(t.Stack[off:])) {
			return true
		}
	}
	return false
}
