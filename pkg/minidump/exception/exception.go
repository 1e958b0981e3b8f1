// Package exception turns the crash context supplied by a crash handler
// into the exception record of a minidump.
package exception

import (
	"errors"
	"fmt"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

// ErrTooManyParameters is returned when a context carries more parameters
// than an exception record can hold.
var ErrTooManyParameters = fmt.Errorf("more than %d exception parameters", format.MaxExceptionParameters)

// ErrUnknownContext is returned for CrashContext implementations outside
// this package.
var ErrUnknownContext = errors.New("unknown crash context")

// CrashContext is one of *SignalContext, *StructuredExceptionContext or
// *MachExceptionContext.
type CrashContext interface {
	crashThread() int
	savedContext() format.ThreadContext
}

// SignalContext describes a POSIX signal.
type SignalContext struct {
	TID     int
	Signo   uint32
	Code    int32 // si_code
	Addr    uint64
	Params  []uint64
	Context format.ThreadContext
}

func (c *SignalContext) crashThread() int                   { return c.TID }
func (c *SignalContext) savedContext() format.ThreadContext { return c.Context }

// StructuredExceptionContext describes a Windows-style exception record.
type StructuredExceptionContext struct {
	TID          int
	Code         uint32
	Flags        uint32
	NestedRecord uint64
	Addr         uint64
	Params       []uint64
	Context      format.ThreadContext
}

func (c *StructuredExceptionContext) crashThread() int                   { return c.TID }
func (c *StructuredExceptionContext) savedContext() format.ThreadContext { return c.Context }

// Mach exception types.
const (
	ExcBadAccess      = 1
	ExcBadInstruction = 2
	ExcArithmetic     = 3
	ExcEmulation      = 4
	ExcSoftware       = 5
	ExcBreakpoint     = 6
	ExcSyscall        = 7
	ExcMachSyscall    = 8
	ExcRPCAlert       = 9
	ExcCrash          = 10
	ExcResource       = 11
	ExcGuard          = 12
	ExcCorpseNotify   = 13
)

// MachException is a Mach exception type with its code and subcode.
type MachException struct {
	Kind       uint32
	Code       uint64
	Subcode    uint64
	HasSubcode bool
}

// MachExceptionContext describes a Mach exception. For EXC_CRASH, Inner
// names the wrapped exception; when nil it is decoded from Code.
type MachExceptionContext struct {
	TID int
	MachException
	Inner   *MachException
	Params  []uint64
	Context format.ThreadContext
}

func (c *MachExceptionContext) crashThread() int                   { return c.TID }
func (c *MachExceptionContext) savedContext() format.ThreadContext { return c.Context }

// Info is a normalized exception.
type Info struct {
	TID     int
	Code    uint32
	Flags   uint32
	Record  uint64
	Address uint64
	Params  []uint64
	// Signal is the signal number carried by a decoded EXC_CRASH.
	Signal  uint32
	Context format.ThreadContext
}

// Normalize converts ctx into an Info. A nil ctx describes a voluntary
// dump of fallbackTID.
func Normalize(ctx CrashContext, fallbackTID int) (Info, error) {
	switch c := ctx.(type) {
	case nil:
		return Info{TID: fallbackTID, Code: format.ExceptionCodeDumpRequested}, nil
	case *SignalContext:
		return normalizeSignal(c)
	case *StructuredExceptionContext:
		return normalizeStructured(c)
	case *MachExceptionContext:
		return normalizeMach(c)
	}
	return Info{}, fmt.Errorf("%T: %w", ctx, ErrUnknownContext)
}

// ThreadOf returns the faulting thread named by ctx, or fallback when ctx
// is nil or names none.
func ThreadOf(ctx CrashContext, fallback int) int {
	if ctx == nil || ctx.crashThread() == 0 {
		return fallback
	}
	return ctx.crashThread()
}

// SavedContext returns the CPU context captured by the crash handler.
func SavedContext(ctx CrashContext) format.ThreadContext {
	if ctx == nil {
		return nil
	}
	return ctx.savedContext()
}

func checkParams(params []uint64) ([]uint64, error) {
	if len(params) > format.MaxExceptionParameters {
		return nil, fmt.Errorf("%d parameters: %w", len(params), ErrTooManyParameters)
	}
	return append([]uint64(nil), params...), nil
}

func normalizeSignal(c *SignalContext) (Info, error) {
	params, err := checkParams(c.Params)
	if err != nil {
		return Info{}, err
	}
	return Info{
		TID:     c.TID,
		Code:    c.Signo,
		Flags:   uint32(c.Code),
		Address: c.Addr,
		Params:  params,
		Context: c.Context,
	}, nil
}

func normalizeStructured(c *StructuredExceptionContext) (Info, error) {
	params, err := checkParams(c.Params)
	if err != nil {
		return Info{}, err
	}
	code := c.Code
	if code == 0 {
		code = format.StatusNoncontinuableException
	}
	return Info{
		TID:     c.TID,
		Code:    code,
		Flags:   c.Flags,
		Record:  c.NestedRecord,
		Address: c.Addr,
		Params:  params,
		Context: c.Context,
	}, nil
}

// UnwrapCrash decodes the exception wrapped by an EXC_CRASH code.
func UnwrapCrash(code uint64) (inner MachException, signal uint32) {
	return MachException{
		Kind: uint32((code >> 20) & 0xf),
		Code: code & 0xfffff,
	}, uint32((code >> 24) & 0xff)
}

func normalizeMach(c *MachExceptionContext) (Info, error) {
	exc := c.MachException
	var signal uint32
	if exc.Kind == ExcCrash {
		if c.Inner != nil {
			exc = *c.Inner
		} else {
			var inner MachException
			inner, signal = UnwrapCrash(exc.Code)
			inner.Subcode, inner.HasSubcode = exc.Subcode, exc.HasSubcode
			exc = inner
		}
	}

	params := []uint64{exc.Code}
	if exc.HasSubcode {
		params = append(params, exc.Subcode)
	}
	params, err := checkParams(append(params, c.Params...))
	if err != nil {
		return Info{}, err
	}

	flags := uint32(exc.Code)
	if exc.Kind == ExcResource || exc.Kind == ExcGuard {
		flags = uint32(exc.Code >> 32)
	}
	addr := exc.Subcode
	if !exc.HasSubcode {
		addr = 0
		if c.Context != nil {
			addr = c.Context.InstructionPointer()
		}
	}
	return Info{
		TID:     c.TID,
		Code:    exc.Kind,
		Flags:   flags,
		Address: addr,
		Params:  params,
		Signal:  signal,
		Context: c.Context,
	}, nil
}
