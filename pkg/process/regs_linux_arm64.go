//go:build linux && arm64

package process

import (
	"unsafe"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

const hostArch = format.ArchARM64

// userPtRegs is struct user_pt_regs.
type userPtRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// userFPSIMDState is struct user_fpsimd_state.
type userFPSIMDState struct {
	Vregs [32][16]byte
	Fpsr  uint32
	Fpcr  uint32
	_     [2]uint32
}

func threadContext(tid int) (format.ThreadContext, error) {
	var regs userPtRegs
	if err := getRegset(tid, ntPrstatus, unsafe.Pointer(&regs), unsafe.Sizeof(regs)); err != nil {
		return nil, mapErrno(err, ErrNoSuchThread)
	}

	ctx := &format.ARM64{
		ContextFlags: format.ContextARM64Control | format.ContextARM64Integer,
		Cpsr:         uint32(regs.Pstate),
		X:            regs.Regs,
		Sp:           regs.Sp,
		Pc:           regs.Pc,
	}

	var fp userFPSIMDState
	if err := getRegset(tid, ntPrfpreg, unsafe.Pointer(&fp), unsafe.Sizeof(fp)); err == nil {
		ctx.ContextFlags |= format.ContextARM64FloatingPoint
		ctx.V = fp.Vregs
		ctx.Fpsr = fp.Fpsr
		ctx.Fpcr = fp.Fpcr
	}
	return ctx, nil
}

func minimalContext(sp, pc uint64) format.ThreadContext {
	return &format.ARM64{
		ContextFlags: format.ContextARM64Control,
		Sp:           sp,
		Pc:           pc,
	}
}
