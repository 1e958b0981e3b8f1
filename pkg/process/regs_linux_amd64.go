//go:build linux && amd64

package process

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

const hostArch = format.ArchAMD64

// debugRegOffset is offsetof(struct user, u_debugreg) on x86-64.
const debugRegOffset = 848

func threadContext(tid int) (format.ThreadContext, error) {
	var regs unix.PtraceRegs
	if err := getRegset(tid, ntPrstatus, unsafe.Pointer(&regs), unsafe.Sizeof(regs)); err != nil {
		// Kernels without PTRACE_GETREGSET still support PTRACE_GETREGS.
		if err := unix.PtraceGetRegs(tid, &regs); err != nil {
			return nil, mapErrno(err, ErrNoSuchThread)
		}
	}

	ctx := &format.AMD64{
		ContextFlags: format.ContextAMD64Full | format.ContextAMD64Segments,
		SegCs:        uint16(regs.Cs),
		SegDs:        uint16(regs.Ds),
		SegEs:        uint16(regs.Es),
		SegFs:        uint16(regs.Fs),
		SegGs:        uint16(regs.Gs),
		SegSs:        uint16(regs.Ss),
		EFlags:       uint32(regs.Eflags),
		Rax:          regs.Rax,
		Rcx:          regs.Rcx,
		Rdx:          regs.Rdx,
		Rbx:          regs.Rbx,
		Rsp:          regs.Rsp,
		Rbp:          regs.Rbp,
		Rsi:          regs.Rsi,
		Rdi:          regs.Rdi,
		R8:           regs.R8,
		R9:           regs.R9,
		R10:          regs.R10,
		R11:          regs.R11,
		R12:          regs.R12,
		R13:          regs.R13,
		R14:          regs.R14,
		R15:          regs.R15,
		Rip:          regs.Rip,
	}

	// The FXSAVE image from NT_PRFPREG has the layout of XMM_SAVE_AREA32.
	var fx [512]byte
	if err := getRegset(tid, ntPrfpreg, unsafe.Pointer(&fx[0]), uintptr(len(fx))); err == nil {
		if err := format.Unmarshal(fx[:], &ctx.FltSave); err == nil {
			ctx.MxCsr = ctx.FltSave.MxCsr
		}
	}

	// Debug registers are informational; a failure leaves them zero.
	var dr [8]uint64
	for i := range dr {
		var word [8]byte
		if _, err := unix.PtracePeekUser(tid, uintptr(debugRegOffset+8*i), word[:]); err != nil {
			break
		}
		dr[i] = binary.LittleEndian.Uint64(word[:])
	}
	ctx.Dr0, ctx.Dr1, ctx.Dr2, ctx.Dr3 = dr[0], dr[1], dr[2], dr[3]
	ctx.Dr6, ctx.Dr7 = dr[6], dr[7]

	return ctx, nil
}

func minimalContext(sp, pc uint64) format.ThreadContext {
	return &format.AMD64{
		ContextFlags: format.ContextAMD64Control,
		Rsp:          sp,
		Rip:          pc,
	}
}
