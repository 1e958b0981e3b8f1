//go:build linux

package process

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

// ELF note types accepted by PTRACE_GETREGSET.
const (
	ntPrstatus = 1
	ntPrfpreg  = 2
)

// getRegset copies the register set selected by note into the size bytes at p.
func getRegset(tid int, note uintptr, p unsafe.Pointer, size uintptr) error {
	iov := unix.Iovec{Base: (*byte)(p)}
	iov.SetLen(int(size))
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(tid), note, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// selfContext describes a thread of the calling process without ptrace.
// Sibling threads blocked in a system call expose their stack and
// instruction pointers through /proc; the calling thread describes itself.
func (p *linuxProcess) selfContext(tid int) (format.ThreadContext, error) {
	var ctx format.ThreadContext
	if tid == unix.Gettid() {
		ctx = callerContext()
	} else {
		data, err := os.ReadFile(filepath.Join(p.procDir, "task", strconv.Itoa(tid), "syscall"))
		if err != nil {
			return nil, fmt.Errorf("reading syscall state of thread %d: %w", tid, mapErrno(err, ErrNoSuchThread))
		}
		sp, pc, err := ParseSyscall(data)
		if err != nil {
			return nil, fmt.Errorf("thread %d: %w", tid, err)
		}
		ctx = minimalContext(sp, pc)
	}
	if ctx == nil {
		return nil, fmt.Errorf("register snapshot of thread %d: %w", tid, ErrUnsupported)
	}
	return ctx, nil
}

//go:noinline
func callerContext() format.ThreadContext {
	var marker uintptr
	pcs := make([]uintptr, 1)
	runtime.Callers(2, pcs)
	sp := uint64(uintptr(unsafe.Pointer(&marker)))
	return minimalContext(sp, uint64(pcs[0]))
}
