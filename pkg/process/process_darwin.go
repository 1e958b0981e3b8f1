//go:build darwin && cgo

package process

/*
#include <stdint.h>
#include <string.h>
#include <unistd.h>
#include <libproc.h>
#include <sys/proc_info.h>
#include <mach/mach.h>
#include <mach/mach_vm.h>

static kern_return_t cd_task_for_pid(int pid, mach_port_t *task) {
	if (pid == getpid()) {
		*task = mach_task_self();
		return KERN_SUCCESS;
	}
	return task_for_pid(mach_task_self(), pid, task);
}

static void cd_release(mach_port_t port) {
	mach_port_deallocate(mach_task_self(), port);
}

static kern_return_t cd_read(mach_port_t task, uint64_t addr, void *buf, uint64_t size, uint64_t *out) {
	mach_vm_size_t n = 0;
	kern_return_t kr = mach_vm_read_overwrite(task, addr, size, (mach_vm_address_t)buf, &n);
	*out = n;
	return kr;
}

static kern_return_t cd_threads(mach_port_t task, thread_act_t *out, int max, int *count) {
	thread_act_array_t list;
	mach_msg_type_number_t n;
	kern_return_t kr = task_threads(task, &list, &n);
	if (kr != KERN_SUCCESS) {
		return kr;
	}
	int i;
	for (i = 0; i < (int)n; i++) {
		if (i < max) {
			out[i] = list[i];
		} else {
			mach_port_deallocate(mach_task_self(), list[i]);
		}
	}
	*count = (int)n < max ? (int)n : max;
	vm_deallocate(mach_task_self(), (vm_address_t)list, n * sizeof(thread_act_t));
	return KERN_SUCCESS;
}

static kern_return_t cd_thread_id(thread_act_t thread, uint64_t *tid) {
	thread_identifier_info_data_t info;
	mach_msg_type_number_t count = THREAD_IDENTIFIER_INFO_COUNT;
	kern_return_t kr = thread_info(thread, THREAD_IDENTIFIER_INFO, (thread_info_t)&info, &count);
	if (kr == KERN_SUCCESS) {
		*tid = info.thread_id;
	}
	return kr;
}

static int cd_thread_name(int pid, uint64_t tid, char *buf, int len) {
	struct proc_threadinfo info;
	int n = proc_pidinfo(pid, PROC_PIDTHREADID64INFO, tid, &info, sizeof(info));
	if (n != (int)sizeof(info)) {
		return -1;
	}
	strlcpy(buf, info.pth_name, len);
	return 0;
}

static kern_return_t cd_dyld_info(mach_port_t task, uint64_t *addr, uint64_t *size) {
	struct task_dyld_info info;
	mach_msg_type_number_t count = TASK_DYLD_INFO_COUNT;
	kern_return_t kr = task_info(task, TASK_DYLD_INFO, (task_info_t)&info, &count);
	if (kr == KERN_SUCCESS) {
		*addr = info.all_image_info_addr;
		*size = info.all_image_info_size;
	}
	return kr;
}

static kern_return_t cd_region(mach_port_t task, uint64_t *addr, uint64_t *size, int *prot, int *shared) {
	vm_region_basic_info_data_64_t info;
	mach_msg_type_number_t count = VM_REGION_BASIC_INFO_COUNT_64;
	mach_port_t object = MACH_PORT_NULL;
	mach_vm_address_t a = *addr;
	mach_vm_size_t s = 0;
	kern_return_t kr = mach_vm_region(task, &a, &s, VM_REGION_BASIC_INFO_64, (vm_region_info_t)&info, &count, &object);
	if (kr == KERN_SUCCESS) {
		*addr = a;
		*size = s;
		*prot = info.protection;
		*shared = info.shared;
	}
	return kr;
}

static int cd_region_path(int pid, uint64_t addr, char *buf, int len) {
	return proc_regionfilename(pid, addr, buf, len);
}

#if defined(__x86_64__)
static kern_return_t cd_get_state(thread_act_t thread, void *regs, void *fp) {
	mach_msg_type_number_t count = x86_THREAD_STATE64_COUNT;
	kern_return_t kr = thread_get_state(thread, x86_THREAD_STATE64, (thread_state_t)regs, &count);
	if (kr != KERN_SUCCESS) {
		return kr;
	}
	count = x86_FLOAT_STATE64_COUNT;
	thread_get_state(thread, x86_FLOAT_STATE64, (thread_state_t)fp, &count);
	return KERN_SUCCESS;
}
#elif defined(__aarch64__) || defined(__arm64__)
static kern_return_t cd_get_state(thread_act_t thread, void *regs, void *fp) {
	mach_msg_type_number_t count = ARM_THREAD_STATE64_COUNT;
	kern_return_t kr = thread_get_state(thread, ARM_THREAD_STATE64, (thread_state_t)regs, &count);
	if (kr != KERN_SUCCESS) {
		return kr;
	}
	count = ARM_NEON_STATE64_COUNT;
	thread_get_state(thread, ARM_NEON_STATE64, (thread_state_t)fp, &count);
	return KERN_SUCCESS;
}
#endif
*/
import "C"

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

// maxThreads bounds the thread ports copied out of task_threads.
const maxThreads = 4096

type darwinProcess struct {
	pid   int
	self  bool
	task  C.mach_port_t
	ports map[int]C.thread_act_t
}

// Open returns the Mach backend for pid. Dumping another process needs the
// com.apple.security.cs.debugger entitlement or root.
func Open(pid int) (Process, error) {
	var task C.mach_port_t
	if kr := C.cd_task_for_pid(C.int(pid), &task); kr != C.KERN_SUCCESS {
		if err := syscall.Kill(pid, 0); err == syscall.ESRCH {
			return nil, fmt.Errorf("process %d: %w", pid, ErrNoSuchProcess)
		}
		return nil, fmt.Errorf("task_for_pid(%d) = %d: %w", pid, int(kr), ErrPermission)
	}
	return &darwinProcess{
		pid:   pid,
		self:  pid == os.Getpid(),
		task:  task,
		ports: make(map[int]C.thread_act_t),
	}, nil
}

func (p *darwinProcess) PID() int     { return p.pid }
func (p *darwinProcess) IsSelf() bool { return p.self }

func (p *darwinProcess) Threads() ([]int, error) {
	ports := make([]C.thread_act_t, maxThreads)
	var n C.int
	if kr := C.cd_threads(p.task, &ports[0], maxThreads, &n); kr != C.KERN_SUCCESS {
		return nil, fmt.Errorf("task_threads = %d: %w", int(kr), ErrNoSuchProcess)
	}
	tids := make([]int, 0, int(n))
	for _, port := range ports[:int(n)] {
		var tid C.uint64_t
		if kr := C.cd_thread_id(port, &tid); kr != C.KERN_SUCCESS {
			continue
		}
		p.ports[int(tid)] = port
		tids = append(tids, int(tid))
	}
	return tids, nil
}

func (p *darwinProcess) port(tid int) (C.thread_act_t, error) {
	port, ok := p.ports[tid]
	if !ok {
		return 0, fmt.Errorf("thread %d: %w", tid, ErrNoSuchThread)
	}
	return port, nil
}

func (p *darwinProcess) Suspend(tid int) error {
	port, err := p.port(tid)
	if err != nil {
		return err
	}
	// The calling thread cannot suspend itself.
	if p.self && port == C.mach_thread_self() {
		return nil
	}
	if kr := C.thread_suspend(port); kr != C.KERN_SUCCESS {
		return fmt.Errorf("thread_suspend(%d) = %d: %w", tid, int(kr), ErrNoSuchThread)
	}
	return nil
}

func (p *darwinProcess) Resume(tid int) error {
	port, err := p.port(tid)
	if err != nil {
		return err
	}
	if p.self && port == C.mach_thread_self() {
		return nil
	}
	if kr := C.thread_resume(port); kr != C.KERN_SUCCESS {
		return fmt.Errorf("thread_resume(%d) = %d: %w", tid, int(kr), ErrNoSuchThread)
	}
	return nil
}

func (p *darwinProcess) Context(tid int) (format.ThreadContext, error) {
	port, err := p.port(tid)
	if err != nil {
		return nil, err
	}
	var regs [512]byte
	var fp [1024]byte
	if kr := C.cd_get_state(port, unsafe.Pointer(&regs[0]), unsafe.Pointer(&fp[0])); kr != C.KERN_SUCCESS {
		return nil, fmt.Errorf("thread_get_state(%d) = %d: %w", tid, int(kr), ErrNoSuchThread)
	}
	return decodeMachState(regs[:], fp[:]), nil
}

func decodeMachState(regs, fp []byte) format.ThreadContext {
	le := binary.LittleEndian
	if runtime.GOARCH == "arm64" {
		// arm_thread_state64_t: x[29], fp, lr, sp, pc, cpsr.
		ctx := &format.ARM64{ContextFlags: format.ContextARM64Full}
		for i := 0; i < 29; i++ {
			ctx.X[i] = le.Uint64(regs[8*i:])
		}
		ctx.X[29] = le.Uint64(regs[232:])
		ctx.X[30] = le.Uint64(regs[240:])
		ctx.Sp = le.Uint64(regs[248:])
		ctx.Pc = le.Uint64(regs[256:])
		ctx.Cpsr = le.Uint32(regs[264:])
		// arm_neon_state64_t: q[32], fpsr, fpcr.
		for i := range ctx.V {
			copy(ctx.V[i][:], fp[16*i:])
		}
		ctx.Fpsr = le.Uint32(fp[512:])
		ctx.Fpcr = le.Uint32(fp[516:])
		return ctx
	}

	// x86_thread_state64_t: rax rbx rcx rdx rdi rsi rbp rsp r8-r15 rip rflags cs fs gs.
	r := func(i int) uint64 { return le.Uint64(regs[8*i:]) }
	ctx := &format.AMD64{
		ContextFlags: format.ContextAMD64Full | format.ContextAMD64Segments,
		Rax:          r(0), Rbx: r(1), Rcx: r(2), Rdx: r(3),
		Rdi: r(4), Rsi: r(5), Rbp: r(6), Rsp: r(7),
		R8: r(8), R9: r(9), R10: r(10), R11: r(11),
		R12: r(12), R13: r(13), R14: r(14), R15: r(15),
		Rip:    r(16),
		EFlags: uint32(r(17)),
		SegCs:  uint16(r(18)),
		SegFs:  uint16(r(19)),
		SegGs:  uint16(r(20)),
	}
	// x86_float_state64_t starts with two reserved ints followed by the
	// FXSAVE image.
	if err := format.Unmarshal(fp[8:520], &ctx.FltSave); err == nil {
		ctx.MxCsr = ctx.FltSave.MxCsr
	}
	return ctx
}

func (p *darwinProcess) ReadMemory(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var n C.uint64_t
	kr := C.cd_read(p.task, C.uint64_t(addr), unsafe.Pointer(&buf[0]), C.uint64_t(len(buf)), &n)
	if kr != C.KERN_SUCCESS {
		return 0, fmt.Errorf("mach_vm_read_overwrite(%#x, %d) = %d", addr, len(buf), int(kr))
	}
	return int(n), nil
}

func (p *darwinProcess) Mappings() ([]Mapping, error) {
	var maps []Mapping
	addr := C.uint64_t(0)
	for {
		var size C.uint64_t
		var prot, shared C.int
		if kr := C.cd_region(p.task, &addr, &size, &prot, &shared); kr != C.KERN_SUCCESS {
			break
		}
		m := Mapping{Start: uint64(addr), End: uint64(addr) + uint64(size)}
		if prot&C.VM_PROT_READ != 0 {
			m.Perms |= PermRead
		}
		if prot&C.VM_PROT_WRITE != 0 {
			m.Perms |= PermWrite
		}
		if prot&C.VM_PROT_EXECUTE != 0 {
			m.Perms |= PermExec
		}
		if shared == 0 {
			m.Perms |= PermPrivate
		}
		var path [1024]C.char
		if n := C.cd_region_path(C.int(p.pid), addr, &path[0], C.int(len(path))); n > 0 {
			m.Path = C.GoStringN(&path[0], n)
		}
		maps = append(maps, m)
		addr += size
	}
	return maps, nil
}

func (p *darwinProcess) Loader() (LoaderInfo, error) {
	var addr, size C.uint64_t
	if kr := C.cd_dyld_info(p.task, &addr, &size); kr != C.KERN_SUCCESS {
		return LoaderInfo{}, fmt.Errorf("task_info(TASK_DYLD_INFO) = %d: %w", int(kr), ErrNotFound)
	}
	return LoaderInfo{Kind: LoaderDyld, DyldInfoAddr: uint64(addr), DyldInfoSize: uint64(size)}, nil
}

func (p *darwinProcess) ThreadName(tid int) (string, error) {
	var buf [64]C.char
	if C.cd_thread_name(C.int(p.pid), C.uint64_t(tid), &buf[0], C.int(len(buf))) != 0 {
		return "", fmt.Errorf("thread %d: %w", tid, ErrNotFound)
	}
	return C.GoString(&buf[0]), nil
}

func (p *darwinProcess) Close() error {
	for tid, port := range p.ports {
		C.cd_release(C.mach_port_t(port))
		delete(p.ports, tid)
	}
	if !p.self {
		C.cd_release(p.task)
	}
	return nil
}

func (p *darwinProcess) SystemInfo() (SystemInfo, error) {
	info := SystemInfo{
		Arch:     format.ArchAMD64,
		Platform: format.PlatformMacOS,
		CPUCount: runtime.NumCPU(),
	}
	if runtime.GOARCH == "arm64" {
		info.Arch = format.ArchARM64
	}
	return info, nil
}
