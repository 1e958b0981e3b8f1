//go:build linux

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

// clockTicks is USER_HZ, fixed at 100 on every Linux ABI Go supports.
const clockTicks = 100

type linuxProcess struct {
	pid      int
	self     bool
	procDir  string
	attached map[int]bool
	mem      *memReader
}

// Open returns the Linux backend for pid. Opening does not touch the
// target's threads or memory.
func Open(pid int) (Process, error) {
	procDir := filepath.Join("/proc", strconv.Itoa(pid))
	if _, err := os.Stat(procDir); err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, mapErrno(err, ErrNoSuchProcess))
	}
	p := &linuxProcess{
		pid:      pid,
		self:     pid == os.Getpid(),
		procDir:  procDir,
		attached: make(map[int]bool),
	}
	p.mem = newMemReader(pid, p.procDir, p.peekTID)
	return p, nil
}

func (p *linuxProcess) PID() int     { return p.pid }
func (p *linuxProcess) IsSelf() bool { return p.self }

func (p *linuxProcess) Threads() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(p.procDir, "task"))
	if err != nil {
		return nil, fmt.Errorf("listing threads of %d: %w", p.pid, mapErrno(err, ErrNoSuchProcess))
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

// Suspend attaches to tid with ptrace and waits for it to stop. A process
// cannot trace its own threads, so self dumps leave threads running.
func (p *linuxProcess) Suspend(tid int) error {
	if p.self {
		return nil
	}
	if err := unix.PtraceAttach(tid); err != nil {
		return fmt.Errorf("attaching to thread %d: %w", tid, mapErrno(err, ErrNoSuchThread))
	}
	for {
		var status unix.WaitStatus
		_, err := unix.Wait4(tid, &status, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			unix.PtraceDetach(tid)
			return fmt.Errorf("waiting for thread %d: %w", tid, mapErrno(err, ErrNoSuchThread))
		}
		if status.Exited() || status.Signaled() {
			return fmt.Errorf("thread %d exited: %w", tid, ErrNoSuchThread)
		}
		break
	}
	p.attached[tid] = true
	return nil
}

func (p *linuxProcess) Resume(tid int) error {
	if p.self {
		return nil
	}
	if !p.attached[tid] {
		return fmt.Errorf("thread %d is not suspended", tid)
	}
	delete(p.attached, tid)
	if err := unix.PtraceDetach(tid); err != nil {
		return fmt.Errorf("detaching from thread %d: %w", tid, mapErrno(err, ErrNoSuchThread))
	}
	return nil
}

func (p *linuxProcess) Context(tid int) (format.ThreadContext, error) {
	if p.self {
		return p.selfContext(tid)
	}
	if !p.attached[tid] {
		return nil, fmt.Errorf("thread %d is not suspended", tid)
	}
	return threadContext(tid)
}

func (p *linuxProcess) ReadMemory(addr uint64, buf []byte) (int, error) {
	return p.mem.read(addr, buf)
}

// peekTID returns a thread that PTRACE_PEEKDATA can be issued against.
func (p *linuxProcess) peekTID() (int, bool) {
	if p.attached[p.pid] {
		return p.pid, true
	}
	for tid := range p.attached {
		return tid, true
	}
	return 0, false
}

func (p *linuxProcess) Mappings() ([]Mapping, error) {
	f, err := os.Open(filepath.Join(p.procDir, "maps"))
	if err != nil {
		return nil, fmt.Errorf("reading maps of %d: %w", p.pid, mapErrno(err, ErrNoSuchProcess))
	}
	defer f.Close()
	return ParseMaps(f)
}

func (p *linuxProcess) Loader() (LoaderInfo, error) {
	data, err := os.ReadFile(filepath.Join(p.procDir, "auxv"))
	if err != nil {
		return LoaderInfo{}, fmt.Errorf("reading auxv of %d: %w", p.pid, mapErrno(err, ErrNoSuchProcess))
	}
	return LoaderInfo{Kind: LoaderAuxv, Auxv: ParseAuxv(data)}, nil
}

func (p *linuxProcess) ThreadName(tid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.procDir, "task", strconv.Itoa(tid), "comm"))
	if err != nil {
		return "", fmt.Errorf("reading name of thread %d: %w", tid, mapErrno(err, ErrNoSuchThread))
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}

func (p *linuxProcess) Close() error {
	var errs []error
	for tid := range p.attached {
		if err := p.Resume(tid); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.mem.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// maxProcFile bounds the size of the text files copied into a dump.
const maxProcFile = 1 << 20

func (p *linuxProcess) ReadFile(name string) ([]byte, error) {
	var paths []string
	switch name {
	case "cpuinfo":
		paths = []string{"/proc/cpuinfo"}
	case "lsb-release":
		paths = []string{"/etc/lsb-release", "/etc/os-release", "/usr/lib/os-release"}
	case "status", "cmdline", "environ", "auxv", "maps", "limits", "stat":
		paths = []string{filepath.Join(p.procDir, name)}
	default:
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	var lastErr error
	for _, path := range paths {
		data, err := readLimited(path, maxProcFile)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, mapErrno(lastErr, ErrNotFound)
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

func (p *linuxProcess) SystemInfo() (SystemInfo, error) {
	info := SystemInfo{
		Arch:     hostArch,
		Platform: format.PlatformLinux,
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return info, fmt.Errorf("uname: %w", err)
	}
	release := unix.ByteSliceToString(uts.Release[:])
	info.MajorVersion, info.MinorVersion, info.BuildNumber = ParseKernelRelease(release)
	info.OSDescription = strings.Join([]string{
		unix.ByteSliceToString(uts.Sysname[:]),
		release,
		unix.ByteSliceToString(uts.Version[:]),
		unix.ByteSliceToString(uts.Machine[:]),
	}, " ")

	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		cpu := ParseCPUInfo(data)
		info.CPUCount = cpu.Count
		info.CPUVendor = cpu.Vendor
		info.CPUFamily = cpu.Family
		info.CPUModel = cpu.Model
		info.CPUStepping = cpu.Stepping
	}
	return info, nil
}

func (p *linuxProcess) Times() (Times, error) {
	data, err := os.ReadFile(filepath.Join(p.procDir, "stat"))
	if err != nil {
		return Times{}, mapErrno(err, ErrNoSuchProcess)
	}
	st, err := ParseStat(data)
	if err != nil {
		return Times{}, err
	}
	statData, err := os.ReadFile("/proc/stat")
	if err != nil {
		return Times{}, err
	}
	boot, err := ParseBootTime(statData)
	if err != nil {
		return Times{}, err
	}
	return Times{
		Start:  time.Unix(boot, 0).Add(ticks(st.StartTime)),
		User:   ticks(st.UTime),
		Kernel: ticks(st.STime),
	}, nil
}

func ticks(n uint64) time.Duration {
	return time.Duration(n) * time.Second / clockTicks
}

// mapErrno translates OS errors into the package's sentinel errors while
// keeping the original error in the chain.
func mapErrno(err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", notFound, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES), errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	return err
}
