//go:build linux

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// memStyle is the mechanism used to copy memory out of the target.
type memStyle int

const (
	memUnknown memStyle = iota
	memVMReadv
	memProcFile
	memPeek
)

func (s memStyle) String() string {
	switch s {
	case memVMReadv:
		return "process_vm_readv"
	case memProcFile:
		return "/proc/pid/mem"
	case memPeek:
		return "PTRACE_PEEKDATA"
	}
	return "unknown"
}

// memReader tries process_vm_readv, then /proc/<pid>/mem, then
// PTRACE_PEEKDATA, and keeps using the first style that works.
type memReader struct {
	pid     int
	procDir string
	style   memStyle
	file    *os.File
	peekTID func() (int, bool)
}

func newMemReader(pid int, procDir string, peekTID func() (int, bool)) *memReader {
	return &memReader{pid: pid, procDir: procDir, peekTID: peekTID}
}

func (m *memReader) read(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if m.style != memUnknown {
		return m.readWith(m.style, addr, buf)
	}

	var errs []error
	for _, style := range []memStyle{memVMReadv, memProcFile, memPeek} {
		n, err := m.readWith(style, addr, buf)
		if err == nil {
			m.style = style
			return n, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", style, err))
	}
	return 0, errors.Join(errs...)
}

func (m *memReader) readWith(style memStyle, addr uint64, buf []byte) (int, error) {
	switch style {
	case memVMReadv:
		return m.readVM(addr, buf)
	case memProcFile:
		return m.readProcFile(addr, buf)
	case memPeek:
		return m.readPeek(addr, buf)
	}
	return 0, ErrUnsupported
}

func (m *memReader) readVM(addr uint64, buf []byte) (int, error) {
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(len(buf))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(m.pid, local, remote, 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, unix.EFAULT
	}
	return n, nil
}

func (m *memReader) readProcFile(addr uint64, buf []byte) (int, error) {
	if m.file == nil {
		f, err := os.Open(filepath.Join(m.procDir, "mem"))
		if err != nil {
			return 0, err
		}
		m.file = f
	}
	n, err := m.file.ReadAt(buf, int64(addr))
	if n > 0 {
		return n, nil
	}
	if err == nil {
		err = unix.EIO
	}
	return 0, err
}

func (m *memReader) readPeek(addr uint64, buf []byte) (int, error) {
	tid, ok := m.peekTID()
	if !ok {
		return 0, fmt.Errorf("no stopped thread to peek through")
	}
	const word = int(unsafe.Sizeof(uintptr(0)))
	done := 0
	for done < len(buf) {
		n, err := unix.PtracePeekData(tid, uintptr(addr)+uintptr(done), buf[done:min(done+word, len(buf))])
		if err != nil {
			if done > 0 {
				return done, nil
			}
			return 0, err
		}
		done += n
	}
	return done, nil
}

func (m *memReader) close() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
