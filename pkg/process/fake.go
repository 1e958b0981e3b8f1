package process

import (
	"fmt"
	"sort"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

// FakeThread describes one thread of a Fake process.
type FakeThread struct {
	ID         int
	Name       string
	Context    format.ThreadContext
	SuspendErr error
	ContextErr error
	ResumeErr  error
	NameErr    error
}

// FakeRegion is a readable range of Fake process memory.
type FakeRegion struct {
	Addr uint64
	Data []byte
}

// Fake is an in-memory Process used by tests. It records every Suspend and
// Resume so callers can check that they are paired.
type Fake struct {
	Pid        int
	Self       bool
	ThreadList []*FakeThread
	Regions    []FakeRegion
	Maps       []Mapping
	LoaderErr  error
	LoaderRes  LoaderInfo
	Files      map[string][]byte
	Sys        SystemInfo
	ProcTimes  Times
	// MaxRead makes reads longer than MaxRead bytes fail, as some kernels
	// do for spans that cross unmapped pages. Zero disables the limit.
	MaxRead int

	// Calls is the ordered log of control operations, e.g. "suspend 3".
	Calls     []string
	Suspended map[int]int
	Resumed   map[int]int
	Reads     []FakeRead
	Closed    bool
}

// FakeRead records one ReadMemory call.
type FakeRead struct {
	Addr   uint64
	Length int
}

// NewFake returns an empty Fake process with the given pid.
func NewFake(pid int) *Fake {
	return &Fake{
		Pid:       pid,
		Files:     make(map[string][]byte),
		Suspended: make(map[int]int),
		Resumed:   make(map[int]int),
		Sys: SystemInfo{
			Arch:     format.ArchAMD64,
			Platform: format.PlatformLinux,
			CPUCount: 1,
		},
	}
}

// AddThread appends a thread whose context has the given stack and
// instruction pointers.
func (f *Fake) AddThread(tid int, sp, pc uint64) *FakeThread {
	t := &FakeThread{
		ID:      tid,
		Context: &format.AMD64{ContextFlags: format.ContextAMD64Full, Rsp: sp, Rip: pc},
	}
	f.ThreadList = append(f.ThreadList, t)
	return t
}

// AddMemory maps data at addr and adds a matching Mapping.
func (f *Fake) AddMemory(addr uint64, data []byte, perms Perms, path string) {
	f.Regions = append(f.Regions, FakeRegion{Addr: addr, Data: data})
	f.Maps = append(f.Maps, Mapping{Start: addr, End: addr + uint64(len(data)), Perms: perms, Path: path})
	sort.Slice(f.Maps, func(i, j int) bool { return f.Maps[i].Start < f.Maps[j].Start })
}

func (f *Fake) thread(tid int) (*FakeThread, error) {
	for _, t := range f.ThreadList {
		if t.ID == tid {
			return t, nil
		}
	}
	return nil, fmt.Errorf("thread %d: %w", tid, ErrNoSuchThread)
}

func (f *Fake) PID() int     { return f.Pid }
func (f *Fake) IsSelf() bool { return f.Self }

func (f *Fake) Threads() ([]int, error) {
	tids := make([]int, len(f.ThreadList))
	for i, t := range f.ThreadList {
		tids[i] = t.ID
	}
	return tids, nil
}

func (f *Fake) Suspend(tid int) error {
	t, err := f.thread(tid)
	if err != nil {
		return err
	}
	f.Calls = append(f.Calls, fmt.Sprintf("suspend %d", tid))
	if t.SuspendErr != nil {
		return t.SuspendErr
	}
	f.Suspended[tid]++
	return nil
}

func (f *Fake) Resume(tid int) error {
	t, err := f.thread(tid)
	if err != nil {
		return err
	}
	f.Calls = append(f.Calls, fmt.Sprintf("resume %d", tid))
	f.Resumed[tid]++
	return t.ResumeErr
}

func (f *Fake) Context(tid int) (format.ThreadContext, error) {
	t, err := f.thread(tid)
	if err != nil {
		return nil, err
	}
	if t.ContextErr != nil {
		return nil, t.ContextErr
	}
	return t.Context, nil
}

func (f *Fake) ReadMemory(addr uint64, p []byte) (int, error) {
	f.Reads = append(f.Reads, FakeRead{Addr: addr, Length: len(p)})
	if f.MaxRead > 0 && len(p) > f.MaxRead {
		return 0, fmt.Errorf("read of %d bytes at %#x: input/output error", len(p), addr)
	}
	for _, r := range f.Regions {
		end := r.Addr + uint64(len(r.Data))
		if addr >= r.Addr && addr < end {
			return copy(p, r.Data[addr-r.Addr:]), nil
		}
	}
	return 0, fmt.Errorf("address %#x not mapped", addr)
}

func (f *Fake) Mappings() ([]Mapping, error) {
	return f.Maps, nil
}

func (f *Fake) Loader() (LoaderInfo, error) {
	return f.LoaderRes, f.LoaderErr
}

func (f *Fake) ThreadName(tid int) (string, error) {
	t, err := f.thread(tid)
	if err != nil {
		return "", err
	}
	return t.Name, t.NameErr
}

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}

func (f *Fake) ReadFile(name string) ([]byte, error) {
	data, ok := f.Files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return data, nil
}

func (f *Fake) SystemInfo() (SystemInfo, error) {
	return f.Sys, nil
}

func (f *Fake) Times() (Times, error) {
	return f.ProcTimes, nil
}

// Unbalanced returns the threads whose successful Suspend and Resume
// counts differ.
func (f *Fake) Unbalanced() []int {
	var tids []int
	for _, t := range f.ThreadList {
		if f.Suspended[t.ID] != f.Resumed[t.ID] {
			tids = append(tids, t.ID)
		}
	}
	return tids
}
