package minidump

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/apex/log"

	"github.com/willibrandon/ChronoDump/pkg/minidump/exception"
	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
	"github.com/willibrandon/ChronoDump/pkg/minidump/memory"
	"github.com/willibrandon/ChronoDump/pkg/minidump/modules"
	"github.com/willibrandon/ChronoDump/pkg/minidump/sanitize"
	"github.com/willibrandon/ChronoDump/pkg/minidump/threads"
	"github.com/willibrandon/ChronoDump/pkg/process"
)

// softError is one entry of the MozSoftErrors stream.
type softError struct {
	Stage Stage  `json:"stage"`
	Error string `json:"error"`
}

// memoryBlock is captured target memory destined for the memory list.
type memoryBlock struct {
	Addr uint64
	Data []byte
}

// snapshot is everything captured from the target for one dump.
type snapshot struct {
	sys       process.SystemInfo
	times     process.Times
	haveTimes bool
	maps      []process.Mapping
	threads   []threads.Thread
	modules   *modules.Result
	exception exception.Info
	memory    []memoryBlock
	files     map[format.StreamType][]byte
	soft      []softError
}

func (s *snapshot) addSoft(stage Stage, errs ...error) {
	for _, err := range errs {
		s.soft = append(s.soft, softError{Stage: stage, Error: err.Error()})
	}
}

// linuxFiles are the backend files copied verbatim into streams.
var linuxFiles = []struct {
	typ  format.StreamType
	name string
}{
	{format.LinuxCPUInfo, "cpuinfo"},
	{format.LinuxProcStatus, "status"},
	{format.LinuxLsbRelease, "lsb-release"},
	{format.LinuxCmdLine, "cmdline"},
	{format.LinuxEnviron, "environ"},
	{format.LinuxAuxv, "auxv"},
	{format.LinuxMaps, "maps"},
	{format.MozLinuxLimits, "limits"},
}

// Dump captures the target and writes the minidump to sink. Threads are
// suspended while the target is read and resumed before anything is
// serialized. On failure nothing is written and the returned error is a
// *DumpError, possibly joined with a resume failure.
func (w *Writer) Dump(sink io.Writer) error {
	if w.proc == nil {
		return &DumpError{Stage: StageOpen, Kind: KindInternal, Err: errors.New("writer is closed")}
	}

	// ptrace requests must come from the tracing thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	snap, err := w.capture()
	if err != nil {
		return err
	}

	data, err := w.serialize(snap)
	if err != nil {
		return stageError(StageSerialize, err)
	}
	if _, err := sink.Write(data); err != nil {
		return stageError(StageSink, err)
	}
	w.log.WithFields(log.Fields{
		"bytes":       len(data),
		"threads":     len(snap.threads),
		"modules":     len(snap.modules.Modules),
		"soft_errors": len(snap.soft),
	}).Info("wrote minidump")
	return nil
}

// capture reads everything the dump needs from the target. Every thread
// suspended here is resumed before capture returns.
func (w *Writer) capture() (snap *snapshot, err error) {
	snap = &snapshot{files: make(map[format.StreamType][]byte)}
	mem := memory.NewReader(w.proc, w.opts.Memory)

	w.systemInfo(snap)

	maps, err := w.proc.Mappings()
	if err != nil {
		return nil, stageError(StageModules, fmt.Errorf("%w: %w", modules.ErrNoMappings, err))
	}
	snap.maps = maps

	sess := threads.NewSession(w.proc)
	defer func() {
		rerr := sess.ResumeAll()
		if rerr == nil {
			return
		}
		w.log.WithField("stage", StageResume).WithError(rerr).Warn("resuming threads")
		derr := stageError(StageResume, rerr)
		if err != nil {
			err = errors.Join(err, derr)
		} else {
			err = derr
		}
		snap = nil
	}()

	crashTID := exception.ThreadOf(w.crash, w.target.TID)
	tres, err := threads.Collect(sess, mem, maps, threads.Options{
		Logger:           w.log,
		StackLimit:       w.opts.StackLimit,
		SizeLimit:        w.opts.SizeLimit,
		CrashTID:         crashTID,
		CrashContext:     exception.SavedContext(w.crash),
		PrincipalMapping: w.opts.PrincipalMapping,
	})
	if err != nil {
		return nil, stageError(StageThreads, err)
	}
	snap.addSoft(StageThreads, tres.SoftErrors...)
	if len(tres.Threads) == 0 {
		return nil, stageError(StageThreads, noThreads(tres.SoftErrors))
	}
	snap.threads = tres.Threads
	if crashTID == 0 {
		crashTID = tres.Threads[0].ID
	}
	if snap.sys.Arch == format.ArchUnknown {
		snap.sys.Arch = tres.Threads[0].Context.Arch()
	}
	w.log.WithField("stage", StageThreads).WithField("count", len(tres.Threads)).Debug("captured threads")

	mres, err := modules.Enumerate(w.proc, mem, modules.Options{
		Logger:       w.log,
		UserMappings: w.opts.UserMappings,
	})
	if err != nil {
		return nil, stageError(StageModules, err)
	}
	snap.addSoft(StageModules, mres.SoftErrors...)
	snap.modules = mres

	info, err := exception.Normalize(w.crash, crashTID)
	if err != nil {
		return nil, stageError(StageException, err)
	}
	if info.TID == 0 {
		info.TID = crashTID
	}
	if info.Context == nil {
		if t := findThread(snap.threads, info.TID); t != nil {
			info.Context = t.Context
		} else {
			snap.addSoft(StageException, fmt.Errorf("exception thread %d was not captured", info.TID))
		}
	}
	snap.exception = info
	w.log.WithFields(log.Fields{
		"stage": StageException,
		"tid":   info.TID,
		"code":  fmt.Sprintf("%#x", info.Code),
	}).Debug("normalized exception")

	if w.crash != nil && info.Context != nil {
		w.captureAroundIP(snap, mem, info.Context.InstructionPointer())
	}
	for _, r := range w.extra {
		w.captureRegion(snap, mem, r)
	}

	if w.sanitize {
		w.sanitizeStacks(snap, mem)
	}

	w.readFiles(snap)
	return snap, nil
}

func noThreads(soft []error) error {
	if len(soft) == 0 {
		return errors.New("target has no threads")
	}
	return fmt.Errorf("no thread could be captured: %w", errors.Join(soft...))
}

func findThread(ts []threads.Thread, tid int) *threads.Thread {
	for i := range ts {
		if ts[i].ID == tid {
			return &ts[i]
		}
	}
	return nil
}

func (w *Writer) systemInfo(snap *snapshot) {
	snap.sys = process.SystemInfo{Arch: format.ArchUnknown, Platform: format.PlatformUnknown}
	if src, ok := w.proc.(process.SystemSource); ok {
		sys, err := src.SystemInfo()
		if err != nil {
			snap.addSoft(StageOpen, fmt.Errorf("system info: %w", err))
		}
		if err == nil || sys.Platform != 0 {
			snap.sys = sys
		}
	}
	if src, ok := w.proc.(process.TimesSource); ok {
		times, err := src.Times()
		if err != nil {
			snap.addSoft(StageOpen, fmt.Errorf("process times: %w", err))
		} else {
			snap.times, snap.haveTimes = times, true
		}
	}
}

// captureAroundIP records up to IPMemorySize bytes centered on ip, bounded
// by the mapping containing it.
func (w *Writer) captureAroundIP(snap *snapshot, mem *memory.Reader, ip uint64) {
	m, ok := process.FindMapping(snap.maps, ip)
	if !ok {
		return
	}
	start := m.Start
	if ip-m.Start > IPMemorySize/2 {
		start = ip - IPMemorySize/2
	}
	end := min(ip+IPMemorySize/2, m.End)
	data, err := mem.Read(start, int(end-start))
	if err != nil {
		snap.addSoft(StageException, fmt.Errorf("memory around instruction pointer: %w", err))
		return
	}
	snap.memory = append(snap.memory, memoryBlock{Addr: start, Data: data})
}

func (w *Writer) captureRegion(snap *snapshot, mem *memory.Reader, r MemoryRegion) {
	if r.Length <= 0 {
		snap.addSoft(StageException, fmt.Errorf("extra memory at %#x: invalid length %d", r.Addr, r.Length))
		return
	}
	data, err := mem.Read(r.Addr, r.Length)
	if err != nil {
		w.log.WithField("addr", fmt.Sprintf("%#x", r.Addr)).WithError(err).Debug("skipping extra memory")
		snap.addSoft(StageException, fmt.Errorf("extra memory: %w", err))
		return
	}
	snap.memory = append(snap.memory, memoryBlock{Addr: r.Addr, Data: data})
}

func (w *Writer) sanitizeStacks(snap *snapshot, mem *memory.Reader) {
	sanitizers := make(map[format.Arch]*sanitize.Sanitizer)
	sanitizer := func(arch format.Arch) *sanitize.Sanitizer {
		s, ok := sanitizers[arch]
		if !ok {
			s = sanitize.New(snap.maps, sanitize.Options{
				Arch:   arch,
				Strict: w.opts.StrictSanitize,
				Code:   mem,
			})
			sanitizers[arch] = s
		}
		return s
	}

	total := 0
	for i := range snap.threads {
		t := &snap.threads[i]
		if len(t.Stack) == 0 {
			continue
		}
		total += sanitizer(t.Context.Arch()).Stack(t.Stack, t.StackStart, t.Context.StackPointer())
	}

	// Captured memory that falls in a stack mapping gets the same
	// treatment, judged against the lowest stack pointer in that mapping.
	for _, st := range stackMappings(snap) {
		for _, b := range snap.memory {
			lo := max(b.Addr, st.m.Start)
			hi := min(b.Addr+uint64(len(b.Data)), st.m.End)
			if lo >= hi {
				continue
			}
			aligned := min((lo+7)&^7, hi)
			clear(b.Data[lo-b.Addr : aligned-b.Addr])
			total += sanitizer(st.arch).Stack(b.Data[aligned-b.Addr:hi-b.Addr], aligned, st.sp)
		}
	}
	w.log.WithField("defaced", total).Debug("sanitized stacks")
}

type stackMapping struct {
	m    process.Mapping
	sp   uint64
	arch format.Arch
}

// stackMappings returns the mappings holding a thread's stack pointer,
// each with the lowest stack pointer found in it.
func stackMappings(snap *snapshot) []stackMapping {
	var out []stackMapping
	for _, t := range snap.threads {
		sp := t.Context.StackPointer()
		m, ok := process.FindMapping(snap.maps, sp)
		if !ok {
			continue
		}
		found := false
		for i := range out {
			if out[i].m.Start == m.Start {
				out[i].sp = min(out[i].sp, sp)
				found = true
			}
		}
		if !found {
			out = append(out, stackMapping{m: m, sp: sp, arch: t.Context.Arch()})
		}
	}
	return out
}

func (w *Writer) readFiles(snap *snapshot) {
	src, ok := w.proc.(process.FileSource)
	if !ok {
		return
	}
	for _, f := range linuxFiles {
		data, err := src.ReadFile(f.name)
		if err != nil {
			if !errors.Is(err, process.ErrNotFound) {
				snap.addSoft(StageSerialize, fmt.Errorf("%s: %w", f.name, err))
			}
			continue
		}
		snap.files[f.typ] = data
	}
}
