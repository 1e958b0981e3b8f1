package minidump

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/willibrandon/ChronoDump/pkg/minidump/container"
	"github.com/willibrandon/ChronoDump/pkg/minidump/exception"
	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
	"github.com/willibrandon/ChronoDump/pkg/minidump/memory"
	"github.com/willibrandon/ChronoDump/pkg/minidump/modules"
	"github.com/willibrandon/ChronoDump/pkg/minidump/sanitize"
	"github.com/willibrandon/ChronoDump/pkg/process"
)

const (
	testPID   = 4242
	textBase  = 0x400000
	textSize  = 0x2000
	stackBase = 0x7f0000000000
	stackSize = 0x4000
)

// stackOf returns the base of the stack mapping of thread tid.
func stackOf(tid int) uint64 {
	return stackBase + uint64(tid)*0x100000
}

// spOf returns the stack pointer of thread tid.
func spOf(tid int) uint64 {
	return stackOf(tid) + 0x3000
}

// fakeTarget returns a process with an executable mapping and n threads
// numbered from 1, each with its own stack mapping.
func fakeTarget(n int) *process.Fake {
	p := process.NewFake(testPID)
	p.AddMemory(textBase, make([]byte, textSize), process.PermRead|process.PermExec|process.PermPrivate, "/nonexistent/app")
	for tid := 1; tid <= n; tid++ {
		p.AddMemory(stackOf(tid), make([]byte, stackSize), process.PermRead|process.PermWrite|process.PermPrivate, "[stack]")
		p.AddThread(tid, spOf(tid), textBase+0x100)
	}
	return p
}

func fixedClock() time.Time {
	return time.Unix(1700000000, 0)
}

func newWriter(t *testing.T, p process.Process, target Target, opts ...Option) *Writer {
	t.Helper()
	opts = append([]Option{WithProcess(p), WithClock(fixedClock)}, opts...)
	w, err := Create(target, opts...)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return w
}

func dump(t *testing.T, w *Writer) *container.File {
	t.Helper()
	var buf bytes.Buffer
	if err := w.Dump(&buf); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	f, err := container.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return f
}

func stream(t *testing.T, f *container.File, typ format.StreamType) []byte {
	t.Helper()
	s, ok := f.Stream(typ)
	if !ok {
		t.Fatalf("no %s stream", typ)
	}
	return s.Data
}

func location(data []byte) format.Location {
	return format.Location{
		DataSize: binary.LittleEndian.Uint32(data),
		RVA:      binary.LittleEndian.Uint32(data[4:]),
	}
}

type threadRecord struct {
	ID      uint32
	Start   uint64
	Stack   format.Location
	Context format.Location
}

func threadList(t *testing.T, f *container.File) []threadRecord {
	t.Helper()
	data := stream(t, f, format.ThreadListStream)
	n := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+n*format.ThreadSize {
		t.Fatalf("thread list is %d bytes for %d threads", len(data), n)
	}
	var out []threadRecord
	for i := 0; i < n; i++ {
		rec := data[4+i*format.ThreadSize:]
		out = append(out, threadRecord{
			ID:      binary.LittleEndian.Uint32(rec),
			Start:   binary.LittleEndian.Uint64(rec[24:]),
			Stack:   location(rec[format.ThreadStackLocationOff:]),
			Context: location(rec[format.ThreadContextOff:]),
		})
	}
	return out
}

func exceptionStream(t *testing.T, f *container.File) format.ExceptionStreamData {
	t.Helper()
	var rec format.ExceptionStreamData
	if err := format.Unmarshal(stream(t, f, format.ExceptionStream), &rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func memoryList(t *testing.T, f *container.File) map[uint64][]byte {
	t.Helper()
	data := stream(t, f, format.MemoryListStream)
	n := int(binary.LittleEndian.Uint32(data))
	out := make(map[uint64][]byte)
	for i := 0; i < n; i++ {
		rec := data[4+i*format.MemoryDescriptorSize:]
		b, err := f.Slice(location(rec[8:]))
		if err != nil {
			t.Fatal(err)
		}
		out[binary.LittleEndian.Uint64(rec)] = b
	}
	return out
}

func softErrors(t *testing.T, f *container.File) []softError {
	t.Helper()
	var list []softError
	if err := json.Unmarshal(stream(t, f, format.MozSoftErrors), &list); err != nil {
		t.Fatalf("soft errors: %v", err)
	}
	return list
}

func TestVoluntaryDump(t *testing.T) {
	p := fakeTarget(1)
	f := dump(t, newWriter(t, p, Target{PID: testPID}))

	if len(f.Streams) < 4 {
		t.Fatalf("got %d streams, want at least 4", len(f.Streams))
	}
	rec := exceptionStream(t, f)
	if rec.ExceptionRecord.ExceptionCode != format.ExceptionCodeDumpRequested {
		t.Errorf("exception code %#x, want %#x", rec.ExceptionRecord.ExceptionCode, format.ExceptionCodeDumpRequested)
	}
	if rec.ThreadID != 1 {
		t.Errorf("exception thread %d, want 1", rec.ThreadID)
	}
	if ts := threadList(t, f); len(ts) != 1 || ts[0].ID != 1 {
		t.Errorf("threads = %+v", ts)
	}
	if got := f.Header.TimeDateStamp; got != uint32(fixedClock().Unix()) {
		t.Errorf("timestamp %d", got)
	}
	if u := p.Unbalanced(); len(u) != 0 {
		t.Errorf("unbalanced suspend/resume for threads %v", u)
	}
}

func TestStreamOrder(t *testing.T) {
	p := fakeTarget(2)
	p.ThreadList[1].Name = "worker"
	p.Files["cpuinfo"] = []byte("processor\t: 0\n")
	p.Files["maps"] = []byte("00400000-00402000 r-xp 00000000 00:00 0 /nonexistent/app\n")
	p.Files["limits"] = []byte("Limit Soft Limit Hard Limit Units\n")
	f := dump(t, newWriter(t, p, Target{PID: testPID}))

	want := []format.StreamType{
		format.ThreadListStream,
		format.ModuleListStream,
		format.MemoryListStream,
		format.ExceptionStream,
		format.SystemInfoStream,
		format.MiscInfoStream,
		format.MemoryInfoListStream,
		format.ThreadNamesStream,
		format.BreakpadInfoStream,
		format.LinuxCPUInfo,
		format.LinuxMaps,
		format.MozLinuxLimits,
		format.MozSoftErrors,
	}
	if len(f.Streams) != len(want) {
		t.Fatalf("got %d streams, want %d", len(f.Streams), len(want))
	}
	for i, s := range f.Streams {
		if s.Type != want[i] {
			t.Errorf("stream %d is %s, want %s", i, s.Type, want[i])
		}
	}
	if got := stream(t, f, format.LinuxCPUInfo); !bytes.Equal(got, p.Files["cpuinfo"]) {
		t.Errorf("cpuinfo = %q", got)
	}

	last := f.Streams[len(f.Streams)-1]
	if end := int(last.Location.RVA + last.Location.DataSize); end != len(f.Bytes()) {
		t.Errorf("soft error stream ends at %d, file is %d bytes", end, len(f.Bytes()))
	}
}

func TestCrashDump(t *testing.T) {
	const code = 0xc0000005
	p := fakeTarget(3)
	ctx := &format.AMD64{ContextFlags: format.ContextAMD64Full, Rsp: spOf(2), Rip: textBase + 0x200}
	w := newWriter(t, p, Target{PID: testPID})
	if err := w.SetCrashContext(&exception.StructuredExceptionContext{
		TID:     2,
		Code:    code,
		Addr:    0xdead,
		Context: ctx,
	}); err != nil {
		t.Fatal(err)
	}
	f := dump(t, w)

	rec := exceptionStream(t, f)
	if rec.ThreadID != 2 {
		t.Errorf("exception thread %d, want 2", rec.ThreadID)
	}
	if rec.ExceptionRecord.ExceptionCode != code {
		t.Errorf("exception code %#x, want %#x", rec.ExceptionRecord.ExceptionCode, code)
	}
	if rec.ExceptionRecord.ExceptionAddress != 0xdead {
		t.Errorf("exception address %#x", rec.ExceptionRecord.ExceptionAddress)
	}

	ts := threadList(t, f)
	if len(ts) != 3 {
		t.Fatalf("got %d threads, want 3", len(ts))
	}
	for _, th := range ts {
		data, err := f.Slice(th.Context)
		if err != nil {
			t.Fatalf("thread %d context: %v", th.ID, err)
		}
		if len(data) != format.AMD64ContextSize {
			t.Errorf("thread %d context is %d bytes", th.ID, len(data))
		}
		if th.ID == 2 {
			if th.Context != rec.ThreadContext {
				t.Errorf("exception context %+v, thread context %+v", rec.ThreadContext, th.Context)
			}
			rip := binary.LittleEndian.Uint64(data[format.AMD64RipOff:])
			if rip != ctx.Rip {
				t.Errorf("thread 2 rip %#x, want crash context %#x", rip, ctx.Rip)
			}
		}
	}

	mem := memoryList(t, f)
	around, ok := mem[ctx.Rip-IPMemorySize/2]
	if !ok || len(around) != IPMemorySize {
		t.Errorf("memory around instruction pointer: found %v, %d bytes", ok, len(around))
	}
	if u := p.Unbalanced(); len(u) != 0 {
		t.Errorf("unbalanced suspend/resume for threads %v", u)
	}
}

func TestExceptionParameters(t *testing.T) {
	for _, k := range []int{0, 1, 2, format.MaxExceptionParameters} {
		t.Run("", func(t *testing.T) {
			params := make([]uint64, k)
			for i := range params {
				params[i] = uint64(0x1000 + i)
			}
			w := newWriter(t, fakeTarget(1), Target{PID: testPID})
			if err := w.SetCrashContext(&exception.SignalContext{TID: 1, Signo: 11, Params: params}); err != nil {
				t.Fatal(err)
			}
			rec := exceptionStream(t, dump(t, w)).ExceptionRecord
			if int(rec.NumberParameters) != k {
				t.Fatalf("got %d parameters, want %d", rec.NumberParameters, k)
			}
			for i, v := range params {
				if rec.ExceptionInformation[i] != v {
					t.Errorf("parameter %d = %#x, want %#x", i, rec.ExceptionInformation[i], v)
				}
			}
		})
	}

	w := newWriter(t, fakeTarget(1), Target{PID: testPID})
	err := w.SetCrashContext(&exception.SignalContext{TID: 1, Params: make([]uint64, format.MaxExceptionParameters+1)})
	if !errors.Is(err, exception.ErrTooManyParameters) {
		t.Errorf("err = %v, want ErrTooManyParameters", err)
	}
}

func TestWrappedMachException(t *testing.T) {
	w := newWriter(t, fakeTarget(1), Target{PID: testPID})
	err := w.SetCrashContext(&exception.MachExceptionContext{
		TID:           1,
		MachException: exception.MachException{Kind: exception.ExcCrash},
		Inner: &exception.MachException{
			Kind:       exception.ExcBadAccess,
			Code:       1,
			Subcode:    0xbad0,
			HasSubcode: true,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := exceptionStream(t, dump(t, w)).ExceptionRecord
	if rec.ExceptionCode != exception.ExcBadAccess {
		t.Errorf("exception code %d, want %d", rec.ExceptionCode, exception.ExcBadAccess)
	}
	if rec.ExceptionAddress != 0xbad0 {
		t.Errorf("exception address %#x, want 0xbad0", rec.ExceptionAddress)
	}
}

func TestDeterministicOutput(t *testing.T) {
	w := newWriter(t, fakeTarget(2), Target{PID: testPID})
	var a, b bytes.Buffer
	if err := w.Dump(&a); err != nil {
		t.Fatal(err)
	}
	if err := w.Dump(&b); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("repeated dumps differ")
	}
}

func TestReadCap(t *testing.T) {
	const limit = 64
	p := fakeTarget(1)
	w := newWriter(t, p, Target{PID: testPID}, WithMemoryOptions(memory.Options{MaxReadSize: limit}))
	w.SetExtraMemory(MemoryRegion{Addr: stackOf(1), Length: 256})
	f := dump(t, w)

	got, ok := memoryList(t, f)[stackOf(1)]
	if !ok {
		t.Fatal("extra region missing from memory list")
	}
	if len(got) != limit {
		t.Errorf("captured %d bytes, want %d", len(got), limit)
	}
	if ts := threadList(t, f); ts[0].Stack.DataSize != limit {
		t.Errorf("stack location records %d bytes, want %d", ts[0].Stack.DataSize, limit)
	}
}

func TestUnreadableExtraMemory(t *testing.T) {
	w := newWriter(t, fakeTarget(1), Target{PID: testPID})
	w.SetExtraMemory(MemoryRegion{Addr: 0x10, Length: 32}, MemoryRegion{Addr: textBase, Length: 16})
	f := dump(t, w)

	if _, ok := memoryList(t, f)[textBase]; !ok {
		t.Error("readable region missing")
	}
	var found bool
	for _, e := range softErrors(t, f) {
		if e.Stage == StageException {
			found = true
		}
	}
	if !found {
		t.Error("unreadable region did not produce a soft error")
	}
}

func TestModuleList(t *testing.T) {
	buildID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	w := newWriter(t, fakeTarget(1), Target{PID: testPID}, WithUserMapping(modules.UserMapping{
		Start:   0x900000,
		Size:    0x3000,
		Path:    "/opt/jit/code.so",
		BuildID: buildID,
	}))
	f := dump(t, w)

	data := stream(t, f, format.ModuleListStream)
	n := int(binary.LittleEndian.Uint32(data))
	names := make(map[string]uint64)
	for i := 0; i < n; i++ {
		rec := data[4+i*format.ModuleSize:]
		base := binary.LittleEndian.Uint64(rec)
		name, err := f.String(uint64(binary.LittleEndian.Uint32(rec[format.ModuleNameRVAOff:])))
		if err != nil {
			t.Fatal(err)
		}
		names[name] = base
		if name != "/opt/jit/code.so" {
			continue
		}
		cv, err := f.Slice(location(rec[format.ModuleCvRecordOff:]))
		if err != nil {
			t.Fatal(err)
		}
		if sig := binary.LittleEndian.Uint32(cv); sig != format.CVSignatureELF {
			t.Errorf("cv signature %#x", sig)
		}
		if !bytes.Equal(cv[4:], buildID) {
			t.Errorf("cv build id %x", cv[4:])
		}
	}
	if base, ok := names["/nonexistent/app"]; !ok || base != textBase {
		t.Errorf("executable module: %v at %#x", ok, base)
	}
	if base := names["/opt/jit/code.so"]; base != 0x900000 {
		t.Errorf("user mapping at %#x", base)
	}
}

func TestCVRecordMachO(t *testing.T) {
	uuid := []byte{
		0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	}
	cv := cvRecord(modules.Module{Path: "/usr/lib/libfoo.dylib", BuildID: uuid, Format: modules.FormatMachO})
	if sig := binary.LittleEndian.Uint32(cv); sig != format.CVSignaturePDB70 {
		t.Fatalf("signature %#x", sig)
	}
	if got := binary.LittleEndian.Uint32(cv[4:]); got != 0x00112233 {
		t.Errorf("guid data1 %#x", got)
	}
	if !bytes.Equal(cv[12:20], uuid[8:]) {
		t.Errorf("guid data4 %x", cv[12:20])
	}
	if name := string(cv[24:]); name != "libfoo.dylib\x00" {
		t.Errorf("name %q", name)
	}
	if cvRecord(modules.Module{Path: "/lib/x.so"}) != nil {
		t.Error("module without build id has a cv record")
	}
}

func TestSanitizeStack(t *testing.T) {
	const garbage = 0x1122334455667788
	p := fakeTarget(1)
	stack := p.Regions[1].Data
	binary.LittleEndian.PutUint64(stack[0x2ff8:], garbage) // below sp
	binary.LittleEndian.PutUint64(stack[0x3000:], garbage)
	binary.LittleEndian.PutUint64(stack[0x3008:], textBase+0x10)
	binary.LittleEndian.PutUint64(stack[0x3010:], 7)

	w := newWriter(t, p, Target{PID: testPID})
	w.SanitizeStack()
	f := dump(t, w)

	th := threadList(t, f)[0]
	data, err := f.Slice(th.Stack)
	if err != nil {
		t.Fatal(err)
	}
	off := int(spOf(1) - th.Start)
	want := []uint64{0, sanitize.Defaced, textBase + 0x10, 7}
	for i, v := range want {
		if got := binary.LittleEndian.Uint64(data[off-8+8*i:]); got != v {
			t.Errorf("word %d = %#x, want %#x", i, got, v)
		}
	}
}

func TestSanitizeCapturedMemory(t *testing.T) {
	const (
		garbage = 0x1122334455667788
		heap    = 0x10000000
	)
	le := binary.LittleEndian
	p := fakeTarget(1)
	stack := p.Regions[1].Data
	le.PutUint64(stack[0x2ff8:], garbage) // below sp
	le.PutUint64(stack[0x3000:], garbage)
	le.PutUint64(stack[0x3008:], textBase+0x10)
	le.PutUint64(stack[0x3010:], 7)
	heapData := make([]byte, 0x1000)
	le.PutUint64(heapData[0x10:], garbage)
	p.AddMemory(heap, heapData, process.PermRead|process.PermWrite|process.PermPrivate, "")

	sp := spOf(1)
	w := newWriter(t, p, Target{PID: testPID})
	w.SetExtraMemory(
		MemoryRegion{Addr: sp - 8, Length: 0x20},
		MemoryRegion{Addr: sp + 4, Length: 0x14},
		MemoryRegion{Addr: heap, Length: 0x20},
	)
	w.SanitizeStack()
	blocks := memoryList(t, dump(t, w))

	tests := []struct {
		name string
		addr uint64
		want []uint64
	}{
		{"around sp", sp - 8, []uint64{0, sanitize.Defaced, textBase + 0x10, 7}},
		// The partial word at sp+4 is cleared.
		{"unaligned", sp + 4, []uint64{(textBase + 0x10) << 32, 7 << 32}},
		{"outside stacks", heap, []uint64{0, 0, garbage, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, ok := blocks[tt.addr]
			if !ok {
				t.Fatalf("no memory block at %#x", tt.addr)
			}
			for i, v := range tt.want {
				if got := le.Uint64(data[8*i:]); got != v {
					t.Errorf("word %d = %#x, want %#x", i, got, v)
				}
			}
		})
	}
}

func TestFailures(t *testing.T) {
	t.Run("all threads gone", func(t *testing.T) {
		p := fakeTarget(2)
		for _, th := range p.ThreadList {
			th.SuspendErr = process.ErrNoSuchThread
		}
		var buf bytes.Buffer
		err := newWriter(t, p, Target{PID: testPID}).Dump(&buf)
		var de *DumpError
		if !errors.As(err, &de) || de.Stage != StageThreads {
			t.Fatalf("err = %v, want threads stage DumpError", err)
		}
		if !errors.Is(err, ErrTargetGone) {
			t.Errorf("err = %v, want ErrTargetGone", err)
		}
		if buf.Len() != 0 {
			t.Errorf("wrote %d bytes on failure", buf.Len())
		}
	})

	t.Run("one thread gone", func(t *testing.T) {
		p := fakeTarget(3)
		p.ThreadList[1].SuspendErr = process.ErrNoSuchThread
		f := dump(t, newWriter(t, p, Target{PID: testPID}))
		if ts := threadList(t, f); len(ts) != 2 {
			t.Errorf("got %d threads, want 2", len(ts))
		}
		if len(softErrors(t, f)) == 0 {
			t.Error("skipped thread did not produce a soft error")
		}
		if u := p.Unbalanced(); len(u) != 0 {
			t.Errorf("unbalanced threads %v", u)
		}
	})

	t.Run("resume", func(t *testing.T) {
		p := fakeTarget(2)
		p.ThreadList[1].ResumeErr = process.ErrNoSuchThread
		var buf bytes.Buffer
		err := newWriter(t, p, Target{PID: testPID}).Dump(&buf)
		var de *DumpError
		if !errors.As(err, &de) || de.Stage != StageResume {
			t.Fatalf("err = %v, want resume stage DumpError", err)
		}
		if buf.Len() != 0 {
			t.Errorf("wrote %d bytes on failure", buf.Len())
		}
		for _, th := range p.ThreadList {
			if p.Resumed[th.ID] != 1 {
				t.Errorf("thread %d resumed %d times", th.ID, p.Resumed[th.ID])
			}
		}
	})

	t.Run("sink", func(t *testing.T) {
		p := fakeTarget(2)
		err := newWriter(t, p, Target{PID: testPID}).Dump(failingWriter{})
		if !errors.Is(err, ErrSinkIO) {
			t.Errorf("err = %v, want ErrSinkIO", err)
		}
		if u := p.Unbalanced(); len(u) != 0 {
			t.Errorf("unbalanced threads %v", u)
		}
	})

	t.Run("closed", func(t *testing.T) {
		w := newWriter(t, fakeTarget(1), Target{PID: testPID})
		w.proc = nil
		if err := w.Dump(&bytes.Buffer{}); !errors.Is(err, ErrInternal) {
			t.Errorf("err = %v, want ErrInternal", err)
		}
	})
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestCreateInvalidPID(t *testing.T) {
	_, err := Create(Target{PID: -1})
	var de *DumpError
	if !errors.As(err, &de) || de.Stage != StageOpen {
		t.Fatalf("err = %v, want open stage DumpError", err)
	}
	if !errors.Is(err, ErrTargetGone) {
		t.Errorf("err = %v, want ErrTargetGone", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{process.ErrNoSuchProcess, KindTargetGone},
		{process.ErrNoSuchThread, KindTargetGone},
		{process.ErrPermission, KindPermissionDenied},
		{process.ErrUnsupported, KindUnsupported},
		{container.ErrTooLarge, KindInternal},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCPUIDVersion(t *testing.T) {
	tests := []struct {
		name                    string
		family, model, stepping uint32
		want                    uint32
	}{
		{"skylake", 6, 0x5e, 3, 0x000506e3},
		{"zen2", 0x17, 0x31, 0, 0x00830f10},
		{"zen4", 0x19, 0x61, 2, 0x00a60f12},
		{"netburst", 0xf, 2, 9, 0x00000f29},
		{"pentium", 5, 2, 0xc, 0x0000052c},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cpuidVersion(tt.family, tt.model, tt.stepping); got != tt.want {
				t.Errorf("cpuidVersion(%d, %d, %d) = %#08x, want %#08x", tt.family, tt.model, tt.stepping, got, tt.want)
			}
		})
	}
}
