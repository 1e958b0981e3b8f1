package minidump

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path"

	"github.com/willibrandon/ChronoDump/pkg/minidump/container"
	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
	"github.com/willibrandon/ChronoDump/pkg/minidump/modules"
	"github.com/willibrandon/ChronoDump/pkg/process"
)

// serializer lays a snapshot out as minidump streams.
type serializer struct {
	c      *container.Writer
	snap   *snapshot
	target Target
	// memory collects the chunks listed by the memory list stream.
	memory []memoryRef
	// contexts maps a thread id to its context chunk.
	contexts map[int]container.Ref
}

type memoryRef struct {
	addr uint64
	ref  container.Ref
}

func (w *Writer) serialize(snap *snapshot) ([]byte, error) {
	s := &serializer{
		c:        container.New(),
		snap:     snap,
		target:   w.target,
		contexts: make(map[int]container.Ref),
	}
	steps := []func() error{
		s.threadList,
		s.moduleList,
		s.memoryList,
		s.exception,
		s.systemInfo,
		s.miscInfo,
		s.memoryInfoList,
		s.threadNames,
		s.breakpadInfo,
		s.linuxStreams,
		s.softErrors,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return s.c.Finalize(uint32(w.opts.Clock().Unix()), 0)
}

// list allocates a count-prefixed array of n entries of size bytes and
// returns the chunk and its contents.
func (s *serializer) list(n, size int) (container.Ref, []byte) {
	data := make([]byte, 4+n*size)
	binary.LittleEndian.PutUint32(data, uint32(n))
	return s.c.Alloc(data), data
}

func put(dst []byte, v any) error {
	b, err := format.Marshal(v)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (s *serializer) threadList() error {
	ts := s.snap.threads
	ref, data := s.list(len(ts), format.ThreadSize)
	for i, t := range ts {
		off := 4 + i*format.ThreadSize
		rec := format.Thread{
			ThreadID: uint32(t.ID),
			Stack:    format.MemoryDescriptor{StartOfMemoryRange: t.StackStart},
		}
		if err := put(data[off:], &rec); err != nil {
			return err
		}

		ctx, err := t.Context.MarshalBinary()
		if err != nil {
			return fmt.Errorf("context of thread %d: %w", t.ID, err)
		}
		ctxRef := s.c.Alloc(ctx)
		s.contexts[t.ID] = ctxRef
		s.c.PatchLocation(ref, off+format.ThreadContextOff, ctxRef)

		if len(t.Stack) > 0 {
			stack := s.c.Alloc(t.Stack)
			s.c.PatchLocation(ref, off+format.ThreadStackLocationOff, stack)
			s.memory = append(s.memory, memoryRef{addr: t.StackStart, ref: stack})
		}
	}
	s.c.AddStream(format.ThreadListStream, ref)
	return nil
}

func (s *serializer) moduleList() error {
	mods := s.snap.modules.Modules
	ref, data := s.list(len(mods), format.ModuleSize)
	for i, m := range mods {
		off := 4 + i*format.ModuleSize
		rec := format.Module{
			BaseOfImage: m.Base,
			SizeOfImage: uint32(m.Size),
		}
		if m.HasVersion {
			rec.VersionInfo = format.VSFixedFileInfo{
				Signature:        format.VSFixedFileInfoSignature,
				StrucVersion:     0x10000,
				FileVersionHi:    m.VersionHi,
				FileVersionLo:    m.VersionLo,
				ProductVersionHi: m.VersionHi,
				ProductVersionLo: m.VersionLo,
			}
		}
		if err := put(data[off:], &rec); err != nil {
			return err
		}

		name := s.c.AllocString(m.Name())
		s.c.PatchRVA(ref, off+format.ModuleNameRVAOff, name)
		if cv := cvRecord(m); cv != nil {
			s.c.PatchLocation(ref, off+format.ModuleCvRecordOff, s.c.AllocAligned(cv, 4))
		}
	}
	s.c.AddStream(format.ModuleListStream, ref)
	return nil
}

// cvRecord returns the CodeView record identifying m, or nil when m has no
// build id.
func cvRecord(m modules.Module) []byte {
	if len(m.BuildID) == 0 {
		return nil
	}
	if m.Format == modules.FormatMachO && len(m.BuildID) == 16 {
		// RSDS: signature, GUID, age, file name.
		name := path.Base(m.Name())
		cv := make([]byte, 24, 24+len(name)+1)
		binary.LittleEndian.PutUint32(cv, format.CVSignaturePDB70)
		// The GUID's leading fields are stored little-endian while a
		// Mach-O UUID is a byte string.
		id := m.BuildID
		binary.LittleEndian.PutUint32(cv[4:], binary.BigEndian.Uint32(id[0:]))
		binary.LittleEndian.PutUint16(cv[8:], binary.BigEndian.Uint16(id[4:]))
		binary.LittleEndian.PutUint16(cv[10:], binary.BigEndian.Uint16(id[6:]))
		copy(cv[12:20], id[8:])
		cv = append(cv, name...)
		return append(cv, 0)
	}
	cv := make([]byte, 4, 4+len(m.BuildID))
	binary.LittleEndian.PutUint32(cv, format.CVSignatureELF)
	return append(cv, m.BuildID...)
}

func (s *serializer) memoryList() error {
	for _, b := range s.snap.memory {
		s.memory = append(s.memory, memoryRef{addr: b.Addr, ref: s.c.Alloc(b.Data)})
	}
	ref, data := s.list(len(s.memory), format.MemoryDescriptorSize)
	for i, m := range s.memory {
		off := 4 + i*format.MemoryDescriptorSize
		binary.LittleEndian.PutUint64(data[off:], m.addr)
		s.c.PatchLocation(ref, off+8, m.ref)
	}
	s.c.AddStream(format.MemoryListStream, ref)
	return nil
}

func (s *serializer) exception() error {
	info := s.snap.exception
	rec := format.ExceptionStreamData{
		ThreadID: uint32(info.TID),
		ExceptionRecord: format.ExceptionRecord{
			ExceptionCode:    info.Code,
			ExceptionFlags:   info.Flags,
			ExceptionRecord:  info.Record,
			ExceptionAddress: info.Address,
			NumberParameters: uint32(len(info.Params)),
		},
	}
	copy(rec.ExceptionRecord.ExceptionInformation[:], info.Params)
	ref, err := s.c.AllocValue(&rec)
	if err != nil {
		return err
	}

	if info.Context != nil {
		ctxRef, ok := s.contexts[info.TID]
		if t := findThread(s.snap.threads, info.TID); !ok || t == nil || t.Context != info.Context {
			data, err := info.Context.MarshalBinary()
			if err != nil {
				return fmt.Errorf("exception context: %w", err)
			}
			ctxRef = s.c.Alloc(data)
		}
		s.c.PatchLocation(ref, format.ExceptionStreamContextOff, ctxRef)
	}
	s.c.AddStream(format.ExceptionStream, ref)
	return nil
}

func (s *serializer) systemInfo() error {
	sys := s.snap.sys
	rec := format.SystemInfo{
		ProcessorArchitecture: sys.Arch,
		ProcessorLevel:        uint16(sys.CPUFamily),
		ProcessorRevision:     uint16(sys.CPUModel<<8 | sys.CPUStepping&0xff),
		NumberOfProcessors:    uint8(min(sys.CPUCount, 255)),
		MajorVersion:          sys.MajorVersion,
		MinorVersion:          sys.MinorVersion,
		BuildNumber:           sys.BuildNumber,
		PlatformID:            sys.Platform,
	}
	if sys.Arch == format.ArchX86 || sys.Arch == format.ArchAMD64 {
		var cpu format.X86CPUInfo
		var vendor [12]byte
		copy(vendor[:], sys.CPUVendor)
		for i := range cpu.VendorID {
			cpu.VendorID[i] = binary.LittleEndian.Uint32(vendor[4*i:])
		}
		cpu.VersionInformation = cpuidVersion(sys.CPUFamily, sys.CPUModel, sys.CPUStepping)
		if err := put(rec.CPU[:], &cpu); err != nil {
			return err
		}
	}
	ref, err := s.c.AllocValue(&rec)
	if err != nil {
		return err
	}
	s.c.PatchRVA(ref, format.SystemInfoCSDVersionOff, s.c.AllocString(sys.OSDescription))
	s.c.AddStream(format.SystemInfoStream, ref)
	return nil
}

// cpuidVersion packs the display family, model and stepping reported by
// /proc/cpuinfo back into the layout of CPUID leaf 1 EAX.
func cpuidVersion(family, model, stepping uint32) uint32 {
	v := stepping&0xf | (model&0xf)<<4 | min(family, 0xf)<<8
	if family >= 0xf {
		v |= (family - 0xf) & 0xff << 20
	}
	if family == 6 || family >= 0xf {
		v |= (model >> 4) & 0xf << 16
	}
	return v
}

func (s *serializer) miscInfo() error {
	rec := format.MiscInfo{
		SizeOfInfo: 24,
		Flags1:     format.MiscInfoProcessID,
		ProcessID:  uint32(s.target.PID),
	}
	if s.snap.haveTimes {
		t := s.snap.times
		rec.Flags1 |= format.MiscInfoProcessTimes
		rec.ProcessCreateTime = uint32(t.Start.Unix())
		rec.ProcessUserTime = uint32(t.User.Seconds())
		rec.ProcessKernelTime = uint32(t.Kernel.Seconds())
	}
	ref, err := s.c.AllocValue(&rec)
	if err != nil {
		return err
	}
	s.c.AddStream(format.MiscInfoStream, ref)
	return nil
}

const (
	memoryInfoHeaderSize = 16
	memoryInfoSize       = 48
)

func (s *serializer) memoryInfoList() error {
	maps := s.snap.maps
	data := make([]byte, memoryInfoHeaderSize+len(maps)*memoryInfoSize)
	hdr := format.MemoryInfoListHeader{
		SizeOfHeader:    memoryInfoHeaderSize,
		SizeOfEntry:     memoryInfoSize,
		NumberOfEntries: uint64(len(maps)),
	}
	if err := put(data, &hdr); err != nil {
		return err
	}
	for i, m := range maps {
		protect := protection(m.Perms)
		info := format.MemoryInfo{
			BaseAddress:       m.Start,
			AllocationBase:    m.Start,
			AllocationProtect: protect,
			RegionSize:        m.Size(),
			State:             format.MemCommit,
			Protect:           protect,
			Type:              memoryType(m),
		}
		if err := put(data[memoryInfoHeaderSize+i*memoryInfoSize:], &info); err != nil {
			return err
		}
	}
	s.c.AddStream(format.MemoryInfoListStream, s.c.Alloc(data))
	return nil
}

func protection(p process.Perms) uint32 {
	r, w, x := p&process.PermRead != 0, p&process.PermWrite != 0, p&process.PermExec != 0
	switch {
	case x && w:
		return format.PageExecuteReadWrite
	case x && r:
		return format.PageExecuteRead
	case x:
		return format.PageExecute
	case w:
		return format.PageReadWrite
	case r:
		return format.PageReadOnly
	}
	return format.PageNoAccess
}

func memoryType(m process.Mapping) uint32 {
	switch {
	case len(m.Path) > 0 && m.Path[0] == '/':
		return format.MemImage
	case m.Perms&process.PermPrivate == 0:
		return format.MemMapped
	}
	return format.MemPrivate
}

func (s *serializer) threadNames() error {
	var named []int
	for i, t := range s.snap.threads {
		if t.Name != "" {
			named = append(named, i)
		}
	}
	if len(named) == 0 {
		return nil
	}
	ref, data := s.list(len(named), format.ThreadNameSize)
	for i, idx := range named {
		t := s.snap.threads[idx]
		off := 4 + i*format.ThreadNameSize
		binary.LittleEndian.PutUint32(data[off:], uint32(t.ID))
		s.c.PatchRVA64(ref, off+format.ThreadNameRVAOff, s.c.AllocString(t.Name))
	}
	s.c.AddStream(format.ThreadNamesStream, ref)
	return nil
}

func (s *serializer) breakpadInfo() error {
	rec := format.BreakpadInfo{
		Validity:           format.BreakpadInfoRequestingThreadValid,
		RequestingThreadID: uint32(s.snap.exception.TID),
	}
	if s.target.HandlerTID != 0 {
		rec.Validity |= format.BreakpadInfoDumpThreadValid
		rec.DumpThreadID = uint32(s.target.HandlerTID)
	}
	ref, err := s.c.AllocValue(&rec)
	if err != nil {
		return err
	}
	s.c.AddStream(format.BreakpadInfoStream, ref)
	return nil
}

func (s *serializer) linuxStreams() error {
	for _, f := range linuxFiles {
		if f.typ == format.MozLinuxLimits {
			if err := s.dsoDebug(); err != nil {
				return err
			}
		}
		if data, ok := s.snap.files[f.typ]; ok {
			s.c.AddStream(f.typ, s.c.Alloc(data))
		}
	}
	return nil
}

func (s *serializer) dsoDebug() error {
	d := s.snap.modules.DSO
	if d == nil {
		return nil
	}
	maps := make([]byte, len(d.Map)*format.LinkMap64Size)
	mapRef := s.c.Alloc(maps)
	for i, e := range d.Map {
		off := i * format.LinkMap64Size
		if err := put(maps[off:], &format.LinkMap64{Addr: e.Addr, Ld: e.LD}); err != nil {
			return err
		}
		s.c.PatchRVA(mapRef, off+format.LinkMap64NameOff, s.c.AllocString(e.Name))
	}

	data, err := format.Marshal(&format.Debug64{
		Version:  d.Version,
		DSOCount: uint32(len(d.Map)),
		Brk:      d.Brk,
		LdBase:   d.LDBase,
		Dynamic:  d.Dynamic,
	})
	if err != nil {
		return err
	}
	ref := s.c.Alloc(append(data, d.DynBytes...))
	if len(d.Map) > 0 {
		s.c.PatchRVA(ref, format.Debug64MapOff, mapRef)
	}
	s.c.AddStream(format.LinuxDSODebug, ref)
	return nil
}

// softErrors writes the JSON list of non-fatal errors. It is always the
// last stream and the last chunk of the file.
func (s *serializer) softErrors() error {
	list := s.snap.soft
	if list == nil {
		list = []softError{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	s.c.AddStream(format.MozSoftErrors, s.c.Alloc(data))
	return nil
}
