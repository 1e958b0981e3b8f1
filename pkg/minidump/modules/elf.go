package modules

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	maxPhnum      = 256
	maxDynEntries = 4096
	maxNoteSize   = 64 << 10
	maxLinkMap    = 4096
	maxPathLen    = 4096
)

var (
	errNotELF       = errors.New("not a 64-bit little-endian ELF image")
	errNoLoaderList = errors.New("no loader list (DT_DEBUG absent or unset)")
	errNoBuildID    = errors.New("no build id")
)

// image is an ELF image parsed from target memory.
type image struct {
	base    uint64
	bias    uint64
	header  elf.Header64
	phdrs   []elf.Prog64
	dynamic uint64
	dynSize uint64
}

func (e *enumerator) readELFHeader(addr uint64) (elf.Header64, error) {
	var hdr elf.Header64
	buf := make([]byte, binary.Size(hdr))
	if _, err := e.mem.ReadAt(buf, int64(addr)); err != nil {
		return hdr, err
	}
	if !bytes.HasPrefix(buf, []byte(elf.ELFMAG)) ||
		elf.Class(buf[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(buf[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return hdr, fmt.Errorf("%#x: %w", addr, errNotELF)
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return hdr, err
	}
	return hdr, nil
}

func (e *enumerator) hasELFHeader(addr uint64) bool {
	_, err := e.readELFHeader(addr)
	return err == nil
}

// readImage parses the ELF and program headers of the image mapped at base.
func (e *enumerator) readImage(base uint64) (*image, error) {
	hdr, err := e.readELFHeader(base)
	if err != nil {
		return nil, err
	}
	img := &image{base: base, bias: base, header: hdr}
	if hdr.Phnum == 0 || hdr.Phnum > maxPhnum || int(hdr.Phentsize) != binary.Size(elf.Prog64{}) {
		return img, nil
	}

	buf := make([]byte, int(hdr.Phnum)*int(hdr.Phentsize))
	if _, err := e.mem.ReadAt(buf, int64(base+hdr.Phoff)); err != nil {
		return nil, fmt.Errorf("program headers at %#x: %w", base+hdr.Phoff, err)
	}
	img.phdrs = make([]elf.Prog64, hdr.Phnum)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, img.phdrs); err != nil {
		return nil, err
	}

	for _, p := range img.phdrs {
		if elf.ProgType(p.Type) == elf.PT_LOAD {
			img.bias = base - (p.Vaddr - p.Off)
			break
		}
	}
	for _, p := range img.phdrs {
		if elf.ProgType(p.Type) == elf.PT_DYNAMIC {
			img.dynamic = img.bias + p.Vaddr
			img.dynSize = p.Memsz
		}
	}
	return img, nil
}

// readDynamic returns the raw dynamic section and its decoded entries up to
// DT_NULL.
func (e *enumerator) readDynamic(img *image) ([]byte, []elf.Dyn64, error) {
	if img.dynamic == 0 {
		return nil, nil, fmt.Errorf("image at %#x has no PT_DYNAMIC", img.base)
	}
	entSize := binary.Size(elf.Dyn64{})
	size := min(int(img.dynSize), maxDynEntries*entSize)
	size -= size % entSize
	buf := make([]byte, size)
	n, err := e.mem.ReadAt(buf, int64(img.dynamic))
	if err != nil && n == 0 {
		return nil, nil, fmt.Errorf("dynamic section at %#x: %w", img.dynamic, err)
	}
	buf = buf[:n-n%entSize]

	var dyns []elf.Dyn64
	for off := 0; off < len(buf); off += entSize {
		d := elf.Dyn64{
			Tag: int64(binary.LittleEndian.Uint64(buf[off:])),
			Val: binary.LittleEndian.Uint64(buf[off+8:]),
		}
		if elf.DynTag(d.Tag) == elf.DT_NULL {
			buf = buf[:off+entSize]
			break
		}
		dyns = append(dyns, d)
	}
	return buf, dyns, nil
}

func dynValue(dyns []elf.Dyn64, tag elf.DynTag) (uint64, bool) {
	for _, d := range dyns {
		if elf.DynTag(d.Tag) == tag {
			return d.Val, true
		}
	}
	return 0, false
}

// soname reads DT_SONAME out of the image's dynamic string table.
func (e *enumerator) soname(img *image) (string, error) {
	_, dyns, err := e.readDynamic(img)
	if err != nil {
		return "", err
	}
	strtab, ok := dynValue(dyns, elf.DT_STRTAB)
	if !ok {
		return "", fmt.Errorf("image at %#x has no DT_STRTAB", img.base)
	}
	off, ok := dynValue(dyns, elf.DT_SONAME)
	if !ok {
		return "", fmt.Errorf("image at %#x has no DT_SONAME", img.base)
	}
	// The dynamic linker relocates d_ptr entries in place on most targets;
	// the vDSO and some loaders leave them link-time relative.
	if strtab < img.base {
		strtab += img.bias
	}
	return e.mem.ReadCString(strtab+off, maxPathLen)
}

// noteBuildID looks for NT_GNU_BUILD_ID in the image's PT_NOTE segments.
func (e *enumerator) noteBuildID(img *image) ([]byte, error) {
	for _, p := range img.phdrs {
		if elf.ProgType(p.Type) != elf.PT_NOTE || p.Filesz == 0 {
			continue
		}
		data, err := e.mem.Read(img.bias+p.Vaddr, min(int(p.Filesz), maxNoteSize))
		if err != nil {
			continue
		}
		if id := parseBuildIDNote(data); len(id) > 0 {
			return id, nil
		}
	}
	return nil, errNoBuildID
}

// ntGNUBuildID is the note type of NT_GNU_BUILD_ID.
const ntGNUBuildID = 3

// parseBuildIDNote scans a sequence of ELF notes for a GNU build id.
func parseBuildIDNote(data []byte) []byte {
	align4 := func(n uint32) uint64 { return (uint64(n) + 3) &^ 3 }
	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data)
		descsz := binary.LittleEndian.Uint32(data[4:])
		typ := binary.LittleEndian.Uint32(data[8:])
		data = data[12:]
		if align4(namesz) > uint64(len(data)) {
			return nil
		}
		name := data[:namesz]
		data = data[align4(namesz):]
		if uint64(descsz) > uint64(len(data)) {
			return nil
		}
		desc := data[:descsz]
		data = data[min(align4(descsz), uint64(len(data))):]
		if typ == ntGNUBuildID && string(name) == "GNU\x00" {
			return bytes.Clone(desc)
		}
	}
	return nil
}

// hashText folds the first page of a text section into 16 bytes, the
// identifier used for images without a build id.
func hashText(text []byte) []byte {
	id := make([]byte, 16)
	for i := 0; i < len(text) && i < 4096; i++ {
		id[i%16] ^= text[i]
	}
	return id
}

// rDebug is struct r_debug for 64-bit targets.
type rDebug struct {
	Version uint32
	_       uint32
	Map     uint64
	Brk     uint64
	State   uint32
	_       uint32
	LDBase  uint64
}

// linkMap is the public prefix of struct link_map.
type linkMap struct {
	Addr uint64
	Name uint64
	LD   uint64
	Next uint64
	Prev uint64
}

// walkLinkMap follows DT_DEBUG of the main executable to the dynamic
// linker's list of loaded objects.
func (e *enumerator) walkLinkMap(exec *image) (*DSODebug, error) {
	raw, dyns, err := e.readDynamic(exec)
	if err != nil {
		return nil, err
	}
	addr, ok := dynValue(dyns, elf.DT_DEBUG)
	if !ok || addr == 0 {
		return nil, errNoLoaderList
	}

	var rd rDebug
	if err := e.readStruct(addr, &rd); err != nil {
		return nil, fmt.Errorf("r_debug at %#x: %w", addr, err)
	}
	dso := &DSODebug{
		Version:  rd.Version,
		Brk:      rd.Brk,
		LDBase:   rd.LDBase,
		Dynamic:  exec.dynamic,
		DynBytes: raw,
	}

	seen := make(map[uint64]bool)
	for next := rd.Map; next != 0 && len(dso.Map) < maxLinkMap; {
		if seen[next] {
			return dso, fmt.Errorf("link_map cycle at %#x", next)
		}
		seen[next] = true
		var lm linkMap
		if err := e.readStruct(next, &lm); err != nil {
			return dso, fmt.Errorf("link_map at %#x: %w", next, err)
		}
		entry := LinkMapEntry{Addr: lm.Addr, NameRVA: lm.Name, LD: lm.LD}
		if lm.Name != 0 {
			name, err := e.mem.ReadCString(lm.Name, maxPathLen)
			if err != nil {
				e.soft(fmt.Errorf("link_map name at %#x: %w", lm.Name, err))
			}
			entry.Name = name
		}
		dso.Map = append(dso.Map, entry)
		next = lm.Next
	}
	return dso, nil
}

func (e *enumerator) readStruct(addr uint64, v any) error {
	buf := make([]byte, binary.Size(v))
	if _, err := e.mem.ReadAt(buf, int64(addr)); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}
