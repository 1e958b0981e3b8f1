package modules

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/willibrandon/ChronoDump/pkg/process"
)

// Load commands not named by debug/macho.
const (
	lcIDDylib = 0xd
	lcUUID    = 0x1b
)

const (
	machHeader64Size = 32
	maxLoadCmdsSize  = 1 << 20
	imageInfoSize    = 24
	maxImages        = 8192
)

var errNotMachO = errors.New("not a 64-bit Mach-O image")

// allImageInfos is the prefix of struct dyld_all_image_infos.
type allImageInfos struct {
	Version              uint32
	InfoArrayCount       uint32
	InfoArray            uint64
	Notification         uint64
	ProcessDetached      uint8
	LibSystemInitialized uint8
	_                    [6]byte
	DyldImageLoadAddress uint64
}

// imageInfo is struct dyld_image_info.
type imageInfo struct {
	LoadAddress uint64
	FilePath    uint64
	ModDate     uint64
}

// machImage is what the module list needs from a Mach-O header.
type machImage struct {
	fileType   macho.Type
	base       uint64
	size       uint64
	uuid       []byte
	version    uint32
	hasVersion bool
}

// enumerateDyld walks dyld_all_image_infos.
func (e *enumerator) enumerateDyld(info process.LoaderInfo) {
	var all allImageInfos
	if err := e.readStruct(info.DyldInfoAddr, &all); err != nil {
		e.soft(fmt.Errorf("dyld_all_image_infos at %#x: %w", info.DyldInfoAddr, err))
		return
	}
	count := min(int(all.InfoArrayCount), maxImages)
	var images []imageInfo
	if all.InfoArray != 0 && count > 0 {
		buf := make([]byte, count*imageInfoSize)
		if _, err := e.mem.ReadAt(buf, int64(all.InfoArray)); err != nil {
			e.soft(fmt.Errorf("dyld image array at %#x: %w", all.InfoArray, err))
		} else {
			images = make([]imageInfo, count)
			if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, images); err != nil {
				e.soft(err)
				images = nil
			}
		}
	}

	seen := make(map[uint64]bool)
	var mods []Module
	for _, img := range images {
		if seen[img.LoadAddress] {
			continue
		}
		seen[img.LoadAddress] = true
		mod, err := e.machModule(img.LoadAddress, img.FilePath)
		if err != nil {
			e.soft(fmt.Errorf("image at %#x: %w", img.LoadAddress, err))
			continue
		}
		mods = append(mods, mod)
	}

	// dyld does not list itself in infoArray.
	if ld := all.DyldImageLoadAddress; ld != 0 && !seen[ld] {
		if mod, err := e.machModule(ld, 0); err == nil {
			if mod.Path == "" {
				mod.Path = "/usr/lib/dyld"
			}
			mod.Kind = KindDynamicLinker
			mods = append(mods, mod)
		} else {
			e.soft(fmt.Errorf("dyld at %#x: %w", ld, err))
		}
	}

	sort.SliceStable(mods, func(i, j int) bool {
		if (mods[i].Kind == KindExecutable) != (mods[j].Kind == KindExecutable) {
			return mods[i].Kind == KindExecutable
		}
		return mods[i].Base < mods[j].Base
	})
	for _, m := range mods {
		e.add(m)
	}
}

func (e *enumerator) machModule(loadAddr, pathAddr uint64) (Module, error) {
	img, err := e.readMachImage(loadAddr)
	if err != nil {
		return Module{}, err
	}
	mod := Module{
		Base:       img.base,
		Size:       img.size,
		BuildID:    img.uuid,
		Kind:       KindLibrary,
		Format:     FormatMachO,
		HasVersion: img.hasVersion,
	}
	if img.fileType == macho.TypeExec {
		mod.Kind = KindExecutable
	}
	if img.hasVersion {
		mod.VersionHi = img.version >> 16
		mod.VersionLo = ((img.version & 0xff00) << 8) | (img.version & 0xff)
	}
	if pathAddr != 0 {
		path, err := e.mem.ReadCString(pathAddr, 8192)
		if err != nil {
			e.soft(fmt.Errorf("path of image at %#x: %w", loadAddr, err))
		}
		mod.Path = path
	}
	return mod, nil
}

// readMachImage parses the Mach-O header and load commands at loadAddr.
func (e *enumerator) readMachImage(loadAddr uint64) (*machImage, error) {
	hdrBuf := make([]byte, machHeader64Size)
	if _, err := e.mem.ReadAt(hdrBuf, int64(loadAddr)); err != nil {
		return nil, err
	}
	var hdr macho.FileHeader
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != macho.Magic64 {
		return nil, fmt.Errorf("magic %#x: %w", hdr.Magic, errNotMachO)
	}
	if hdr.Cmdsz > maxLoadCmdsSize {
		return nil, fmt.Errorf("load commands of %d bytes: %w", hdr.Cmdsz, errNotMachO)
	}
	cmds := make([]byte, hdr.Cmdsz)
	if _, err := e.mem.ReadAt(cmds, int64(loadAddr+machHeader64Size)); err != nil {
		return nil, fmt.Errorf("load commands: %w", err)
	}
	return parseLoadCommands(hdr, cmds, loadAddr)
}

func parseLoadCommands(hdr macho.FileHeader, cmds []byte, loadAddr uint64) (*machImage, error) {
	img := &machImage{fileType: hdr.Type}
	le := binary.LittleEndian
	var segs []macho.Segment64
	for i := uint32(0); i < hdr.Ncmd && len(cmds) >= 8; i++ {
		cmd := le.Uint32(cmds)
		size := le.Uint32(cmds[4:])
		if size < 8 || int(size) > len(cmds) {
			return nil, fmt.Errorf("load command %d has size %d: %w", i, size, errNotMachO)
		}
		body := cmds[:size]
		switch {
		case macho.LoadCmd(cmd) == macho.LoadCmdSegment64 && size >= 72:
			var seg macho.Segment64
			if err := binary.Read(bytes.NewReader(body), le, &seg); err != nil {
				return nil, err
			}
			segs = append(segs, seg)
		case cmd == lcUUID && size >= 24:
			img.uuid = bytes.Clone(body[8:24])
		case cmd == lcIDDylib && size >= 24:
			img.version = le.Uint32(body[16:])
			img.hasVersion = true
		}
		cmds = cmds[size:]
	}

	// The image spans __TEXT only. __LINKEDIT of shared cache images is
	// shared between them and would make module ranges overlap.
	var text *macho.Segment64
	for i := range segs {
		if string(bytes.TrimRight(segs[i].Name[:], "\x00")) == "__TEXT" {
			text = &segs[i]
			break
		}
	}
	if text == nil {
		return nil, fmt.Errorf("no __TEXT segment: %w", errNotMachO)
	}
	img.size = text.Memsz
	var slide uint64
	if text.Offset == 0 && text.Filesz != 0 {
		slide = loadAddr - text.Addr
	}
	img.base = text.Addr + slide
	return img, nil
}
