package modules

import (
	"debug/elf"
	"fmt"
	"io"
	"strings"

	"github.com/willibrandon/ChronoDump/pkg/process"
)

// fileKey identifies an on-disk image for the build-id cache.
type fileKey struct {
	path  string
	inode uint64
}

// buildID returns the identifier of an image: NT_GNU_BUILD_ID from memory,
// then from the file on disk, then a hash of the first page of text.
func (e *enumerator) buildID(img *image, c candidate, mod Module) []byte {
	if img != nil {
		if id, err := e.noteBuildID(img); err == nil {
			return id
		}
	}

	if isPath(c.Path) && !strings.HasSuffix(c.Path, deletedSuffix) {
		key := fileKey{path: c.Path, inode: c.Inode}
		if v, ok := e.cache.Get(key); ok {
			return v.([]byte)
		}
		id, err := fileBuildID(c.Path)
		if err == nil {
			e.cache.Add(key, id)
			return id
		}
		e.soft(fmt.Errorf("build id of %s: %w", c.Path, err))
	}

	text, err := e.firstTextPage(mod)
	if err != nil {
		e.soft(fmt.Errorf("text of module at %#x: %w", mod.Base, err))
		return nil
	}
	return hashText(text)
}

// fileBuildID reads the build id of the image at path, falling back to a
// hash of its text section.
func fileBuildID(path string) ([]byte, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if s := f.Section(".note.gnu.build-id"); s != nil {
		if data, err := s.Data(); err == nil {
			if id := parseBuildIDNote(data); len(id) > 0 {
				return id, nil
			}
		}
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(p.Open(), maxNoteSize))
		if err != nil {
			continue
		}
		if id := parseBuildIDNote(data); len(id) > 0 {
			return id, nil
		}
	}
	for _, s := range f.Sections {
		if s.Type == elf.SHT_PROGBITS && s.Flags&(elf.SHF_ALLOC|elf.SHF_EXECINSTR) == elf.SHF_ALLOC|elf.SHF_EXECINSTR {
			data, err := io.ReadAll(io.LimitReader(s.Open(), 4096))
			if err != nil {
				return nil, err
			}
			return hashText(data), nil
		}
	}
	return nil, errNoBuildID
}

// firstTextPage reads the first page of the module's first executable
// mapping.
func (e *enumerator) firstTextPage(mod Module) ([]byte, error) {
	for _, m := range e.maps {
		if m.End <= mod.Base || m.Start >= mod.End() || m.Perms&process.PermExec == 0 {
			continue
		}
		return e.mem.Read(m.Start, int(min(m.Size(), 4096)))
	}
	return nil, fmt.Errorf("no executable mapping")
}
