package modules

import (
	"fmt"
	"strings"

	"github.com/willibrandon/ChronoDump/pkg/process"
)

// enumerateELF builds the module list from the auxiliary vector, the
// dynamic linker's link_map and the merged address-space layout.
func (e *enumerator) enumerateELF(info process.LoaderInfo) {
	vdso := info.Auxv[process.AtSysinfoEhdr]
	ldBase := info.Auxv[process.AtBase]
	cands := mergeMappings(e.maps, vdso)

	var exec *image
	if phdr := info.Auxv[process.AtPhdr]; phdr != 0 {
		mod, img, err := e.executable(phdr, cands)
		if err != nil {
			e.soft(fmt.Errorf("main executable: %w", err))
		} else {
			exec = img
			e.add(mod)
		}
	}

	if exec != nil {
		dso, err := e.walkLinkMap(exec)
		if err != nil {
			e.soft(fmt.Errorf("loader list: %w", err))
		}
		if dso != nil {
			e.result.DSO = dso
			for _, entry := range dso.Map {
				e.addLinkMapEntry(entry, cands, ldBase, vdso)
			}
		}
	}

	if ldBase != 0 && !e.haveBase(ldBase) {
		if c, ok := candidateAt(cands, ldBase); ok {
			mod := e.fromCandidate(c, c.End)
			mod.Kind = KindDynamicLinker
			e.add(mod)
		}
	}
	if vdso != 0 && !e.haveBase(vdso) {
		if c, ok := candidateAt(cands, vdso); ok {
			mod := e.fromCandidate(c, c.End)
			mod.Kind = KindVDSO
			e.add(mod)
		}
	}

	// Images the loader list does not describe, such as those of a static
	// executable or a process whose r_debug is unreadable.
	for _, c := range cands {
		if e.covered(c) {
			continue
		}
		if !c.Exec && !(c.Offset == 0 && e.hasELFHeader(c.Start)) {
			continue
		}
		e.add(e.fromCandidate(c, c.End))
	}
}

// executable locates the main executable from AT_PHDR. Its base is
// AT_PHDR - e_phoff of the image mapped at the start of its file.
func (e *enumerator) executable(phdr uint64, cands []candidate) (Module, *image, error) {
	m, ok := process.FindMapping(e.maps, phdr)
	if !ok {
		return Module{}, nil, fmt.Errorf("AT_PHDR %#x is not mapped", phdr)
	}
	c, ok := imageStart(cands, m.Path, phdr)
	if !ok {
		return Module{}, nil, fmt.Errorf("no image mapping for %s", m.Path)
	}
	hdr, err := e.readELFHeader(c.Start)
	if err != nil {
		return Module{}, nil, err
	}
	base := phdr - hdr.Phoff
	img, err := e.readImage(base)
	if err != nil {
		return Module{}, nil, err
	}
	mod := e.fromCandidate(c, c.End)
	mod.Base = base
	mod.Size = c.End - base
	mod.Kind = KindExecutable
	return mod, img, nil
}

// addLinkMapEntry turns one link_map element into a module. The base is
// recomputed from the mapping that holds l_ld; l_addr is a load bias, not
// an address inside the image.
func (e *enumerator) addLinkMapEntry(entry LinkMapEntry, cands []candidate, ldBase, vdso uint64) {
	if entry.LD == 0 {
		return
	}
	m, ok := process.FindMapping(e.maps, entry.LD)
	if !ok {
		e.soft(fmt.Errorf("l_ld %#x of %q is not mapped", entry.LD, entry.Name))
		return
	}
	if vdso != 0 && m.Start == vdso {
		return
	}
	c, ok := imageStart(cands, m.Path, entry.LD)
	if !ok {
		e.soft(fmt.Errorf("no image mapping for %q (l_ld %#x)", entry.Name, entry.LD))
		return
	}
	if e.haveBase(c.Start) {
		return
	}
	mod := e.fromCandidate(c, max(c.End, m.End))
	if mod.Path == "" {
		mod.Path = entry.Name
	}
	if c.Start == ldBase {
		mod.Kind = KindDynamicLinker
	}
	e.add(mod)
}

// fromCandidate describes the image whose first mapping is c and which ends
// at end.
func (e *enumerator) fromCandidate(c candidate, end uint64) Module {
	mod := Module{
		Base:   c.Start,
		Size:   end - c.Start,
		Path:   strings.TrimSuffix(c.Path, deletedSuffix),
		Kind:   KindLibrary,
		Format: FormatELF,
	}
	if c.VDSO {
		mod.Kind = KindVDSO
	}

	img, err := e.readImage(c.Start)
	if err != nil {
		e.soft(fmt.Errorf("%s: %w", c.Path, err))
	}
	if img != nil {
		if name, err := e.soname(img); err == nil {
			mod.SOName = name
		}
	}
	mod.BuildID = e.buildID(img, c, mod)
	return mod
}

func (e *enumerator) add(m Module) {
	e.log.WithField("base", fmt.Sprintf("%#x", m.Base)).WithField("path", m.Name()).Debug("module")
	e.result.Modules = append(e.result.Modules, m)
}

func (e *enumerator) haveBase(base uint64) bool {
	for _, m := range e.result.Modules {
		if m.Base == base {
			return true
		}
	}
	return false
}

// covered reports whether c belongs to a module already listed.
func (e *enumerator) covered(c candidate) bool {
	for _, m := range e.result.Modules {
		if c.Start < m.End() && m.Base < c.End {
			return true
		}
		if !c.VDSO && m.Path != "" && m.Path == strings.TrimSuffix(c.Path, deletedSuffix) {
			return true
		}
	}
	return false
}

// imageStart returns the candidate holding the start of the image of path
// that contains addr: the last offset-zero candidate of path at or below addr.
func imageStart(cands []candidate, path string, addr uint64) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range cands {
		if c.Path != path || c.Offset != 0 || c.Start > addr {
			continue
		}
		if !found || c.Start > best.Start {
			best, found = c, true
		}
	}
	return best, found
}

func candidateAt(cands []candidate, addr uint64) (candidate, bool) {
	for _, c := range cands {
		if c.contains(addr) {
			return c, true
		}
	}
	return candidate{}, false
}
