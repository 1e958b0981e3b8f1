package modules

import (
	"strings"

	"github.com/willibrandon/ChronoDump/pkg/process"
)

// VDSOName is the module name given to the kernel-supplied vDSO.
const VDSOName = "linux-gate.so"

const (
	deletedSuffix    = " (deleted)"
	mozillaIPCPrefix = "org.mozilla.ipc."
	memfdPrefix      = "/memfd:"
)

// candidate is a run of mappings that looks like one loaded image.
type candidate struct {
	Start  uint64
	End    uint64
	Offset uint64
	Inode  uint64
	Path   string
	Exec   bool
	VDSO   bool
}

func (c candidate) contains(addr uint64) bool {
	return addr >= c.Start && addr < c.End
}

// isPath reports whether name is a file path rather than a pseudo name such
// as "[heap]".
func isPath(name string) bool {
	return strings.Contains(name, "/")
}

func skipPath(name string) bool {
	switch {
	case strings.HasPrefix(name, "/dev/"):
		return true
	case strings.Contains(name, mozillaIPCPrefix) && strings.HasSuffix(name, deletedSuffix):
		return true
	case strings.HasPrefix(name, memfdPrefix):
		return true
	}
	return false
}

// mergeMappings folds the address-space layout into image candidates.
// Adjacent mappings of the same file merge, and so does a reserved
// anonymous ---p gap that directly follows an executable image mapping.
// The mapping starting at vdso is named VDSOName.
func mergeMappings(maps []process.Mapping, vdso uint64) []candidate {
	var out []candidate
	for _, m := range maps {
		path := m.Path
		offset := m.Offset
		isVDSO := false
		if !isPath(path) {
			path = ""
			if vdso != 0 && m.Start == vdso {
				path, offset, isVDSO = VDSOName, 0, true
			}
		}

		if n := len(out); n > 0 {
			last := &out[n-1]
			if path != "" && m.Start == last.End && path == last.Path {
				last.End = m.End
				last.Exec = last.Exec || m.Executable()
				continue
			}
			reserved := m.Perms&(process.PermRead|process.PermWrite|process.PermExec) == 0 && m.Perms&process.PermPrivate != 0
			if path == "" && !isVDSO && reserved && m.Start == last.End && last.Exec && isPath(last.Path) {
				last.End = m.End
				continue
			}
		}

		if path == "" || skipPath(path) {
			continue
		}
		out = append(out, candidate{
			Start:  m.Start,
			End:    m.End,
			Offset: offset,
			Inode:  m.Inode,
			Path:   path,
			Exec:   m.Executable(),
			VDSO:   isVDSO,
		})
	}
	return out
}
