package process

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseMaps parses the text of /proc/<pid>/maps.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		m, err := parseMapsLine(line)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

func parseMapsLine(line string) (Mapping, error) {
	// address perms offset dev inode [path]
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, fmt.Errorf("malformed maps line %q", line)
	}

	var m Mapping
	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Mapping{}, fmt.Errorf("malformed address range %q", fields[0])
	}
	var err error
	if m.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
		return Mapping{}, fmt.Errorf("malformed start address %q: %w", start, err)
	}
	if m.End, err = strconv.ParseUint(end, 16, 64); err != nil {
		return Mapping{}, fmt.Errorf("malformed end address %q: %w", end, err)
	}

	perms := fields[1]
	if len(perms) != 4 {
		return Mapping{}, fmt.Errorf("malformed permissions %q", perms)
	}
	if perms[0] == 'r' {
		m.Perms |= PermRead
	}
	if perms[1] == 'w' {
		m.Perms |= PermWrite
	}
	if perms[2] == 'x' {
		m.Perms |= PermExec
	}
	if perms[3] == 'p' {
		m.Perms |= PermPrivate
	}

	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return Mapping{}, fmt.Errorf("malformed offset %q: %w", fields[2], err)
	}
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return Mapping{}, fmt.Errorf("malformed inode %q: %w", fields[4], err)
	}

	// The path is everything after the inode column and may contain spaces.
	if len(fields) > 5 {
		m.Path = afterFields(line, 5)
	}
	return m, nil
}

// afterFields returns line with its first n whitespace-separated fields and
// the following whitespace removed.
func afterFields(line string, n int) string {
	rest := line
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " \t")
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			return ""
		}
		rest = rest[end:]
	}
	return strings.TrimSpace(rest)
}

// ParseAuxv decodes a 64-bit auxiliary vector.
func ParseAuxv(data []byte) map[uint64]uint64 {
	auxv := make(map[uint64]uint64)
	for len(data) >= 16 {
		key := binary.LittleEndian.Uint64(data)
		val := binary.LittleEndian.Uint64(data[8:])
		data = data[16:]
		if key == AtNull {
			break
		}
		auxv[key] = val
	}
	return auxv
}

// CPUInfo is the subset of /proc/cpuinfo recorded in a minidump.
type CPUInfo struct {
	Count    int
	Vendor   string
	Family   uint32
	Model    uint32
	Stepping uint32
}

// ParseCPUInfo parses the text of /proc/cpuinfo.
func ParseCPUInfo(data []byte) CPUInfo {
	var info CPUInfo
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, val, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "processor":
			info.Count++
		case "vendor_id":
			if info.Vendor == "" {
				info.Vendor = val
			}
		case "cpu family", "CPU architecture":
			if n, err := strconv.ParseUint(val, 0, 32); err == nil && info.Family == 0 {
				info.Family = uint32(n)
			}
		case "model", "CPU part":
			if n, err := strconv.ParseUint(val, 0, 32); err == nil && info.Model == 0 {
				info.Model = uint32(n)
			}
		case "stepping", "CPU revision":
			if n, err := strconv.ParseUint(val, 0, 32); err == nil && info.Stepping == 0 {
				info.Stepping = uint32(n)
			}
		}
	}
	return info
}

// ProcStat holds the fields of /proc/<pid>/stat used for process times.
type ProcStat struct {
	State     byte
	UTime     uint64
	STime     uint64
	StartTime uint64
}

// ParseStat parses /proc/<pid>/stat. Times are in clock ticks.
func ParseStat(data []byte) (ProcStat, error) {
	// The command name is parenthesised and may itself contain ") ".
	end := bytes.LastIndexByte(data, ')')
	if end < 0 {
		return ProcStat{}, fmt.Errorf("malformed stat %q", data)
	}
	fields := strings.Fields(string(data[end+1:]))
	// fields[0] is field 3 (state) of proc(5).
	if len(fields) < 20 {
		return ProcStat{}, fmt.Errorf("stat has %d fields", len(fields)+2)
	}
	var st ProcStat
	var err error
	st.State = fields[0][0]
	if st.UTime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return ProcStat{}, err
	}
	if st.STime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return ProcStat{}, err
	}
	if st.StartTime, err = strconv.ParseUint(fields[19], 10, 64); err != nil {
		return ProcStat{}, err
	}
	return st, nil
}

// ParseBootTime extracts btime from /proc/stat.
func ParseBootTime(data []byte) (int64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "btime "); ok {
			return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	}
	return 0, fmt.Errorf("btime: %w", ErrNotFound)
}

// ParseSyscall parses /proc/<pid>/task/<tid>/syscall and returns the stack
// and instruction pointers of a thread blocked in the kernel.
func ParseSyscall(data []byte) (sp, pc uint64, err error) {
	fields := strings.Fields(string(data))
	if len(fields) == 0 || fields[0] == "running" {
		return 0, 0, fmt.Errorf("thread is running")
	}
	if len(fields) < 3 {
		return 0, 0, fmt.Errorf("malformed syscall line %q", data)
	}
	if sp, err = strconv.ParseUint(fields[len(fields)-2], 0, 64); err != nil {
		return 0, 0, err
	}
	if pc, err = strconv.ParseUint(fields[len(fields)-1], 0, 64); err != nil {
		return 0, 0, err
	}
	return sp, pc, nil
}

// ParseKernelRelease splits a release string such as "6.8.0-45-generic"
// into major, minor and patch numbers.
func ParseKernelRelease(release string) (major, minor, patch uint32) {
	var parts [3]uint32
	for i, s := range strings.SplitN(release, ".", 3) {
		end := 0
		for end < len(s) && s[end] >= '0' && s[end] <= '9' {
			end++
		}
		n, _ := strconv.ParseUint(s[:end], 10, 32)
		parts[i] = uint32(n)
	}
	return parts[0], parts[1], parts[2]
}
