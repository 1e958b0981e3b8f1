// Package sanitize scrubs captured stack memory, keeping only values that
// look like small integers or pointers into the stack or into code.
package sanitize

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
	"github.com/willibrandon/ChronoDump/pkg/process"
)

// Defaced replaces every word that is not a plausible pointer.
const Defaced uint64 = 0x0defaced0defaced

// SmallIntMagnitude bounds the integers left untouched.
const SmallIntMagnitude = 4096

const wordSize = 8

// CodeReader reads instruction bytes from the target.
type CodeReader interface {
	Read(addr uint64, length int) ([]byte, error)
}

// Options configures a Sanitizer.
type Options struct {
	Arch format.Arch
	// Strict keeps a word pointing into code only when the instruction
	// before it is a call, i.e. when it is a return address. Code must be
	// set for Strict to take effect.
	Strict bool
	Code   CodeReader
}

// Sanitizer rewrites stacks against one address-space layout.
type Sanitizer struct {
	maps    []process.Mapping
	opts    Options
	lastHit *process.Mapping
}

// New returns a Sanitizer over maps, which must be sorted by address.
func New(maps []process.Mapping, opts Options) *Sanitizer {
	return &Sanitizer{maps: maps, opts: opts}
}

// Stack sanitizes stack in place. stackStart is the address of stack[0]
// and sp the thread's stack pointer. Bytes below sp are zeroed; every word
// above it that is neither a small integer nor a pointer into the stack
// mapping or an executable mapping is replaced with Defaced. A trailing
// partial word is zeroed. It returns the number of words replaced.
func (s *Sanitizer) Stack(stack []byte, stackStart, sp uint64) int {
	stackMap, haveStack := process.FindMapping(s.maps, sp)

	var spOffset uint64
	if sp > stackStart {
		spOffset = sp - stackStart
	}
	offset := int(min((spOffset+wordSize-1)&^(wordSize-1), uint64(len(stack))))
	clear(stack[:offset])

	replaced := 0
	off := offset
	for ; off+wordSize <= len(stack); off += wordSize {
		v := binary.LittleEndian.Uint64(stack[off:])
		if int64(v) <= SmallIntMagnitude && int64(v) >= -SmallIntMagnitude {
			continue
		}
		if haveStack && stackMap.Contains(v) {
			continue
		}
		if s.isCodePointer(v) {
			continue
		}
		binary.LittleEndian.PutUint64(stack[off:], Defaced)
		replaced++
	}
	clear(stack[off:])
	return replaced
}

func (s *Sanitizer) isCodePointer(v uint64) bool {
	if s.lastHit == nil || !s.lastHit.Contains(v) {
		m, ok := process.FindMapping(s.maps, v)
		if !ok || !m.Executable() {
			return false
		}
		s.lastHit = &m
	}
	if !s.opts.Strict || s.opts.Code == nil {
		return true
	}
	return s.followsCall(v)
}

// maxCallLen is the longest x86-64 call instruction worth decoding.
const maxCallLen = 7

func (s *Sanitizer) followsCall(ret uint64) bool {
	switch s.opts.Arch {
	case format.ArchAMD64:
		if ret < maxCallLen {
			return false
		}
		code, err := s.opts.Code.Read(ret-maxCallLen, maxCallLen)
		if err != nil || len(code) != maxCallLen {
			return false
		}
		return IsCallBefore(format.ArchAMD64, code)
	case format.ArchARM64:
		if ret < 4 {
			return false
		}
		code, err := s.opts.Code.Read(ret-4, 4)
		if err != nil || len(code) != 4 {
			return false
		}
		return IsCallBefore(format.ArchARM64, code)
	}
	return true
}

// IsCallBefore reports whether the bytes immediately preceding a return
// address end with a call instruction. code holds those bytes, ending at
// the return address.
func IsCallBefore(arch format.Arch, code []byte) bool {
	switch arch {
	case format.ArchAMD64:
		// Try the common encodings first: rel32, then register and memory
		// indirect forms.
		for _, n := range []int{5, 2, 3, 6, 7, 4} {
			if n > len(code) {
				continue
			}
			inst, err := x86asm.Decode(code[len(code)-n:], 64)
			if err == nil && inst.Len == n && (inst.Op == x86asm.CALL || inst.Op == x86asm.LCALL) {
				return true
			}
		}
		return false
	case format.ArchARM64:
		if len(code) < 4 {
			return false
		}
		inst, err := arm64asm.Decode(code[len(code)-4:])
		return err == nil && (inst.Op == arm64asm.BL || inst.Op == arm64asm.BLR)
	}
	return false
}
