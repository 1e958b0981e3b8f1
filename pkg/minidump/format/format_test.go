package format

import (
	"encoding/binary"
	"testing"
)

func TestEncodedSizes(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want int
	}{
		{"Header", Header{}, HeaderSize},
		{"Directory", Directory{}, DirectorySize},
		{"MemoryDescriptor", MemoryDescriptor{}, MemoryDescriptorSize},
		{"Thread", Thread{}, ThreadSize},
		{"Module", Module{}, ModuleSize},
		{"ExceptionStream", ExceptionStreamData{}, ExceptionStreamSize},
		{"SystemInfo", SystemInfo{}, SystemInfoSize},
		{"MiscInfo", MiscInfo{}, 24},
		{"BreakpadInfo", BreakpadInfo{}, 12},
		{"ThreadName", ThreadName{}, ThreadNameSize},
		{"MemoryInfoListHeader", MemoryInfoListHeader{}, 16},
		{"MemoryInfo", MemoryInfo{}, 48},
		{"Debug64", Debug64{}, Debug64Size},
		{"LinkMap64", LinkMap64{}, LinkMap64Size},
		{"X86CPUInfo", X86CPUInfo{}, 24},
		{"AMD64", AMD64{}, AMD64ContextSize},
		{"ARM64", ARM64{}, ARM64ContextSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := binary.Size(tt.v); got != tt.want {
				t.Errorf("binary.Size(%s) = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}

func TestFieldOffsets(t *testing.T) {
	th := Thread{ThreadContext: Location{DataSize: 0x11111111, RVA: 0x22222222}}
	th.Stack.Memory.RVA = 0x33333333
	data, err := Marshal(&th)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[ThreadContextOff+4:]); got != 0x22222222 {
		t.Errorf("thread context RVA at wrong offset: %#x", got)
	}
	if got := binary.LittleEndian.Uint32(data[ThreadStackLocationOff+4:]); got != 0x33333333 {
		t.Errorf("thread stack RVA at wrong offset: %#x", got)
	}

	mod := Module{ModuleNameRVA: 0x44444444, CvRecord: Location{RVA: 0x55555555}}
	data, err = Marshal(&mod)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[ModuleNameRVAOff:]); got != 0x44444444 {
		t.Errorf("module name RVA at wrong offset: %#x", got)
	}
	if got := binary.LittleEndian.Uint32(data[ModuleCvRecordOff+4:]); got != 0x55555555 {
		t.Errorf("module CV record RVA at wrong offset: %#x", got)
	}

	exc := ExceptionStreamData{ThreadContext: Location{RVA: 0x66666666}}
	data, err = Marshal(&exc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[ExceptionStreamContextOff+4:]); got != 0x66666666 {
		t.Errorf("exception context RVA at wrong offset: %#x", got)
	}

	si := SystemInfo{CSDVersionRVA: 0x77777777}
	data, err = Marshal(&si)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[SystemInfoCSDVersionOff:]); got != 0x77777777 {
		t.Errorf("CSD version RVA at wrong offset: %#x", got)
	}
}

func TestAMD64RegisterOffsets(t *testing.T) {
	ctx := AMD64{ContextFlags: ContextAMD64Full, Rsp: 0x7ffc0000, Rip: 0x401000}
	data, err := ctx.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[48:]); got != ContextAMD64Full {
		t.Errorf("ContextFlags = %#x, want %#x", got, ContextAMD64Full)
	}
	if got := binary.LittleEndian.Uint64(data[AMD64RspOff:]); got != 0x7ffc0000 {
		t.Errorf("Rsp = %#x", got)
	}
	if got := binary.LittleEndian.Uint64(data[AMD64RipOff:]); got != 0x401000 {
		t.Errorf("Rip = %#x", got)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "libc.so.6", "/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2", "thread-é\U0001f600"} {
		enc := EncodeString(s)
		if n := binary.LittleEndian.Uint32(enc); int(n)+6 != len(enc) {
			t.Errorf("%q: length prefix %d does not match %d encoded bytes", s, n, len(enc))
		}
		got, err := DecodeString(enc)
		if err != nil {
			t.Fatalf("%q: DecodeString failed: %v", s, err)
		}
		if got != s {
			t.Errorf("DecodeString = %q, want %q", got, s)
		}
	}

	if _, err := DecodeString([]byte{0xff, 0, 0, 0}); err == nil {
		t.Error("expected error for truncated string")
	}
}
