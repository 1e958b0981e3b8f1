//go:build linux && (amd64 || arm64)

package process

import (
	"errors"
	"os"
	"runtime"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestOpenSelf(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p, err := Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if !p.IsSelf() {
		t.Fatal("IsSelf = false for own pid")
	}

	tids, err := p.Threads()
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	me := unix.Gettid()
	found := false
	for _, tid := range tids {
		if tid == me {
			found = true
		}
	}
	if !found {
		t.Fatalf("calling thread %d missing from %v", me, tids)
	}

	ctx, err := p.Context(me)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	maps, err := p.Mappings()
	if err != nil {
		t.Fatalf("Mappings: %v", err)
	}
	if _, ok := FindMapping(maps, ctx.StackPointer()); !ok {
		t.Errorf("stack pointer %#x is not mapped", ctx.StackPointer())
	}
	if m, ok := FindMapping(maps, ctx.InstructionPointer()); !ok || !m.Executable() {
		t.Errorf("instruction pointer %#x is not in executable memory", ctx.InstructionPointer())
	}
}

func TestReadMemorySelf(t *testing.T) {
	p, err := Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	want := []byte("read me back")
	got := make([]byte, len(want))
	n, err := p.ReadMemory(uint64(uintptr(unsafe.Pointer(&want[0]))), got)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if n != len(want) || string(got) != string(want) {
		t.Fatalf("ReadMemory = %q", got[:n])
	}
	runtime.KeepAlive(want)

	if _, err := p.ReadMemory(0, got); err == nil {
		t.Fatal("reading address zero succeeded")
	}
}

func TestLoaderSelf(t *testing.T) {
	p, err := Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	info, err := p.Loader()
	if err != nil {
		t.Fatalf("Loader: %v", err)
	}
	if info.Kind != LoaderAuxv || info.Auxv[AtPhdr] == 0 {
		t.Fatalf("Loader = %+v", info)
	}
}

func TestOpenMissing(t *testing.T) {
	// pid_max never exceeds 2^22.
	_, err := Open(1 << 30)
	if !errors.Is(err, ErrNoSuchProcess) {
		t.Fatalf("Open(missing) = %v, want ErrNoSuchProcess", err)
	}
}
