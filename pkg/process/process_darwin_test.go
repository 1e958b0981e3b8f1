//go:build darwin && cgo

package process

import (
	"os"
	"testing"
)

func TestOpenSelfDarwin(t *testing.T) {
	p, err := Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !p.IsSelf() {
		t.Fatal("IsSelf = false for own pid")
	}
	tids, err := p.Threads()
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	if len(tids) == 0 {
		t.Fatal("no threads")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenMissingDarwin(t *testing.T) {
	if _, err := Open(1 << 30); err == nil {
		t.Fatal("Open of a missing pid succeeded")
	}
}
