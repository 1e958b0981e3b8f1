//go:build !linux && !(darwin && cgo)

package process

import "fmt"

// Open reports ErrUnsupported on platforms without a backend.
func Open(pid int) (Process, error) {
	return nil, fmt.Errorf("process %d: %w", pid, ErrUnsupported)
}
