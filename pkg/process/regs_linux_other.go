//go:build linux && !amd64 && !arm64

package process

import (
	"fmt"

	"github.com/willibrandon/ChronoDump/pkg/minidump/format"
)

const hostArch = format.ArchUnknown

func threadContext(tid int) (format.ThreadContext, error) {
	return nil, fmt.Errorf("register snapshot of thread %d: %w", tid, ErrUnsupported)
}

func minimalContext(sp, pc uint64) format.ThreadContext {
	return nil
}
