package minidump

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/willibrandon/ChronoDump/pkg/minidump/container"
	"github.com/willibrandon/ChronoDump/pkg/process"
)

var (
	// ErrTargetGone means the target process or a thread exited.
	ErrTargetGone = errors.New("target is gone")
	// ErrPermission means the OS denied access to the target.
	ErrPermission = errors.New("permission denied")
	// ErrUnsupported means the platform or architecture has no backend.
	ErrUnsupported = errors.New("unsupported")
	// ErrInternal means the dump could not be assembled.
	ErrInternal = errors.New("internal error")
	// ErrSinkIO means writing to the sink failed.
	ErrSinkIO = errors.New("sink write failed")
)

// Stage names the step of Dump that failed.
type Stage string

const (
	StageOpen      Stage = "open"
	StageModules   Stage = "modules"
	StageThreads   Stage = "threads"
	StageException Stage = "exception"
	StageSerialize Stage = "serialize"
	StageSink      Stage = "sink"
	StageResume    Stage = "resume"
)

// Kind classifies a DumpError.
type Kind int

const (
	KindInternal Kind = iota
	KindTargetGone
	KindPermissionDenied
	KindUnsupported
	KindSinkIO
)

func (k Kind) String() string {
	switch k {
	case KindTargetGone:
		return "target gone"
	case KindPermissionDenied:
		return "permission denied"
	case KindUnsupported:
		return "unsupported"
	case KindSinkIO:
		return "sink I/O"
	}
	return "internal"
}

func (k Kind) sentinel() error {
	switch k {
	case KindTargetGone:
		return ErrTargetGone
	case KindPermissionDenied:
		return ErrPermission
	case KindUnsupported:
		return ErrUnsupported
	case KindSinkIO:
		return ErrSinkIO
	}
	return ErrInternal
}

// DumpError reports an operation-fatal failure. errors.Is matches it
// against the sentinel of its Kind as well as the wrapped error.
type DumpError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *DumpError) Error() string {
	return fmt.Sprintf("minidump %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *DumpError) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// classify maps an error from a lower layer to a Kind.
func classify(err error) Kind {
	switch {
	case errors.Is(err, process.ErrNoSuchProcess), errors.Is(err, process.ErrNoSuchThread):
		return KindTargetGone
	case errors.Is(err, process.ErrPermission), errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, process.ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, container.ErrUnresolvedReference), errors.Is(err, container.ErrTooLarge):
		return KindInternal
	}
	return KindInternal
}

func stageError(stage Stage, err error) *DumpError {
	kind := classify(err)
	if stage == StageSink {
		kind = KindSinkIO
	}
	return &DumpError{Stage: stage, Kind: kind, Err: err}
}
