package upload

import (
	"errors"
	"fmt"
)

// Kind classifies why an upload session did not complete.
type Kind int

const (
	// KindCancelled means the caller cancelled the upload. It is not a failure.
	KindCancelled Kind = iota + 1
	// KindTransmitFailed means a chunk was rejected or could not be delivered.
	KindTransmitFailed
	// KindMergeFailed means finalize was rejected or returned an invalid response.
	KindMergeFailed
	// KindPreconditionViolation means finalize was attempted before every
	// chunk was confirmed. It signals a programming error.
	KindPreconditionViolation
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindTransmitFailed:
		return "transmit_failed"
	case KindMergeFailed:
		return "merge_failed"
	case KindPreconditionViolation:
		return "precondition_violation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels matching the error kinds with errors.Is.
var (
	ErrCancelled             = errors.New("upload cancelled")
	ErrTransmitFailed        = errors.New("chunk transmission failed")
	ErrMergeFailed           = errors.New("merging chunks failed")
	ErrPreconditionViolation = errors.New("finalize precondition violated")
)

func (k Kind) sentinel() error {
	switch k {
	case KindCancelled:
		return ErrCancelled
	case KindTransmitFailed:
		return ErrTransmitFailed
	case KindMergeFailed:
		return ErrMergeFailed
	case KindPreconditionViolation:
		return ErrPreconditionViolation
	default:
		return nil
	}
}

// Error is returned by a session that did not reach the completed state.
type Error struct {
	Kind Kind
	// ChunkIndex is the chunk that failed, or -1.
	ChunkIndex int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindCancelled:
		return "upload cancelled, already stored chunks are kept for resume"
	case KindTransmitFailed:
		return fmt.Sprintf("failed to upload chunk %d: %s", e.ChunkIndex, e.Err)
	case KindMergeFailed:
		return fmt.Sprintf("failed to merge chunks: %s", e.Err)
	case KindPreconditionViolation:
		return fmt.Sprintf("finalize attempted before all chunks were confirmed: %s", e.Err)
	default:
		return fmt.Sprintf("upload failed: %s", e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of the error kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var uploadErr *Error
	if errors.As(err, &uploadErr) {
		return uploadErr.Kind
	}
	return 0
}

func newError(kind Kind, chunkIndex int, err error) *Error {
	return &Error{Kind: kind, ChunkIndex: chunkIndex, Err: err}
}
