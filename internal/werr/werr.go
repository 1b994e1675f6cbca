// Package werr defines the error kinds surfaced by the image-writer
// pipeline and the classification rules used to map them onto the
// process exit code table.
package werr

import (
	"errors"
)

// Sentinel error kinds. Callers classify with [errors.Is]; call sites
// wrap these with additional context via fmt.Errorf("...: %w", ...).
var (
	// ErrNoSwapSpace is returned when preflight cannot reserve enough
	// swap, or when alloc_swap_page returns zero mid-stream. Recovered
	// once by retrying with image_size forced to zero; fatal on the
	// second occurrence.
	ErrNoSwapSpace = errors.New("no swap space")

	// ErrIO marks a short read/write, lseek mismatch, or fsync failure.
	// Fatal once emitted; no partial image is ever valid pre-commit.
	ErrIO = errors.New("i/o error")

	// ErrNoDevice marks the snapshot or resume device being absent at
	// open time (the path does not exist), distinct from ErrIO's "device present
	// but an operation on it failed".
	ErrNoDevice = errors.New("device not found")

	// ErrKernelUnsupported is returned when a control opcode is
	// unsupported under both its modern and legacy names. Fatal at
	// preflight.
	ErrKernelUnsupported = errors.New("kernel control operation unsupported")

	// ErrCrypto marks a keying or cipher failure. Fatal.
	ErrCrypto = errors.New("crypto error")

	// ErrAborted marks a user-requested abort of the in-progress image.
	// Fatal for this image; the system continues running.
	ErrAborted = errors.New("aborted")

	// ErrCommitCorruption marks a post-write readback of the swap
	// signature that does not show our sentinel. Callers MUST NOT
	// return control to userspace after this error — see
	// [uswsusp/internal/commit].
	ErrCommitCorruption = errors.New("commit corruption")
)

// Exit codes, per spec.md §6.
const (
	ExitOK                = 0
	ExitNoSwapSpace       = 28 // ENOSPC
	ExitNoDevice          = 19 // ENODEV
	ExitIO                = 5  // EIO
	ExitInvalidConfig     = 22 // EINVAL
	ExitUnsupportedKernel = 95 // ENOTSUP-ish fallback, see ExitCode
)

// ExitCode maps an error produced anywhere in the pipeline onto the
// process exit code table of spec.md §6. ErrCrypto and errors that
// carry none of the sentinels above fall through to ExitInvalidConfig.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNoSwapSpace):
		return ExitNoSwapSpace
	case errors.Is(err, ErrNoDevice):
		return ExitNoDevice
	case errors.Is(err, ErrKernelUnsupported):
		return ExitUnsupportedKernel
	case errors.Is(err, ErrIO), errors.Is(err, ErrCommitCorruption):
		return ExitIO
	case errors.Is(err, ErrAborted):
		return ExitIO
	default:
		return ExitInvalidConfig
	}
}
