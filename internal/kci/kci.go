// Package kci is the Kernel Control Interface façade: an opaque
// boundary over the snapshot device's control operations, per
// spec.md §4.1. Nothing above this package knows whether a given call
// is an ioctl, a plain read/write, or (in debug-test-file mode) a
// canned in-memory response.
package kci

import "io"

// SnapshotOutcome is the tagged result of [Control.CreateImage]. Per
// spec.md §9, the kernel's snapshot call "returns twice": once in the
// original process when the in-RAM image is ready to write out, and
// once in a different process image after the kernel restores that
// image on a later boot. Modeling it as a plain enum return avoids
// needing any fiber/continuation machinery at the call site.
type SnapshotOutcome int

const (
	// Snapshotted means control returned in the original process: the
	// image-writer pipeline should now run.
	Snapshotted SnapshotOutcome = iota
	// Resumed means control returned after the kernel restored this
	// exact snapshot on boot: the resume program takes over and the
	// writer path is done.
	Resumed
)

// ShutdownMethod selects how Control.Shutdown ends the run after a
// successful commit, per spec.md §6 "shutdown method".
type ShutdownMethod int

const (
	ShutdownPowerOff ShutdownMethod = iota
	ShutdownPlatform
	ShutdownReboot
	ShutdownS2RAM
)

// Control is the full set of kernel control operations the supervisor,
// allocator, and pipeline need, per spec.md §4.1 and §6.
type Control interface {
	// Freeze halts userspace tasks; Unfreeze resumes them.
	Freeze() error
	Unfreeze() error

	// CreateImage asks the kernel to build the atomic in-memory
	// snapshot. See [SnapshotOutcome].
	CreateImage() (SnapshotOutcome, error)

	// FreeSnapshot drops the in-RAM snapshot; FreeSwap releases every
	// swap page reserved via AllocSwapPage so far.
	FreeSnapshot() error
	FreeSwap() error

	// AvailSwap reports free swap space in bytes.
	AvailSwap() (uint64, error)
	// ImageSize reports the kernel's own estimate of the image size.
	ImageSize() (uint64, error)
	// SetImageSize hints the kernel with a desired size.
	SetImageSize(bytes uint64) error

	// AllocSwapPage reserves and returns one swap page's byte offset,
	// or ok==false when swap is exhausted. This is the
	// sea.PageSource the allocator drives.
	AllocSwapPage() (offset uint64, ok bool)

	// SetSwapArea tells the kernel which device/offset the resume
	// header lives on.
	SetSwapArea(devPath string, offsetPages uint64) error

	// Shutdown performs the platform action selected by method. On
	// success it never returns to the caller in production use (the
	// machine is powering off); implementations still return an error
	// so the supervisor can detect a shutdown that failed to take
	// effect, per spec.md §4.7.
	Shutdown(method ShutdownMethod) error

	// ReadSnapshot pulls up to len(buf) bytes of the in-RAM image into
	// buf, in page order, mirroring spec.md §4.1's
	// read_snapshot(buf, page_size).
	ReadSnapshot(buf []byte) (int, error)
}

// compile-time check that io.Reader-shaped usage stays possible for
// the pipeline's reader stage without importing kci there.
var _ io.Reader = readSnapshotReader{}

// readSnapshotReader adapts a Control's ReadSnapshot to io.Reader, so
// the pipeline's reader stage can use bufio/io helpers uniformly.
type readSnapshotReader struct {
	c Control
}

// NewSnapshotReader wraps c as an io.Reader over ReadSnapshot.
func NewSnapshotReader(c Control) io.Reader { return readSnapshotReader{c: c} }

func (r readSnapshotReader) Read(p []byte) (int, error) { return r.c.ReadSnapshot(p) }
