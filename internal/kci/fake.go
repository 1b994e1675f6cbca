package kci

import "io"

// Fake is an in-memory Control used by unit tests and by the
// supervisor's "debug test file" configuration option (spec.md §6),
// which reads a canned image instead of driving a real snapshot
// device.
type Fake struct {
	frozen bool

	swapPool   []uint64
	swapUsed   int
	availBytes uint64
	imageSize  uint64

	swapArea struct {
		dev    string
		offset uint64
	}

	// resumed, once set, makes the next CreateImage report Resumed
	// instead of Snapshotted, modeling the kernel-restored second
	// return of spec.md §9.
	resumed bool

	// snapshotData is served byte-for-byte by ReadSnapshot, standing
	// in for the kernel's in-RAM image (or the debug test file).
	snapshotData []byte
	readPos      int

	shutdownCalls []ShutdownMethod
	shutdownErr   error
}

// NewFake returns a Fake seeded with a swap page pool and a canned
// snapshot payload.
func NewFake(swapPool []uint64, availBytes uint64, snapshotData []byte) *Fake {
	return &Fake{
		swapPool:     swapPool,
		availBytes:   availBytes,
		snapshotData: snapshotData,
	}
}

// SetResumed arranges for the next CreateImage call to report Resumed,
// simulating a restart after the kernel restored this image.
func (f *Fake) SetResumed() { f.resumed = true }

// ShutdownCalls returns every method passed to Shutdown, in order.
func (f *Fake) ShutdownCalls() []ShutdownMethod { return f.shutdownCalls }

// SetShutdownErr makes every subsequent Shutdown call fail with err,
// for exercising the supervisor's post-commit halt-forever path.
func (f *Fake) SetShutdownErr(err error) { f.shutdownErr = err }

func (f *Fake) Freeze() error {
	f.frozen = true
	return nil
}

func (f *Fake) Unfreeze() error {
	f.frozen = false
	return nil
}

func (f *Fake) CreateImage() (SnapshotOutcome, error) {
	if f.resumed {
		return Resumed, nil
	}

	return Snapshotted, nil
}

func (f *Fake) FreeSnapshot() error {
	f.readPos = 0
	return nil
}

func (f *Fake) FreeSwap() error {
	f.swapUsed = 0
	return nil
}

func (f *Fake) AvailSwap() (uint64, error) { return f.availBytes, nil }
func (f *Fake) ImageSize() (uint64, error) { return f.imageSize, nil }

func (f *Fake) SetImageSize(bytes uint64) error {
	f.imageSize = bytes
	return nil
}

func (f *Fake) AllocSwapPage() (uint64, bool) {
	if f.swapUsed >= len(f.swapPool) {
		return 0, false
	}

	offset := f.swapPool[f.swapUsed]
	f.swapUsed++

	return offset, true
}

func (f *Fake) SetSwapArea(devPath string, offsetPages uint64) error {
	f.swapArea.dev = devPath
	f.swapArea.offset = offsetPages

	return nil
}

func (f *Fake) Shutdown(method ShutdownMethod) error {
	f.shutdownCalls = append(f.shutdownCalls, method)

	return f.shutdownErr
}

func (f *Fake) ReadSnapshot(buf []byte) (int, error) {
	if f.readPos >= len(f.snapshotData) {
		return 0, io.EOF
	}

	n := copy(buf, f.snapshotData[f.readPos:])
	f.readPos += n

	return n, nil
}

// Compile-time interface check.
var _ Control = (*Fake)(nil)
