package blockdev

import (
	"fmt"

	"uswsusp/internal/werr"
)

// Fake is an in-memory [Device] used by unit tests (debug-test-file
// mode opens its file through [Real]). It tracks two copies of its
// contents: a "working" copy that every WriteAt mutates immediately,
// and a "durable" copy that only advances on Sync. [Fake.SimulateCrash]
// discards the working copy and reverts to the durable one, modeling
// a power loss between two fsyncs — the mechanism behind spec.md §8's
// "commit then crash" scenario.
//
// This mirrors the durability model of a crash-simulating filesystem
// wrapper: writes are only as durable as their last successful Sync.
type Fake struct {
	working []byte
	durable []byte
}

// NewFake returns a zero-filled Fake device of the given size.
func NewFake(size int64) *Fake {
	return &Fake{
		working: make([]byte, size),
		durable: make([]byte, size),
	}
}

func (f *Fake) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 || offset > int64(len(f.working)) {
		return 0, fmt.Errorf("%w: read at %d out of range", werr.ErrIO, offset)
	}

	n := copy(p, f.working[offset:])
	if n < len(p) {
		return n, fmt.Errorf("%w: short read at %d: got %d of %d bytes", werr.ErrIO, offset, n, len(p))
	}

	return n, nil
}

func (f *Fake) WriteAt(p []byte, offset int64) (int, error) {
	end := offset + int64(len(p))
	if offset < 0 || end > int64(len(f.working)) {
		return 0, fmt.Errorf("%w: write at %d (len %d) out of range (capacity %d)",
			werr.ErrIO, offset, len(p), len(f.working))
	}

	n := copy(f.working[offset:end], p)

	return n, nil
}

// Sync advances the durable snapshot to match the current working
// contents.
func (f *Fake) Sync() error {
	copy(f.durable, f.working)

	return nil
}

func (f *Fake) Size() (int64, error) { return int64(len(f.working)), nil }
func (f *Fake) Close() error         { return nil }

// SimulateCrash discards unsynced writes, reverting the working copy
// to the last durable snapshot. Call this in place of actually killing
// the process.
func (f *Fake) SimulateCrash() {
	copy(f.working, f.durable)
}

// DurableBytes returns a copy of the last-synced contents, for
// assertions in crash-consistency tests.
func (f *Fake) DurableBytes() []byte {
	out := make([]byte, len(f.durable))
	copy(out, f.durable)

	return out
}

// Compile-time interface check.
var _ Device = (*Fake)(nil)
