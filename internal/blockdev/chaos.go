package blockdev

import (
	"fmt"
	"math/rand"

	"uswsusp/internal/werr"
)

// ChaosConfig controls fault injection probabilities on a [Chaos]
// device. Each rate is a float64 from 0.0 (never) to 1.0 (always).
// The zero value disables all fault injection.
type ChaosConfig struct {
	// WriteFailRate fails WriteAt entirely, writing zero bytes.
	WriteFailRate float64

	// PartialWriteRate writes only a random prefix of p before
	// reporting a short-write error, simulating ENOSPC mid-batch.
	PartialWriteRate float64

	// ReadFailRate fails ReadAt entirely.
	ReadFailRate float64

	// SyncFailRate fails Sync, simulating a delayed write error
	// surfacing only at fsync time.
	SyncFailRate float64
}

// Chaos wraps a [Device] and injects faults according to config, for
// exercising spec.md §8's "swap exhaustion midstream" and "commit
// atomicity" scenarios without real disk failures.
type Chaos struct {
	dev    Device
	rng    *rand.Rand
	config ChaosConfig
}

// NewChaos wraps dev with fault injection. seed makes the fault
// sequence reproducible across test runs.
func NewChaos(dev Device, seed int64, config ChaosConfig) *Chaos {
	return &Chaos{
		dev:    dev,
		rng:    rand.New(rand.NewSource(seed)), //nolint:gosec // reproducible test fault injection, not crypto
		config: config,
	}
}

func (c *Chaos) WriteAt(p []byte, offset int64) (int, error) {
	if c.config.WriteFailRate > 0 && c.rng.Float64() < c.config.WriteFailRate {
		return 0, fmt.Errorf("%w: chaos: injected write failure at %d", werr.ErrIO, offset)
	}

	if c.config.PartialWriteRate > 0 && c.rng.Float64() < c.config.PartialWriteRate && len(p) > 1 {
		truncated := 1 + c.rng.Intn(len(p)-1)

		n, err := c.dev.WriteAt(p[:truncated], offset)
		if err != nil {
			return n, err
		}

		return n, fmt.Errorf("%w: chaos: injected short write at %d: wrote %d of %d bytes",
			werr.ErrIO, offset, n, len(p))
	}

	return c.dev.WriteAt(p, offset)
}

func (c *Chaos) ReadAt(p []byte, offset int64) (int, error) {
	if c.config.ReadFailRate > 0 && c.rng.Float64() < c.config.ReadFailRate {
		return 0, fmt.Errorf("%w: chaos: injected read failure at %d", werr.ErrIO, offset)
	}

	return c.dev.ReadAt(p, offset)
}

func (c *Chaos) Sync() error {
	if c.config.SyncFailRate > 0 && c.rng.Float64() < c.config.SyncFailRate {
		return fmt.Errorf("%w: chaos: injected fsync failure", werr.ErrIO)
	}

	return c.dev.Sync()
}

func (c *Chaos) Size() (int64, error) { return c.dev.Size() }
func (c *Chaos) Close() error         { return c.dev.Close() }

// Compile-time interface check.
var _ Device = (*Chaos)(nil)
