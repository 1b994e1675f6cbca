// Package sysstate saves and restores the handful of machine-wide
// settings the hibernation run perturbs for the duration of one
// attempt: console loglevel and VM swappiness, per spec.md §5.
package sysstate

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"uswsusp/internal/werr"
)

const (
	loglevelPath   = "/proc/sys/kernel/printk"
	swappinessPath = "/proc/sys/vm/swappiness"

	// quietLoglevel silences all but emergency console messages while
	// the freeze/snapshot/writeout sequence is in flight, matching the
	// original's "suppress console chatter during suspend" behavior.
	quietLoglevel = "0\t4\t1\t7\n"
)

// fileIO is the narrow sysctl-file access Snapshot needs, so tests can
// substitute an in-memory fake instead of touching /proc/sys.
type fileIO interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
}

type osFileIO struct{}

func (osFileIO) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (osFileIO) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// Snapshot holds the pre-run values of every setting this package
// touches, so Restore can put the machine back the way it found it.
type Snapshot struct {
	io fileIO

	savedLoglevel   []byte
	savedSwappiness []byte
}

// Save reads the current loglevel and swappiness without changing
// anything, for later restoration.
func Save() (*Snapshot, error) {
	return save(osFileIO{})
}

func save(io fileIO) (*Snapshot, error) {
	s := &Snapshot{io: io}

	loglevel, err := io.ReadFile(loglevelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading console loglevel: %w", werr.ErrIO, err)
	}

	s.savedLoglevel = loglevel

	swappiness, err := io.ReadFile(swappinessPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading swappiness: %w", werr.ErrIO, err)
	}

	s.savedSwappiness = swappiness

	return s, nil
}

// Quiet lowers the console loglevel to emergency-only and disables
// swappiness (sets it to 0), the two adjustments spec.md §5 makes
// before the freeze/snapshot sequence.
func (s *Snapshot) Quiet() error {
	if err := s.io.WriteFile(loglevelPath, []byte(quietLoglevel)); err != nil {
		return fmt.Errorf("%w: quieting console loglevel: %w", werr.ErrIO, err)
	}

	if err := s.io.WriteFile(swappinessPath, []byte("0")); err != nil {
		return fmt.Errorf("%w: disabling swappiness: %w", werr.ErrIO, err)
	}

	return nil
}

// Restore writes back the values captured by Save. It is safe to call
// more than once and safe to call after a partial Quiet failure.
func (s *Snapshot) Restore() error {
	if err := s.io.WriteFile(loglevelPath, s.savedLoglevel); err != nil {
		return fmt.Errorf("%w: restoring console loglevel: %w", werr.ErrIO, err)
	}

	if err := s.io.WriteFile(swappinessPath, s.savedSwappiness); err != nil {
		return fmt.Errorf("%w: restoring swappiness: %w", werr.ErrIO, err)
	}

	return nil
}

// Swappiness parses the saved pre-run swappiness value, mostly useful
// for tests and diagnostics.
func (s *Snapshot) Swappiness() (int, error) {
	return strconv.Atoi(strings.TrimSpace(string(bytes.TrimRight(s.savedSwappiness, "\n"))))
}
