//go:build linux

package sysstate

import (
	"fmt"

	"golang.org/x/sys/unix"

	"uswsusp/internal/werr"
)

// Lockdown zeroes RLIMIT_NOFILE/RLIMIT_NPROC/RLIMIT_CORE and locks the
// process's pages into RAM, per spec.md §5: once preflight completes
// no new file descriptors or forks are allowed, and nothing may be
// paged out from under the writer between freeze and commit.
func Lockdown() error {
	for _, res := range []int{unix.RLIMIT_NOFILE, unix.RLIMIT_NPROC, unix.RLIMIT_CORE} {
		if err := unix.Setrlimit(res, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
			return fmt.Errorf("%w: setting rlimit %d to zero: %w", werr.ErrIO, res, err)
		}
	}

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("%w: mlockall: %w", werr.ErrIO, err)
	}

	return nil
}
