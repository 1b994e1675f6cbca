package blockdev

import (
	"fmt"
	"os"

	"uswsusp/internal/werr"
)

// Real implements [Device] against a real file or block device node.
//
// All methods pass through to [os.File], wrapping any error in
// [werr.ErrIO]. In addition, [Real.WriteAt] turns a short write that os.File.WriteAt already
// retries internally and still fails to complete into an explicit
// [werr.ErrIO], since spec.md treats any incomplete write as fatal.
type Real struct {
	f *os.File
}

// OpenReal opens path for page-granular positioned I/O. flag and perm
// are passed through to [os.OpenFile] unchanged. A missing resume
// device is classified as [werr.ErrNoDevice] rather than [werr.ErrIO]
// (spec.md §6: "ENODEV if snapshot or resume device is absent; EIO on
// unrecoverable write error").
func OpenReal(path string, flag int, perm os.FileMode) (*Real, error) {
	f, err := os.OpenFile(path, flag, perm) //nolint:gosec // path is validated by caller
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: opening %s: %w", werr.ErrNoDevice, path, err)
		}

		return nil, fmt.Errorf("%w: opening %s: %w", werr.ErrIO, path, err)
	}

	return &Real{f: f}, nil
}

func (r *Real) ReadAt(p []byte, offset int64) (int, error) {
	n, err := r.f.ReadAt(p, offset)
	if err != nil {
		return n, fmt.Errorf("%w: read at %d: %w", werr.ErrIO, offset, err)
	}

	return n, nil
}

func (r *Real) WriteAt(p []byte, offset int64) (int, error) {
	n, err := r.f.WriteAt(p, offset)
	if err != nil {
		return n, fmt.Errorf("%w: write at %d: %w", werr.ErrIO, offset, err)
	}

	if n != len(p) {
		return n, fmt.Errorf("%w: short write at %d: wrote %d of %d bytes", werr.ErrIO, offset, n, len(p))
	}

	return n, nil
}

func (r *Real) Sync() error {
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync: %w", werr.ErrIO, err)
	}

	return nil
}

func (r *Real) Size() (int64, error) {
	info, err := r.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %w", werr.ErrIO, err)
	}

	return info.Size(), nil
}

func (r *Real) Close() error {
	return r.f.Close()
}

// Compile-time interface check.
var _ Device = (*Real)(nil)
