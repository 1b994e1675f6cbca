// Package integrity computes and verifies the streaming MD5 checksum
// over the pre-transform page stream, per spec.md §4.8.
package integrity

import (
	"bytes"
	"crypto/md5" //nolint:gosec // spec.md mandates MD5 for image integrity, not security
	"fmt"
	"hash"

	"uswsusp/internal/werr"
)

// Checksum accumulates an MD5 digest over a sequence of pre-transform
// pages. The zero value is not usable; use [New].
type Checksum struct {
	h hash.Hash
}

// New returns a fresh, empty Checksum.
func New() *Checksum {
	return &Checksum{h: md5.New()} //nolint:gosec // see package doc
}

// WritePage feeds one pre-transform page into the running digest.
func (c *Checksum) WritePage(page []byte) {
	c.h.Write(page)
}

// Sum returns the final 16-byte MD5 digest. Calling WritePage after
// Sum is undefined; callers should treat the Checksum as consumed.
func (c *Checksum) Sum() [16]byte {
	var out [16]byte
	copy(out[:], c.h.Sum(nil))

	return out
}

// Verify re-reads every page from a source (typically the extent-map
// traversal driven by the verify pass) and recomputes the digest,
// returning an error if it disagrees with want.
func Verify(pages func(yield func([]byte) bool), want [16]byte) error {
	sum := New()

	pages(func(page []byte) bool {
		sum.WritePage(page)

		return true
	})

	got := sum.Sum()
	if !bytes.Equal(got[:], want[:]) {
		return fmt.Errorf("%w: checksum mismatch: got %x, want %x", werr.ErrIO, got, want)
	}

	return nil
}
