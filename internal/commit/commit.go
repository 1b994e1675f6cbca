// Package commit implements the swap-signature commit protocol: the
// single atomic write on the resume device that makes a hibernation
// image discoverable on the next boot, per spec.md §4.7.
//
// The write itself is a plain positioned write plus fsync, not a real
// seqlock — there is only one writer and no concurrent reader to race
// against. What it borrows from a seqlock-style commit (the pattern
// pkg/slotcache's writer.Commit uses for its generation counter) is
// the *shape*: stage everything, write the payload, fsync, then verify
// by reading back what was actually durable rather than trusting the
// write call's return value.
package commit

import (
	"encoding/binary"
	"fmt"

	"uswsusp/internal/blockdev"
	"uswsusp/internal/werr"
)

// signatureSize is the width of the swap signature field itself.
const signatureSize = 10

// headerSize is sizeof(SwapHeader) on disk: two 10-byte signature
// fields plus an 8-byte image-start pointer.
const headerSize = 2*signatureSize + 8

const (
	offSignature     = 0
	offOrigSignature = signatureSize
	offImageStart    = 2 * signatureSize
)

// hibernateSentinel replaces the resume device's ordinary swap
// signature once an image has been committed. The kernel's resume path
// looks for this exact tag at boot.
var hibernateSentinel = [signatureSize]byte{'H', 'I', 'B', '1', 'R', 'E', 'A', 'D', 'Y', '0'}

// SwapHeader is the small fixed structure living in the last
// headerSize bytes of the resume device's swap-header page, page
// resumeOffsetPages (see offset).
type SwapHeader struct {
	// Signature is the live tag: either the original swap-space marker
	// or hibernateSentinel once committed.
	Signature [signatureSize]byte
	// OrigSignature stashes the pre-commit signature so Reset can
	// restore it after a successful resume.
	OrigSignature [signatureSize]byte
	// ImageStart is the swap offset of the image's first page, valid
	// once Signature == hibernateSentinel.
	ImageStart uint64
}

// offset returns the byte offset of the SwapHeader on dev, given the
// resume device's page-granular offset (in pages) and the host page
// size. It sits at the end of the page following resumeOffsetPages,
// matching the original swsusp convention of a trailing in-page field.
func offset(resumeOffsetPages, pageSize uint64) int64 {
	return int64((resumeOffsetPages+1)*pageSize) - headerSize
}

// Read loads the current SwapHeader without modifying anything.
func Read(dev blockdev.Device, pageSize, resumeOffsetPages uint64) (SwapHeader, error) {
	buf := make([]byte, headerSize)

	if _, err := dev.ReadAt(buf, offset(resumeOffsetPages, pageSize)); err != nil {
		return SwapHeader{}, fmt.Errorf("%w: reading swap header: %w", werr.ErrIO, err)
	}

	return decode(buf), nil
}

// IsCommitted reports whether h carries the hibernation sentinel.
func (h SwapHeader) IsCommitted() bool {
	return h.Signature == hibernateSentinel
}

// Commit is the global commit point of the whole write path (spec.md
// §4.7): it reads the current signature, stashes it, writes the
// hibernation sentinel plus imageStart, fsyncs, and re-reads the
// result to confirm it stuck. If the header already carries the
// sentinel, only ImageStart is rewritten and fsynced, with no re-read.
// After Commit returns successfully the
// system is committed to booting from the image; the caller must not
// return control to userspace on any subsequent failure (spec.md §4.7,
// §6 "CommitCorruption") — that non-returning behavior belongs to the
// Image Supervisor, not to this package.
func Commit(dev blockdev.Device, pageSize, resumeOffsetPages, imageStart uint64) error {
	off := offset(resumeOffsetPages, pageSize)

	cur, err := Read(dev, pageSize, resumeOffsetPages)
	if err != nil {
		return err
	}

	if cur.IsCommitted() {
		// Already committed (e.g. a retried commit after a write-side
		// NoSwapSpace recovery that never reached shutdown); the stash
		// already holds the true original signature, so keep it.
		cur.ImageStart = imageStart

		return write(dev, off, cur)
	}

	next := SwapHeader{
		Signature:     hibernateSentinel,
		OrigSignature: cur.Signature,
		ImageStart:    imageStart,
	}

	if err := write(dev, off, next); err != nil {
		return err
	}

	// Confirm durability by reading back, per spec.md §8 "Commit then
	// crash": after fsync, a fresh read must show our sentinel.
	got, err := Read(dev, pageSize, resumeOffsetPages)
	if err != nil {
		return err
	}

	if got != next {
		return fmt.Errorf("%w: swap header read back differs from what was committed", werr.ErrCommitCorruption)
	}

	return nil
}

// Reset restores the pre-commit signature, for the Finalization/
// Shutdown module's post-resume cleanup path (spec.md §4.7 "on resume
// path, resets signature").
func Reset(dev blockdev.Device, pageSize, resumeOffsetPages uint64) error {
	cur, err := Read(dev, pageSize, resumeOffsetPages)
	if err != nil {
		return err
	}

	if !cur.IsCommitted() {
		return nil
	}

	restored := SwapHeader{Signature: cur.OrigSignature}

	return write(dev, offset(resumeOffsetPages, pageSize), restored)
}

func write(dev blockdev.Device, off int64, h SwapHeader) error {
	buf := encode(h)

	n, err := dev.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("%w: writing swap header: %w", werr.ErrIO, err)
	}

	if n != len(buf) {
		return fmt.Errorf("%w: short write of swap header", werr.ErrIO)
	}

	return dev.Sync()
}

func encode(h SwapHeader) []byte {
	buf := make([]byte, headerSize)

	copy(buf[offSignature:], h.Signature[:])
	copy(buf[offOrigSignature:], h.OrigSignature[:])
	binary.LittleEndian.PutUint64(buf[offImageStart:], h.ImageStart)

	return buf
}

func decode(buf []byte) SwapHeader {
	var h SwapHeader

	copy(h.Signature[:], buf[offSignature:offSignature+signatureSize])
	copy(h.OrigSignature[:], buf[offOrigSignature:offOrigSignature+signatureSize])
	h.ImageStart = binary.LittleEndian.Uint64(buf[offImageStart:])

	return h
}
