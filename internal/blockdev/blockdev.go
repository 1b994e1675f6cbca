// Package blockdev abstracts the resume device (and, in debug-test-file
// mode, the snapshot source) behind a narrow interface so the rest of
// the pipeline never touches *os.File directly.
//
// Three implementations are provided:
//   - [Real]: production use, backed by a real block device or file.
//   - [Chaos]: testing use, wraps another Device and injects faults.
//   - [Fake]: in-memory use, for unit tests and for modeling crash
//     consistency without a real disk.
package blockdev

// PageSize is a default host page size of 4096 bytes. Nothing in this
// module reads or assigns it: internal/cli queries os.Getpagesize()
// for the page size it threads through the pipeline.
var PageSize = 4096

// Device is the narrow set of operations the writer pipeline needs
// from the resume device: page-granular positioned I/O plus fsync.
// It mirrors the KCI write_block/fsync pair of spec.md §4.1, but
// without any kernel-control semantics — those live in package kci.
type Device interface {
	// ReadAt reads len(p) bytes starting at offset, like io.ReaderAt.
	ReadAt(p []byte, offset int64) (int, error)

	// WriteAt writes p at offset, like io.WriterAt. Implementations
	// MUST NOT perform a short write without returning an error: a
	// caller seeing (n < len(p), err == nil) would violate the
	// "every write to the resume device" invariant of spec.md §4.3.
	WriteAt(p []byte, offset int64) (int, error)

	// Sync commits prior writes to stable storage, like os.File.Sync.
	Sync() error

	// Size reports the device's addressable size in bytes.
	Size() (int64, error)

	// Close releases any resources held by the device.
	Close() error
}
