//go:build linux

package kci

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"uswsusp/internal/werr"
)

// Real is the production Control, backed by an open snapshot control
// device. Its zero value is not usable; use [OpenReal].
type Real struct {
	ctrl *os.File
}

// OpenReal opens the snapshot control device at path. A missing device
// is classified as [werr.ErrNoDevice] rather than [werr.ErrIO] (spec.md
// §6: "ENODEV if snapshot or resume device is absent; EIO on
// unrecoverable write error").
func OpenReal(path string) (*Real, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: opening snapshot device %s: %w", werr.ErrNoDevice, path, err)
		}

		return nil, fmt.Errorf("%w: opening snapshot device %s: %w", werr.ErrIO, path, err)
	}

	return &Real{ctrl: f}, nil
}

func (r *Real) Close() error { return r.ctrl.Close() }

// ioctl issues op against the control fd, trying the modern code first
// and falling back to the legacy one when the kernel reports it isn't
// supported.
func (r *Real) ioctl(op opcode, arg uintptr) error {
	if err := rawIoctl(r.ctrl.Fd(), op.modern, arg); err != nil {
		if err == unix.ENOTTY || err == unix.EINVAL { //nolint:errorlint // raw syscall errno, not wrapped
			return rawIoctl(r.ctrl.Fd(), op.legacy, arg)
		}

		return err
	}

	return nil
}

func rawIoctl(fd uintptr, op uintptr, arg uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg); errno != 0 {
		return errno
	}

	return nil
}

func (r *Real) Freeze() error   { return wrapIOErr(r.ioctl(opFreeze, 0)) }
func (r *Real) Unfreeze() error { return wrapIOErr(r.ioctl(opUnfreeze, 0)) }

func (r *Real) CreateImage() (SnapshotOutcome, error) {
	var inSuspend int32

	if err := r.ioctl(opCreateImage, uintptr(unsafe.Pointer(&inSuspend))); err != nil {
		return Snapshotted, wrapIOErr(err)
	}

	if inSuspend == 0 {
		return Resumed, nil
	}

	return Snapshotted, nil
}

func (r *Real) FreeSnapshot() error { return wrapIOErr(r.ioctl(opFreeSnapshot, 0)) }
func (r *Real) FreeSwap() error     { return wrapIOErr(r.ioctl(opFreeSwap, 0)) }

func (r *Real) AvailSwap() (uint64, error) {
	var bytes uint64

	if err := r.ioctl(opAvailSwapSize, uintptr(unsafe.Pointer(&bytes))); err != nil {
		return 0, wrapIOErr(err)
	}

	return bytes, nil
}

func (r *Real) ImageSize() (uint64, error) {
	var bytes uint64

	if err := r.ioctl(opGetImageSize, uintptr(unsafe.Pointer(&bytes))); err != nil {
		return 0, wrapIOErr(err)
	}

	return bytes, nil
}

func (r *Real) SetImageSize(bytes uint64) error {
	return wrapIOErr(r.ioctl(opPrefImageSize, uintptr(bytes)))
}

func (r *Real) AllocSwapPage() (uint64, bool) {
	var offset uint64

	if err := r.ioctl(opAllocSwapPage, uintptr(unsafe.Pointer(&offset))); err != nil {
		return 0, false
	}

	if offset == 0 {
		return 0, false
	}

	return offset, true
}

// swapArea matches the {dev, offset} argument of SET_SWAP_AREA.
type swapArea struct {
	dev    [64]byte
	offset uint64
}

func (r *Real) SetSwapArea(devPath string, offsetPages uint64) error {
	var arg swapArea

	n := copy(arg.dev[:], devPath)
	if n < len(devPath) {
		return fmt.Errorf("%w: resume device path %q too long for control channel", werr.ErrKernelUnsupported, devPath)
	}

	arg.offset = offsetPages

	return wrapIOErr(r.ioctl(opSetSwapArea, uintptr(unsafe.Pointer(&arg))))
}

func (r *Real) Shutdown(method ShutdownMethod) error {
	switch method {
	case ShutdownPowerOff:
		return wrapIOErr(r.ioctl(opPowerOff, 0))
	case ShutdownReboot:
		return wrapIOErr(unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART))
	case ShutdownPlatform:
		return wrapIOErr(r.ioctl(opPMOpsEnter, 0))
	case ShutdownS2RAM:
		return wrapIOErr(r.ioctl(opS2RAM, 0))
	default:
		return fmt.Errorf("%w: unknown shutdown method %d", werr.ErrKernelUnsupported, method)
	}
}

func (r *Real) ReadSnapshot(buf []byte) (int, error) {
	n, err := r.ctrl.Read(buf)
	if err != nil && err != io.EOF { //nolint:errorlint // os.File.Read returns io.EOF as a sentinel, not wrapped
		return n, fmt.Errorf("%w: reading snapshot: %w", werr.ErrIO, err)
	}

	return n, err
}

func wrapIOErr(err error) error {
	if err == nil {
		return nil
	}

	if errno, ok := err.(unix.Errno); ok && (errno == unix.ENOTTY || errno == unix.EINVAL) { //nolint:errorlint // raw syscall errno
		return fmt.Errorf("%w: %w", werr.ErrKernelUnsupported, err)
	}

	return fmt.Errorf("%w: %w", werr.ErrIO, err)
}

// Compile-time interface check.
var _ Control = (*Real)(nil)
