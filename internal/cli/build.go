package cli

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"

	"uswsusp/internal/blockdev"
	"uswsusp/internal/config"
	"uswsusp/internal/kci"
	"uswsusp/internal/supervisor"
	"uswsusp/internal/transform"
	"uswsusp/internal/werr"
)

// run bundles the components newRun builds from a loaded config,
// deferring cleanup (device/control handles) to Close.
type run struct {
	ctrl  kci.Control
	dev   blockdev.Device
	sup   *supervisor.Supervisor
	abort chan struct{}
}

// newRun resolves cfg into a ready-to-run Supervisor, opening the
// snapshot control channel and resume device (or the single
// debug-test-file standing in for both, per spec.md §6).
func newRun(cfg config.Config) (*run, error) {
	pageSize := uint64(os.Getpagesize())

	if err := ensureDebugTestFile(cfg); err != nil {
		return nil, err
	}

	dev, err := openResumeDevice(cfg)
	if err != nil {
		return nil, err
	}

	ctrl, err := openControl(cfg, pageSize)
	if err != nil {
		_ = dev.Close()

		return nil, err
	}

	shutdownMethod, err := cfg.ShutdownMethodValue()
	if err != nil {
		_ = dev.Close()

		return nil, err
	}

	scfg := supervisor.Config{
		PageSize:           pageSize,
		MaxExtentsPerPage:  destMaxExtentsPerPage,
		PreferredImageSize: cfg.ImageSize,
		ResumeOffsetPages:  cfg.ResumeOffset,
		BatchPages:         destBatchPages,
		RingSize:           destRingSize,
		EncryptRingSize:    destRingSize,
		Threaded:           cfg.Threads,
		Verify:             cfg.DebugVerifyImage,
		ShutdownMethod:     shutdownMethod,
		ResumePause:        cfg.ResumePause,
		SkipChecksum:       !cfg.ComputeChecksum,
	}

	if cfg.EarlyWriteout {
		scfg.EarlyWriteoutFraction = 0.01
	}

	if cfg.Compress {
		scfg.Compressor = transform.NewFlateCompressor(0)
	}

	if cfg.Encrypt {
		crypto, wrapped, err := buildCrypto(cfg)
		if err != nil {
			_ = dev.Close()

			return nil, err
		}

		scfg.Crypto = crypto
		scfg.EncryptedKey = wrapped
	}

	return &run{
		ctrl:  ctrl,
		dev:   dev,
		sup:   supervisor.New(ctrl, dev, scfg),
		abort: make(chan struct{}),
	}, nil
}

// Destination constants mirror the real uswsusp defaults: the
// extent-array cap, the pages read per pipeline batch, and a
// conservative ring depth that keeps memory use bounded.
const (
	destMaxExtentsPerPage = 64
	destBatchPages        = 16
	destRingSize          = 8
)

// ensureDebugTestFile pre-creates a zero-filled debug test file of
// exactly image_size bytes when one does not already exist, using the
// same atomic temp-file-plus-rename primitive the teacher uses for
// ticket and config rewrites, so a crash mid-creation never leaves a
// truncated fixture behind.
func ensureDebugTestFile(cfg config.Config) error {
	if cfg.DebugTestFile == "" {
		return nil
	}

	if _, err := os.Stat(cfg.DebugTestFile); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: stat debug test file: %w", werr.ErrIO, err)
	}

	if err := atomic.WriteFile(cfg.DebugTestFile, bytes.NewReader(make([]byte, cfg.ImageSize))); err != nil {
		return fmt.Errorf("%w: creating debug test file: %w", werr.ErrIO, err)
	}

	return nil
}

func openResumeDevice(cfg config.Config) (blockdev.Device, error) {
	path := cfg.ResumeDevice
	if cfg.DebugTestFile != "" {
		path = cfg.DebugTestFile
	}

	dev, err := blockdev.OpenReal(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening resume device: %w", err)
	}

	return dev, nil
}

// openControl opens the kernel control channel, or (in debug-test-file
// mode) a Fake control seeded from the test file, so the write path can
// be exercised without a real snapshot device or swap partition.
func openControl(cfg config.Config, pageSize uint64) (kci.Control, error) {
	if cfg.DebugTestFile != "" {
		data, err := os.ReadFile(cfg.DebugTestFile) //nolint:gosec
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: reading debug test file: %w", werr.ErrIO, err)
		}

		// A debug test file that does not exist yet (or is shorter
		// than the requested image) stands in for an all-zero snapshot
		// of exactly image_size bytes, so a first run can exercise the
		// write path without a pre-seeded fixture.
		if uint64(len(data)) < cfg.ImageSize {
			data = append(data, make([]byte, cfg.ImageSize-uint64(len(data)))...)
		}

		pool := debugSwapPool(cfg.ImageSize, pageSize)

		return kci.NewFake(pool, uint64(len(pool))*pageSize, data), nil
	}

	if cfg.SnapshotDevice == "" {
		return nil, fmt.Errorf("%w: snapshot_device is required outside debug_test_file mode", werr.ErrKernelUnsupported)
	}

	ctrl, err := kci.OpenReal(cfg.SnapshotDevice)
	if err != nil {
		return nil, err
	}

	if err := ctrl.SetSwapArea(cfg.ResumeDevice, cfg.ResumeOffset); err != nil {
		_ = ctrl.Close()

		return nil, err
	}

	return ctrl, nil
}

// debugSwapPool fabricates a page-offset pool for Fake control in
// debug-test-file mode, generous enough to cover the data pages plus
// the header and extent-map overhead the real allocator would reserve
// from actual swap.
func debugSwapPool(imageSize, pageSize uint64) []uint64 {
	dataPages := (imageSize + pageSize - 1) / pageSize
	const overheadPages = 8

	pool := make([]uint64, dataPages+overheadPages)
	for i := range pool {
		pool[i] = uint64(i) * pageSize
	}

	return pool
}

func buildCrypto(cfg config.Config) (*transform.CryptoContext, []byte, error) {
	var pub *rsa.PublicKey

	if cfg.RSAKeyFile != "" {
		key, err := loadRSAPublicKey(cfg.RSAKeyFile)
		if err != nil {
			return nil, nil, err
		}

		pub = key
	}

	crypto, wrapped, err := transform.NewCryptoContext([]byte(cfg.ResumeDevice), pub)
	if err != nil {
		return nil, nil, err
	}

	return crypto, wrapped, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("%w: reading rsa key file: %w", werr.ErrIO, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: rsa key file is not PEM-encoded", werr.ErrCrypto)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing rsa public key: %w", werr.ErrCrypto, err)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: rsa key file does not contain an RSA public key", werr.ErrCrypto)
	}

	return rsaKey, nil
}

func (r *run) run(ctx context.Context) error {
	_, err := r.sup.Run(ctx)

	return err
}

func (r *run) Close() {
	_ = r.dev.Close()

	if closer, ok := r.ctrl.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// enableInteractiveAbort starts a liner-driven prompt that cancels the
// run when the operator types "abort", per spec.md §7 Aborted.
func (r *run) enableInteractiveAbort(stdin io.Reader, out io.Writer) {
	go watchForAbort(stdin, out, r.abort)
}
