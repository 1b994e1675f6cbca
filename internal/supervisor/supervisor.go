// Package supervisor implements the Image Supervisor: the orchestration
// loop that ties preflight sizing, the kernel snapshot call, the
// pipeline write path, header finalization, and the commit point
// together into one hibernate-to-disk run, per spec.md §4.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"uswsusp/internal/blockdev"
	"uswsusp/internal/commit"
	"uswsusp/internal/header"
	"uswsusp/internal/ilw"
	"uswsusp/internal/integrity"
	"uswsusp/internal/kci"
	"uswsusp/internal/pipeline"
	"uswsusp/internal/transform"
	"uswsusp/internal/werr"
)

// Config collects every knob the supervisor needs across preflight,
// snapshot, write, and verify.
type Config struct {
	PageSize          uint64
	MaxExtentsPerPage int

	// PreferredImageSize is the caller's requested image size in
	// bytes; preflight clamps it to what the kernel actually reports
	// as available (spec.md §4.2 "image_size = min(avail_swap,
	// preferred_image_size)").
	PreferredImageSize uint64

	// ResumeOffsetPages locates the resume device's swap-signature
	// page for the commit step.
	ResumeOffsetPages uint64

	BatchPages      int
	RingSize        int
	EncryptRingSize int
	Threaded        bool

	EarlyWriteoutFraction float64

	Compressor transform.Compressor
	Crypto     *transform.CryptoContext

	// EncryptedKey is the RSA-wrapped session key produced by
	// transform.NewCryptoContext when an RSA key file is configured;
	// nil in direct-passphrase mode.
	EncryptedKey []byte

	// ResumePause is an opaque hint copied verbatim into the header,
	// per spec.md §6 "resume pause".
	ResumePause uint32

	// SkipChecksum disables the MD5 checksum pass, per spec.md §6
	// "compute checksum" (default enabled).
	SkipChecksum bool

	// Verify re-reads the image after commit and recomputes its
	// checksum before returning, per spec.md §4.8.
	Verify bool

	ShutdownMethod kci.ShutdownMethod
}

// Supervisor runs one hibernate-to-disk attempt end to end.
type Supervisor struct {
	ctrl kci.Control
	dev  blockdev.Device
	cfg  Config
}

// New returns a Supervisor driving ctrl (the kernel control channel)
// and dev (the resume device).
func New(ctrl kci.Control, dev blockdev.Device, cfg Config) *Supervisor {
	return &Supervisor{ctrl: ctrl, dev: dev, cfg: cfg}
}

// Outcome reports what Run produced.
type Outcome struct {
	// Resumed is true when CreateImage reported that this process is
	// actually running after the kernel restored the image on a later
	// boot (spec.md §9); every other field is then zero and the
	// caller's job is done — there is nothing left to write.
	Resumed bool

	Pages         uint64
	ImageDataSize uint64
	HeaderOffset  uint64
}

// Run executes one full attempt: freeze, snapshot, write, commit,
// shutdown. On the resume path it unfreezes, resets the commit
// sentinel, and returns Outcome{Resumed: true} instead.
func (s *Supervisor) Run(ctx context.Context) (Outcome, error) {
	if err := s.ctrl.Freeze(); err != nil {
		return Outcome{}, fmt.Errorf("freezing tasks: %w", err)
	}

	outcome, err := s.ctrl.CreateImage()
	if err != nil {
		_ = s.ctrl.Unfreeze()

		return Outcome{}, fmt.Errorf("creating snapshot: %w", err)
	}

	if outcome == kci.Resumed {
		if err := commit.Reset(s.dev, s.cfg.PageSize, s.cfg.ResumeOffsetPages); err != nil {
			_ = s.ctrl.Unfreeze()

			return Outcome{}, err
		}

		if err := s.ctrl.Unfreeze(); err != nil {
			return Outcome{}, fmt.Errorf("unfreezing tasks after resume: %w", err)
		}

		return Outcome{Resumed: true}, nil
	}

	res, writeErr := s.writeImage(ctx)
	if writeErr != nil {
		_ = s.ctrl.Unfreeze()

		return Outcome{}, writeErr
	}

	if err := s.ctrl.Shutdown(s.cfg.ShutdownMethod); err != nil {
		// The swap signature is already committed: returning control now
		// risks the kernel resuming into a stale image on the next boot
		// (spec.md §4.7). Match the original's power_off fallback and
		// never come back.
		fmt.Fprintf(os.Stderr, "shutdown failed after commit, refusing to return control: %v\n", err)
		haltForever()
	}

	return res, nil
}

// haltForever blocks the calling goroutine permanently, mirroring the
// original's `while(1) sleep(60)` lockout (suspend.c's suspend_shutdown
// and mark_suspend_image) after a failure from which resuming control
// to userspace would risk data corruption. A package variable so tests
// can substitute a stub instead of hanging.
var haltForever = func() {
	for {
		time.Sleep(time.Hour)
	}
}

// writeImage runs preflight and the write path, retrying exactly once
// with image_size forced to zero if swap runs out, per spec.md §6
// "Out-of-swap, retried once: forced to zero image_size".
func (s *Supervisor) writeImage(ctx context.Context) (Outcome, error) {
	res, err := s.attemptWrite(ctx, s.cfg.PreferredImageSize)
	if err == nil {
		return res, nil
	}

	if !isNoSwapSpace(err) {
		return Outcome{}, err
	}

	if err := s.ctrl.FreeSnapshot(); err != nil {
		return Outcome{}, fmt.Errorf("freeing snapshot before retry: %w", err)
	}

	if err := s.ctrl.FreeSwap(); err != nil {
		return Outcome{}, fmt.Errorf("freeing swap before retry: %w", err)
	}

	return s.attemptWrite(ctx, 0)
}

// attemptWrite runs preflight sizing, the pipeline write path, header
// finalization, and commit for one image_size target.
func (s *Supervisor) attemptWrite(ctx context.Context, preferredSize uint64) (Outcome, error) {
	avail, err := s.ctrl.AvailSwap()
	if err != nil {
		return Outcome{}, fmt.Errorf("querying available swap: %w", err)
	}

	imageSize := preferredSize
	if avail < imageSize {
		imageSize = avail
	}

	if err := s.ctrl.SetImageSize(imageSize); err != nil {
		return Outcome{}, fmt.Errorf("setting preferred image size: %w", err)
	}

	pageSize := s.cfg.PageSize

	sw, err := ilw.NewSwapWriter(s.dev, pageSize, s.ctrl, s.cfg.MaxExtentsPerPage)
	if err != nil {
		return Outcome{}, err
	}

	headerOffset, ok := s.ctrl.AllocSwapPage()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: no swap page for the image header", werr.ErrNoSwapSpace)
	}

	target := imageSize
	if s.cfg.Compressor != nil {
		target = uint64(s.cfg.Compressor.MaxCompressedSize(int(imageSize)))
	}

	if _, err := sw.Preallocate(target); err != nil {
		return Outcome{}, err
	}

	totalPages := (imageSize + pageSize - 1) / pageSize

	var checksum *integrity.Checksum
	if !s.cfg.SkipChecksum {
		checksum = integrity.New()
	}

	pcfg := pipeline.Config{
		PageSize:              int(pageSize),
		BatchPages:            s.cfg.BatchPages,
		TotalPages:            totalPages,
		RingSize:              s.cfg.RingSize,
		EncryptRingSize:       s.cfg.EncryptRingSize,
		Compressor:            s.cfg.Compressor,
		Crypto:                s.cfg.Crypto,
		Checksum:              checksum,
		EarlyWriteoutFraction: s.cfg.EarlyWriteoutFraction,
	}

	eng := pipeline.New(pcfg, kci.NewSnapshotReader(s.ctrl), sw)

	var writtenBytes uint64

	if s.cfg.Threaded {
		writtenBytes, err = eng.RunThreaded(ctx)
	} else {
		writtenBytes, err = eng.RunSingleThreaded(ctx)
	}

	if err != nil {
		return Outcome{}, err
	}

	if err := sw.SaveExtents(true); err != nil {
		return Outcome{}, err
	}

	ih := header.ImageHeader{
		Pages:         totalPages,
		MapStart:      sw.MapStart(),
		ImageDataSize: writtenBytes,
		ResumePause:   s.cfg.ResumePause,
	}

	if s.cfg.Compressor != nil {
		ih.Flags |= header.FlagCompressed
	}

	if checksum != nil {
		ih.Flags |= header.FlagChecksum
		ih.Checksum = checksum.Sum()
	}

	if s.cfg.Crypto != nil {
		ih.Flags |= header.FlagEncrypted
		ih.Salt = s.cfg.Crypto.Salt()

		if s.cfg.EncryptedKey != nil {
			ih.Flags |= header.FlagUseRSA
			ih.EncryptedKey = s.cfg.EncryptedKey
		}
	}

	buf, err := ih.Encode()
	if err != nil {
		return Outcome{}, fmt.Errorf("encoding image header: %w", err)
	}

	n, err := s.dev.WriteAt(buf, int64(headerOffset))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: writing image header at %d: %w", werr.ErrIO, headerOffset, err)
	}

	if n != len(buf) {
		return Outcome{}, fmt.Errorf("%w: short write of image header at %d", werr.ErrIO, headerOffset)
	}

	if err := s.dev.Sync(); err != nil {
		return Outcome{}, fmt.Errorf("%w: syncing image header: %w", werr.ErrIO, err)
	}

	if err := commit.Commit(s.dev, pageSize, s.cfg.ResumeOffsetPages, headerOffset); err != nil {
		if errors.Is(err, werr.ErrCommitCorruption) {
			// The sentinel write landed but the readback disagrees: spec.md
			// §7 requires this to be fatal and non-returning, since the
			// on-disk state is now ambiguous about whether the image will
			// be resumed into.
			fmt.Fprintf(os.Stderr, "commit corruption, refusing to return control: %v\n", err)
			haltForever()
		}

		return Outcome{}, err
	}

	res := Outcome{
		Pages:         totalPages,
		ImageDataSize: writtenBytes,
		HeaderOffset:  headerOffset,
	}

	if s.cfg.Verify {
		if err := s.verify(eng, headerOffset); err != nil {
			return Outcome{}, err
		}
	}

	return res, nil
}

// verify re-reads every data page through the extent map and confirms
// the pre-transform checksum still matches, per spec.md §4.8 and the
// "round-trip" testable property of spec.md §8.
func (s *Supervisor) verify(eng *pipeline.Engine, headerOffset uint64) error {
	buf := make([]byte, header.PageSize)

	if _, err := s.dev.ReadAt(buf, int64(headerOffset)); err != nil {
		return fmt.Errorf("%w: re-reading image header for verify: %w", werr.ErrIO, err)
	}

	got, err := header.Decode(buf)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	r := ilw.NewMapReader(s.dev, s.cfg.PageSize, got.MapStart)
	sum := integrity.New()

	if err := eng.Decode(r.Next, func(page []byte) error {
		sum.WritePage(page)
		return nil
	}); err != nil {
		return fmt.Errorf("verify: replaying image: %w", err)
	}

	if got.Flags&header.FlagChecksum == 0 {
		return nil
	}

	if want := sum.Sum(); want != got.Checksum {
		return fmt.Errorf("%w: checksum mismatch: got %x, want %x", werr.ErrIO, want, got.Checksum)
	}

	return nil
}

func isNoSwapSpace(err error) bool {
	return errors.Is(err, werr.ErrNoSwapSpace)
}
