// Package pipeline implements the Pipeline Engine: the producer/
// consumer path from the snapshot reader through the optional
// compress and encrypt transforms to the swap writer, per spec.md
// §4.5.
//
// Two regimes are offered, matching spec.md: [Engine.RunSingleThreaded]
// does everything inline on the caller's goroutine; [Engine.RunThreaded]
// splits the work across three goroutines connected by buffered
// channels. A buffered channel is this package's ring buffer: its
// capacity is the ring size, and a blocked send/receive is exactly the
// "producer blocks when next(start)==end" / "consumer blocks when
// end==start" back-pressure spec.md describes — Go's channel
// implementation already gives us the shared lock/condition-variable
// pair spec.md calls for, so RunThreaded does not hand-rolled one.
//
// RunThreaded always runs all three stages, even when compression or
// encryption is disabled; a disabled stage is just an identity
// pass-through. This trades the "two threads when only one transform
// is enabled" merge spec.md allows for one simpler, uniform pipeline
// shape — the idle stage costs a channel hop, not correctness.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"uswsusp/internal/integrity"
	"uswsusp/internal/transform"
	"uswsusp/internal/werr"
)

// Writer is the sink the pipeline drives: ILW's SwapWriter satisfies
// this with its WritePage method.
type Writer interface {
	WritePage(data []byte) (uint64, error)
}

// Syncer is implemented by writers that support early writeout
// (spec.md §6 "early writeout"); the pipeline calls Sync every
// EarlyWriteoutFraction of progress if the writer supports it.
type Syncer interface {
	Sync() error
}

// Config controls one pipeline run. PageSize, BatchPages, and
// TotalPages are required; the rest are optional and nil/zero
// disables the corresponding feature.
type Config struct {
	PageSize   int
	BatchPages int // B: pages per batch read from the source.
	TotalPages uint64

	RingSize        int // W: write-buffer ring capacity (threaded mode only).
	EncryptRingSize int // E: encrypt-buffer ring capacity, in chunks (threaded mode only).

	Compressor transform.Compressor     // nil disables compression.
	Crypto     *transform.CryptoContext // nil disables encryption.
	Checksum   *integrity.Checksum      // nil disables the streaming digest.

	// EarlyWriteoutFraction triggers a Syncer.Sync call every time
	// progress crosses this fraction of TotalPages. Zero disables it.
	EarlyWriteoutFraction float64
}

// Engine runs one pipeline instance over src, writing transformed
// pages to writer.
type Engine struct {
	cfg    Config
	src    io.Reader
	writer Writer
}

// New returns an Engine ready to run. src must yield exactly
// cfg.TotalPages*cfg.PageSize bytes.
func New(cfg Config, src io.Reader, writer Writer) *Engine {
	return &Engine{cfg: cfg, src: src, writer: writer}
}

// result accumulates what both regimes need to report back to the
// supervisor.
type result struct {
	writtenPages uint64
	writtenBytes uint64
}

// RunSingleThreaded reads, transforms, and writes the whole image on
// the calling goroutine, per spec.md §4.5 "Single-threaded".
func (e *Engine) RunSingleThreaded(ctx context.Context) (uint64, error) {
	r := &result{}

	pageSize := e.cfg.PageSize
	remaining := e.cfg.TotalPages
	nextSyncAt := e.syncThreshold(0)

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return r.writtenBytes, err
		}

		batchPages := e.cfg.BatchPages
		if uint64(batchPages) > remaining {
			batchPages = int(remaining)
		}

		raw := make([]byte, batchPages*pageSize)
		if _, err := io.ReadFull(e.src, raw); err != nil {
			return r.writtenBytes, fmt.Errorf("%w: reading snapshot batch: %w", werr.ErrIO, err)
		}

		e.feedChecksum(raw)

		chunks, err := e.compressAndSplit(raw)
		if err != nil {
			return r.writtenBytes, err
		}

		for _, c := range chunks {
			if err := e.encryptAndWrite(c, r); err != nil {
				return r.writtenBytes, err
			}
		}

		remaining -= uint64(batchPages)

		if e.cfg.EarlyWriteoutFraction > 0 && r.writtenPages >= nextSyncAt {
			if err := e.maybeSync(); err != nil {
				return r.writtenBytes, err
			}

			nextSyncAt = e.syncThreshold(r.writtenPages)
		}
	}

	return r.writtenBytes, nil
}

// syncThreshold returns the next writtenPages count at which an early
// writeout sync should fire, given the progress made so far.
func (e *Engine) syncThreshold(writtenPages uint64) uint64 {
	if e.cfg.EarlyWriteoutFraction <= 0 || e.cfg.TotalPages == 0 {
		return ^uint64(0)
	}

	step := uint64(float64(e.cfg.TotalPages) * e.cfg.EarlyWriteoutFraction)
	if step == 0 {
		step = 1
	}

	return writtenPages + step
}

func (e *Engine) maybeSync() error {
	s, ok := e.writer.(Syncer)
	if !ok {
		return nil
	}

	if err := s.Sync(); err != nil {
		return fmt.Errorf("%w: early writeout sync: %w", werr.ErrIO, err)
	}

	return nil
}

func (e *Engine) feedChecksum(raw []byte) {
	if e.cfg.Checksum == nil {
		return
	}

	pageSize := e.cfg.PageSize
	for off := 0; off < len(raw); off += pageSize {
		e.cfg.Checksum.WritePage(raw[off : off+pageSize])
	}
}

// compressAndSplit turns a raw page batch into the physical,
// page-size chunks that will each occupy one swap page. Without
// compression the batch is already page-aligned and is split as-is;
// with compression, the batch becomes one variable-length block which
// is split into page_size chunks, the last zero-padded.
func (e *Engine) compressAndSplit(raw []byte) ([][]byte, error) {
	pageSize := e.cfg.PageSize

	block := raw

	if e.cfg.Compressor != nil {
		compressed, err := e.cfg.Compressor.CompressBatch(raw)
		if err != nil {
			return nil, fmt.Errorf("compressing batch: %w", err)
		}

		block = compressed
	}

	var chunks [][]byte

	for off := 0; off < len(block); off += pageSize {
		end := off + pageSize
		if end > len(block) {
			padded := make([]byte, pageSize)
			copy(padded, block[off:])
			chunks = append(chunks, padded)

			break
		}

		chunks = append(chunks, block[off:end])
	}

	return chunks, nil
}

// encryptAndWrite encrypts (if configured) and writes a single
// page-size chunk, advancing r.
func (e *Engine) encryptAndWrite(chunk []byte, r *result) error {
	out := chunk

	if e.cfg.Crypto != nil {
		ciphertext, err := e.cfg.Crypto.EncryptPage(chunk, r.writtenPages)
		if err != nil {
			return err
		}

		out = ciphertext
	}

	if _, err := e.writer.WritePage(out); err != nil {
		return err
	}

	r.writtenPages++
	r.writtenBytes += uint64(len(out))

	return nil
}

// RunThreaded runs the reader, mover (compress+split), and saver
// (encrypt+write) stages as three goroutines connected by buffered
// channels, per spec.md §4.5 "Multi-threaded".
func (e *Engine) RunThreaded(ctx context.Context) (uint64, error) {
	ringSize := e.cfg.RingSize
	if ringSize < 1 {
		ringSize = 1
	}

	encRingSize := e.cfg.EncryptRingSize
	if encRingSize < 1 {
		encRingSize = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rawCh := make(chan []byte, ringSize)
	chunkCh := make(chan []byte, encRingSize)

	var (
		once     sync.Once
		firstErr error
	)

	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	wg.Add(3)

	// Reader stage.
	go func() {
		defer wg.Done()
		defer close(rawCh)

		pageSize := e.cfg.PageSize
		remaining := e.cfg.TotalPages

		for remaining > 0 {
			batchPages := e.cfg.BatchPages
			if uint64(batchPages) > remaining {
				batchPages = int(remaining)
			}

			raw := make([]byte, batchPages*pageSize)
			if _, err := io.ReadFull(e.src, raw); err != nil {
				fail(fmt.Errorf("%w: reading snapshot batch: %w", werr.ErrIO, err))
				return
			}

			e.feedChecksum(raw)

			select {
			case rawCh <- raw:
			case <-ctx.Done():
				return
			}

			remaining -= uint64(batchPages)
		}
	}()

	// Mover stage: compress + split into page-size chunks.
	go func() {
		defer wg.Done()
		defer close(chunkCh)

		for {
			select {
			case raw, ok := <-rawCh:
				if !ok {
					return
				}

				chunks, err := e.compressAndSplit(raw)
				if err != nil {
					fail(err)
					return
				}

				for _, c := range chunks {
					select {
					case chunkCh <- c:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Saver stage: encrypt + write.
	r := &result{}
	nextSyncAt := e.syncThreshold(0)

	go func() {
		defer wg.Done()

		for {
			select {
			case chunk, ok := <-chunkCh:
				if !ok {
					return
				}

				if err := e.encryptAndWrite(chunk, r); err != nil {
					fail(err)
					return
				}

				if e.cfg.EarlyWriteoutFraction > 0 && r.writtenPages >= nextSyncAt {
					if err := e.maybeSync(); err != nil {
						fail(err)
						return
					}

					nextSyncAt = e.syncThreshold(r.writtenPages)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()

	if firstErr != nil {
		return r.writtenBytes, firstErr
	}

	// Any outstanding ctx error at this point came from the caller, not
	// from fail() (an internal cancellation would already have set
	// firstErr above), so it always means the run was cut short.
	if err := ctx.Err(); err != nil {
		return r.writtenBytes, err
	}

	return r.writtenBytes, nil
}
