package commit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"uswsusp/internal/blockdev"
	"uswsusp/internal/werr"
)

const pageSize = 4096

func seedOriginalSignature(t *testing.T, dev blockdev.Device, resumeOffsetPages uint64, tag string) {
	t.Helper()

	var sig [signatureSize]byte
	copy(sig[:], tag)

	require.NoError(t, write(dev, offset(resumeOffsetPages, pageSize), SwapHeader{Signature: sig}))
}

func Test_Commit_Replaces_Signature_And_Stashes_Original(t *testing.T) {
	t.Parallel()

	dev := blockdev.NewFake(4 * pageSize)
	seedOriginalSignature(t, dev, 0, "SWAP-SPC2")

	require.NoError(t, Commit(dev, pageSize, 0, 123456))

	h, err := Read(dev, pageSize, 0)
	require.NoError(t, err)
	require.True(t, h.IsCommitted())
	require.Equal(t, uint64(123456), h.ImageStart)

	var wantOrig [signatureSize]byte
	copy(wantOrig[:], "SWAP-SPC2")
	require.Equal(t, wantOrig, h.OrigSignature)
}

func Test_Commit_Then_Crash_Leaves_Sentinel_Durable(t *testing.T) {
	t.Parallel()

	dev := blockdev.NewFake(4 * pageSize)
	seedOriginalSignature(t, dev, 0, "SWAP-SPC2")
	require.NoError(t, dev.Sync())

	require.NoError(t, Commit(dev, pageSize, 0, 77))

	// Model a power loss immediately after the commit returned: any
	// unsynced state is discarded, but Commit's own write already
	// called Sync, so the sentinel must survive.
	dev.SimulateCrash()

	h, err := Read(dev, pageSize, 0)
	require.NoError(t, err)
	require.True(t, h.IsCommitted())
	require.Equal(t, uint64(77), h.ImageStart)
}

func Test_Crash_Before_Commit_Leaves_Original_Signature(t *testing.T) {
	t.Parallel()

	dev := blockdev.NewFake(4 * pageSize)
	seedOriginalSignature(t, dev, 0, "SWAP-SPC2")
	require.NoError(t, dev.Sync())

	dev.SimulateCrash()

	h, err := Read(dev, pageSize, 0)
	require.NoError(t, err)
	require.False(t, h.IsCommitted())
}

func Test_Reset_Restores_Original_Signature_After_Commit(t *testing.T) {
	t.Parallel()

	dev := blockdev.NewFake(4 * pageSize)
	seedOriginalSignature(t, dev, 0, "SWAP-SPC2")

	require.NoError(t, Commit(dev, pageSize, 0, 999))
	require.NoError(t, Reset(dev, pageSize, 0))

	h, err := Read(dev, pageSize, 0)
	require.NoError(t, err)
	require.False(t, h.IsCommitted())

	var wantOrig [signatureSize]byte
	copy(wantOrig[:], "SWAP-SPC2")
	require.Equal(t, wantOrig, h.Signature)
}

func Test_Reset_Is_A_NoOp_When_Not_Committed(t *testing.T) {
	t.Parallel()

	dev := blockdev.NewFake(4 * pageSize)
	seedOriginalSignature(t, dev, 0, "SWAP-SPC2")

	require.NoError(t, Reset(dev, pageSize, 0))

	h, err := Read(dev, pageSize, 0)
	require.NoError(t, err)
	require.False(t, h.IsCommitted())
}

func Test_Commit_Surfaces_Sync_Failure(t *testing.T) {
	t.Parallel()

	fake := blockdev.NewFake(4 * pageSize)
	seedOriginalSignature(t, fake, 0, "SWAP-SPC2")

	chaos := blockdev.NewChaos(fake, 1, blockdev.ChaosConfig{SyncFailRate: 1})

	err := Commit(chaos, pageSize, 0, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, werr.ErrIO))
}
