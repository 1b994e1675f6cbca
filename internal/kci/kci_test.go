package kci

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Fake_CreateImage_Reports_Snapshotted_Then_Resumed(t *testing.T) {
	t.Parallel()

	f := NewFake(nil, 0, nil)

	outcome, err := f.CreateImage()
	require.NoError(t, err)
	require.Equal(t, Snapshotted, outcome)

	f.SetResumed()

	outcome, err = f.CreateImage()
	require.NoError(t, err)
	require.Equal(t, Resumed, outcome)
}

func Test_Fake_AllocSwapPage_Drains_Pool_Then_Reports_Exhaustion(t *testing.T) {
	t.Parallel()

	f := NewFake([]uint64{64, 128}, 1024, nil)

	off, ok := f.AllocSwapPage()
	require.True(t, ok)
	require.Equal(t, uint64(64), off)

	off, ok = f.AllocSwapPage()
	require.True(t, ok)
	require.Equal(t, uint64(128), off)

	_, ok = f.AllocSwapPage()
	require.False(t, ok)
}

func Test_Fake_FreeSwap_Resets_The_Allocation_Cursor(t *testing.T) {
	t.Parallel()

	f := NewFake([]uint64{64, 128}, 1024, nil)

	_, _ = f.AllocSwapPage()
	_, _ = f.AllocSwapPage()

	require.NoError(t, f.FreeSwap())

	off, ok := f.AllocSwapPage()
	require.True(t, ok)
	require.Equal(t, uint64(64), off)
}

func Test_Fake_ReadSnapshot_Streams_Canned_Data_Then_EOF(t *testing.T) {
	t.Parallel()

	f := NewFake(nil, 0, []byte("hello-world"))

	buf := make([]byte, 5)

	n, err := f.ReadSnapshot(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	n, err = f.ReadSnapshot(buf)
	require.NoError(t, err)
	require.Equal(t, "-worl", string(buf[:n]))

	n, err = f.ReadSnapshot(buf)
	require.NoError(t, err)
	require.Equal(t, "d", string(buf[:n]))

	_, err = f.ReadSnapshot(buf)
	require.ErrorIs(t, err, io.EOF)
}

func Test_Fake_Shutdown_Records_Every_Call(t *testing.T) {
	t.Parallel()

	f := NewFake(nil, 0, nil)

	require.NoError(t, f.Shutdown(ShutdownPowerOff))
	require.NoError(t, f.Shutdown(ShutdownPlatform))

	require.Equal(t, []ShutdownMethod{ShutdownPowerOff, ShutdownPlatform}, f.ShutdownCalls())
}

func Test_NewSnapshotReader_Adapts_Control_To_Io_Reader(t *testing.T) {
	t.Parallel()

	f := NewFake(nil, 0, []byte("abc"))
	r := NewSnapshotReader(f)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}
