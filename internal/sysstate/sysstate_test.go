package sysstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeFileIO struct {
	files map[string][]byte
}

func newFakeFileIO() *fakeFileIO {
	return &fakeFileIO{
		files: map[string][]byte{
			loglevelPath:   []byte("4\t4\t1\t7\n"),
			swappinessPath: []byte("60\n"),
		},
	}
}

func (f *fakeFileIO) ReadFile(path string) ([]byte, error) {
	return append([]byte(nil), f.files[path]...), nil
}

func (f *fakeFileIO) WriteFile(path string, data []byte) error {
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func Test_Save_Captures_Current_Loglevel_And_Swappiness(t *testing.T) {
	t.Parallel()

	io := newFakeFileIO()

	s, err := save(io)
	require.NoError(t, err)

	got, err := s.Swappiness()
	require.NoError(t, err)
	require.Equal(t, 60, got)
}

func Test_Quiet_Then_Restore_Round_Trips_The_Original_Values(t *testing.T) {
	t.Parallel()

	io := newFakeFileIO()

	s, err := save(io)
	require.NoError(t, err)

	require.NoError(t, s.Quiet())
	require.Equal(t, "0", string(io.files[swappinessPath]))
	require.NotEqual(t, "4\t4\t1\t7\n", string(io.files[loglevelPath]))

	require.NoError(t, s.Restore())
	require.Equal(t, "4\t4\t1\t7\n", string(io.files[loglevelPath]))
	require.Equal(t, "60\n", string(io.files[swappinessPath]))
}
