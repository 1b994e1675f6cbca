package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Load_Returns_Defaults_When_No_Config_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, sources, err := Load(dir, "", map[string]string{"resume_device": "/dev/sda2"}, nil)
	require.NoError(t, err)
	require.Empty(t, sources.Global)
	require.Empty(t, sources.Project)
	require.True(t, cfg.ComputeChecksum)
	require.Equal(t, "shutdown", cfg.ShutdownMethod)
}

func Test_Load_Merges_Project_Config_Over_Defaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{
		// trailing comma and comments are fine, it's JSONC
		"resume_device": "/dev/sda2",
		"compress": true,
	}`)

	cfg, sources, err := Load(dir, "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ConfigFileName), sources.Project)
	require.Equal(t, "/dev/sda2", cfg.ResumeDevice)
	require.True(t, cfg.Compress)
}

func Test_Load_Explicit_Config_Path_Overrides_Project_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"resume_device": "/dev/sda2"}`)

	explicit := filepath.Join(dir, "other.json")
	writeFile(t, explicit, `{"resume_device": "/dev/sda3", "encrypt": true}`)

	cfg, sources, err := Load(dir, explicit, nil, nil)
	require.NoError(t, err)
	require.Equal(t, explicit, sources.Project)
	require.Equal(t, "/dev/sda3", cfg.ResumeDevice)
	require.True(t, cfg.Encrypt)
}

func Test_Load_Fails_When_Explicit_Config_Path_Does_Not_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, _, err := Load(dir, filepath.Join(dir, "missing.json"), nil, nil)
	require.ErrorIs(t, err, errConfigFileNotFound)
}

func Test_Load_Fails_On_Invalid_JSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{not json`)

	_, _, err := Load(dir, "", nil, nil)
	require.ErrorIs(t, err, errConfigInvalid)
}

func Test_Load_Applies_CLI_Overrides_Last(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"resume_device": "/dev/sda2", "image_size": 1024}`)

	cfg, _, err := Load(dir, "", map[string]string{"image_size": "2048"}, nil)
	require.NoError(t, err)
	require.Equal(t, "/dev/sda2", cfg.ResumeDevice)
	require.Equal(t, uint64(2048), cfg.ImageSize)
}

func Test_Load_Requires_Resume_Device_Or_Debug_Test_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, _, err := Load(dir, "", nil, nil)
	require.ErrorIs(t, err, errConfigInvalid)
}

func Test_Load_Accepts_Debug_Test_File_In_Place_Of_Resume_Device(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, _, err := Load(dir, "", map[string]string{"debug_test_file": filepath.Join(dir, "image.bin")}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.DebugTestFile)
}

func Test_Load_Rejects_Unknown_Shutdown_Method(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	overrides := map[string]string{
		"resume_device":   "/dev/sda2",
		"shutdown_method": "explode",
	}

	_, _, err := Load(dir, "", overrides, nil)
	require.ErrorIs(t, err, errConfigInvalid)
}

func Test_ParseOverride_Splits_Key_And_Value(t *testing.T) {
	t.Parallel()

	key, value, err := ParseOverride("image_size=1048576")
	require.NoError(t, err)
	require.Equal(t, "image_size", key)
	require.Equal(t, "1048576", value)
}

func Test_ParseOverride_Rejects_Missing_Equals(t *testing.T) {
	t.Parallel()

	_, _, err := ParseOverride("image_size")
	require.Error(t, err)
}

func Test_ShutdownMethodValue_Resolves_Every_Recognized_Name(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{"": true, "shutdown": true, "platform": true, "reboot": true, "bogus": false}
	for name, ok := range cases {
		cfg := Config{ShutdownMethod: name}
		_, err := cfg.ShutdownMethodValue()
		require.Equal(t, ok, err == nil, "shutdown_method=%q", name)
	}
}

func Test_WriteConfigFile_Writes_Readable_JSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "written.json")

	cfg := Default()
	cfg.ResumeDevice = "/dev/sda2"
	cfg.ImageSize = 4096

	require.NoError(t, WriteConfigFile(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"resume_device": "/dev/sda2"`)

	roundTripped, err := parseConfig(data)
	require.NoError(t, err)
	require.Equal(t, cfg, roundTripped)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
