// Package config loads the options table of spec.md §6 through the
// same precedence chain the teacher's root config.go uses: defaults,
// then a global user config, then a project or explicit config file,
// then CLI overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"uswsusp/internal/kci"
)

// Config holds every option recognized by spec.md §6.
type Config struct {
	SnapshotDevice string `json:"snapshot_device,omitempty"`
	ResumeDevice   string `json:"resume_device,omitempty"`
	ResumeOffset   uint64 `json:"resume_offset,omitempty"`

	ImageSize uint64 `json:"image_size,omitempty"`

	ComputeChecksum bool `json:"compute_checksum,omitempty"`
	Compress        bool `json:"compress,omitempty"`
	Encrypt         bool `json:"encrypt,omitempty"`
	RSAKeyFile      string `json:"rsa_key_file,omitempty"` //nolint:tagliatelle
	Threads         bool   `json:"threads,omitempty"`

	EarlyWriteout bool `json:"early_writeout,omitempty"`

	ShutdownMethod string `json:"shutdown_method,omitempty"`

	DebugTestFile    string `json:"debug_test_file,omitempty"`
	DebugVerifyImage bool   `json:"debug_verify_image,omitempty"`

	SuspendLoglevel int    `json:"suspend_loglevel,omitempty"`
	ResumePause     uint32 `json:"resume_pause,omitempty"`
}

// Sources tracks which config files were loaded, for diagnostics.
type Sources struct {
	Global  string
	Project string
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".s2disk.json"

// Default returns the built-in defaults, matching the teacher's
// DefaultConfig shape.
func Default() Config {
	return Config{
		ResumeOffset:    0,
		ComputeChecksum: true,
		ShutdownMethod:  "shutdown",
		SuspendLoglevel: 0,
	}
}

// ShutdownMethodValue resolves the configured shutdown_method string onto
// the kci enum. Returns an error carrying the same text the original
// CLI rejects unrecognized values with.
func (c Config) ShutdownMethodValue() (kci.ShutdownMethod, error) {
	switch c.ShutdownMethod {
	case "", "shutdown":
		return kci.ShutdownPowerOff, nil
	case "platform":
		return kci.ShutdownPlatform, nil
	case "reboot":
		return kci.ShutdownReboot, nil
	default:
		return 0, fmt.Errorf("%w: unknown shutdown_method %q", errConfigInvalid, c.ShutdownMethod)
	}
}

// getGlobalConfigPath returns $XDG_CONFIG_HOME/s2disk/config.json, or
// ~/.config/s2disk/config.json if that variable is unset, checking env
// before falling back to the process environment so tests can pin it.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "s2disk", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "s2disk", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "s2disk", "config.json")
	}

	return ""
}

// Load loads configuration with the following precedence (highest
// wins): defaults, global config, project config (or an explicit file
// at configPath), then overrides.
func Load(workDir, configPath string, overrides map[string]string, env []string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	cfg, err = applyOverrides(cfg, overrides)
	if err != nil {
		return Config{}, Sources{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, statErr := os.Stat(cfgFile); statErr != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, cfgFile, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.SnapshotDevice != "" {
		base.SnapshotDevice = overlay.SnapshotDevice
	}

	if overlay.ResumeDevice != "" {
		base.ResumeDevice = overlay.ResumeDevice
	}

	if overlay.ResumeOffset != 0 {
		base.ResumeOffset = overlay.ResumeOffset
	}

	if overlay.ImageSize != 0 {
		base.ImageSize = overlay.ImageSize
	}

	if overlay.ComputeChecksum {
		base.ComputeChecksum = true
	}

	if overlay.Compress {
		base.Compress = true
	}

	if overlay.Encrypt {
		base.Encrypt = true
	}

	if overlay.RSAKeyFile != "" {
		base.RSAKeyFile = overlay.RSAKeyFile
	}

	if overlay.Threads {
		base.Threads = true
	}

	if overlay.EarlyWriteout {
		base.EarlyWriteout = true
	}

	if overlay.ShutdownMethod != "" {
		base.ShutdownMethod = overlay.ShutdownMethod
	}

	if overlay.DebugTestFile != "" {
		base.DebugTestFile = overlay.DebugTestFile
	}

	if overlay.DebugVerifyImage {
		base.DebugVerifyImage = true
	}

	if overlay.SuspendLoglevel != 0 {
		base.SuspendLoglevel = overlay.SuspendLoglevel
	}

	if overlay.ResumePause != 0 {
		base.ResumePause = overlay.ResumePause
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.ResumeDevice == "" && cfg.DebugTestFile == "" {
		return fmt.Errorf("%w: one of resume_device or debug_test_file is required", errConfigInvalid)
	}

	if _, err := cfg.ShutdownMethodValue(); err != nil {
		return err
	}

	return nil
}

// FormatConfig returns cfg as formatted JSON, for a print-config style
// diagnostic command.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}

// WriteConfigFile persists cfg as formatted JSON at path, using the same
// temp-file-plus-rename primitive the teacher uses for ticket and config
// rewrites, so a reader never observes a partially written file.
func WriteConfigFile(path string, cfg Config) error {
	formatted, err := FormatConfig(cfg)
	if err != nil {
		return err
	}

	if err := atomic.WriteFile(path, strings.NewReader(formatted)); err != nil {
		return fmt.Errorf("%w: writing config file %s: %w", errConfigInvalid, path, err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("%w: chmod config file %s: %w", errConfigInvalid, path, err)
	}

	return nil
}
