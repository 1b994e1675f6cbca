package config

import (
	"fmt"
	"strconv"
)

// ParseOverride splits one -P key=value argument into its key and
// value, per spec.md §6.
func ParseOverride(kv string) (key, value string, err error) {
	for i := range kv {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], nil
		}
	}

	return "", "", fmt.Errorf("%w: -P value %q is missing '='", errConfigInvalid, kv)
}

// applyOverrides layers -P key=value pairs on top of cfg, the last
// stage of the precedence chain in Load.
func applyOverrides(cfg Config, overrides map[string]string) (Config, error) {
	for key, value := range overrides {
		if err := setField(&cfg, key, value); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func setField(cfg *Config, key, value string) error {
	switch key {
	case "snapshot_device":
		cfg.SnapshotDevice = value
	case "resume_device":
		cfg.ResumeDevice = value
	case "resume_offset":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: resume_offset %q: %w", errConfigInvalid, value, err)
		}

		cfg.ResumeOffset = n
	case "image_size":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: image_size %q: %w", errConfigInvalid, value, err)
		}

		cfg.ImageSize = n
	case "compute_checksum":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: compute_checksum %q: %w", errConfigInvalid, value, err)
		}

		cfg.ComputeChecksum = b
	case "compress":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: compress %q: %w", errConfigInvalid, value, err)
		}

		cfg.Compress = b
	case "encrypt":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: encrypt %q: %w", errConfigInvalid, value, err)
		}

		cfg.Encrypt = b
	case "rsa_key_file":
		cfg.RSAKeyFile = value
	case "threads":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: threads %q: %w", errConfigInvalid, value, err)
		}

		cfg.Threads = b
	case "early_writeout":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: early_writeout %q: %w", errConfigInvalid, value, err)
		}

		cfg.EarlyWriteout = b
	case "shutdown_method":
		cfg.ShutdownMethod = value
	case "debug_test_file":
		cfg.DebugTestFile = value
	case "debug_verify_image":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: debug_verify_image %q: %w", errConfigInvalid, value, err)
		}

		cfg.DebugVerifyImage = b
	case "suspend_loglevel":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: suspend_loglevel %q: %w", errConfigInvalid, value, err)
		}

		cfg.SuspendLoglevel = n
	case "resume_pause":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: resume_pause %q: %w", errConfigInvalid, value, err)
		}

		cfg.ResumePause = uint32(n)
	default:
		return fmt.Errorf("%w: unknown config key %q", errConfigInvalid, key)
	}

	return nil
}
