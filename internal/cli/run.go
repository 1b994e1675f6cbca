// Package cli wires flag parsing, configuration loading, and the
// supervisor into one process entry point, in the shape of the
// teacher's internal/cli/run.go: a fresh FlagSet per invocation and a
// Run function returning a process exit code.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"uswsusp/internal/config"
	"uswsusp/internal/werr"
)

// Run is the s2disk entry point. sigCh may be nil when signal handling
// is not needed (e.g. in tests).
func Run(stdin io.Reader, out, errOut io.Writer, args []string, env []string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("s2disk", flag.ContinueOnError)
	flags.SetInterspersed(true)
	flags.Usage = func() {}
	flags.SetOutput(&strings.Builder{})

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagCwd := flags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := flags.StringP("config", "c", "", "Use specified config `file`")

	flagSnapshotDevice := flags.StringP("snapshot-device", "F", "", "Path of the snapshot control device")
	flagResumeDevice := flags.StringP("resume-device", "R", "", "Path of the swap-backed resume device")
	flagResumeOffset := flags.Uint64("resume-offset", 0, "Page index of the swap header on the resume device")
	flagImageSize := flags.Uint64("image-size", 0, "Preferred image size in bytes")
	flagChecksum := flags.Bool("checksum", true, "Compute an MD5 checksum of the image")
	flagCompress := flags.Bool("compress", false, "Compress the image")
	flagEncrypt := flags.Bool("encrypt", false, "Encrypt the image")
	flagRSAKeyFile := flags.String("rsa-key-file", "", "RSA public key file for wrapped-key encryption")
	flagThreads := flags.Bool("threads", false, "Use the multi-stage threaded pipeline")
	flagEarlyWriteout := flags.Bool("early-writeout", false, "Start writeback every 1% of progress")
	flagShutdownMethod := flags.String("shutdown-method", "", "shutdown, platform, or reboot")
	flagDebugTestFile := flags.String("debug-test-file", "", "Read/write the image from a file instead of the snapshot device")
	flagDebugVerify := flags.Bool("debug-verify-image", false, "Re-read and verify the image checksum after writing")
	flagSuspendLoglevel := flags.Int("suspend-loglevel", -1, "Stored in the config only; the run uses a fixed quiet console loglevel")
	flagResumePause := flags.Uint32("resume-pause", 0, "Opaque hint passed to the resumer")
	flagInteractiveAbort := flags.Bool("interactive-abort", false, "Allow typing 'abort' on stdin to cancel the run")
	flagOverrides := flags.StringArrayP("option", "P", nil, "Set a config `key=value` override, repeatable")
	flagPrintConfig := flags.Bool("print-config", false, "Print the resolved configuration as JSON and exit")
	flagWriteConfig := flags.String("write-config", "", "Write the resolved configuration to `file` and exit")

	if err := flags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut)

		return werr.ExitInvalidConfig
	}

	if *flagHelp {
		printUsage(out)

		return werr.ExitOK
	}

	overrides := make(map[string]string, flags.NFlag())
	applyIfChanged(flags, overrides, "snapshot-device", "snapshot_device", *flagSnapshotDevice)
	applyIfChanged(flags, overrides, "resume-device", "resume_device", *flagResumeDevice)

	if flags.Changed("resume-offset") {
		overrides["resume_offset"] = fmt.Sprintf("%d", *flagResumeOffset)
	}

	if flags.Changed("image-size") {
		overrides["image_size"] = fmt.Sprintf("%d", *flagImageSize)
	}

	if flags.Changed("checksum") {
		overrides["compute_checksum"] = fmt.Sprintf("%t", *flagChecksum)
	}

	if flags.Changed("compress") {
		overrides["compress"] = fmt.Sprintf("%t", *flagCompress)
	}

	if flags.Changed("encrypt") {
		overrides["encrypt"] = fmt.Sprintf("%t", *flagEncrypt)
	}

	applyIfChanged(flags, overrides, "rsa-key-file", "rsa_key_file", *flagRSAKeyFile)

	if flags.Changed("threads") {
		overrides["threads"] = fmt.Sprintf("%t", *flagThreads)
	}

	if flags.Changed("early-writeout") {
		overrides["early_writeout"] = fmt.Sprintf("%t", *flagEarlyWriteout)
	}

	applyIfChanged(flags, overrides, "shutdown-method", "shutdown_method", *flagShutdownMethod)
	applyIfChanged(flags, overrides, "debug-test-file", "debug_test_file", *flagDebugTestFile)

	if flags.Changed("debug-verify-image") {
		overrides["debug_verify_image"] = fmt.Sprintf("%t", *flagDebugVerify)
	}

	if flags.Changed("suspend-loglevel") {
		overrides["suspend_loglevel"] = fmt.Sprintf("%d", *flagSuspendLoglevel)
	}

	if flags.Changed("resume-pause") {
		overrides["resume_pause"] = fmt.Sprintf("%d", *flagResumePause)
	}

	for _, kv := range *flagOverrides {
		key, value, err := config.ParseOverride(kv)
		if err != nil {
			fprintln(errOut, "error:", err)

			return werr.ExitInvalidConfig
		}

		overrides[key] = value
	}

	workDir := *flagCwd
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fprintln(errOut, "error: determining working directory:", err)

			return werr.ExitIO
		}

		workDir = wd
	}

	cfg, _, err := config.Load(workDir, *flagConfig, overrides, env)
	if err != nil {
		fprintln(errOut, "error:", err)

		return werr.ExitInvalidConfig
	}

	if *flagPrintConfig {
		formatted, err := config.FormatConfig(cfg)
		if err != nil {
			fprintln(errOut, "error:", err)

			return werr.ExitIO
		}

		fprintln(out, formatted)

		return werr.ExitOK
	}

	if *flagWriteConfig != "" {
		if err := config.WriteConfigFile(*flagWriteConfig, cfg); err != nil {
			fprintln(errOut, "error:", err)

			return werr.ExitIO
		}

		return werr.ExitOK
	}

	build, err := newRun(cfg)
	if err != nil {
		fprintln(errOut, "error:", err)

		return exitCodeForBuildError(err)
	}
	defer build.Close()

	if *flagInteractiveAbort {
		build.enableInteractiveAbort(stdin, out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- build.run(ctx)
	}()

	select {
	case err := <-done:
		return reportOutcome(errOut, err)
	case <-sigCh:
		fprintln(errOut, "aborting: signal received")
		cancel()
	case <-build.abort:
		fprintln(errOut, "aborting: operator requested abort")
		cancel()
	}

	select {
	case err := <-done:
		return reportOutcome(errOut, err)
	case <-time.After(5 * time.Second):
		fprintln(errOut, "shutdown timed out, forcing exit")

		return werr.ExitIO
	}
}

func reportOutcome(errOut io.Writer, err error) int {
	if err != nil {
		fprintln(errOut, "error:", err)
	}

	return werr.ExitCode(err)
}

func exitCodeForBuildError(err error) int {
	return werr.ExitCode(err)
}

func applyIfChanged(flags *flag.FlagSet, overrides map[string]string, flagName, key, value string) {
	if flags.Changed(flagName) {
		overrides[key] = value
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

const usageText = `s2disk - userspace hibernation image writer

Usage: s2disk [flags]

Flags:
  -h, --help                  Show help
  -C, --cwd <dir>             Run as if started in <dir>
  -c, --config <file>         Use specified config file
  -F, --snapshot-device <p>   Path of the snapshot control device
  -R, --resume-device <p>     Path of the swap-backed resume device
      --resume-offset <n>     Page index of the swap header
      --image-size <n>        Preferred image size in bytes
      --checksum              Compute an MD5 checksum (default true)
      --compress              Compress the image
      --encrypt               Encrypt the image
      --rsa-key-file <p>      RSA public key file
      --threads               Use the threaded pipeline
      --early-writeout        Writeback every 1% of progress
      --shutdown-method <m>   shutdown, platform, or reboot
      --debug-test-file <p>   Use a file in place of the snapshot/resume device
      --debug-verify-image    Verify the image checksum after writing
      --suspend-loglevel <n>  Stored in the config only; a fixed quiet loglevel is used
      --resume-pause <n>      Opaque hint passed to the resumer
      --interactive-abort     Allow typing 'abort' to cancel
  -P, --option key=value      Config override, repeatable
      --print-config          Print the resolved configuration and exit
      --write-config <file>   Write the resolved configuration and exit
`

func printUsage(w io.Writer) {
	fprintln(w, usageText)
}
