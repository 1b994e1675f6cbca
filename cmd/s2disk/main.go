// Command s2disk is the userspace hibernation image writer: it freezes
// tasks, asks the kernel for an atomic snapshot, writes the image to
// the configured resume device, and commits the swap signature, per
// spec.md.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"uswsusp/internal/cli"
	"uswsusp/internal/sysstate"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	snapshot, err := sysstate.Save()
	if err == nil {
		_ = snapshot.Quiet()
	}

	if err := sysstate.Lockdown(); err != nil {
		// Lockdown failure is non-fatal: the run proceeds without the
		// rlimit/mlockall hardening rather than refusing to hibernate.
		_, _ = os.Stderr.WriteString("warning: sysstate lockdown failed: " + err.Error() + "\n")
	}

	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ(), sigCh)

	// os.Exit skips deferred calls, so restore explicitly first.
	if err == nil {
		_ = snapshot.Restore()
	}

	os.Exit(exitCode)
}
