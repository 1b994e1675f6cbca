package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"
)

// watchForAbort reads lines until the operator types "abort", then
// closes abortCh, mirroring the teacher's cmd/sloty REPL's use of
// liner for interactive input. Any other input is ignored; EOF or a
// Ctrl-C simply ends the prompt loop without aborting.
func watchForAbort(_ io.Reader, out io.Writer, abortCh chan<- struct{}) {
	state := liner.NewLiner()
	defer state.Close()

	state.SetCtrlCAborts(true)

	fprintln(out, "type 'abort' and press enter to cancel the run")

	for {
		line, err := state.Prompt("> ")
		if err != nil {
			return
		}

		if strings.TrimSpace(strings.ToLower(line)) == "abort" {
			fmt.Fprintln(out, "abort requested")
			close(abortCh)

			return
		}
	}
}
