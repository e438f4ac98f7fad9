// Package flag parses the command line, the way flag/runs.go in the
// teacher wires a kong CLI struct into a Run. There is only one command
// here: a guest image path and its DOS command-line arguments.
package flag

import (
	"os"

	"github.com/alecthomas/kong"
)

// CLI is the whole command line: <program> <guest-image> [<dos-arg> ...].
// No flags are defined, per spec.md §6.
type CLI struct {
	Image string   `arg:"" help:"path to the DOS .com guest image"`
	Args  []string `arg:"" optional:"" help:"arguments passed to the guest program"`
}

const (
	programName = "kvmdos"
	programDesc = "kvmdos runs a 16-bit real-mode DOS .com program under KVM"

	// fatalExitCode is spec.md §6's exit code for any CLI usage error,
	// including "fewer than one guest argument" — kong's own default
	// exit code is 1, so it is overridden here rather than left as-is.
	fatalExitCode = 252
)

// Parse parses os.Args into a CLI, the same kong.Parse call runs.go
// makes. A missing image argument or any other usage error prints usage
// to stderr and exits 252 via kong's own exit function, matching
// spec.md §6 exactly; Parse only returns an error for conditions kong
// does not already handle by exiting.
func Parse() (*CLI, error) {
	c := &CLI{}

	kong.Parse(c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Exit(func(int) { os.Exit(fatalExitCode) }),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	return c, nil
}
