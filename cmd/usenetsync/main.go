package main

import (
	"fmt"
	"os"

	"github.com/usenetsync/usenetsync/cmd/usenetsync/commands"
	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := commands.Execute(version, commit, date); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errkind.KindOf(err).ExitCode())
	}
}
