package main

import (
	"os"

	"github.com/Interops-io/infrastructure/internal/cmd"
)

// Build metadata, injected via -ldflags at release time.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(cmd.ExitCode(err))
	}
}
