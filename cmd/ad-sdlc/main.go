// Command ad-sdlc is the CLI entrypoint for the pipeline controller: init,
// start, resume, status, and cancel against a project rooted at
// AD_SDLC_HOME (§6). It replaces the teacher's flag.String-based main.go
// with a cobra command tree, but keeps the same shape underneath: a thin
// main that builds a config struct and hands it to long-lived components.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ad-sdlc",
	Short: "Autonomous SDLC pipeline controller",
	Long: "ad-sdlc drives a project through requirements, design, implementation,\n" +
		"review, and release by dispatching work to agents over a bridge and\n" +
		"tracking a dependency-ordered issue queue with a bounded worker pool.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(initCmd, startCmd, resumeCmd, statusCmd, cancelCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ad-sdlc:", err)
		os.Exit(exitCodeFor(err))
	}
}
