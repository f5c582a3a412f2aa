// Command rupy runs and deploys to the rupy hot-deploy daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	rerrors "github.com/rupy-dev/rupy/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		rerrors.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rupy",
		Short: "Hot-deploy HTTP daemon",
		Long: `rupy is a small HTTP daemon that swaps application bundles in place.

Bundles are zip files of static content and .unit service descriptors.
Deploy one with 'rupy deploy' and it replaces the running version without
a restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		deployCmd(),
		packCmd(),
		hashCmd(),
		versionCmd(),
	)
	return root
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// warn prints a warning message.
func warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}
