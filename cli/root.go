package cli

import (
	"fmt"

	"pdfqueue/version"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pdfqueue",
	Short: "Asynchronous PDF compression service",
	Long: `pdfqueue accepts PDF uploads over HTTP, compresses them with an external
tool on a worker pool and serves the compressed files for download.`,
	Version:      version.Version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "pdfqueue", version.String())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
