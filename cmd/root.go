package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the cluster-bridge application.
var rootCmd = &cobra.Command{
	Use:   "cluster-bridge",
	Short: "Local bridge to the Kubernetes clusters of your kubeconfigs",
	Long: `cluster-bridge keeps track of the Kubernetes clusters found in your
kubeconfig files and serves them on a single local HTTP endpoint. Each
connected cluster gets its own auth proxy, so clients on this machine reach
every cluster without handling credentials themselves.

When run without subcommands, it starts the bridge (equivalent to 'cluster-bridge serve').`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "cluster-bridge version %s\n" .Version}}`)

	// If no subcommand is provided, run the serve command by default
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAuthProxyCmd())
	rootCmd.AddCommand(newContextsCmd())
}
