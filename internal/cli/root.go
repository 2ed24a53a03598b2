// Package cli implements the docreview command-line interface using Cobra.
// Every subcommand except serve talks to a running server over HTTP.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/docreview/internal/client"
)

const defaultServer = "http://127.0.0.1:8742"

var (
	serverURL  string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "docreview",
	Short: "Review design documents against your code",
	Long: `docreview runs an AI review of a design document against one or more
repositories and streams the review's progress while it runs.

Start the server with 'docreview serve', then submit documents with
'docreview submit'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DOCREVIEW_SERVER", defaultServer), "Review server base URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $DOCREVIEW_HOME/config.toml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverURL)
}
