package cli

import (
	"github.com/spf13/cobra"

	"github.com/tutu-network/docreview/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "Use the scripted demo engine instead of the claude CLI")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
	serveDemo bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review server",
	Long:  `Start the review API server at localhost:8742.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveDemo {
		cfg.Engine.Kind = daemon.EngineDemo
	}

	logs := daemon.SetupLogging(cfg.Logging)
	defer logs.Close()

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(cmd.Context())
}

func loadConfig() (daemon.Config, error) {
	if configPath != "" {
		return daemon.LoadConfigFile(configPath)
	}
	return daemon.LoadConfig()
}
