package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/blinktest/blinktest/internal/config"
	"github.com/blinktest/blinktest/internal/logging"
)

var (
	dbPath     string
	configFile string

	// cfg is loaded before every command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "blinktest",
	Short: "BlinkTest - flash a thumbnail for one second and see what people took away",
	Long: `BlinkTest flashes a video thumbnail for one second, then asks what the
viewer understood and how clear it was.
Single Go binary, embedded SQLite.

Running without a subcommand starts the server (same as 'blinktest serve').`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	RunE:              runServe, // Default action is to start server
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("BLINKTEST_DB", "./blinktest.db"), "database path")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./blinktest.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-friendly console logs")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if err := logging.Setup(os.Stderr, c.Log.Level, c.Log.Pretty); err != nil {
		return err
	}
	cfg = c
	dbPath = c.DBPath
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
