package cli

import (
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/autoflow/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"              _         __ _\n" +
		"   __ _ _   _| |_ ___  / _| | _____      __\n" +
		"  / _` | | | | __/ _ \\| |_| |/ _ \\ \\ /\\ / /\n" +
		" | (_| | |_| | || (_) |  _| | (_) \\ V  V /\n" +
		"  \\__,_|\\__,_|\\__\\___/|_| |_|\\___/ \\_/\\_/\n"
)

var (
	verbose bool
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "autoflow",
	Short: "autoflow - event-driven automation engine",
	Long:  color.CyanString(logo) + "\nRuns LLM-driven skills and workflows in response to events.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(verbose, logJSON)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func setupLogging(debug, asJSON bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if asJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}
