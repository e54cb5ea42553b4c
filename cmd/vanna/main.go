package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor   bool
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:           "vanna",
	Short:         "Ask questions about a SQL database in plain language",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (defaults to the configured address)")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(askCmd, questionCmd, runsCmd)
	rootCmd.AddCommand(configCmd, mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog logger. Logs always go to stderr so
// stdout stays clean for command output and the MCP stdio transport.
func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}
