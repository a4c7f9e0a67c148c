package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "spinstage",
	Short: "Stage a Linux installer next to Windows and boot into it",
	Long: `Downloads a Linux installer image, carves a temporary partition out of the
Windows system drive, stages the installer on it and registers a one-time
firmware boot entry. Privileged steps run in an elevated helper process.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(os.Stderr)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	rootCmd.PersistentFlags().String("work-dir", ".spinstage/work", "Working directory for downloads and staging")
	rootCmd.PersistentFlags().String("sqlite-path", ".spinstage/runs.db", "SQLite run journal path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".spinstage/fsm", "FSM state directory")
	rootCmd.PersistentFlags().Duration("helper-timeout", 0, "How long to wait for the elevated helper to connect")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "Region for s3:// mirrors")
	rootCmd.PersistentFlags().Int("boot-slot-limit", 50, "Number of Boot#### slots scanned")

	for _, name := range []string{"work-dir", "sqlite-path", "fsm-db-path", "helper-timeout", "s3-region", "boot-slot-limit"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// setupLogging installs the default slog logger writing to w.
func setupLogging(w io.Writer) error {
	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format %q", logFormat)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
