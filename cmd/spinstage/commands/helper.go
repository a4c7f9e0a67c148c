package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spinstage/spinstage/internal/helper"
	"github.com/spinstage/spinstage/pkg/elevated"
	"github.com/spinstage/spinstage/pkg/errors"
)

var (
	helperChannel string
	helperLogFile string
)

var helperCmd = &cobra.Command{
	Use:    "helper",
	Short:  "Run the elevated helper (started by the installer)",
	Hidden: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// no console: log to a file
		if err := os.MkdirAll(filepath.Dir(helperLogFile), 0755); err != nil {
			return errors.Wrap(err, "failed to create log directory")
		}
		f, err := os.OpenFile(helperLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrap(err, "failed to open helper log")
		}
		return setupLogging(f)
	},
	RunE: runHelper,
}

func init() {
	rootCmd.AddCommand(helperCmd)
	helperCmd.Flags().StringVar(&helperChannel, "channel", "", "Channel name to connect to")
	helperCmd.Flags().StringVar(&helperLogFile, "log-file", "helper.log", "Log file path")
	helperCmd.MarkFlagRequired("channel")
}

func runHelper(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry := helper.Registry(helper.SystemOpener())
	return helper.Run(context.Background(), elevated.DefaultTransport(), helperChannel, cfg.HelperTimeout, registry)
}
