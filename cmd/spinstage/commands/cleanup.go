package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/install"
)

var cleanupDownloads bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <run-id>",
	Short: "Revert the disk changes of a run that did not finish",
	Long: `Reverts the partitioning recorded for a run: unmounts and deletes the
temporary partition, deletes the root and boot partitions it created and grows
the system partition back to its original size.
  --remove-downloads   Also delete the downloaded images`,
	Args: cobra.ExactArgs(1),
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDownloads, "remove-downloads", false, "Delete downloaded images")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	run, err := repo.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", args[0])
	}

	if run.NeedsRollback() {
		release, err := install.Lock()
		if err != nil {
			return err
		}
		defer release()

		ch, err := openChannel(cfg)
		if err != nil {
			return err
		}
		defer ch.Release()

		fmt.Printf("🧹 Reverting disk changes of %s...\n", run.ID)
		newPartitionService(cfg, ch).Rollback(ctx, run.Partitioning)
		if run.Partitioning.Shrunk {
			return fmt.Errorf("system partition %s: could not be restored; see the log", run.Partitioning.SysDrive)
		}
		if err := repo.MarkRolledBack(ctx, run.ID, run.Partitioning); err != nil {
			return errors.Wrap(err, "failed to update database")
		}
		fmt.Printf("✅ Reverted: %s\n", run.ID)
	} else {
		fmt.Printf("Nothing to revert for %s (%s)\n", run.ID, run.Status)
	}

	if cleanupDownloads {
		dir := filepath.Join(cfg.WorkDir, "downloads")
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrap(err, "failed to remove downloads")
		}
		fmt.Printf("🗑️  Removed %s\n", dir)
	}
	return nil
}
