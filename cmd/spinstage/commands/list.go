package commands

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spinstage/spinstage/pkg/errors"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installation runs and their status",
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show one installation run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	runs, err := repo.List(context.Background())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-36s %-24s %-12s %-24s %-12s %-20s\n", "RUN ID", "SPIN", "METHOD", "STAGE", "STATUS", "UPDATED")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------------------")

	for _, r := range runs {
		fmt.Printf("%-36s %-24s %-12s %-24s %-12s %-20s\n",
			r.ID, r.Spin, r.Method, r.Stage, r.Status, r.UpdatedAt)
	}

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	run, err := repo.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", args[0])
	}

	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Spin:       %s\n", run.Spin)
	fmt.Printf("Method:     %s\n", run.Method)
	fmt.Printf("Stage:      %s\n", run.Stage)
	fmt.Printf("Status:     %s\n", run.Status)
	fmt.Printf("Boot entry: %s\n", dash(run.BootEntry))
	fmt.Printf("Error:      %s\n", dash(run.ErrorMessage))
	fmt.Printf("Started:    %s\n", run.CreatedAt)
	fmt.Printf("Updated:    %s\n", run.UpdatedAt)

	if p := run.Partitioning; p != nil {
		fmt.Println("Partitioning:")
		fmt.Printf("  System drive:   %s: (disk %d)\n", p.SysDrive, p.DiskNumber)
		fmt.Printf("  Shrunk:         %t (by %s)\n", p.Shrunk, humanize.IBytes(uint64(p.ShrinkSpace)))
		fmt.Printf("  Temp partition: %d %q mounted=%t\n", p.TmpPart.PartitionNumber, p.TmpPart.Label, p.TmpPart.Mounted)
		if p.RootPart != nil {
			fmt.Printf("  Root partition: %d (%s)\n", p.RootPart.PartitionNumber, humanize.IBytes(uint64(p.RootPart.Size)))
		}
		if p.BootPart != nil {
			fmt.Printf("  Boot partition: %d (%s)\n", p.BootPart.PartitionNumber, humanize.IBytes(uint64(p.BootPart.Size)))
		}
	}
	if run.NeedsRollback() {
		fmt.Printf("\n⚠️  Disk changes remain. Run 'spinstage cleanup %s' to revert them.\n", run.ID)
	}
	return nil
}
