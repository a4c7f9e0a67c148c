package commands

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spinstage/spinstage/pkg/bootentry"
)

var checkFirmware bool

var bootEntriesCmd = &cobra.Command{
	Use:   "boot-entries",
	Short: "List firmware boot entries",
	RunE:  runBootEntries,
}

func init() {
	rootCmd.AddCommand(bootEntriesCmd)
	bootEntriesCmd.Flags().BoolVar(&checkFirmware, "check", false, "Only check whether the elevated helper can reach firmware variables")
}

func runBootEntries(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ch, err := openChannel(cfg)
	if err != nil {
		return err
	}
	defer ch.Release()
	svc := bootentry.NewService(ch, cfg.BootSlotLimit)

	if checkFirmware {
		status := "ok"
		if err := svc.CheckAccess(ctx); err != nil {
			status = err.Error()
		}
		fmt.Printf("Firmware access: %s\n", status)
		return nil
	}

	l, err := svc.List(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-4s %-9s %-6s %-5s %-32s %-38s %s\n", "", "SLOT", "ACTIVE", "ORDER", "DESCRIPTION", "PARTITION", "LOADER")
	for _, e := range l.Entries {
		marker := ""
		if l.BootNext != nil && *l.BootNext == e.Slot {
			marker = "next"
		}
		order := "-"
		if i := slices.Index(l.BootOrder, e.Slot); i >= 0 {
			order = fmt.Sprintf("%d", i)
		}
		fmt.Printf("%-4s %-9s %-6t %-5s %-32s %-38s %s\n",
			marker, e.Name, e.Active, order, e.Description, dash(e.PartitionGUID), dash(e.LoaderPath))
	}
	return nil
}
