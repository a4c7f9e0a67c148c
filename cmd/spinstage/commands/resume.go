package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spinstage/spinstage/pkg/db"
	"github.com/spinstage/spinstage/pkg/errors"
	appfsm "github.com/spinstage/spinstage/pkg/fsm"
	"github.com/spinstage/spinstage/pkg/install"
	"github.com/superfly/fsm"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a durable installation that was interrupted",
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}
	repo, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	run, err := activeRun(ctx, repo)
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Println("No interrupted run found")
		return nil
	}

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

	orch := newOrchestrator(cfg, ch, repo)
	fmt.Printf("🔁 Resuming run %s at %s...\n", run.ID, run.Stage)

	err = withManager(ctx, cfg, orch, func(_ *fsm.Manager, _ fsm.Start[appfsm.RunRequest, appfsm.RunResponse], resume fsm.Resume) error {
		if err := resume(ctx); err != nil {
			return errors.Wrap(err, "FSM resume failed")
		}
		return waitForRun(ctx, repo, run.ID)
	})
	if err != nil {
		return err
	}

	res, err := journalResult(ctx, repo, run.ID)
	if err != nil {
		return err
	}
	return report(res, &install.InstallationContext{})
}

// waitForRun polls the journal until the run leaves the running status.
func waitForRun(ctx context.Context, repo *db.Repository, id string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		run, err := repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s disappeared from the journal", id)
		}
		if run.Status != db.StatusRunning {
			slog.Info("resume_finished", "run_id", id, "status", run.Status)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
