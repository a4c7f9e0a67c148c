package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/spinstage/spinstage/internal/config"
	"github.com/spinstage/spinstage/pkg/db"
	"github.com/spinstage/spinstage/pkg/errors"
	appfsm "github.com/spinstage/spinstage/pkg/fsm"
	"github.com/spinstage/spinstage/pkg/install"
	"github.com/superfly/fsm"
)

var removeDownloads bool

var installCmd = &cobra.Command{
	Use:   "install <plan.yaml>",
	Short: "Download, stage and register an installer from a plan file",
	Long: `Runs a full installation from a plan file: downloads and verifies the
images, creates the temporary partition, stages the installer and adds a
one-time boot entry. A failure after partitioning rolls the disk back.

With --durable the stages run on a persistent state machine; an interrupted
run is continued with "spinstage resume".`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().Bool("durable", false, "Persist stage progress so an interrupted run can resume")
	installCmd.Flags().BoolVar(&removeDownloads, "remove-downloads", false, "Delete downloaded files when the run fails")
	viper.BindPFlag("durable", installCmd.Flags().Lookup("durable"))
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	plan, err := config.LoadPlan(args[0])
	if err != nil {
		return err
	}
	ic, err := plan.Context(cfg)
	if err != nil {
		return errors.Wrap(err, "invalid plan")
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}
	repo, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	ch, err := openChannel(cfg)
	if err != nil {
		return err
	}
	defer ch.Release()

	orch := newOrchestrator(cfg, ch, repo)

	var res *install.Result
	if cfg.Durable {
		res, err = installDurable(ctx, cfg, orch, repo, ic)
		if err != nil {
			return err
		}
	} else {
		h := orch.Start(ctx, ic)
		for ev := range h.Events() {
			fmt.Println(formatEvent(ev))
		}
		res = h.Wait()
	}

	return report(res, ic)
}

func report(res *install.Result, ic *install.InstallationContext) error {
	if res.Success {
		fmt.Printf("✅ Installer staged (run %s, boot entry %s). Restart to continue.\n", res.RunID, res.BootEntryID)
		return nil
	}

	fmt.Printf("❌ Installation failed at %s: %s\n", res.Stage, res.Error)
	if removeDownloads {
		for _, f := range ic.Files {
			dest := f.Destination
			if dest == "" {
				dest = filepath.Join(ic.Paths.WorkDir, "downloads")
			}
			path := filepath.Join(dest, f.Name)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				fmt.Printf("⚠️  Failed to remove %s: %v\n", path, err)
			}
		}
	}
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("installation failed at %s", res.Stage)
}

// withManager registers the install FSM and hands start and resume to fn.
func withManager(ctx context.Context, cfg *config.Config, orch *install.Orchestrator, fn func(*fsm.Manager, fsm.Start[appfsm.RunRequest, appfsm.RunResponse], fsm.Resume) error) error {
	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(orch, cfg.FSMMaxRetries)
	start, resume, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}
	return fn(manager, start, resume)
}

func installDurable(ctx context.Context, cfg *config.Config, orch *install.Orchestrator, repo *db.Repository, ic *install.InstallationContext) (*install.Result, error) {
	if run, err := activeRun(ctx, repo); err != nil {
		return nil, err
	} else if run != nil {
		return nil, fmt.Errorf("run %s is still in progress; use 'spinstage resume' or 'spinstage cleanup %s'", run.ID, run.ID)
	}

	release, err := install.Lock()
	if err != nil {
		return nil, err
	}
	defer release()

	st := install.NewState("")
	if err := repo.Create(ctx, st.RunID, ic.Spin.Name, string(ic.Method())); err != nil {
		return nil, err
	}

	req := &appfsm.RunRequest{RunID: st.RunID, Context: *ic}
	resp := &appfsm.RunResponse{State: *st}

	err = withManager(ctx, cfg, orch, func(manager *fsm.Manager, start fsm.Start[appfsm.RunRequest, appfsm.RunResponse], _ fsm.Resume) error {
		version, err := start(ctx, st.RunID, fsm.NewRequest(req, resp))
		if err != nil {
			return errors.Wrap(err, "FSM start failed")
		}
		slog.Info("fsm_started", "run_id", st.RunID, "version", version)

		if err := manager.Wait(ctx, version); err != nil {
			slog.Warn("fsm_wait_failed", "run_id", st.RunID, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return journalResult(ctx, repo, st.RunID)
}

// journalResult reads the outcome of a durable run back from the journal.
func journalResult(ctx context.Context, repo *db.Repository, id string) (*install.Result, error) {
	run, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", id)
	}
	stage, err := install.ParseStage(run.Stage)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case db.StatusSucceeded:
		return &install.Result{RunID: id, Success: true, Stage: stage, BootEntryID: run.BootEntry}, nil
	case db.StatusRunning:
		return nil, fmt.Errorf("run %s interrupted at %s; use 'spinstage resume'", id, run.Stage)
	default:
		return &install.Result{RunID: id, Stage: stage, Error: run.ErrorMessage}, nil
	}
}

func activeRun(ctx context.Context, repo *db.Repository) (*db.Run, error) {
	runs, err := repo.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list failed")
	}
	for _, r := range runs {
		if r.Status == db.StatusRunning {
			return r, nil
		}
	}
	return nil, nil
}
