package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spinstage/spinstage/internal/config"
	"github.com/spinstage/spinstage/pkg/bootentry"
	"github.com/spinstage/spinstage/pkg/copytree"
	"github.com/spinstage/spinstage/pkg/db"
	"github.com/spinstage/spinstage/pkg/download"
	"github.com/spinstage/spinstage/pkg/elevated"
	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/install"
	"github.com/spinstage/spinstage/pkg/partition"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for durable installs)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create work directory
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

func openJournal(cfg *config.Config) (*db.Repository, error) {
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

// openChannel returns a referenced channel to a helper started from this
// executable. The helper is only launched by the first privileged request.
func openChannel(cfg *config.Config) (*elevated.Channel, error) {
	logFile := filepath.Join(cfg.WorkDir, "helper.log")
	launcher, err := elevated.NewSelfLauncher("helper",
		"--log-file", logFile,
		"--log-level", logLevel,
		"--helper-timeout", cfg.HelperTimeout.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to locate executable")
	}
	return elevated.NewChannel(launcher, elevated.DefaultTransport(), cfg.HelperTimeout).Acquire(), nil
}

func newPartitionService(cfg *config.Config, ch *elevated.Channel) *partition.Service {
	svc := partition.NewService(ch, filepath.Join(cfg.WorkDir, "mnt"))
	svc.ShrinkMargin = cfg.ShrinkMargin
	return svc
}

// newOrchestrator wires the installation collaborators around ch.
func newOrchestrator(cfg *config.Config, ch *elevated.Channel, journal install.Journal) *install.Orchestrator {
	fetcher := download.NewHTTPFetcher(cfg.DownloadRetries, cfg.DownloadTimeout, slog.Default())
	return install.New(install.Deps{
		Downloader:  download.NewClient(fetcher, download.NewS3Fetcher(cfg.S3Region)),
		Partitioner: newPartitionService(cfg, ch),
		Copier:      copytree.NewClient(ch),
		Boot:        bootentry.NewService(ch, cfg.BootSlotLimit),
		Journal:     journal,
	})
}

// formatEvent renders a progress event as a single status line.
func formatEvent(ev install.Event) string {
	if d := ev.Download; d != nil {
		if d.Complete {
			return fmt.Sprintf("[%3d%%] %s downloaded", ev.Percent, d.Filename)
		}
		eta := "-"
		if d.ETA > 0 {
			eta = d.ETA.Round(time.Second).String()
		}
		return fmt.Sprintf("[%3d%%] %s %5.1f%% %s/s eta %s",
			ev.Percent, d.Filename, d.Percent, humanize.Bytes(uint64(d.Speed)), eta)
	}
	msg := ev.Stage.String()
	if ev.Message != "" {
		msg = ev.Message
	}
	return fmt.Sprintf("[%3d%%] %s", ev.Percent, msg)
}

// dash renders empty table cells.
func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
