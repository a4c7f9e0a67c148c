package install

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spinstage/spinstage/pkg/autoinst"
	"github.com/spinstage/spinstage/pkg/bootentry"
	"github.com/spinstage/spinstage/pkg/download"
	"github.com/spinstage/spinstage/pkg/partition"
)

// Stage is a step of an installation run. Stages only move forward, except
// that a failure after partitioning moves the run to Cleanup.
type Stage int

const (
	Initializing Stage = iota
	Downloading
	VerifyingChecksum
	CreatingTempPartition
	CopyingFiles
	AddingBootEntry
	Done
	Cleanup
)

var stageNames = [...]string{
	Initializing:          "initializing",
	Downloading:           "downloading",
	VerifyingChecksum:     "verifying_checksum",
	CreatingTempPartition: "creating_temp_partition",
	CopyingFiles:          "copying_files",
	AddingBootEntry:       "adding_boot_entry",
	Done:                  "done",
	Cleanup:               "cleanup",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// ParseStage is the inverse of Stage.String.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Purpose tags what a downloaded file is used for.
type Purpose string

const (
	PurposeInstaller Purpose = "installer"
	PurposeLive      Purpose = "live"
	PurposePackage   Purpose = "package"
)

// DownloadableFile is one file a run needs on local disk.
type DownloadableFile struct {
	Name        string  `json:"name" yaml:"name"`
	Purpose     Purpose `json:"purpose" yaml:"purpose"`
	URL         string  `json:"url" yaml:"url"`
	Destination string  `json:"destination" yaml:"destination"`
	Hash        string  `json:"hash" yaml:"hash"`
	Size        int64   `json:"size" yaml:"size"`
}

// Spin describes the selected distribution image.
type Spin struct {
	Name            string `json:"name" yaml:"name"`
	Desktop         string `json:"desktop,omitempty" yaml:"desktop"`
	AutoInstallable bool   `json:"auto_installable" yaml:"auto_installable"`
}

// Paths is the local layout of a run.
type Paths struct {
	// WorkDir holds downloads, staging trees and image mount points.
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// EFISubdir is the directory under \EFI on the system EFI partition
	// that receives the loader tree, e.g. "fedora".
	EFISubdir string `json:"efi_subdir" yaml:"efi_subdir"`
}

// InstallationContext is the input of one run. It is not modified once the
// run starts; progress lives in State.
type InstallationContext struct {
	Spin         Spin                      `json:"spin"`
	Files        []DownloadableFile        `json:"files"`
	Partitioning partition.Options         `json:"partitioning"`
	Kickstart    autoinst.KickstartOptions `json:"kickstart"`
	Paths        Paths                     `json:"paths"`

	// WifiProfiles are local paths of exported network profiles.
	WifiProfiles []string `json:"wifi_profiles,omitempty"`

	// BootDescription names the firmware entry; defaults to the spin name.
	BootDescription string `json:"boot_description,omitempty"`
}

// Method returns the partitioning method, defaulting to custom.
func (ic *InstallationContext) Method() autoinst.PartitionMethod {
	if ic.Kickstart.PartitionMethod == "" {
		return autoinst.MethodCustom
	}
	return ic.Kickstart.PartitionMethod
}

// AutoInstall reports whether an answer file is generated for the run.
func (ic *InstallationContext) AutoInstall() bool {
	return ic.Spin.AutoInstallable && ic.Method() != autoinst.MethodCustom
}

// Validate checks the context before any work is done.
func (ic *InstallationContext) Validate() error {
	if ic.Paths.WorkDir == "" {
		return fmt.Errorf("work directory not set")
	}
	if ic.Paths.EFISubdir == "" || strings.ContainsAny(ic.Paths.EFISubdir, `/\`) || ic.Paths.EFISubdir == ".." {
		return fmt.Errorf("invalid EFI subdirectory %q", ic.Paths.EFISubdir)
	}
	if !ic.Method().Valid() {
		return fmt.Errorf("unknown partition method %q", ic.Kickstart.PartitionMethod)
	}

	installers := 0
	seen := make(map[string]bool)
	for _, f := range ic.Files {
		if f.Name == "" || f.Name != filepath.Base(f.Name) {
			return fmt.Errorf("invalid file name %q", f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate file %q", f.Name)
		}
		seen[f.Name] = true
		switch f.Purpose {
		case PurposeInstaller:
			installers++
		case PurposeLive, PurposePackage:
		default:
			return fmt.Errorf("file %s has unknown purpose %q", f.Name, f.Purpose)
		}
	}
	if installers != 1 {
		return fmt.Errorf("expected exactly one installer image, got %d", installers)
	}
	return nil
}

func (ic *InstallationContext) file(p Purpose) (DownloadableFile, bool) {
	for _, f := range ic.Files {
		if f.Purpose == p {
			return f, true
		}
	}
	return DownloadableFile{}, false
}

func (ic *InstallationContext) destination(f DownloadableFile) string {
	if f.Destination != "" {
		return f.Destination
	}
	return filepath.Join(ic.Paths.WorkDir, "downloads")
}

// State is the orchestrator-owned progress of a run. It is serializable so a
// durable run can resume from it.
type State struct {
	RunID        string                      `json:"run_id"`
	Stage        Stage                       `json:"stage"`
	Percent      int                         `json:"percent"`
	Downloads    map[string]*download.Result `json:"downloads,omitempty"`
	Partitioning *partition.Result           `json:"partitioning,omitempty"`
	ESP          *partition.Partition        `json:"esp,omitempty"`

	// LoaderStaged is set once the loader copy to the EFI partition starts.
	LoaderStaged bool `json:"loader_staged,omitempty"`

	// MountedImages lists image files currently attached.
	MountedImages []string `json:"mounted_images,omitempty"`

	BootEntry *bootentry.AddResponse `json:"boot_entry,omitempty"`
}

// DownloadEvent is the progress of one file.
type DownloadEvent struct {
	Index    int
	Filename string
	Percent  float64
	Speed    float64
	ETA      time.Duration
	Complete bool
}

// Event is a progress notification. Download is set for per-file download
// progress and nil for stage changes.
type Event struct {
	Stage    Stage
	Percent  int
	Message  string
	Download *DownloadEvent
}

// Result is the terminal outcome of a run.
type Result struct {
	RunID       string `json:"run_id"`
	Success     bool   `json:"success"`
	Stage       Stage  `json:"stage"`
	Error       string `json:"error,omitempty"`
	BootEntryID string `json:"boot_entry_id,omitempty"`

	Err error `json:"-"`
}

// ErrorResult builds a failed Result for the stage that failed.
func ErrorResult(runID string, stage Stage, err error) *Result {
	return &Result{RunID: runID, Stage: stage, Error: err.Error(), Err: err}
}
