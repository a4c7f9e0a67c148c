package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spinstage/spinstage/pkg/autoinst"
	"github.com/spinstage/spinstage/pkg/bootentry"
	"github.com/spinstage/spinstage/pkg/copytree"
	"github.com/spinstage/spinstage/pkg/download"
	"github.com/spinstage/spinstage/pkg/errors"
)

// Fixed stage percentages reported before each stage starts.
var stagePercent = map[Stage]int{
	Initializing:          0,
	Downloading:           5,
	VerifyingChecksum:     45,
	CreatingTempPartition: 50,
	CopyingFiles:          60,
	AddingBootEntry:       90,
	Done:                  100,
	Cleanup:               100,
}

// Session executes the stages of one run against a State. Every stage is
// idempotent on a State that already holds its outcome, which lets a durable
// runner resume an interrupted run.
type Session struct {
	o      *Orchestrator
	ic     *InstallationContext
	st     *State
	events chan<- Event
}

// NewSession binds ic and st. events may be nil.
func (o *Orchestrator) NewSession(ic *InstallationContext, st *State, events chan<- Event) *Session {
	if st.Downloads == nil {
		st.Downloads = make(map[string]*download.Result)
	}
	return &Session{o: o, ic: ic, st: st, events: events}
}

// State returns the state the session mutates.
func (s *Session) State() *State {
	return s.st
}

// Step is one stage handler.
type Step struct {
	Stage Stage
	Run   func(ctx context.Context) error
}

// Steps lists the stage handlers in execution order. Done is reached through
// Finish.
func (s *Session) Steps() []Step {
	return []Step{
		{Initializing, s.Initialize},
		{Downloading, s.Download},
		{VerifyingChecksum, s.Verify},
		{CreatingTempPartition, s.Partition},
		{CopyingFiles, s.Copy},
		{AddingBootEntry, s.AddBootEntry},
	}
}

// stageFailure attributes an error to a stage other than the one running.
type stageFailure struct {
	stage Stage
	err   error
}

func (e *stageFailure) Error() string { return e.err.Error() }
func (e *stageFailure) Unwrap() error { return e.err }

func (s *Session) report(ctx context.Context, stage Stage, message string) {
	s.st.Stage = stage
	s.st.Percent = stagePercent[stage]
	slog.Info("install_stage", "run_id", s.st.RunID, "stage", stage.String(), "percent", s.st.Percent, "message", message)

	if j := s.o.journal; j != nil {
		if err := j.UpdateStage(ctx, s.st.RunID, stage.String()); err != nil {
			slog.Warn("journal_write_failed", "run_id", s.st.RunID, "error", err)
		}
	}
	if s.events != nil {
		s.events <- Event{Stage: stage, Percent: s.st.Percent, Message: message}
	}
}

func (s *Session) reportDownload(index int, p download.Progress) {
	if s.events == nil {
		return
	}
	ev := Event{
		Stage:   Downloading,
		Percent: s.st.Percent,
		Download: &DownloadEvent{
			Index:    index,
			Filename: p.Filename,
			Percent:  p.Percent,
			Speed:    p.Speed,
			ETA:      p.ETA,
			Complete: p.Complete,
		},
	}
	select {
	case s.events <- ev:
	default:
	}
}

// Initialize validates the context and creates the working directory.
func (s *Session) Initialize(ctx context.Context) error {
	s.report(ctx, Initializing, "preparing "+s.ic.Spin.Name)
	if err := s.ic.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.ic.Paths.WorkDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create work directory")
	}
	return nil
}

// Download fetches every declared file that is not already valid on disk.
// The first hash mismatch deletes the file and fails the run at
// VerifyingChecksum.
func (s *Session) Download(ctx context.Context) error {
	s.report(ctx, Downloading, fmt.Sprintf("downloading %d files", len(s.ic.Files)))

	for i, f := range s.ic.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		index := i
		res, err := s.o.downloader.Download(ctx, f.URL, s.ic.destination(f), f.Name, f.Hash, func(p download.Progress) {
			s.reportDownload(index, p)
		})
		var mismatch *errors.HashMismatchError
		if errors.As(err, &mismatch) {
			slog.Error("install_hash_mismatch", "run_id", s.st.RunID, "file", f.Name, "expected", mismatch.Expected, "actual", mismatch.Actual)
			os.Remove(mismatch.Path)
			s.report(ctx, VerifyingChecksum, "checksum mismatch for "+f.Name)
			return &stageFailure{stage: VerifyingChecksum, err: err}
		}
		if err != nil {
			return err
		}
		s.st.Downloads[f.Name] = res
	}
	return nil
}

// Verify checks the recorded hash of every file against the declared one.
func (s *Session) Verify(ctx context.Context) error {
	s.report(ctx, VerifyingChecksum, "verifying downloads")

	for _, f := range s.ic.Files {
		res, ok := s.st.Downloads[f.Name]
		if !ok {
			return fmt.Errorf("file %s was not downloaded", f.Name)
		}
		if f.Hash != "" && !strings.EqualFold(res.SHA256, f.Hash) {
			os.Remove(res.Path)
			delete(s.st.Downloads, f.Name)
			return &errors.HashMismatchError{Path: res.Path, Expected: f.Hash, Actual: res.SHA256}
		}
	}
	return nil
}

// Partition shrinks the system partition and creates the new partitions. A
// partial result is kept on the state so the failure path can roll it back.
func (s *Session) Partition(ctx context.Context) error {
	s.report(ctx, CreatingTempPartition, "creating temporary partition")

	if p := s.st.Partitioning; p != nil && p.TmpPart.Mounted {
		slog.Info("install_stage_skipped", "run_id", s.st.RunID, "stage", CreatingTempPartition.String())
		return nil
	}

	res, err := s.o.partitioner.Procedure(ctx, s.ic.Partitioning)
	if res != nil {
		s.st.Partitioning = res
		if j := s.o.journal; j != nil {
			if jerr := j.SavePartitioning(ctx, s.st.RunID, res); jerr != nil {
				slog.Warn("journal_write_failed", "run_id", s.st.RunID, "error", jerr)
			}
		}
	}
	return err
}

func (s *Session) mountDir(name string) string {
	return filepath.Join(s.ic.Paths.WorkDir, "mnt", s.st.RunID, name)
}

func (s *Session) mountImage(ctx context.Context, f DownloadableFile, name string) (string, error) {
	res, ok := s.st.Downloads[f.Name]
	if !ok {
		return "", fmt.Errorf("image %s was not downloaded", f.Name)
	}
	path := s.mountDir(name)
	for _, m := range s.st.MountedImages {
		if m == res.Path {
			return path, nil
		}
	}
	if err := s.o.partitioner.MountISO(ctx, res.Path, path); err != nil {
		return "", err
	}
	s.st.MountedImages = append(s.st.MountedImages, res.Path)
	return path, nil
}

// Copy stages the installer media on the temporary partition and the loader
// tree on the system EFI partition.
func (s *Session) Copy(ctx context.Context) error {
	s.report(ctx, CopyingFiles, "copying installer files")

	tmp := s.st.Partitioning.TmpPart
	if s.st.ESP == nil {
		esp, err := s.o.partitioner.EFIPartition(ctx, s.st.Partitioning.DiskNumber)
		if err != nil {
			return err
		}
		s.st.ESP = esp
	}

	installer, _ := s.ic.file(PurposeInstaller)
	src, err := s.mountImage(ctx, installer, "installer")
	if err != nil {
		return err
	}
	if _, err := s.o.copier.CopyTree(ctx, copytree.Request{Src: src, Dst: tmp.MountPath, Capacity: tmp.Size}); err != nil {
		return err
	}

	if live, ok := s.ic.file(PurposeLive); ok {
		src, err := s.mountImage(ctx, live, "live")
		if err != nil {
			return err
		}
		req := copytree.Request{Src: filepath.Join(src, "LiveOS"), Dst: filepath.Join(tmp.MountPath, "LiveOS")}
		if _, err := s.o.copier.CopyTree(ctx, req); err != nil {
			return err
		}
	}

	staging, err := s.stage(ctx)
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)
	if _, err := s.o.copier.CopyTree(ctx, copytree.Request{Src: staging, Dst: tmp.MountPath}); err != nil {
		return err
	}

	return s.copyLoader(ctx, tmp.MountPath)
}

// stage writes the generated and exported files into a local tree laid out
// like the temporary partition.
func (s *Session) stage(ctx context.Context) (string, error) {
	dir := filepath.Join(s.ic.Paths.WorkDir, "staging", s.st.RunID)
	if err := os.RemoveAll(dir); err != nil {
		return "", errors.Wrap(err, "failed to clear staging directory")
	}

	var profiles, packages []string
	for _, p := range s.ic.WifiProfiles {
		name := filepath.Base(p)
		if err := copytree.CopyFile(p, filepath.Join(dir, filepath.FromSlash(autoinst.WifiDir), name)); err != nil {
			return "", errors.Wrap(err, "failed to stage wifi profile")
		}
		profiles = append(profiles, name)
	}
	for _, f := range s.ic.Files {
		if f.Purpose != PurposePackage {
			continue
		}
		if err := copytree.CopyFile(s.st.Downloads[f.Name].Path, filepath.Join(dir, filepath.FromSlash(autoinst.PackagesDir), f.Name)); err != nil {
			return "", errors.Wrap(err, "failed to stage package")
		}
		packages = append(packages, f.Name)
	}

	label := s.st.Partitioning.TmpPart.Label
	grub := autoinst.GrubConfig(autoinst.GrubOptions{PartitionLabel: label, IsAutoinst: s.ic.AutoInstall()})
	if err := writeFile(filepath.Join(dir, "EFI", "BOOT", "grub.cfg"), grub); err != nil {
		return "", err
	}

	if s.ic.Method() != autoinst.MethodCustom {
		opts, err := s.kickstartOptions(ctx, label, profiles, packages)
		if err != nil {
			return "", err
		}
		if err := writeFile(filepath.Join(dir, "ks.cfg"), autoinst.Kickstart(opts)); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (s *Session) kickstartOptions(ctx context.Context, label string, profiles, packages []string) (autoinst.KickstartOptions, error) {
	opts := s.ic.Kickstart
	opts.PartitionMethod = s.ic.Method()
	opts.MediaLabel = label
	opts.WifiProfiles = profiles
	opts.ExtraPackages = packages
	opts.EFIPartUUID = s.st.ESP.PartUUID()

	res := s.st.Partitioning
	if res.BootPart != nil {
		opts.BootPartUUID = res.BootPart.PartUUID()
	}
	switch opts.PartitionMethod {
	case autoinst.MethodDualBoot:
		if res.RootPart == nil {
			return opts, fmt.Errorf("dual boot install without a root partition")
		}
		opts.RootPartUUID = res.RootPart.PartUUID()
	case autoinst.MethodReplaceWin:
		win, err := s.o.partitioner.PartitionByLetter(ctx, res.SysDrive)
		if err != nil {
			return opts, err
		}
		opts.RootPartUUID = win.PartUUID()
	}
	return opts, nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(path, []byte(content), 0644), "failed to write "+filepath.Base(path))
}

// copyLoader copies EFI/BOOT from the temporary partition to the system EFI
// partition. An existing destination is kept so a resumed run does not
// overwrite it.
func (s *Session) copyLoader(ctx context.Context, tmpMount string) error {
	mnt := s.mountDir("esp")
	if err := s.o.partitioner.MountVolume(ctx, s.st.ESP.VolumePath, mnt); err != nil {
		return err
	}
	defer func() {
		if err := s.o.partitioner.Unmount(context.WithoutCancel(ctx), mnt); err != nil {
			slog.Warn("esp_unmount_failed", "path", mnt, "error", err)
		}
	}()

	s.st.LoaderStaged = true
	_, err := s.o.copier.CopyTree(ctx, copytree.Request{
		Src:          filepath.Join(tmpMount, "EFI", "BOOT"),
		Dst:          filepath.Join(mnt, "EFI", s.ic.Paths.EFISubdir),
		SkipIfExists: true,
	})
	return err
}

// removeLoader deletes the staged loader directory from the EFI partition.
// Failures are logged; the rollback continues.
func (s *Session) removeLoader(ctx context.Context) {
	if !s.st.LoaderStaged || s.st.ESP == nil {
		return
	}
	mnt := s.mountDir("esp")
	if err := s.o.partitioner.MountVolume(ctx, s.st.ESP.VolumePath, mnt); err != nil {
		slog.Warn("esp_mount_failed", "run_id", s.st.RunID, "error", err)
		return
	}
	defer func() {
		if err := s.o.partitioner.Unmount(ctx, mnt); err != nil {
			slog.Warn("esp_unmount_failed", "path", mnt, "error", err)
		}
	}()

	dir := filepath.Join(mnt, "EFI", s.ic.Paths.EFISubdir)
	if err := s.o.copier.RemoveTree(ctx, dir); err != nil {
		slog.Warn("rollback_loader_failed", "run_id", s.st.RunID, "path", dir, "error", err)
		return
	}
	s.st.LoaderStaged = false
	slog.Info("rollback_loader_removed", "run_id", s.st.RunID, "path", dir)
}

// LoaderPath is the firmware path of the staged loader.
func (s *Session) LoaderPath() string {
	return `\EFI\` + s.ic.Paths.EFISubdir + `\BOOTX64.EFI`
}

// AddBootEntry registers the staged loader as the next boot target, or as
// the permanent default when Windows is being replaced.
func (s *Session) AddBootEntry(ctx context.Context) error {
	s.report(ctx, AddingBootEntry, "adding boot entry")

	if s.st.BootEntry != nil {
		slog.Info("install_stage_skipped", "run_id", s.st.RunID, "stage", AddingBootEntry.String())
		return nil
	}
	target, err := s.bootTarget()
	if err != nil {
		return err
	}
	permanent := s.ic.Method() == autoinst.MethodReplaceWin

	resp, err := s.o.boot.Add(ctx, target, permanent)
	if err != nil {
		return err
	}
	s.st.BootEntry = resp
	slog.Info("install_boot_entry_added", "run_id", s.st.RunID, "entry", resp.Name, "permanent", permanent)
	return nil
}

func (s *Session) bootTarget() (bootentry.Target, error) {
	esp := s.st.ESP
	if esp == nil {
		return bootentry.Target{}, fmt.Errorf("EFI system partition unknown")
	}
	guid, err := uuid.Parse(esp.PartUUID())
	if err != nil {
		return bootentry.Target{}, errors.Wrap(err, "invalid EFI partition GUID")
	}
	desc := s.ic.BootDescription
	if desc == "" {
		desc = s.ic.Spin.Name
	}
	return bootentry.Target{
		Description:     desc,
		LoaderPath:      s.LoaderPath(),
		PartitionNumber: uint32(esp.PartitionNumber),
		StartLBA:        esp.LBA(esp.Offset),
		SizeLBA:         esp.LBA(esp.Size),
		PartitionGUID:   guid,
	}, nil
}

func (s *Session) dismountImages(ctx context.Context) {
	for _, img := range s.st.MountedImages {
		if err := s.o.partitioner.DismountISO(ctx, img); err != nil {
			slog.Warn("image_dismount_failed", "image", img, "error", err)
		}
	}
	s.st.MountedImages = nil
}

func (s *Session) unmountTmp(ctx context.Context) {
	res := s.st.Partitioning
	if res == nil || !res.TmpPart.Mounted {
		return
	}
	if err := s.o.partitioner.Unmount(ctx, res.TmpPart.MountPath); err != nil {
		slog.Warn("tmp_unmount_failed", "path", res.TmpPart.MountPath, "error", err)
		return
	}
	res.TmpPart.Mounted = false
}

// Finish completes a successful run: detach the images and the temporary
// partition mount and report Done.
func (s *Session) Finish(ctx context.Context) *Result {
	ctx = context.WithoutCancel(ctx)
	s.dismountImages(ctx)
	s.unmountTmp(ctx)
	s.report(ctx, Done, "installation media ready")

	res := &Result{RunID: s.st.RunID, Success: true, Stage: Done}
	if s.st.BootEntry != nil {
		res.BootEntryID = s.st.BootEntry.Name
	}
	s.journalFinish(ctx, res)
	slog.Info("install_complete", "run_id", s.st.RunID, "boot_entry", res.BootEntryID)
	return res
}

// Fail turns err into the terminal result of the run. Disk changes are rolled
// back when partitioning had started; rollback problems are only logged.
func (s *Session) Fail(ctx context.Context, stage Stage, err error) *Result {
	var sf *stageFailure
	if errors.As(err, &sf) {
		stage = sf.stage
		err = sf.err
	}
	slog.Error("install_failed", "run_id", s.st.RunID, "stage", stage.String(), "error", err)

	ctx = context.WithoutCancel(ctx)
	s.dismountImages(ctx)
	if s.st.Partitioning != nil {
		s.report(ctx, Cleanup, "rolling back disk changes")
		s.removeLoader(ctx)
		s.o.partitioner.Rollback(ctx, s.st.Partitioning)
		if j := s.o.journal; j != nil {
			if jerr := j.SavePartitioning(ctx, s.st.RunID, s.st.Partitioning); jerr != nil {
				slog.Warn("journal_write_failed", "run_id", s.st.RunID, "error", jerr)
			}
		}
	}

	res := ErrorResult(s.st.RunID, stage, err)
	s.journalFinish(ctx, res)
	return res
}

func (s *Session) journalFinish(ctx context.Context, res *Result) {
	if s.o.journal == nil {
		return
	}
	if err := s.o.journal.Finish(ctx, res.RunID, res.Success, res.Stage.String(), res.Error, res.BootEntryID); err != nil {
		slog.Warn("journal_write_failed", "run_id", res.RunID, "error", err)
	}
}
