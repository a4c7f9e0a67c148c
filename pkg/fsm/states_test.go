package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/spinstage/spinstage/pkg/autoinst"
	"github.com/spinstage/spinstage/pkg/bootentry"
	"github.com/spinstage/spinstage/pkg/copytree"
	"github.com/spinstage/spinstage/pkg/download"
	"github.com/spinstage/spinstage/pkg/install"
	"github.com/spinstage/spinstage/pkg/partition"
)

type stubDownloader struct{ calls int }

func (d *stubDownloader) Download(ctx context.Context, url, destination, filename, expectedHash string, progress download.ProgressFunc) (*download.Result, error) {
	d.calls++
	return &download.Result{Path: filepath.Join(destination, filename), SHA256: expectedHash, Skipped: true}, nil
}

type stubPartitioner struct {
	procedures int
	rollbacks  int
}

func (p *stubPartitioner) Procedure(ctx context.Context, opts partition.Options) (*partition.Result, error) {
	p.procedures++
	return &partition.Result{
		TmpPart: partition.TemporaryPartition{
			Partition: partition.Partition{PartitionNumber: 5},
			Label:     opts.Label,
			MountPath: "tmp",
			Mounted:   true,
		},
		SysDrive: "C",
		Shrunk:   true,
	}, nil
}

func (p *stubPartitioner) Rollback(ctx context.Context, res *partition.Result) { p.rollbacks++ }

func (p *stubPartitioner) EFIPartition(ctx context.Context, disk int) (*partition.Partition, error) {
	return &partition.Partition{PartitionNumber: 1, Guid: "{6f1a2b3c-0000-4000-8000-000000000001}", Offset: 1 << 20, Size: 100 << 20}, nil
}

func (p *stubPartitioner) PartitionByLetter(ctx context.Context, letter string) (*partition.Partition, error) {
	return &partition.Partition{PartitionNumber: 3, Guid: "{aaaaaaaa-0000-4000-8000-000000000003}"}, nil
}

func (p *stubPartitioner) MountISO(ctx context.Context, isoPath, mountPath string) error { return nil }
func (p *stubPartitioner) DismountISO(ctx context.Context, isoPath string) error { return nil }
func (p *stubPartitioner) MountVolume(ctx context.Context, volumePath, mountPath string) error { return nil }
func (p *stubPartitioner) Unmount(ctx context.Context, path string) error { return nil }

type stubCopier struct{}

func (stubCopier) CopyTree(ctx context.Context, req copytree.Request) (*copytree.Stats, error) {
	return &copytree.Stats{}, nil
}

func (stubCopier) RemoveTree(ctx context.Context, path string) error { return nil }

type stubBoot struct {
	calls int
	err   error
}

func (b *stubBoot) Add(ctx context.Context, target bootentry.Target, permanent bool) (*bootentry.AddResponse, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return &bootentry.AddResponse{Slot: 1, Name: "Boot0001"}, nil
}

type harness struct {
	machine *Machine
	dl      *stubDownloader
	part    *stubPartitioner
	boot    *stubBoot
	req     *RunRequest
}

func newHarness(t *testing.T) *harness {
	h := &harness{dl: &stubDownloader{}, part: &stubPartitioner{}, boot: &stubBoot{}}
	orch := install.New(install.Deps{
		Downloader:  h.dl,
		Partitioner: h.part,
		Copier:      stubCopier{},
		Boot:        h.boot,
	})
	h.machine = NewMachine(orch, 3)
	h.req = &RunRequest{
		RunID: "run-1",
		Context: install.InstallationContext{
			Spin:         install.Spin{Name: "Fedora", AutoInstallable: true},
			Files:        []install.DownloadableFile{{Name: "f.iso", Purpose: install.PurposeInstaller, Hash: "abc"}},
			Partitioning: partition.Options{TmpPartSize: 1 << 30, Label: "FEDORA-TMP"},
			Kickstart:    autoinst.KickstartOptions{PartitionMethod: autoinst.MethodReplaceWin},
			Paths:        install.Paths{WorkDir: t.TempDir(), EFISubdir: "fedora"},
		},
	}
	return h
}

var stages = []install.Stage{
	install.Initializing,
	install.Downloading,
	install.VerifyingChecksum,
	install.CreatingTempPartition,
	install.CopyingFiles,
	install.AddingBootEntry,
}

// persist round-trips a response through JSON the way the FSM store does
// between transitions.
func persist(t *testing.T, resp *RunResponse) *RunResponse {
	t.Helper()
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var out RunResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return &out
}

func TestStagesAcrossPersistence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var resp *RunResponse
	for _, stage := range stages {
		var err error
		resp, err = h.machine.runStage(ctx, stage, 0, h.req, resp)
		if err != nil {
			t.Fatalf("%s: %v", stage, err)
		}
		resp = persist(t, resp)
	}
	resp = h.machine.complete(ctx, h.req, resp)

	if resp.Result == nil || !resp.Result.Success || resp.Result.BootEntryID != "Boot0001" {
		t.Fatalf("result = %+v", resp.Result)
	}
	if resp.State.RunID != "run-1" {
		t.Errorf("run id = %s", resp.State.RunID)
	}
	if resp.State.Partitioning.TmpPart.Mounted {
		t.Error("temporary partition still mounted")
	}
}

func TestResumeRepeatsNoCompletedWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var resp *RunResponse
	for _, stage := range stages {
		resp, _ = h.machine.runStage(ctx, stage, 0, h.req, resp)
	}
	saved := persist(t, resp)

	// crash after the boot entry was added: the resumed FSM replays the
	// last state
	resp, err := h.machine.runStage(ctx, install.AddingBootEntry, 1, h.req, saved)
	if err != nil {
		t.Fatal(err)
	}
	if h.boot.calls != 1 {
		t.Errorf("boot calls = %d, want 1", h.boot.calls)
	}
	resp, err = h.machine.runStage(ctx, install.CreatingTempPartition, 1, h.req, resp)
	if err != nil {
		t.Fatal(err)
	}
	if h.part.procedures != 1 {
		t.Errorf("procedures = %d, want 1", h.part.procedures)
	}
}

func TestStageFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.boot.err = fmt.Errorf("no boot manager entry found")
	ctx := context.Background()

	var resp *RunResponse
	var err error
	for _, stage := range stages {
		resp, err = h.machine.runStage(ctx, stage, 0, h.req, resp)
		if err != nil {
			break
		}
	}
	if err == nil {
		t.Fatal("expected failure")
	}
	if resp.Result == nil || resp.Result.Stage != install.AddingBootEntry {
		t.Fatalf("result = %+v", resp.Result)
	}
	if h.part.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", h.part.rollbacks)
	}
}

func TestRetryLimit(t *testing.T) {
	h := newHarness(t)

	resp, err := h.machine.runStage(context.Background(), install.Initializing, 3, h.req, nil)
	if err == nil {
		t.Fatal("expected retry limit error")
	}
	if resp.Result == nil || resp.Result.Success {
		t.Errorf("result = %+v", resp.Result)
	}
	if h.dl.calls != 0 {
		t.Error("work done past the retry limit")
	}
}
