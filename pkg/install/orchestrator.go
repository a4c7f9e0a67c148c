// Package install sequences an installation run: download the images,
// partition the disk, stage the media, register the boot entry. A failure
// after partitioning has started rolls the disk back before the result is
// returned.
package install

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spinstage/spinstage/pkg/bootentry"
	"github.com/spinstage/spinstage/pkg/copytree"
	"github.com/spinstage/spinstage/pkg/download"
	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/partition"
)

// Downloader is satisfied by *download.Client.
type Downloader interface {
	Download(ctx context.Context, url, destination, filename, expectedHash string, progress download.ProgressFunc) (*download.Result, error)
}

// Partitioner is satisfied by *partition.Service.
type Partitioner interface {
	Procedure(ctx context.Context, opts partition.Options) (*partition.Result, error)
	Rollback(ctx context.Context, res *partition.Result)
	EFIPartition(ctx context.Context, disk int) (*partition.Partition, error)
	PartitionByLetter(ctx context.Context, letter string) (*partition.Partition, error)
	MountISO(ctx context.Context, isoPath, mountPath string) error
	DismountISO(ctx context.Context, isoPath string) error
	MountVolume(ctx context.Context, volumePath, mountPath string) error
	Unmount(ctx context.Context, path string) error
}

// Copier is satisfied by *copytree.Client.
type Copier interface {
	CopyTree(ctx context.Context, req copytree.Request) (*copytree.Stats, error)
	RemoveTree(ctx context.Context, path string) error
}

// BootRegistrar is satisfied by *bootentry.Service.
type BootRegistrar interface {
	Add(ctx context.Context, target bootentry.Target, permanent bool) (*bootentry.AddResponse, error)
}

// Journal persists run progress. *db.Repository satisfies it.
type Journal interface {
	Create(ctx context.Context, id, spin, method string) error
	UpdateStage(ctx context.Context, id, stage string) error
	SavePartitioning(ctx context.Context, id string, res *partition.Result) error
	Finish(ctx context.Context, id string, success bool, stage, message, bootEntry string) error
}

var (
	_ Downloader    = (*download.Client)(nil)
	_ Partitioner   = (*partition.Service)(nil)
	_ Copier        = (*copytree.Client)(nil)
	_ BootRegistrar = (*bootentry.Service)(nil)
)

// Deps are the collaborators of an Orchestrator. Journal may be nil.
type Deps struct {
	Downloader  Downloader
	Partitioner Partitioner
	Copier      Copier
	Boot        BootRegistrar
	Journal     Journal
}

// Orchestrator runs installations.
type Orchestrator struct {
	downloader  Downloader
	partitioner Partitioner
	copier      Copier
	boot        BootRegistrar
	journal     Journal
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		downloader:  deps.Downloader,
		partitioner: deps.Partitioner,
		copier:      deps.Copier,
		boot:        deps.Boot,
		journal:     deps.Journal,
	}
}

var active atomic.Bool

// Lock claims the process-wide run slot. The returned function releases it.
// Only one installation may be active per process.
func Lock() (func(), error) {
	if !active.CompareAndSwap(false, true) {
		return nil, errors.ErrRunInProgress
	}
	return func() { active.Store(false) }, nil
}

// NewState returns the initial state of a run. An empty id gets a fresh one.
func NewState(id string) *State {
	if id == "" {
		id = uuid.NewString()
	}
	return &State{RunID: id, Downloads: make(map[string]*download.Result)}
}

// Run executes a full installation and returns its terminal result. Stage
// events are sent on events with blocking sends and download progress with
// non-blocking ones, so the receiver must keep draining the channel. events
// may be nil.
//
// Cancelling ctx fails the run at the next stage boundary.
func (o *Orchestrator) Run(ctx context.Context, ic *InstallationContext, events chan<- Event) *Result {
	release, err := Lock()
	if err != nil {
		return ErrorResult("", Initializing, err)
	}
	defer release()

	st := NewState("")
	o.journalCreate(ctx, st.RunID, ic)

	s := o.NewSession(ic, st, events)
	for _, step := range s.Steps() {
		if err := ctx.Err(); err != nil {
			return s.Fail(ctx, st.Stage, errors.Wrap(err, "installation cancelled"))
		}
		if err := step.Run(ctx); err != nil {
			return s.Fail(ctx, step.Stage, err)
		}
	}
	return s.Finish(ctx)
}

// Handle is a run executing in the background.
type Handle struct {
	events chan Event
	done   chan struct{}
	result *Result
}

// Start runs an installation on its own goroutine.
func (o *Orchestrator) Start(ctx context.Context, ic *InstallationContext) *Handle {
	h := &Handle{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go func() {
		h.result = o.Run(ctx, ic, h.events)
		close(h.events)
		close(h.done)
	}()
	return h
}

// Events is closed once the run has finished.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Wait blocks until the run finishes.
func (h *Handle) Wait() *Result {
	<-h.done
	return h.result
}

func (o *Orchestrator) journalCreate(ctx context.Context, id string, ic *InstallationContext) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Create(ctx, id, ic.Spin.Name, string(ic.Method())); err != nil {
		slog.Warn("journal_write_failed", "run_id", id, "error", err)
	}
}
