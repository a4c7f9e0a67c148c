package db

import "github.com/spinstage/spinstage/pkg/partition"

// Schema defines the SQLite database schema for the installation journal.
// Each run keeps its latest stage and the serialized partitioning result, so
// a run that died after partitioning can still be rolled back.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    spin TEXT NOT NULL,
    method TEXT NOT NULL,
    stage TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed', 'rolled_back')),
    partitioning TEXT,
    boot_entry TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Status constants
const (
	StatusRunning    = "running"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

// Run represents an installation run record
type Run struct {
	ID           string
	Spin         string
	Method       string
	Stage        string
	Status       string
	Partitioning *partition.Result
	BootEntry    string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// NeedsRollback reports whether the run left disk changes behind.
func (r *Run) NeedsRollback() bool {
	if r.Status == StatusSucceeded || r.Status == StatusRolledBack || r.Partitioning == nil {
		return false
	}
	p := r.Partitioning
	return p.Shrunk || p.TmpPart.Mounted || p.TmpPart.PartitionNumber != 0 || p.RootPart != nil || p.BootPart != nil
}
