// Package partition queries and mutates the Windows disk layout through the
// elevated helper. Every command, including read-only queries, is issued
// through a Runner so that the unprivileged process never touches disks
// directly.
package partition

import (
	"context"
	"strings"

	"github.com/spinstage/spinstage/pkg/elevated"
)

// Runner executes a command with elevation. *elevated.Channel satisfies it.
type Runner interface {
	Run(ctx context.Context, args []string, opts elevated.CommandOptions) (*elevated.CommandResult, error)
}

const (
	// DefaultShrinkMargin is left unallocated after the shrink so rounding by
	// the volume driver cannot make the new partitions overflow.
	DefaultShrinkMargin int64 = 16 << 20

	// EFISystemPartitionType is the GPT type GUID of an EFI system partition.
	EFISystemPartitionType = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"

	// FAT32 is the filesystem of the temporary partition.
	FAT32 = "FAT32"
)

// Volume identifies the volume Windows booted from.
type Volume struct {
	Letter string `json:"Letter"`
	Path   string `json:"Path"`
}

// Partition is the subset of Get-Partition output the installer needs.
// VolumePath is the \\?\Volume{...}\ path, empty for unformatted partitions.
type Partition struct {
	DiskNumber      int    `json:"DiskNumber"`
	PartitionNumber int    `json:"PartitionNumber"`
	Guid            string `json:"Guid"`
	Offset          int64  `json:"Offset"`
	Size            int64  `json:"Size"`
	VolumePath      string `json:"VolumePath,omitempty"`

	// SectorSize is the logical sector size of the disk; only set for the
	// EFI system partition.
	SectorSize int64 `json:"SectorSize,omitempty"`
}

// DefaultSectorSize is assumed when the disk did not report one.
const DefaultSectorSize = 512

// LBA converts a byte offset or length on the partition's disk to sectors.
func (p Partition) LBA(n int64) uint64 {
	size := p.SectorSize
	if size <= 0 {
		size = DefaultSectorSize
	}
	return uint64(n / size)
}

// PartUUID is the partition GUID without braces, lower case, as Linux exposes
// it under /dev/disk/by-partuuid.
func (p Partition) PartUUID() string {
	return strings.ToLower(strings.Trim(p.Guid, "{}"))
}

// TemporaryPartition is the FAT32 staging partition and where it is mounted.
type TemporaryPartition struct {
	Partition
	Label     string `json:"Label"`
	MountPath string `json:"MountPath"`
	Mounted   bool   `json:"Mounted"`
}

// Result records everything needed to reverse a partitioning run.
type Result struct {
	TmpPart      TemporaryPartition `json:"tmp_part"`
	SysDrive     string             `json:"sys_drive"`
	DiskNumber   int                `json:"disk_number"`
	OriginalSize int64              `json:"original_size"`
	ShrinkSpace  int64              `json:"shrink_space"`
	Shrunk       bool               `json:"shrunk"`
	RootPart     *Partition         `json:"root_part,omitempty"`
	BootPart     *Partition         `json:"boot_part,omitempty"`
}

// Options are the inputs of Procedure.
type Options struct {
	TmpPartSize       int64
	Label             string
	ShrinkSpace       int64
	BootPartSize      int64
	MakeRootPartition bool
}

// CreateOptions describe a new partition. The partition is left unformatted
// when FileSystem is empty.
type CreateOptions struct {
	DiskNumber   int
	Size         int64
	FileSystem   string
	Label        string
	AssignLetter bool
}
