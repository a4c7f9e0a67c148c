package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spinstage/spinstage/pkg/elevated"
	"github.com/spinstage/spinstage/pkg/errors"
)

// Service issues partition commands through a Runner.
type Service struct {
	runner Runner

	// MountRoot holds the directories partitions are mounted on.
	MountRoot string

	// ShrinkMargin is subtracted from the system partition on top of the
	// requested shrink.
	ShrinkMargin int64
}

// NewService creates a Service mounting volumes below mountRoot.
func NewService(runner Runner, mountRoot string) *Service {
	return &Service{runner: runner, MountRoot: mountRoot, ShrinkMargin: DefaultShrinkMargin}
}

var strict = elevated.CommandOptions{CaptureOutput: true, NoWindow: true, Check: true}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// psPreamble turns non-terminating cmdlet errors into a non-zero exit.
const psPreamble = "$ErrorActionPreference = 'Stop'; "

func (s *Service) powershell(ctx context.Context, step, script string) (string, error) {
	args := []string{"powershell.exe", "-NoProfile", "-NonInteractive", "-Command", psPreamble + script}
	res, err := s.runner.Run(ctx, args, strict)
	if err != nil {
		return "", &errors.PartitionError{Step: step, Err: err}
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (s *Service) powershellJSON(ctx context.Context, step, script string, out any) error {
	stdout, err := s.powershell(ctx, step, script+" | ConvertTo-Json -Compress")
	if err != nil {
		return err
	}
	if stdout == "" {
		return &errors.PartitionError{Step: step, Err: fmt.Errorf("no output")}
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		return &errors.PartitionError{Step: step, Err: errors.Wrap(err, "failed to decode output")}
	}
	return nil
}

func (s *Service) command(ctx context.Context, step string, args ...string) error {
	if _, err := s.runner.Run(ctx, args, strict); err != nil {
		return &errors.PartitionError{Step: step, Err: err}
	}
	return nil
}

const partitionFields = "DiskNumber=$p.DiskNumber; PartitionNumber=$p.PartitionNumber; Guid=$p.Guid; Offset=$p.Offset; Size=$p.Size"

// SystemVolume returns the drive letter and volume path Windows runs from.
func (s *Service) SystemVolume(ctx context.Context) (*Volume, error) {
	var v Volume
	script := "$l = $env:SystemDrive.Substring(0,1); $v = Get-Volume -DriveLetter $l; " +
		"[pscustomobject]@{Letter=$l; Path=$v.UniqueId}"
	if err := s.powershellJSON(ctx, "system_volume", script, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// PartitionByLetter describes the partition behind a drive letter.
func (s *Service) PartitionByLetter(ctx context.Context, letter string) (*Partition, error) {
	var p Partition
	script := fmt.Sprintf("$p = Get-Partition -DriveLetter %s; [pscustomobject]@{%s}", letter, partitionFields)
	if err := s.powershellJSON(ctx, "get_partition", script, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DiskNumber returns the disk holding the volume with the given letter.
func (s *Service) DiskNumber(ctx context.Context, letter string) (int, error) {
	out, err := s.powershell(ctx, "disk_number", fmt.Sprintf("(Get-Partition -DriveLetter %s).DiskNumber", letter))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, &errors.PartitionError{Step: "disk_number", Err: err}
	}
	return n, nil
}

// EFIPartition finds the EFI system partition on a disk.
func (s *Service) EFIPartition(ctx context.Context, disk int) (*Partition, error) {
	var p Partition
	script := fmt.Sprintf("$p = Get-Partition -DiskNumber %d | Where-Object GptType -eq '{%s}' | Select-Object -First 1; "+
		"if (-not $p) { throw 'no EFI system partition' }; "+
		"[pscustomobject]@{%s; VolumePath=($p | Get-Volume).UniqueId; SectorSize=(Get-Disk -Number $p.DiskNumber).LogicalSectorSize}",
		disk, EFISystemPartitionType, partitionFields)
	if err := s.powershellJSON(ctx, "efi_partition", script, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FreeSpaceAfterShrink returns how many bytes of the volume would remain
// shrinkable after shrinking it by shrink. A negative value means the shrink
// does not fit.
func (s *Service) FreeSpaceAfterShrink(ctx context.Context, letter string, shrink int64) (int64, error) {
	var sizes struct {
		Size    int64 `json:"Size"`
		SizeMin int64 `json:"SizeMin"`
	}
	script := fmt.Sprintf("$s = Get-PartitionSupportedSize -DriveLetter %s; $p = Get-Partition -DriveLetter %s; "+
		"[pscustomobject]@{Size=$p.Size; SizeMin=$s.SizeMin}", letter, letter)
	if err := s.powershellJSON(ctx, "supported_size", script, &sizes); err != nil {
		return 0, err
	}
	return sizes.Size - sizes.SizeMin - shrink, nil
}

// Resize sets the partition behind letter to size bytes.
func (s *Service) Resize(ctx context.Context, letter string, size int64) error {
	slog.Info("partition_resize_started", "drive", letter, "size", size)
	_, err := s.powershell(ctx, "resize", fmt.Sprintf("Resize-Partition -DriveLetter %s -Size %d", letter, size))
	if err != nil {
		slog.Error("partition_resize_failed", "drive", letter, "error", err)
		return err
	}
	slog.Info("partition_resize_complete", "drive", letter, "size", size)
	return nil
}

// Create makes a new partition in the free space of a disk.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*Partition, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "$p = New-Partition -DiskNumber %d -Size %d", opts.DiskNumber, opts.Size)
	if opts.AssignLetter {
		b.WriteString(" -AssignDriveLetter")
	}
	b.WriteString("; ")

	fields := partitionFields
	if opts.FileSystem != "" {
		fmt.Fprintf(&b, "$null = Format-Volume -Partition $p -FileSystem %s -NewFileSystemLabel %s -Confirm:$false; ",
			opts.FileSystem, psQuote(opts.Label))
		b.WriteString("$p = Get-Partition -DiskNumber $p.DiskNumber -PartitionNumber $p.PartitionNumber; ")
		fields += "; VolumePath=($p | Get-Volume).UniqueId"
	}
	fmt.Fprintf(&b, "[pscustomobject]@{%s}", fields)

	slog.Info("partition_create_started", "disk", opts.DiskNumber, "size", opts.Size, "fs", opts.FileSystem, "label", opts.Label)
	var p Partition
	if err := s.powershellJSON(ctx, "create", b.String(), &p); err != nil {
		slog.Error("partition_create_failed", "disk", opts.DiskNumber, "error", err)
		return nil, err
	}
	if p.PartitionNumber == 0 || p.Guid == "" {
		slog.Error("partition_create_failed", "disk", opts.DiskNumber, "error", "no partition returned")
		return nil, &errors.PartitionError{Step: "create", Err: fmt.Errorf("New-Partition returned no partition on disk %d", opts.DiskNumber)}
	}
	slog.Info("partition_create_complete", "disk", p.DiskNumber, "partition", p.PartitionNumber)
	return &p, nil
}

func mountPoint(path string) string {
	return strings.TrimRight(path, `\/`) + `\`
}

// MountVolume mounts a volume on an empty directory, creating it if needed.
func (s *Service) MountVolume(ctx context.Context, volumePath, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return errors.Wrap(err, "failed to create mount directory")
	}
	slog.Info("volume_mount", "volume", volumePath, "path", mountPath)
	return s.command(ctx, "mount", "mountvol", mountPoint(mountPath), volumePath)
}

// MountISO attaches an image without a drive letter and mounts its volume on
// mountPath.
func (s *Service) MountISO(ctx context.Context, isoPath, mountPath string) error {
	script := fmt.Sprintf("$i = Mount-DiskImage -ImagePath %s -NoDriveLetter -PassThru; ($i | Get-Volume).UniqueId", psQuote(isoPath))
	volume, err := s.powershell(ctx, "mount_iso", script)
	if err != nil {
		return err
	}
	if volume == "" {
		return &errors.PartitionError{Step: "mount_iso", Err: fmt.Errorf("image %s has no volume", isoPath)}
	}
	return s.MountVolume(ctx, volume, mountPath)
}

// Unmount removes the mount on path and deletes the empty directory.
func (s *Service) Unmount(ctx context.Context, path string) error {
	slog.Info("volume_unmount", "path", path)
	if err := s.command(ctx, "unmount", "mountvol", mountPoint(path), "/D"); err != nil {
		return err
	}
	os.Remove(path)
	return nil
}

// DismountISO detaches a mounted image.
func (s *Service) DismountISO(ctx context.Context, isoPath string) error {
	_, err := s.powershell(ctx, "dismount_iso", "Dismount-DiskImage -ImagePath "+psQuote(isoPath))
	return err
}

// Delete removes a partition.
func (s *Service) Delete(ctx context.Context, disk, partition int) error {
	slog.Info("partition_delete", "disk", disk, "partition", partition)
	_, err := s.powershell(ctx, "delete",
		fmt.Sprintf("Remove-Partition -DiskNumber %d -PartitionNumber %d -Confirm:$false", disk, partition))
	return err
}
