package partition

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/security"
)

// ComputeShrink returns how much the system partition must give up. Without
// a root partition it is exactly tmp + boot and any explicit shrink is
// ignored; with one, the explicit shrink is required and the root partition
// receives what is left after tmp and boot.
func ComputeShrink(opts Options) (int64, error) {
	if opts.TmpPartSize <= 0 {
		return 0, fmt.Errorf("temporary partition size must be positive")
	}
	if opts.BootPartSize < 0 {
		return 0, fmt.Errorf("boot partition size must not be negative")
	}
	need := opts.TmpPartSize + opts.BootPartSize
	if !opts.MakeRootPartition {
		return need, nil
	}
	if opts.ShrinkSpace <= need {
		return 0, fmt.Errorf("shrink space %d leaves no room for a root partition (need more than %d)", opts.ShrinkSpace, need)
	}
	return opts.ShrinkSpace, nil
}

// RootSize is the size of the root partition for a given shrink.
func RootSize(opts Options, shrink int64) int64 {
	if !opts.MakeRootPartition {
		return 0
	}
	return shrink - opts.TmpPartSize - opts.BootPartSize
}

// Procedure shrinks the system partition, creates the root and boot
// partitions when requested, creates the FAT32 temporary partition and mounts
// it below MountRoot.
//
// Once the shrink has been attempted the returned Result is non-nil even on
// error, and must be handed to Rollback.
func (s *Service) Procedure(ctx context.Context, opts Options) (*Result, error) {
	if err := security.ValidateLabel(opts.Label); err != nil {
		return nil, err
	}
	shrink, err := ComputeShrink(opts)
	if err != nil {
		return nil, err
	}

	vol, err := s.SystemVolume(ctx)
	if err != nil {
		return nil, err
	}
	sys, err := s.PartitionByLetter(ctx, vol.Letter)
	if err != nil {
		return nil, err
	}

	free, err := s.FreeSpaceAfterShrink(ctx, vol.Letter, shrink+s.ShrinkMargin)
	if err != nil {
		return nil, err
	}
	if free < 0 {
		return nil, &errors.PartitionError{Step: "shrink", Err: fmt.Errorf("drive %s cannot shrink by %d bytes", vol.Letter, shrink)}
	}

	res := &Result{
		SysDrive:     vol.Letter,
		DiskNumber:   sys.DiskNumber,
		OriginalSize: sys.Size,
		ShrinkSpace:  shrink,
	}
	slog.Info("partition_procedure_started",
		"drive", vol.Letter,
		"disk", sys.DiskNumber,
		"original_size", sys.Size,
		"shrink", shrink,
		"root", opts.MakeRootPartition,
	)

	if err := s.Resize(ctx, vol.Letter, sys.Size-shrink-s.ShrinkMargin); err != nil {
		// The resize may have been applied before the command reported failure.
		res.Shrunk = true
		return res, err
	}
	res.Shrunk = true

	if opts.MakeRootPartition {
		root, err := s.Create(ctx, CreateOptions{DiskNumber: sys.DiskNumber, Size: RootSize(opts, shrink)})
		if err != nil {
			return res, err
		}
		res.RootPart = root
	}

	if opts.BootPartSize > 0 {
		boot, err := s.Create(ctx, CreateOptions{DiskNumber: sys.DiskNumber, Size: opts.BootPartSize})
		if err != nil {
			return res, err
		}
		res.BootPart = boot
	}

	tmp, err := s.Create(ctx, CreateOptions{
		DiskNumber: sys.DiskNumber,
		Size:       opts.TmpPartSize,
		FileSystem: FAT32,
		Label:      opts.Label,
	})
	if err != nil {
		return res, err
	}
	res.TmpPart = TemporaryPartition{Partition: *tmp, Label: opts.Label}

	mountPath := filepath.Join(s.MountRoot, "tmp-"+uuid.NewString())
	if err := s.MountVolume(ctx, tmp.VolumePath, mountPath); err != nil {
		return res, err
	}
	res.TmpPart.MountPath = mountPath
	res.TmpPart.Mounted = true

	slog.Info("partition_procedure_complete", "tmp_partition", tmp.PartitionNumber, "mount_path", mountPath)
	return res, nil
}

// Rollback reverses a partitioning Result: unmount and delete the temporary
// partition, delete the auxiliary partitions and grow the system partition
// back to its original size. Failures are logged and never returned.
func (s *Service) Rollback(ctx context.Context, res *Result) {
	if res == nil {
		return
	}
	slog.Info("partition_rollback_started", "drive", res.SysDrive, "original_size", res.OriginalSize)

	if res.TmpPart.Mounted {
		if err := s.Unmount(ctx, res.TmpPart.MountPath); err != nil {
			slog.Warn("rollback_unmount_failed", "path", res.TmpPart.MountPath, "error", err)
		} else {
			res.TmpPart.Mounted = false
		}
	}

	for _, p := range []*Partition{&res.TmpPart.Partition, res.BootPart, res.RootPart} {
		if p == nil || p.PartitionNumber == 0 {
			continue
		}
		if err := s.Delete(ctx, p.DiskNumber, p.PartitionNumber); err != nil {
			slog.Warn("rollback_delete_failed", "disk", p.DiskNumber, "partition", p.PartitionNumber, "error", err)
		}
	}

	if res.Shrunk {
		if err := s.Resize(ctx, res.SysDrive, res.OriginalSize); err != nil {
			slog.Error("rollback_restore_failed", "drive", res.SysDrive, "size", res.OriginalSize, "error", err)
			return
		}
		res.Shrunk = false
	}

	slog.Info("partition_rollback_complete", "drive", res.SysDrive)
}
