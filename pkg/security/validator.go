package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// MaxFATLabelLength is the longest volume label FAT32 accepts.
const MaxFATLabelLength = 11

// Validator checks the paths and sizes of a tree being copied onto a
// partition of fixed capacity.
type Validator struct {
	capacity int64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a validator. A capacity of zero disables the size
// check.
func NewValidator(capacity int64) *Validator {
	slog.Info("security_validator_init", "capacity_mb", capacity/1024/1024)
	return &Validator{capacity: capacity}
}

// ValidatePath rejects relative paths that would escape the destination root.
func (v *Validator) ValidatePath(rel string) error {
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		slog.Error("security_path_validation_failed", "path", rel, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", rel)
	}

	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", rel, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", rel)
	}

	return nil
}

// AddCopiedSize tracks the total copied size and checks it against capacity.
func (v *Validator) AddCopiedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.capacity > 0 && v.currentTotalSize > v.capacity {
		slog.Error("security_capacity_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"capacity_mb", v.capacity/1024/1024,
			"file_size_mb", size/1024/1024)
		return fmt.Errorf("security: copied size %d exceeds partition capacity %d",
			v.currentTotalSize, v.capacity)
	}

	return nil
}

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// GetCurrentTotalSize returns the current total copied size
func (v *Validator) GetCurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}

// ValidateLabel checks that label is usable as a FAT32 volume label and as a
// bootloader search key.
func ValidateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("security: empty volume label")
	}
	if len(label) > MaxFATLabelLength {
		return fmt.Errorf("security: volume label %q longer than %d characters", label, MaxFATLabelLength)
	}
	for _, r := range label {
		if r > 0x7e || r < 0x20 || strings.ContainsRune(`*?.,;:/\|+=<>[]"'`, r) {
			return fmt.Errorf("security: invalid character %q in volume label %q", r, label)
		}
	}
	return nil
}

// ValidatePartitionSize checks a requested partition size against bounds.
func ValidatePartitionSize(name string, size, min, max int64) error {
	if size < min {
		return fmt.Errorf("security: %s size %d below minimum %d", name, size, min)
	}
	if max > 0 && size > max {
		return fmt.Errorf("security: %s size %d exceeds maximum %d", name, size, max)
	}
	return nil
}
