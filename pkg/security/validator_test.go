package security

import (
	"path/filepath"
	"testing"
)

func TestValidatePath_PathTraversal(t *testing.T) {
	v := NewValidator(1024)

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"file.txt", false},
		{"EFI/BOOT/grubx64.efi", false},
		{"../etc/passwd", true},
		{filepath.Join(string(filepath.Separator), "etc", "passwd"), true},
		{"dir/../file.txt", false},
		{"dir/../../etc/passwd", true},
		{"..hidden", false},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %s", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
	}
}

func TestAddCopiedSize_ExceedsCapacity(t *testing.T) {
	v := NewValidator(500)

	if err := v.AddCopiedSize(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := v.AddCopiedSize(200); err == nil {
		t.Error("expected error when total copied exceeds capacity")
	}

	v.Reset()
	if v.GetCurrentTotalSize() != 0 {
		t.Error("reset should clear the counter")
	}
}

func TestAddCopiedSize_Unbounded(t *testing.T) {
	v := NewValidator(0)
	if err := v.AddCopiedSize(1 << 40); err != nil {
		t.Errorf("zero capacity should disable the check: %v", err)
	}
}

func TestValidateLabel(t *testing.T) {
	tests := []struct {
		label     string
		shouldErr bool
	}{
		{"FEDORA-TMP", false},
		{"TMPINSTALL", false},
		{"", true},
		{"WAYTOOLONGLABEL", true},
		{"BAD:LABEL", true},
		{"SP ACE", false},
		{"ÉTIQUETTE", true},
	}

	for _, tt := range tests {
		err := ValidateLabel(tt.label)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for label %q", tt.label)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for label %q: %v", tt.label, err)
		}
	}
}

func TestValidatePartitionSize(t *testing.T) {
	if err := ValidatePartitionSize("tmp", 100, 50, 200); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidatePartitionSize("tmp", 10, 50, 200); err == nil {
		t.Error("expected error below minimum")
	}
	if err := ValidatePartitionSize("tmp", 300, 50, 200); err == nil {
		t.Error("expected error above maximum")
	}
	if err := ValidatePartitionSize("tmp", 300, 50, 0); err != nil {
		t.Errorf("zero maximum should be unbounded: %v", err)
	}
}
