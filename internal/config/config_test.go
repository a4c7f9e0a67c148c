package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spinstage/spinstage/pkg/autoinst"
)

func validConfig() *Config {
	return &Config{
		WorkDir:         "/var/tmp/spinstage",
		SQLitePath:      "runs.db",
		FSMDBPath:       "fsm",
		HelperTimeout:   time.Minute,
		DownloadRetries: 5,
		DownloadTimeout: 30 * time.Second,
		TmpPartLabel:    "SPINSTAGE",
		BootSlotLimit:   50,
		FSMMaxRetries:   3,
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SPINSTAGE_WORK_DIR", "/srv/spinstage")
	t.Setenv("SPINSTAGE_DOWNLOAD_RETRIES", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkDir != "/srv/spinstage" || cfg.DownloadRetries != 9 {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.TmpPartLabel != "SPINSTAGE" || cfg.HelperTimeout != 2*time.Minute {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	t.Setenv("SPINSTAGE_WORK_DIR", "rel/work")
	t.Setenv("SPINSTAGE_SQLITE_PATH", "rel/runs.db")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  string
		tail string
	}{
		{"work-dir", cfg.WorkDir, filepath.Join("rel", "work")},
		{"sqlite-path", cfg.SQLitePath, filepath.Join("rel", "runs.db")},
		{"fsm-db-path", cfg.FSMDBPath, filepath.Join(dataDir, "fsm")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !filepath.IsAbs(tt.got) {
				t.Errorf("%s = %s, want absolute", tt.name, tt.got)
			}
			if !strings.HasSuffix(tt.got, tt.tail) {
				t.Errorf("%s = %s, want suffix %s", tt.name, tt.got, tt.tail)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty work dir", func(c *Config) { c.WorkDir = "" }, "work-dir"},
		{"empty sqlite path", func(c *Config) { c.SQLitePath = "" }, "sqlite-path"},
		{"zero helper timeout", func(c *Config) { c.HelperTimeout = 0 }, "helper-timeout"},
		{"long label", func(c *Config) { c.TmpPartLabel = "FEDORA-MEDIA-X" }, "tmp-part-label"},
		{"bad label char", func(c *Config) { c.TmpPartLabel = "A:B" }, "tmp-part-label"},
		{"no boot slots", func(c *Config) { c.BootSlotLimit = 0 }, "boot-slot-limit"},
		{"negative margin", func(c *Config) { c.ShrinkMargin = -1 }, "shrink-margin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

const samplePlan = `
spin:
  name: Fedora Workstation
  desktop: GNOME
  auto_installable: true
files:
  - name: Fedora-Workstation-Live.iso
    purpose: installer
    url: https://download.example.org/Fedora-Workstation-Live.iso
    hash: 5f2c9b2a
    size: 2147483648
partitioning:
  label: FEDORA-TMP
  shrink_space: 60 GiB
  boot_part_size: 1 GiB
  make_root_partition: true
kickstart:
  method: dualboot
  keymap: de
  timezone: Europe/Berlin
efi_subdir: fedora
`

func TestPlanContext(t *testing.T) {
	plan, err := ParsePlan([]byte(samplePlan))
	if err != nil {
		t.Fatal(err)
	}
	ic, err := plan.Context(validConfig())
	if err != nil {
		t.Fatal(err)
	}

	if ic.Spin.Name != "Fedora Workstation" || !ic.Spin.AutoInstallable {
		t.Errorf("spin = %+v", ic.Spin)
	}
	if ic.Method() != autoinst.MethodDualBoot || ic.Kickstart.Keymap != "de" {
		t.Errorf("kickstart = %+v", ic.Kickstart)
	}
	opts := ic.Partitioning
	if opts.ShrinkSpace != 60<<30 || opts.BootPartSize != 1<<30 || !opts.MakeRootPartition {
		t.Errorf("partitioning = %+v", opts)
	}
	if opts.TmpPartSize != 2147483648+tmpPartSlack {
		t.Errorf("tmp size = %d", opts.TmpPartSize)
	}
	if ic.Paths.WorkDir != "/var/tmp/spinstage" {
		t.Errorf("work dir = %s", ic.Paths.WorkDir)
	}
}

func TestPlanErrors(t *testing.T) {
	tests := []struct {
		name string
		plan string
	}{
		{"unknown key", "spin:\n  name: x\ncolour: blue\n"},
		{"bad size", "spin:\n  name: x\nfiles:\n  - name: a.iso\n    purpose: installer\npartitioning:\n  tmp_part_size: lots\n"},
		{"no installer", "spin:\n  name: x\npartitioning:\n  tmp_part_size: 1 GiB\nefi_subdir: fedora\n"},
		{"unsized files", "spin:\n  name: x\nfiles:\n  - name: a.iso\n    purpose: installer\nefi_subdir: fedora\n"},
		{"bad label", "spin:\n  name: x\nfiles:\n  - name: a.iso\n    purpose: installer\npartitioning:\n  tmp_part_size: 1 GiB\n  label: way-too-long-label\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ParsePlan([]byte(tt.plan))
			if err == nil {
				_, err = plan.Context(validConfig())
			}
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}
