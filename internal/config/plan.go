package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spinstage/spinstage/pkg/autoinst"
	"github.com/spinstage/spinstage/pkg/install"
	"github.com/spinstage/spinstage/pkg/partition"
	"github.com/spinstage/spinstage/pkg/security"
	"gopkg.in/yaml.v3"
)

// tmpPartSlack is added to the image sizes when the plan does not size the
// temporary partition: room for the loader tree, kickstart and FAT overhead.
const tmpPartSlack = 256 << 20

// Plan is the install plan file: what to install and how to lay out the disk.
// Sizes accept humanized values ("4 GiB", "500MB").
type Plan struct {
	Spin            install.Spin               `yaml:"spin"`
	Files           []install.DownloadableFile `yaml:"files"`
	Partitioning    PartitionPlan              `yaml:"partitioning"`
	Kickstart       KickstartPlan              `yaml:"kickstart"`
	EFISubdir       string                     `yaml:"efi_subdir"`
	WifiProfiles    []string                   `yaml:"wifi_profiles"`
	BootDescription string                     `yaml:"boot_description"`
}

type PartitionPlan struct {
	Label             string `yaml:"label"`
	TmpPartSize       string `yaml:"tmp_part_size"`
	ShrinkSpace       string `yaml:"shrink_space"`
	BootPartSize      string `yaml:"boot_part_size"`
	MakeRootPartition bool   `yaml:"make_root_partition"`
}

type KickstartPlan struct {
	Method       autoinst.PartitionMethod `yaml:"method"`
	Keymap       string                   `yaml:"keymap"`
	Language     string                   `yaml:"language"`
	Timezone     string                   `yaml:"timezone"`
	Encrypt      bool                     `yaml:"encrypt"`
	Passphrase   string                   `yaml:"passphrase"`
	TPMUnlock    bool                     `yaml:"tpm_unlock"`
	Username     string                   `yaml:"username"`
	FullName     string                   `yaml:"full_name"`
	PasswordHash string                   `yaml:"password_hash"`
}

// LoadPlan reads and decodes a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes a plan document. Unknown keys are rejected.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return &p, nil
}

func parseSize(field, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return int64(n), nil
}

// Context turns the plan into the input of an installation run, filling in
// defaults from cfg.
func (p *Plan) Context(cfg *Config) (*install.InstallationContext, error) {
	tmp, err := parseSize("tmp_part_size", p.Partitioning.TmpPartSize)
	if err != nil {
		return nil, err
	}
	shrink, err := parseSize("shrink_space", p.Partitioning.ShrinkSpace)
	if err != nil {
		return nil, err
	}
	boot, err := parseSize("boot_part_size", p.Partitioning.BootPartSize)
	if err != nil {
		return nil, err
	}
	if tmp == 0 {
		for _, f := range p.Files {
			tmp += f.Size
		}
		if tmp == 0 {
			return nil, fmt.Errorf("tmp_part_size is required when file sizes are unknown")
		}
		tmp += tmpPartSlack
	}

	label := p.Partitioning.Label
	if label == "" {
		label = cfg.TmpPartLabel
	}
	if err := security.ValidateLabel(label); err != nil {
		return nil, err
	}

	subdir := p.EFISubdir
	if subdir == "" {
		subdir = "fedora"
	}

	profiles := make([]string, len(p.WifiProfiles))
	for i, w := range p.WifiProfiles {
		abs, err := filepath.Abs(w)
		if err != nil {
			return nil, err
		}
		profiles[i] = abs
	}

	ic := &install.InstallationContext{
		Spin:  p.Spin,
		Files: p.Files,
		Partitioning: partition.Options{
			TmpPartSize:       tmp,
			Label:             label,
			ShrinkSpace:       shrink,
			BootPartSize:      boot,
			MakeRootPartition: p.Partitioning.MakeRootPartition,
		},
		Kickstart: autoinst.KickstartOptions{
			PartitionMethod: p.Kickstart.Method,
			Keymap:          p.Kickstart.Keymap,
			Language:        p.Kickstart.Language,
			Timezone:        p.Kickstart.Timezone,
			Encrypt:         p.Kickstart.Encrypt,
			Passphrase:      p.Kickstart.Passphrase,
			TPMUnlock:       p.Kickstart.TPMUnlock,
			Username:        p.Kickstart.Username,
			FullName:        p.Kickstart.FullName,
			PasswordHash:    p.Kickstart.PasswordHash,
		},
		Paths:           install.Paths{WorkDir: cfg.WorkDir, EFISubdir: subdir},
		WifiProfiles:    profiles,
		BootDescription: p.BootDescription,
	}
	if err := ic.Validate(); err != nil {
		return nil, err
	}
	return ic, nil
}
