// Package autoinst builds the text artifacts read by the target installer:
// the kickstart answer file and the GRUB menu on the temporary partition.
// Builders are pure: identical input always yields identical output.
package autoinst

import (
	"fmt"
	"strings"
)

// PartitionMethod selects how the installer lays out the disk.
type PartitionMethod string

const (
	MethodDualBoot   PartitionMethod = "dualboot"
	MethodReplaceWin PartitionMethod = "replace_win"
	MethodCustom     PartitionMethod = "custom"
)

// Valid reports whether m is a known method.
func (m PartitionMethod) Valid() bool {
	switch m {
	case MethodDualBoot, MethodReplaceWin, MethodCustom:
		return true
	}
	return false
}

// Defaults used when no locale choice was made.
const (
	DefaultKeymap   = "us"
	DefaultLanguage = "en_US.UTF-8"
	DefaultTimezone = "America/New_York"
)

// Directory names on the temporary partition holding exported files.
const (
	WifiDir     = "spinstage/wifi"
	PackagesDir = "spinstage/packages"
	mediaMount  = "/tmp/spinstage-media"
)

// KickstartOptions drive Kickstart.
type KickstartOptions struct {
	// MediaLabel is the filesystem label of the temporary partition.
	MediaLabel string

	WifiProfiles  []string // exported NetworkManager profile file names
	ExtraPackages []string // package file names copied next to the profiles

	TPMUnlock bool

	Keymap   string
	Language string
	Timezone string

	PartitionMethod PartitionMethod
	EFIPartUUID     string
	BootPartUUID    string
	RootPartUUID    string
	Encrypt         bool
	Passphrase      string

	Username     string
	FullName     string
	PasswordHash string
}

// Kickstart renders the answer file. Directives are always emitted in the
// same order; options only decide whether a block is present and what it
// contains.
func Kickstart(o KickstartOptions) string {
	var b strings.Builder

	b.WriteString("# Generated by spinstage\n")
	b.WriteString("text\n")

	if len(o.WifiProfiles) > 0 {
		writeWifi(&b, o)
	}
	if len(o.ExtraPackages) > 0 {
		writePackages(&b, o)
	}
	if o.TPMUnlock && o.Encrypt {
		writeTPM(&b, o)
	}

	if o.Username == "" {
		b.WriteString("firstboot --enable\n")
	} else {
		b.WriteString("firstboot --disable\n")
	}
	fmt.Fprintf(&b, "lang %s\n", orDefault(o.Language, DefaultLanguage))
	keymap := orDefault(o.Keymap, DefaultKeymap)
	fmt.Fprintf(&b, "keyboard --vckeymap=%s --xlayouts='%s'\n", keymap, keymap)
	fmt.Fprintf(&b, "timezone %s --utc\n", orDefault(o.Timezone, DefaultTimezone))

	writePartitions(&b, o)

	if o.Username != "" {
		fmt.Fprintf(&b, "user --name=%s --groups=wheel", o.Username)
		if o.FullName != "" {
			fmt.Fprintf(&b, " --gecos=%q", o.FullName)
		}
		if o.PasswordHash != "" {
			fmt.Fprintf(&b, " --password=%s --iscrypted", o.PasswordHash)
		}
		b.WriteString("\n")
	}
	b.WriteString("rootpw --lock\n")
	b.WriteString("reboot\n")

	return b.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func writeMount(b *strings.Builder, label string) {
	fmt.Fprintf(b, "mkdir -p %s\n", mediaMount)
	fmt.Fprintf(b, "mountpoint -q %s || mount /dev/disk/by-label/%s %s\n", mediaMount, label, mediaMount)
}

func writeWifi(b *strings.Builder, o KickstartOptions) {
	const dst = "/mnt/sysimage/etc/NetworkManager/system-connections"
	b.WriteString("%post --nochroot --log=/mnt/sysimage/root/ks-wifi.log\n")
	writeMount(b, o.MediaLabel)
	fmt.Fprintf(b, "mkdir -p %s\n", dst)
	for _, p := range o.WifiProfiles {
		fmt.Fprintf(b, "install -m 600 '%s/%s/%s' %s/\n", mediaMount, WifiDir, p, dst)
	}
	b.WriteString("%end\n")
}

func writePackages(b *strings.Builder, o KickstartOptions) {
	b.WriteString("%post --nochroot --log=/mnt/sysimage/root/ks-packages.log\n")
	writeMount(b, o.MediaLabel)
	b.WriteString("mkdir -p /mnt/sysimage/var/tmp/spinstage\n")
	for _, p := range o.ExtraPackages {
		fmt.Fprintf(b, "cp '%s/%s/%s' /mnt/sysimage/var/tmp/spinstage/\n", mediaMount, PackagesDir, p)
	}
	b.WriteString("%end\n")
	b.WriteString("%post --log=/root/ks-packages-install.log\n")
	b.WriteString("dnf install -y /var/tmp/spinstage/*.rpm\n")
	b.WriteString("rm -rf /var/tmp/spinstage\n")
	b.WriteString("%end\n")
}

func writeTPM(b *strings.Builder, o KickstartOptions) {
	b.WriteString("%post --log=/root/ks-tpm.log\n")
	b.WriteString("dev=$(blkid -t TYPE=crypto_LUKS -o device | head -n1)\n")
	b.WriteString("umask 077\n")
	fmt.Fprintf(b, "printf '%%s' '%s' > /root/.luks-key\n", shellQuote(o.Passphrase))
	b.WriteString("systemd-cryptenroll --unlock-key-file=/root/.luks-key --tpm2-device=auto --tpm2-pcrs=7 \"$dev\"\n")
	b.WriteString("shred -u /root/.luks-key\n")
	b.WriteString("sed -i 's/\\(luks-[^ ]*\\s\\+UUID=[^ ]*\\s\\+none\\s\\+\\)\\(.*\\)/\\1\\2,tpm2-device=auto/' /etc/crypttab\n")
	b.WriteString("dracut -f --regenerate-all\n")
	b.WriteString("%end\n")
}

// shellQuote escapes s for a single-quoted shell string.
func shellQuote(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

func partUUID(uuid string) string {
	return "/dev/disk/by-partuuid/" + uuid
}

func writePartitions(b *strings.Builder, o KickstartOptions) {
	if o.PartitionMethod == MethodCustom || o.PartitionMethod == "" {
		return
	}

	if o.EFIPartUUID != "" {
		fmt.Fprintf(b, "part /boot/efi --fstype=efi --onpart=%s --noformat\n", partUUID(o.EFIPartUUID))
	}
	if o.BootPartUUID != "" {
		fmt.Fprintf(b, "part /boot --fstype=ext4 --onpart=%s\n", partUUID(o.BootPartUUID))
	}

	fmt.Fprintf(b, "part btrfs.01 --fstype=btrfs --onpart=%s", partUUID(o.RootPartUUID))
	if o.Encrypt {
		fmt.Fprintf(b, " --encrypted --luks-version=luks2 --passphrase='%s'", shellQuote(o.Passphrase))
	}
	b.WriteString("\n")
	b.WriteString("btrfs none --label=fedora btrfs.01\n")
	b.WriteString("btrfs / --subvol --name=root fedora\n")
	b.WriteString("btrfs /home --subvol --name=home fedora\n")
}
