package autoinst

import "strings"

// LabelToken is replaced with the temporary partition label.
const LabelToken = "%PARTITION_LABEL%"

const grubPreamble = `set default="0"

function load_video {
  insmod efi_gop
  insmod efi_uga
  insmod video_bochs
  insmod video_cirrus
  insmod all_video
}

load_video
set gfxpayload=keep
insmod gzio
insmod part_gpt
insmod ext2
insmod fat

search --no-floppy --set=root --label '%PARTITION_LABEL%'
set timeout=5

`

const grubAutoinst = `menuentry 'Install with automatic configuration' --class fedora --class gnu-linux --class gnu --class os {
	linux /images/pxeboot/vmlinuz root=live:CDLABEL=%PARTITION_LABEL% rd.live.image inst.ks=hd:LABEL=%PARTITION_LABEL%:/ks.cfg quiet rhgb
	initrd /images/pxeboot/initrd.img
}
`

const grubInteractive = `menuentry 'Start live session' --class fedora --class gnu-linux --class gnu --class os {
	linux /images/pxeboot/vmlinuz root=live:CDLABEL=%PARTITION_LABEL% rd.live.image quiet rhgb
	initrd /images/pxeboot/initrd.img
}
menuentry 'Test this media & start live session' --class fedora --class gnu-linux --class gnu --class os {
	linux /images/pxeboot/vmlinuz root=live:CDLABEL=%PARTITION_LABEL% rd.live.image rd.live.check quiet
	initrd /images/pxeboot/initrd.img
}
submenu 'Troubleshooting -->' {
	menuentry 'Start live session in basic graphics mode' --class fedora --class gnu-linux --class gnu --class os {
		linux /images/pxeboot/vmlinuz root=live:CDLABEL=%PARTITION_LABEL% rd.live.image nomodeset quiet rhgb
		initrd /images/pxeboot/initrd.img
	}
	menuentry 'Boot first drive' --class fedora --class gnu-linux --class gnu --class os {
		exit
	}
}
`

// GrubOptions drive GrubConfig.
type GrubOptions struct {
	PartitionLabel string
	IsAutoinst     bool
}

// GrubConfig renders grub.cfg for the temporary partition.
func GrubConfig(o GrubOptions) string {
	var b strings.Builder
	b.WriteString(grubPreamble)
	if o.IsAutoinst {
		b.WriteString(grubAutoinst)
	}
	b.WriteString(grubInteractive)
	return strings.ReplaceAll(b.String(), LabelToken, o.PartitionLabel)
}
