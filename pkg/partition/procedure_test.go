package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/spinstage/spinstage/pkg/elevated"
	"github.com/spinstage/spinstage/pkg/errors"
)

const (
	gib        = int64(1) << 30
	mib        = int64(1) << 20
	sysSize    = 200 * gib
	sysMinSize = 50 * gib
)

var (
	reResize = regexp.MustCompile(`Resize-Partition -DriveLetter (\w) -Size (\d+)`)
	reCreate = regexp.MustCompile(`New-Partition -DiskNumber (\d+) -Size (\d+)`)
	reRemove = regexp.MustCompile(`Remove-Partition -DiskNumber (\d+) -PartitionNumber (\d+)`)
)

// fakeDisk models one disk holding the system partition and answers the
// commands the Service issues.
type fakeDisk struct {
	mu       sync.Mutex
	sysSize  int64
	parts    map[int]Partition
	next     int
	mounts   map[string]string
	failOn   string
	commands []string

	// nullCreate makes New-Partition report nothing, as PowerShell does when
	// the cmdlet writes a non-terminating error.
	nullCreate bool
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{
		sysSize: sysSize,
		parts:   make(map[int]Partition),
		next:    4,
		mounts:  make(map[string]string),
	}
}

func (d *fakeDisk) Run(ctx context.Context, args []string, opts elevated.CommandOptions) (*elevated.CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line := strings.Join(args, " ")
	d.commands = append(d.commands, line)
	if d.failOn != "" && strings.Contains(line, d.failOn) {
		return nil, &errors.CommandError{Args: args, ExitCode: 1, Stderr: "injected failure"}
	}

	out := ""
	switch {
	case args[0] == "mountvol" && args[len(args)-1] == "/D":
		delete(d.mounts, args[1])
	case args[0] == "mountvol":
		d.mounts[args[1]] = args[2]
	case strings.Contains(line, "$env:SystemDrive"):
		out = `{"Letter":"C","Path":"\\\\?\\Volume{sys}\\"}`
	case strings.Contains(line, "Get-PartitionSupportedSize"):
		out = fmt.Sprintf(`{"Size":%d,"SizeMin":%d}`, d.sysSize, sysMinSize)
	case reResize.MatchString(line):
		m := reResize.FindStringSubmatch(line)
		d.sysSize, _ = strconv.ParseInt(m[2], 10, 64)
	case reCreate.MatchString(line) && d.nullCreate:
		out = `{"DiskNumber":null,"PartitionNumber":null,"Guid":null,"Offset":null,"Size":null}`
	case reCreate.MatchString(line):
		m := reCreate.FindStringSubmatch(line)
		size, _ := strconv.ParseInt(m[2], 10, 64)
		p := Partition{
			DiskNumber:      0,
			PartitionNumber: d.next,
			Guid:            fmt.Sprintf("{00000000-0000-0000-0000-%012d}", d.next),
			Size:            size,
		}
		if strings.Contains(line, "Format-Volume") {
			p.VolumePath = fmt.Sprintf(`\\?\Volume{%d}\`, d.next)
		}
		d.parts[p.PartitionNumber] = p
		d.next++
		b, _ := json.Marshal(p)
		out = string(b)
	case reRemove.MatchString(line):
		m := reRemove.FindStringSubmatch(line)
		n, _ := strconv.Atoi(m[2])
		delete(d.parts, n)
	case strings.Contains(line, "GptType"):
		out = `{"DiskNumber":0,"PartitionNumber":1,"Guid":"{ESP-GUID}","Offset":1048576,"Size":104857600,"VolumePath":"\\\\?\\Volume{esp}\\","SectorSize":4096}`
	case strings.Contains(line, "Get-Partition -DriveLetter"):
		out = fmt.Sprintf(`{"DiskNumber":0,"PartitionNumber":3,"Guid":"{sys}","Offset":1048576,"Size":%d}`, d.sysSize)
	default:
		return nil, fmt.Errorf("unexpected command: %s", line)
	}
	return &elevated.CommandResult{Args: args, Stdout: out}, nil
}

func TestComputeShrink(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		want   int64
		hasErr bool
	}{
		{"tmp only", Options{TmpPartSize: 4 * gib}, 4 * gib, false},
		{"tmp and boot", Options{TmpPartSize: 4 * gib, BootPartSize: gib}, 5 * gib, false},
		{"explicit shrink ignored without root", Options{TmpPartSize: 4 * gib, BootPartSize: gib, ShrinkSpace: 80 * gib}, 5 * gib, false},
		{"root uses explicit shrink", Options{TmpPartSize: 4 * gib, BootPartSize: gib, ShrinkSpace: 80 * gib, MakeRootPartition: true}, 80 * gib, false},
		{"root without room", Options{TmpPartSize: 4 * gib, BootPartSize: gib, ShrinkSpace: 5 * gib, MakeRootPartition: true}, 0, true},
		{"no tmp", Options{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeShrink(tt.opts)
			if tt.hasErr {
				if err == nil {
					t.Errorf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestComputeShrinkWithoutRootIsSum(t *testing.T) {
	for tmp := int64(1); tmp <= 5; tmp++ {
		for boot := int64(0); boot <= 3; boot++ {
			for _, shrink := range []int64{0, 1, 100 * gib} {
				opts := Options{TmpPartSize: tmp * gib, BootPartSize: boot * gib, ShrinkSpace: shrink}
				got, err := ComputeShrink(opts)
				if err != nil {
					t.Fatalf("%+v: %v", opts, err)
				}
				if got != opts.TmpPartSize+opts.BootPartSize {
					t.Errorf("%+v: got %d", opts, got)
				}
			}
		}
	}
}

func TestProcedure(t *testing.T) {
	disk := newFakeDisk()
	svc := NewService(disk, t.TempDir())

	opts := Options{
		TmpPartSize:       4 * gib,
		Label:             "FEDORA-TMP",
		ShrinkSpace:       60 * gib,
		BootPartSize:      gib,
		MakeRootPartition: true,
	}
	res, err := svc.Procedure(context.Background(), opts)
	if err != nil {
		t.Fatalf("procedure failed: %v", err)
	}

	if res.OriginalSize != sysSize {
		t.Errorf("original size = %d", res.OriginalSize)
	}
	if want := sysSize - 60*gib - DefaultShrinkMargin; disk.sysSize != want {
		t.Errorf("system size = %d, want %d", disk.sysSize, want)
	}
	if res.RootPart == nil || res.RootPart.Size != 55*gib {
		t.Errorf("root partition = %+v", res.RootPart)
	}
	if res.BootPart == nil || res.BootPart.Size != gib {
		t.Errorf("boot partition = %+v", res.BootPart)
	}
	if !res.TmpPart.Mounted || res.TmpPart.VolumePath == "" {
		t.Errorf("temporary partition not mounted: %+v", res.TmpPart)
	}
	if len(disk.mounts) != 1 {
		t.Errorf("mounts = %v", disk.mounts)
	}
}

func TestProcedureRejectsBadLabel(t *testing.T) {
	disk := newFakeDisk()
	svc := NewService(disk, t.TempDir())

	res, err := svc.Procedure(context.Background(), Options{TmpPartSize: gib, Label: "MUCH-TOO-LONG-LABEL"})
	if err == nil {
		t.Fatal("expected error")
	}
	if res != nil {
		t.Error("no result expected before any change")
	}
	if len(disk.commands) != 0 {
		t.Errorf("commands issued: %v", disk.commands)
	}
}

func TestProcedureRefusesOversizedShrink(t *testing.T) {
	disk := newFakeDisk()
	svc := NewService(disk, t.TempDir())

	res, err := svc.Procedure(context.Background(), Options{TmpPartSize: 190 * gib, Label: "TMP"})
	var perr *errors.PartitionError
	if !errors.As(err, &perr) || perr.Step != "shrink" {
		t.Fatalf("expected shrink PartitionError, got %v", err)
	}
	if res != nil || disk.sysSize != sysSize {
		t.Error("disk should be untouched")
	}
}

func TestRollbackRestoresOriginalSize(t *testing.T) {
	failPoints := []string{
		"Resize-Partition",
		"New-Partition -DiskNumber 0 -Size 59055800320",
		"New-Partition -DiskNumber 0 -Size 1073741824",
		"Format-Volume",
		"mountvol",
	}

	for _, fail := range failPoints {
		t.Run(fail, func(t *testing.T) {
			disk := newFakeDisk()
			disk.failOn = fail
			svc := NewService(disk, t.TempDir())

			opts := Options{
				TmpPartSize:       4 * gib,
				Label:             "FEDORA-TMP",
				ShrinkSpace:       60 * gib,
				BootPartSize:      gib,
				MakeRootPartition: true,
			}
			res, err := svc.Procedure(context.Background(), opts)
			if err == nil {
				t.Fatal("expected injected failure")
			}
			if res == nil {
				t.Fatal("expected partial result")
			}

			disk.failOn = ""
			svc.Rollback(context.Background(), res)

			if disk.sysSize != sysSize {
				t.Errorf("system size = %d, want %d", disk.sysSize, sysSize)
			}
			if len(disk.parts) != 0 {
				t.Errorf("partitions left behind: %v", disk.parts)
			}
			if len(disk.mounts) != 0 {
				t.Errorf("mounts left behind: %v", disk.mounts)
			}
		})
	}
}

func TestRollbackAfterSuccess(t *testing.T) {
	disk := newFakeDisk()
	svc := NewService(disk, t.TempDir())

	res, err := svc.Procedure(context.Background(), Options{TmpPartSize: 4 * gib, Label: "TMP", BootPartSize: gib})
	if err != nil {
		t.Fatal(err)
	}
	svc.Rollback(context.Background(), res)

	if disk.sysSize != sysSize || len(disk.parts) != 0 || len(disk.mounts) != 0 {
		t.Errorf("disk not restored: size=%d parts=%v mounts=%v", disk.sysSize, disk.parts, disk.mounts)
	}
}

func TestRollbackSwallowsErrors(t *testing.T) {
	disk := newFakeDisk()
	svc := NewService(disk, t.TempDir())

	res, err := svc.Procedure(context.Background(), Options{TmpPartSize: gib, Label: "TMP"})
	if err != nil {
		t.Fatal(err)
	}

	disk.failOn = "Remove-Partition"
	svc.Rollback(context.Background(), res)

	if disk.sysSize != sysSize {
		t.Errorf("restore should still be attempted after a failed delete, size = %d", disk.sysSize)
	}
}

func TestPartUUID(t *testing.T) {
	p := Partition{Guid: "{ABCDEF01-2345-6789-ABCD-EF0123456789}"}
	if got := p.PartUUID(); got != "abcdef01-2345-6789-abcd-ef0123456789" {
		t.Errorf("got %s", got)
	}
}

func TestCreateUnformatted(t *testing.T) {
	disk := newFakeDisk()
	svc := NewService(disk, t.TempDir())

	p, err := svc.Create(context.Background(), CreateOptions{DiskNumber: 0, Size: 512 * mib})
	if err != nil {
		t.Fatal(err)
	}
	if p.VolumePath != "" {
		t.Errorf("unformatted partition has volume path %s", p.VolumePath)
	}
	if strings.Contains(disk.commands[0], "Format-Volume") {
		t.Error("unformatted partition should not be formatted")
	}
}

func TestEFIPartition(t *testing.T) {
	svc := NewService(newFakeDisk(), t.TempDir())

	esp, err := svc.EFIPartition(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if esp.PartitionNumber != 1 || esp.Offset != 1048576 {
		t.Errorf("esp = %+v", esp)
	}
	if esp.VolumePath != `\\?\Volume{esp}\` {
		t.Errorf("volume path = %q", esp.VolumePath)
	}
	if esp.PartUUID() != "esp-guid" {
		t.Errorf("partuuid = %s", esp.PartUUID())
	}
	if esp.SectorSize != 4096 || esp.LBA(esp.Offset) != 256 {
		t.Errorf("sector size = %d, start lba = %d", esp.SectorSize, esp.LBA(esp.Offset))
	}
}

func TestLBADefaultsTo512(t *testing.T) {
	p := Partition{Offset: 1048576}
	if got := p.LBA(p.Offset); got != 2048 {
		t.Errorf("lba = %d, want 2048", got)
	}
}

func TestScriptsStopOnError(t *testing.T) {
	disk := newFakeDisk()
	svc := NewService(disk, t.TempDir())

	svc.SystemVolume(context.Background())
	svc.Resize(context.Background(), "C", 100*gib)
	for _, c := range disk.commands {
		if !strings.Contains(c, "$ErrorActionPreference = 'Stop';") {
			t.Errorf("script without error preference: %s", c)
		}
	}
}

func TestCreateRejectsEmptyPartition(t *testing.T) {
	disk := newFakeDisk()
	disk.nullCreate = true
	svc := NewService(disk, t.TempDir())

	_, err := svc.Create(context.Background(), CreateOptions{DiskNumber: 0, Size: 512 * mib})
	var perr *errors.PartitionError
	if !errors.As(err, &perr) || perr.Step != "create" {
		t.Fatalf("err = %v, want create PartitionError", err)
	}
}

func TestProcedureFailsOnEmptyRootPartition(t *testing.T) {
	disk := newFakeDisk()
	disk.nullCreate = true
	svc := NewService(disk, t.TempDir())

	res, err := svc.Procedure(context.Background(), Options{
		TmpPartSize:       4 * gib,
		Label:             "FEDORA-TMP",
		ShrinkSpace:       40 * gib,
		MakeRootPartition: true,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil || res.RootPart != nil {
		t.Fatalf("result = %+v, want shrunk result without root partition", res)
	}
	if !res.Shrunk {
		t.Error("shrink not recorded for rollback")
	}
}
