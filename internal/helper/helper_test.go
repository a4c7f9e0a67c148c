package helper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spinstage/spinstage/pkg/bootentry"
	"github.com/spinstage/spinstage/pkg/copytree"
	"github.com/spinstage/spinstage/pkg/elevated"
	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/firmware"
)

func TestRegistryCoversAllOperations(t *testing.T) {
	reg := Registry(firmware.NewMemoryStore())

	for _, op := range []elevated.Op{
		elevated.OpCopyTree,
		elevated.OpRemoveTree,
		elevated.OpAddBootEntry,
		elevated.OpListBootEntries,
	} {
		if reg[op] == nil {
			t.Errorf("no handler for %s", op)
		}
	}
	for op := range reg {
		if !op.Valid() {
			t.Errorf("registry serves unknown op %s", op)
		}
	}
}

// channel connects a Channel to a helper served in-process by Run.
func channel(t *testing.T, opener firmware.Opener) *elevated.Channel {
	dir, err := os.MkdirTemp("", "ss")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	transport := elevated.UnixTransport{Dir: dir}
	done := make(chan error, 1)
	launcher := elevated.LauncherFunc(func(ctx context.Context, name string) (elevated.LaunchStatus, error) {
		go func() {
			done <- Run(context.Background(), transport, name, 5*time.Second, Registry(opener))
		}()
		return elevated.Launched, nil
	})

	ch := elevated.NewChannel(launcher, transport, 5*time.Second).Acquire()
	t.Cleanup(func() {
		ch.Release()
		if err := <-done; err != nil {
			t.Errorf("helper exited with %v", err)
		}
	})
	return ch
}

func TestHelperCopyAndRemove(t *testing.T) {
	ch := channel(t, firmware.NewMemoryStore())
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "media")
	if err := os.MkdirAll(filepath.Join(src, "EFI", "BOOT"), 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(src, "EFI", "BOOT", "grub.cfg"), []byte("menuentry"), 0644)
	dst := filepath.Join(t.TempDir(), "tmp")

	client := copytree.NewClient(ch)
	stats, err := client.CopyTree(ctx, copytree.Request{Src: src, Dst: dst})
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if stats.Files != 1 {
		t.Errorf("files = %d, want 1", stats.Files)
	}
	if _, err := os.Stat(filepath.Join(dst, "EFI", "BOOT", "grub.cfg")); err != nil {
		t.Fatal(err)
	}

	if err := client.RemoveTree(ctx, dst); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Errorf("destination still present: %v", err)
	}
}

func TestHelperListBootEntries(t *testing.T) {
	ch := channel(t, firmware.NewMemoryStore())

	l, err := bootentry.NewService(ch, 8).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Entries) != 0 || len(l.BootOrder) != 0 {
		t.Errorf("listing = %+v, want empty", l)
	}
}

func TestHelperCheckAccess(t *testing.T) {
	tests := []struct {
		name    string
		opener  firmware.Opener
		wantErr bool
	}{
		{"available", firmware.NewMemoryStore(), false},
		{"unavailable", unavailable{err: fmt.Errorf("efivarfs not available")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := channel(t, tt.opener)
			err := bootentry.NewService(ch, 8).CheckAccess(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var remote *errors.RemoteError
			if tt.wantErr && !errors.As(err, &remote) {
				t.Errorf("expected RemoteError, got %v", err)
			}
		})
	}
}

func TestHelperFirmwareUnavailable(t *testing.T) {
	ch := channel(t, unavailable{err: fmt.Errorf("firmware variables not supported")})

	_, err := bootentry.NewService(ch, 8).List(context.Background())
	var remote *errors.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
}
