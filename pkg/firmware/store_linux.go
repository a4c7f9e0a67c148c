//go:build linux

package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultEfivarsDir is where efivarfs is mounted.
const DefaultEfivarsDir = "/sys/firmware/efi/efivars"

// EfivarsStore reads and writes variables through efivarfs. Each file holds a
// 4-byte little-endian attribute word followed by the variable data.
type EfivarsStore struct {
	Dir string
}

// NewSystemStore returns the firmware store for this platform.
func NewSystemStore() (Opener, error) {
	if _, err := os.Stat(DefaultEfivarsDir); err != nil {
		return nil, fmt.Errorf("efivarfs not available: %w", err)
	}
	return &EfivarsStore{Dir: DefaultEfivarsDir}, nil
}

func (s *EfivarsStore) Session(fn func(Store) error) error {
	return fn(s)
}

func (s *EfivarsStore) path(name string) string {
	return filepath.Join(s.Dir, name+"-"+GlobalVariableGUID)
}

func (s *EfivarsStore) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware variable %s: %w", name, err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("firmware variable %s truncated", name)
	}
	return data[4:], nil
}

func (s *EfivarsStore) Write(name string, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, DefaultAttributes)
	copy(buf[4:], data)

	path := s.path(name)
	if err := clearImmutable(path); err != nil {
		return fmt.Errorf("failed to unlock firmware variable %s: %w", name, err)
	}

	// efivarfs requires the whole variable in a single write.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open firmware variable %s: %w", name, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("failed to write firmware variable %s: %w", name, err)
	}
	return f.Close()
}

// fsImmutableFL is FS_IMMUTABLE_FL from linux/fs.h; x/sys/unix does not export it.
const fsImmutableFL = 0x00000010

// clearImmutable drops the immutable flag efivarfs sets on existing
// variables. Missing files and filesystems without inode flags are left
// alone.
func clearImmutable(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	fd := int(f.Fd())
	flags, err := unix.IoctlGetUint32(fd, unix.FS_IOC_GETFLAGS)
	if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EINVAL) {
		return nil
	}
	if err != nil {
		return err
	}
	if flags&fsImmutableFL == 0 {
		return nil
	}
	return unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, int(flags&^fsImmutableFL))
}
