// Package copytree copies directory trees onto the staging partitions. The
// copy itself runs inside the elevated helper; Client is the unprivileged
// side that asks for it.
package copytree

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spinstage/spinstage/pkg/elevated"
	"github.com/spinstage/spinstage/pkg/errors"
	"github.com/spinstage/spinstage/pkg/security"
)

// Request is the payload of elevated.OpCopyTree and elevated.OpRemoveTree.
type Request struct {
	Src string `json:"src,omitempty"`
	Dst string `json:"dst"`

	// SkipIfExists leaves an existing destination untouched, so an
	// interrupted run can be resumed.
	SkipIfExists bool `json:"skip_if_exists,omitempty"`

	// Capacity bounds the total bytes copied; zero means unbounded.
	Capacity int64 `json:"capacity,omitempty"`
}

// Stats summarizes a copy.
type Stats struct {
	Files   int   `json:"files"`
	Bytes   int64 `json:"bytes"`
	Skipped bool  `json:"skipped"`
}

// Copy copies the tree at src into dst. Every relative path is validated and
// the running size is checked against the validator's capacity. Symlinks are
// skipped since the destination filesystems cannot hold them.
func Copy(src, dst string, validator *security.Validator) (*Stats, error) {
	validator.Reset()
	stats := &Stats{}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if err := validator.ValidatePath(rel); err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)

		case d.Type()&fs.ModeSymlink != 0:
			slog.Warn("copy_symlink_skipped", "path", rel)
			return nil

		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := validator.AddCopiedSize(info.Size()); err != nil {
				return err
			}
			if err := CopyFile(path, target); err != nil {
				return fmt.Errorf("failed to copy %s: %w", rel, err)
			}
			stats.Files++
			stats.Bytes += info.Size()
			return nil
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// CopyFile copies one regular file, creating the parent directory of dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Handler is the helper side of elevated.OpCopyTree.
func Handler() elevated.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.Wrap(err, "invalid copy_tree arguments")
		}
		if req.Src == "" || req.Dst == "" {
			return nil, fmt.Errorf("copy_tree needs both src and dst")
		}
		if req.SkipIfExists {
			if _, err := os.Stat(req.Dst); err == nil {
				slog.Info("copy_tree_skipped", "dst", req.Dst, "reason", "exists")
				return &Stats{Skipped: true}, nil
			}
		}

		slog.Info("copy_tree_started", "src", req.Src, "dst", req.Dst)
		stats, err := Copy(req.Src, req.Dst, security.NewValidator(req.Capacity))
		if err != nil {
			slog.Error("copy_tree_failed", "src", req.Src, "dst", req.Dst, "error", err)
			return nil, err
		}
		slog.Info("copy_tree_complete", "dst", req.Dst, "files", stats.Files, "bytes", stats.Bytes)
		return stats, nil
	}
}

// RemoveHandler is the helper side of elevated.OpRemoveTree.
func RemoveHandler() elevated.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.Wrap(err, "invalid remove_tree arguments")
		}
		clean := filepath.Clean(req.Dst)
		if req.Dst == "" || clean == filepath.Dir(clean) {
			return nil, fmt.Errorf("refusing to remove %q", req.Dst)
		}
		slog.Info("remove_tree", "path", clean)
		return nil, os.RemoveAll(clean)
	}
}

// Caller invokes a privileged operation. *elevated.Channel satisfies it.
type Caller interface {
	Call(ctx context.Context, op elevated.Op, args any, out any) error
}

// Client asks the helper to copy or remove trees.
type Client struct {
	caller Caller
}

// NewClient creates a Client.
func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

// CopyTree copies src into dst inside the helper.
func (c *Client) CopyTree(ctx context.Context, req Request) (*Stats, error) {
	var stats Stats
	if err := c.caller.Call(ctx, elevated.OpCopyTree, req, &stats); err != nil {
		return nil, errors.Wrap(err, "failed to copy "+req.Src)
	}
	return &stats, nil
}

// RemoveTree deletes path inside the helper.
func (c *Client) RemoveTree(ctx context.Context, path string) error {
	return errors.Wrap(c.caller.Call(ctx, elevated.OpRemoveTree, Request{Dst: path}, nil), "failed to remove "+path)
}
