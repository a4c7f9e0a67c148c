// Package download fetches installer images with streaming progress and
// content hash verification.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spinstage/spinstage/pkg/errors"
)

const (
	// DefaultChunkSize is the read size used while streaming a body to disk.
	DefaultChunkSize = 1 << 20

	// DefaultProgressInterval bounds progress records to two per second.
	DefaultProgressInterval = 500 * time.Millisecond
)

// Progress is one progress record for a single file.
type Progress struct {
	Filename  string
	BytesDone int64
	Total     int64
	Speed     float64 // bytes per second since the previous record
	ETA       time.Duration
	Percent   float64
	Complete  bool
}

// ProgressFunc receives progress records.
type ProgressFunc func(Progress)

// Fetcher opens a remote object for reading. size is -1 when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body io.ReadCloser, size int64, err error)
}

// Result describes a finished download.
type Result struct {
	Path    string
	SHA256  string
	Size    int64
	Skipped bool
}

// Client streams files from HTTP(S) or S3 mirrors to disk.
type Client struct {
	http Fetcher
	s3   Fetcher

	ChunkSize int
	Interval  time.Duration

	now func() time.Time
}

// NewClient creates a client. s3 may be nil when no S3 mirror is configured.
func NewClient(http, s3 Fetcher) *Client {
	return &Client{
		http:      http,
		s3:        s3,
		ChunkSize: DefaultChunkSize,
		Interval:  DefaultProgressInterval,
		now:       time.Now,
	}
}

func (c *Client) fetcherFor(url string) (Fetcher, error) {
	if strings.HasPrefix(url, "s3://") {
		if c.s3 == nil {
			return nil, fmt.Errorf("no S3 fetcher configured for %s", url)
		}
		return c.s3, nil
	}
	if c.http == nil {
		return nil, fmt.Errorf("no HTTP fetcher configured for %s", url)
	}
	return c.http, nil
}

// Download stores url at destination/filename.
//
// A file already present with a matching hash is not fetched again; a single
// complete record is emitted instead. When expectedHash is set and the
// downloaded content differs, the file is left in place and a
// *errors.HashMismatchError is returned. The client never retries on mismatch.
func (c *Client) Download(ctx context.Context, url, destination, filename, expectedHash string, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	path := filepath.Join(destination, filename)

	if expectedHash != "" {
		ok, size, err := c.Verify(path, expectedHash)
		if err != nil {
			return nil, err
		}
		if ok {
			slog.Info("download_skipped", "file", filename, "reason", "hash_match")
			progress(Progress{Filename: filename, BytesDone: size, Total: size, Percent: 100, Complete: true})
			return &Result{Path: path, SHA256: strings.ToLower(expectedHash), Size: size, Skipped: true}, nil
		}
	}

	fetcher, err := c.fetcherFor(url)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destination, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create download directory")
	}

	slog.Info("download_started", "file", filename, "url", url)

	body, total, err := fetcher.Fetch(ctx, url)
	if err != nil {
		slog.Error("download_fetch_failed", "file", filename, "error", err)
		return nil, errors.Wrap(err, "failed to fetch "+filename)
	}
	defer body.Close()

	partPath := path + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}

	h := sha256.New()
	size, err := c.stream(ctx, f, h, body, filename, total, progress)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partPath)
		slog.Error("download_failed", "file", filename, "error", err)
		return nil, errors.Wrap(err, "failed to download "+filename)
	}

	if err := os.Rename(partPath, path); err != nil {
		os.Remove(partPath)
		return nil, errors.Wrap(err, "failed to move download into place")
	}

	checksum := hex.EncodeToString(h.Sum(nil))
	slog.Info("download_complete", "file", filename, "size", size, "sha256", checksum[:16]+"...")

	result := &Result{Path: path, SHA256: checksum, Size: size}
	if expectedHash != "" && !strings.EqualFold(checksum, expectedHash) {
		return result, &errors.HashMismatchError{Path: path, Expected: expectedHash, Actual: checksum}
	}
	return result, nil
}

func (c *Client) stream(ctx context.Context, w io.Writer, h hash.Hash, r io.Reader, filename string, total int64, progress ProgressFunc) (int64, error) {
	chunk := c.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	buf := make([]byte, chunk)

	var done int64
	start := c.now()
	lastAt, lastBytes := start, int64(0)

	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return done, err
			}
			h.Write(buf[:n])
			done += int64(n)

			now := c.now()
			if elapsed := now.Sub(lastAt); elapsed >= c.Interval {
				progress(record(filename, done, total, done-lastBytes, elapsed, false))
				lastAt, lastBytes = now, done
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return done, readErr
		}
	}

	if total < 0 {
		total = done
	}
	progress(record(filename, done, total, done, c.now().Sub(start), true))
	return done, nil
}

func record(filename string, done, total, delta int64, elapsed time.Duration, complete bool) Progress {
	p := Progress{Filename: filename, BytesDone: done, Total: total, Complete: complete}
	if elapsed > 0 {
		p.Speed = float64(delta) / elapsed.Seconds()
	}
	if total > 0 {
		p.Percent = float64(done) * 100 / float64(total)
		if p.Speed > 0 && total > done {
			p.ETA = time.Duration(float64(total-done) / p.Speed * float64(time.Second))
		}
	}
	if complete {
		p.Percent = 100
	}
	return p
}

// Verify reports whether the file at path exists and hashes to expected.
// A missing file is not an error.
func (c *Client) Verify(path, expected string) (bool, int64, error) {
	sum, size, err := hashFile(path)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, errors.Wrap(err, "failed to hash "+path)
	}
	return strings.EqualFold(sum, expected), size, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
