package artifact

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nabu-linux/lon-deployer/pkg/db"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/progress"
)

// DefaultMaxAttempts bounds downloads per Fetch when checksums keep mismatching.
const DefaultMaxAttempts = 3

// Integrity describes how far a fetched artifact could be verified.
type Integrity string

const (
	// Verified means the content MD5 matched the remote checksum.
	Verified Integrity = db.IntegrityVerified
	// Unverified means the checksum service was unreachable; the content was accepted as is.
	Unverified Integrity = db.IntegrityUnverified
	// Mismatch means every download attempt disagreed with the remote checksum.
	Mismatch Integrity = db.IntegrityMismatch
)

// Result is a fetched artifact.
type Result struct {
	Path      string
	Data      []byte
	MD5       string
	Size      int64
	Integrity Integrity
}

// Index records fetch outcomes. *db.Repository satisfies it.
type Index interface {
	UpsertArtifact(a *db.ArtifactRecord) error
}

// Cache stores artifacts in a local directory and re-validates them on every fetch.
type Cache struct {
	dir         string
	source      Source
	index       Index
	maxAttempts int
	progress    func(a Artifact) progress.Func
}

// Option configures a Cache.
type Option func(*Cache)

// WithIndex records every fetch in idx.
func WithIndex(idx Index) Option {
	return func(c *Cache) { c.index = idx }
}

// WithMaxAttempts bounds the number of downloads per Fetch.
func WithMaxAttempts(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithProgress reports download progress per artifact.
func WithProgress(fn func(a Artifact) progress.Func) Option {
	return func(c *Cache) { c.progress = fn }
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string, source Source, opts ...Option) *Cache {
	c := &Cache{
		dir:         dir,
		source:      source,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns where an artifact is stored locally.
func (c *Cache) Path(a Artifact) string {
	return filepath.Join(c.dir, a.Name)
}

// Fetch returns the artifact's bytes, downloading it when no matching copy is cached.
//
// When every attempt disagrees with the remote checksum, Fetch returns the last
// download together with ErrIntegrityUnverifiable so the caller can decide
// whether to use it.
func (c *Cache) Fetch(ctx context.Context, a Artifact) (*Result, error) {
	if err := c.ensureDir(); err != nil {
		return nil, err
	}

	var last *Result
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		expected, err := c.source.Checksum(ctx, a)
		if err != nil {
			slog.Warn("artifact_checksum_unavailable", "name", a.Name, "error", err)
			expected = ""
		}

		if res, ok := c.cached(a, expected); ok {
			slog.Info("artifact_cache_hit", "name", a.Name, "integrity", res.Integrity)
			return res, c.record(a, res)
		}

		res, err := c.download(ctx, a, expected)
		if err != nil {
			return nil, err
		}
		if res.Integrity != Mismatch {
			slog.Info("artifact_downloaded", "name", a.Name, "size", res.Size, "integrity", res.Integrity)
			return res, c.record(a, res)
		}

		slog.Warn("artifact_corrupted", "name", a.Name, "attempt", attempt, "expected_md5", expected, "got_md5", res.MD5)
		last = res
	}

	if err := c.record(a, last); err != nil {
		return nil, err
	}
	return last, fmt.Errorf("%w: %s after %d attempts", errors.ErrIntegrityUnverifiable, a.Name, c.maxAttempts)
}

// ensureDir creates the cache directory, replacing a regular file that occupies its path.
func (c *Cache) ensureDir() error {
	info, err := os.Stat(c.dir)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		slog.Warn("artifact_cache_path_is_file", "path", c.dir)
		if err := os.Remove(c.dir); err != nil {
			return errors.Wrap(err, "failed to remove file at cache path")
		}
	case !os.IsNotExist(err):
		return errors.Wrap(err, "failed to stat cache dir")
	}

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create cache dir")
	}
	return nil
}

func (c *Cache) cached(a Artifact, expected string) (*Result, bool) {
	path := c.Path(a)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	sum := md5Hex(data)
	switch {
	case expected == "":
		return &Result{Path: path, Data: data, MD5: sum, Size: int64(len(data)), Integrity: Unverified}, true
	case sum == expected:
		return &Result{Path: path, Data: data, MD5: sum, Size: int64(len(data)), Integrity: Verified}, true
	}

	slog.Info("artifact_cache_stale", "name", a.Name, "cached_md5", sum, "expected_md5", expected)
	return nil, false
}

func (c *Cache) download(ctx context.Context, a Artifact, expected string) (*Result, error) {
	slog.Info("artifact_download_start", "name", a.Name, "url", a.URL)

	body, size, err := c.source.Open(ctx, a)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var report progress.Func
	if c.progress != nil {
		report = c.progress(a)
	}

	var buf bytes.Buffer
	hash := md5.New()
	reader := io.TeeReader(body, hash)
	if report != nil {
		reader = progress.NewReader(reader, size, report)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		slog.Error("artifact_download_failed", "name", a.Name, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrArtifactUnavailable, a.Name, err)
	}

	path := c.Path(a)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return nil, errors.Wrap(err, "failed to write artifact")
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	res := &Result{Path: path, Data: buf.Bytes(), MD5: sum, Size: int64(buf.Len())}
	switch {
	case expected == "":
		res.Integrity = Unverified
	case sum == expected:
		res.Integrity = Verified
	default:
		res.Integrity = Mismatch
	}
	return res, nil
}

func (c *Cache) record(a Artifact, res *Result) error {
	if c.index == nil || res == nil {
		return nil
	}
	return c.index.UpsertArtifact(&db.ArtifactRecord{
		Name:      a.Name,
		URL:       a.URL,
		MD5:       res.MD5,
		Size:      res.Size,
		Integrity: string(res.Integrity),
	})
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
