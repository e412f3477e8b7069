package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ArchiveCache is the content-addressed source/archive region of §4.2: a
// downloaded archive lands at <root>/src/<checksum>.crate and is unpacked
// to <root>/src/<checksum>/, with a trailing .unpacked sentinel file
// written only after extraction finishes, so a process killed mid-unpack
// leaves a directory that the next run recognizes as incomplete and
// redoes rather than trusting. Grounded on the teacher's registry source
// download-then-extract path (internal/gps/registry.go).
type ArchiveCache struct {
	Root string
}

func NewArchiveCache(root string) *ArchiveCache {
	return &ArchiveCache{Root: root}
}

func (c *ArchiveCache) archivePath(checksum string) string {
	return filepath.Join(c.Root, "src", checksum+".crate")
}

func (c *ArchiveCache) unpackedDir(checksum string) string {
	return filepath.Join(c.Root, "src", checksum)
}

func (c *ArchiveCache) sentinelPath(checksum string) string {
	return filepath.Join(c.Root, "src", checksum+".unpacked")
}

// IsUnpacked reports whether checksum's source tree is already extracted
// and marked complete.
func (c *ArchiveCache) IsUnpacked(checksum string) bool {
	_, err := os.Stat(c.sentinelPath(checksum))
	return err == nil
}

// UnpackedDir returns the directory an already-unpacked archive lives in.
func (c *ArchiveCache) UnpackedDir(checksum string) string {
	return c.unpackedDir(checksum)
}

// WriteArchive atomically persists body as the archive for checksum: it is
// written to a sibling temp file first and renamed into place, so a
// concurrent reader never observes a partially written archive (§4.2,
// §4.8 MutateExclusive discipline is the caller's responsibility — this
// type assumes the lock is already held).
func (c *ArchiveCache) WriteArchive(checksum string, body []byte) error {
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != checksum {
		return errors.Errorf("archive cache: checksum mismatch writing %s", checksum)
	}

	dir := filepath.Join(c.Root, "src")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create archive cache dir")
	}

	final := c.archivePath(checksum)
	tmp, err := os.CreateTemp(dir, ".tmp-archive-*")
	if err != nil {
		return errors.Wrap(err, "create temp archive file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp archive file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename archive into place")
	}
	return nil
}

// MarkUnpacked records dest as the fully extracted tree for checksum by
// renaming it into the canonical unpacked-dir location and writing the
// sentinel last, mirroring extractArchive's ordering in
// internal/source/registry.go.
func (c *ArchiveCache) MarkUnpacked(checksum, extractedFrom string) error {
	dest := c.unpackedDir(checksum)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "create archive cache dir")
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.Rename(extractedFrom, dest); err != nil {
		return errors.Wrap(err, "rename extracted tree into place")
	}
	f, err := os.Create(c.sentinelPath(checksum))
	if err != nil {
		return errors.Wrap(err, "write unpacked sentinel")
	}
	return f.Close()
}

// Copy streams src into a new file under dir, returning its path; used by
// callers materializing a cached archive/tree elsewhere without mutating
// the cache's own copy.
func Copy(dir, name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, name)
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return "", err
	}
	return dst, nil
}
