// Package fingerprint computes the freshness signals of §4.6: a digest of
// a unit's declared inputs (source tree, build flags, environment, and
// upstream unit fingerprints) compared against the previous run's
// recorded value. The newest source mtime is recorded at coarse
// (second-level) granularity, but the verdict is decided by the digest
// and the extra inputs alone; no mtime comparison is made, and output
// files are not examined. Directory walking is grounded on the teacher's
// pkgtree.DigestFromDirectory, swapped onto godirwalk for the recursive
// walk instead of a hand-rolled BFS queue.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// skipNames are directory entries excluded from a unit's source digest:
// VCS metadata never affects compilation output.
var skipNames = map[string]bool{
	".git": true, ".hg": true, ".svn": true, ".bzr": true,
}

// Fingerprint is the recorded freshness state for one unit.
type Fingerprint struct {
	// SourceDigest hashes the unit's declared source tree contents.
	SourceDigest string
	// NewestMTime is the newest modification time observed among the
	// unit's source files, truncated to whole seconds: some filesystems
	// only provide second-granularity mtimes, and comparing at finer
	// granularity than the coarsest filesystem in play would produce
	// false negatives on "did anything change" (§4.6 invariant).
	NewestMTime time.Time
	// Extra (the caller's encoding of build flags and environment) is
	// hashed together with the source digest so that a changed build
	// flag or environment variable invalidates the unit even when no
	// file changed.
	Extra string
}

// Compute walks dir (the unit's source root) and combines its content
// digest with extra (a caller-supplied string encoding build flags,
// target triple, and relevant environment variables) into one
// Fingerprint.
func Compute(dir string, extra string) (Fingerprint, error) {
	h := sha256.New()
	var newest time.Time

	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: false,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			base := filepath.Base(osPathname)
			if skipNames[base] {
				if de.ModeType().IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			rel, err := filepath.Rel(dir, osPathname)
			if err != nil {
				return err
			}
			h.Write([]byte(rel))

			info, err := os.Lstat(osPathname)
			if err != nil {
				return err
			}
			if t := info.ModTime().Truncate(time.Second); t.After(newest) {
				newest = t
			}

			mode := de.ModeType()
			if mode.IsDir() || mode&os.ModeSymlink != 0 {
				return nil
			}
			f, err := os.Open(osPathname)
			if err != nil {
				return err
			}
			defer f.Close()
			buf := make([]byte, 64*1024)
			for {
				n, rerr := f.Read(buf)
				if n > 0 {
					h.Write(buf[:n])
				}
				if rerr != nil {
					break
				}
			}
			return nil
		},
	})
	if err != nil {
		return Fingerprint{}, errors.Wrapf(err, "digest source tree %s", dir)
	}

	h.Write([]byte(extra))

	return Fingerprint{
		SourceDigest: hex.EncodeToString(h.Sum(nil)),
		NewestMTime:  newest,
		Extra:        extra,
	}, nil
}

// Verdict is the outcome of comparing a freshly computed Fingerprint
// against the one recorded from a unit's last successful build.
type Verdict int

const (
	// Fresh means the unit's output is up to date; the scheduler can
	// skip its job entirely.
	Fresh Verdict = iota
	// Stale means at least one input changed and the unit must rebuild.
	Stale
	// Unknown means there's no prior record at all (first build).
	Unknown
)

// Compare reports whether cur is Fresh, Stale, or Unknown relative to
// prev. A missing or zero-value prev is always Unknown. The verdict
// depends only on SourceDigest and Extra; NewestMTime is not consulted,
// so identical content is Fresh regardless of when it was written.
func Compare(prev, cur Fingerprint) Verdict {
	if prev.SourceDigest == "" {
		return Unknown
	}
	if prev.SourceDigest == cur.SourceDigest && prev.Extra == cur.Extra {
		return Fresh
	}
	return Stale
}

// UpstreamDigest combines the fingerprints of a unit's direct upstream
// dependencies (visited in sorted key order, so map order never matters) into a single
// string suitable for folding into that unit's own Extra, so a change
// anywhere downstream propagates up through the whole graph (§4.6).
func UpstreamDigest(upstream map[string]Fingerprint) string {
	names := make([]string, 0, len(upstream))
	for k := range upstream {
		names = append(names, k)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte(upstream[n].SourceDigest))
	}
	return hex.EncodeToString(h.Sum(nil))
}
