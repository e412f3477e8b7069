package source

import (
	"context"
	"os"

	shutil "github.com/termie/go-shutil"
)

// PathSource serves a package directly from a local filesystem path — no
// network, no archive, no checksum. Path (and Directory) sources ignore
// QueryKind and return everything at their URI (§4.1).
type PathSource struct {
	Dir string
}

func NewPathSource(dir string) *PathSource { return &PathSource{Dir: dir} }

func (s *PathSource) Query(ctx context.Context, name, requirement string, kind QueryKind) (Poll[[]Summary], error) {
	if _, err := os.Stat(s.Dir); err != nil {
		return Poll[[]Summary]{}, err
	}
	return Done([]Summary{{Name: name}}), nil
}

func (s *PathSource) Download(ctx context.Context, id ID) (MaybePackage, error) {
	return MaybePackage{Ready: true, Dir: s.Dir}, nil
}

func (s *PathSource) FinishDownload(ctx context.Context, id ID, body []byte) (string, error) {
	return s.Dir, nil
}

// Fingerprint returns Dir itself, without hashing or statting anything;
// the walk is left to the fingerprint engine (§4.6).
func (s *PathSource) Fingerprint(ctx context.Context, id ID) (string, error) {
	return s.Dir, nil
}

func (s *PathSource) IsYanked(ctx context.Context, id ID) (Poll[bool], error) {
	return Done(false), nil
}

func (s *PathSource) BlockUntilReady(ctx context.Context) error { return nil }

// DirectorySource is a PathSource that additionally materializes a copy of
// the tree into the package cache's unpacked-source region, the way a
// vendored/overlay directory source must (§9: "an explicit trait-object
// boundary for out-of-tree providers (directory, overlay)"). It reuses the
// teacher's recursive-copy dependency (go-shutil) rather than hand-rolling
// a tree walk.
type DirectorySource struct {
	PathSource
	CacheDir string
}

func NewDirectorySource(dir, cacheDir string) *DirectorySource {
	return &DirectorySource{PathSource: PathSource{Dir: dir}, CacheDir: cacheDir}
}

// Materialize copies the directory tree into CacheDir, returning the copy's
// path. Unlike PathSource.Download, which points straight at the original
// tree, a directory source is expected to be immutable once materialized so
// that concurrent builds don't observe an in-progress edit.
func (s *DirectorySource) Materialize(ctx context.Context) (string, error) {
	if err := os.RemoveAll(s.CacheDir); err != nil {
		return "", err
	}
	if err := shutil.CopyTree(s.Dir, s.CacheDir, nil); err != nil {
		return "", err
	}
	return s.CacheDir, nil
}
