package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/forgepm/forge/internal/cache"
	"github.com/forgepm/forge/internal/diagnostic"
	"github.com/forgepm/forge/internal/manifest"
	"github.com/forgepm/forge/internal/semver"
	"github.com/forgepm/forge/internal/source"
)

// liveRegistry adapts a RegistrySource, its archive cache, and the
// resolver's Registry surface (Versions/Manifest) into one type, so
// resolveCommand can hand the solver something backed by real network I/O
// instead of the in-memory fixture the resolver's own tests use. The HTTP
// round trip implementing a download descriptor lives here, in the CLI
// layer, rather than in internal/source: §1 treats the transport as an
// external collaborator, and the source package only ever hands back a
// descriptor for a caller to fetch (§4.1).
type liveRegistry struct {
	src      *source.RegistrySource
	archives *cache.ArchiveCache
	ch       *diagnostic.Channel
}

func defaultCacheRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".forge", "cache")
	}
	return filepath.Join(os.TempDir(), "forge-cache")
}

func newLiveRegistry(ch *diagnostic.Channel) *liveRegistry {
	root := defaultCacheRoot()
	baseURL := os.Getenv("FORGE_REGISTRY")
	if baseURL == "" {
		baseURL = "https://registry.invalid"
	}
	return &liveRegistry{
		src:      source.NewRegistrySource(baseURL, os.Getenv("FORGE_REGISTRY_TOKEN"), filepath.Join(root, "src")),
		archives: cache.NewArchiveCache(root),
		ch:       ch,
	}
}

// Versions implements resolve.Registry by querying the registry's version
// listing and discarding yanked entries — a yanked version is usable only
// when a pre-existing lockfile already pins it (§4.1, §7), which this path
// (a fresh resolve) never is.
func (r *liveRegistry) Versions(name string) ([]semver.Version, error) {
	ctx := context.Background()
	p, err := r.src.Query(ctx, name, "", source.QueryFuzzy)
	if err != nil {
		return nil, errors.Wrapf(err, "query versions of %s", name)
	}
	if !p.Ready {
		if err := r.src.BlockUntilReady(ctx); err != nil {
			return nil, err
		}
		p, err = r.src.Query(ctx, name, "", source.QueryFuzzy)
		if err != nil {
			return nil, err
		}
	}
	vs := make([]semver.Version, 0, len(p.Value))
	for _, sum := range p.Value {
		if sum.Yanked {
			continue
		}
		vs = append(vs, sum.Version)
	}
	return vs, nil
}

// Manifest implements resolve.Registry: it fetches (or reuses a cached
// copy of) name@v's archive, extracts it, and decodes its forge.toml, so
// the solver can read that version's own dependency edges and feature
// table while exploring candidates (§4.3's activation step).
func (r *liveRegistry) Manifest(name string, v semver.Version) (*manifest.Manifest, error) {
	ctx := context.Background()

	checksum, err := r.checksumFor(ctx, name, v)
	if err != nil {
		return nil, err
	}

	dir := r.archives.UnpackedDir(checksum)
	if !r.archives.IsUnpacked(checksum) {
		dir, err = r.fetchAndExtract(ctx, name, v, checksum)
		if err != nil {
			return nil, err
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, name+"-"+v.String(), "forge.toml"))
	if err != nil {
		return nil, errors.Wrapf(err, "read manifest for %s@%s", name, v)
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode manifest for %s@%s", name, v)
	}
	return &m, nil
}

func (r *liveRegistry) checksumFor(ctx context.Context, name string, v semver.Version) (string, error) {
	p, err := r.src.Query(ctx, name, "", source.QueryExact)
	if err != nil {
		return "", err
	}
	for _, sum := range p.Value {
		if sum.Version.String() == v.String() {
			return sum.Checksum, nil
		}
	}
	return "", errors.Errorf("no registry entry for %s@%s", name, v)
}

func (r *liveRegistry) fetchAndExtract(ctx context.Context, name string, v semver.Version, checksum string) (string, error) {
	downloadID := source.ID{Kind: source.KindRegistry, CanonicalURL: name, PrecisePin: v.String()}
	maybe, err := r.src.Download(ctx, downloadID)
	if err != nil {
		return "", errors.Wrapf(err, "begin download of %s@%s", name, v)
	}
	if maybe.Ready {
		return maybe.Dir, nil
	}

	r.ch.Infof("downloading %s@%s", name, v)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, maybe.Fetch.URL, nil)
	if err != nil {
		return "", err
	}
	if maybe.Fetch.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+maybe.Fetch.BearerToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "fetch %s", maybe.Fetch.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("fetch %s: %s", maybe.Fetch.URL, http.StatusText(resp.StatusCode))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return "", errors.Wrap(err, "read download body")
	}

	finishID := source.ID{Kind: source.KindRegistry, CanonicalURL: name, Checksum: checksum}
	extracted, err := r.src.FinishDownload(ctx, finishID, buf.Bytes())
	if err != nil {
		return "", errors.Wrapf(err, "extract %s@%s", name, v)
	}

	// Fold the source's own extraction into the content-addressed archive
	// cache so the next Manifest() call for the same (name, checksum) is
	// satisfied by r.archives.IsUnpacked without a second network round
	// trip (§4.2).
	if err := r.archives.MarkUnpacked(checksum, extracted); err != nil {
		return "", errors.Wrapf(err, "cache extracted tree for %s@%s", name, v)
	}
	return r.archives.UnpackedDir(checksum), nil
}
