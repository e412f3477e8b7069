package source

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/forgepm/forge/internal/semver"
	"github.com/pkg/errors"
)

func parseLoose(s string) (semver.Version, error) {
	return semver.NewVersion(s)
}

// ErrChecksumMismatch is fatal and non-retryable per §4.1/§7.
var ErrChecksumMismatch = errors.New("downloaded archive does not match registry-declared checksum")

// RegistrySource fetches `.crate`-style gzipped-tar archives from an HTTP
// registry, fetched by (name, version), and verifies each
// download's SHA-256 against the registry-provided checksum before
// extraction (§6: ".crate archive"). Adapted from the teacher's
// registrySource in internal/gps/registry.go, generalized from a single
// hardcoded Bearer-token registry to the Source interface.
type RegistrySource struct {
	BaseURL  string
	Token    string
	CacheDir string

	client *http.Client

	mu      sync.Mutex
	pending map[string]*pendingFetch
}

type pendingFetch struct {
	done chan struct{}
	body []byte
	err  error
}

// NewRegistrySource constructs a registry-backed Source rooted at baseURL,
// unpacking archives under cacheDir.
func NewRegistrySource(baseURL, token, cacheDir string) *RegistrySource {
	return &RegistrySource{
		BaseURL:  baseURL,
		Token:    token,
		CacheDir: cacheDir,
		client:   http.DefaultClient,
		pending:  make(map[string]*pendingFetch),
	}
}

type rawVersions struct {
	Versions map[string]rawVersionInfo `json:"versions"`
}

type rawVersionInfo struct {
	Checksum string `json:"checksum"`
	Yanked   bool   `json:"yanked"`
}

func (s *RegistrySource) versionsURL(name string) (string, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, "api/v1/versions", url.PathEscape(name))
	return u.String(), nil
}

func (s *RegistrySource) authedGet(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "registry request")
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, os.ErrNotExist
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("%s: %s", u, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

// Query implements Source. Fuzzy and exact both hit the same versions
// endpoint; QueryExact is a hint for callers that already know which
// version they want, not a distinct wire request (the registry always
// returns the full version map).
func (s *RegistrySource) Query(ctx context.Context, name, requirement string, kind QueryKind) (Poll[[]Summary], error) {
	u, err := s.versionsURL(name)
	if err != nil {
		return Poll[[]Summary]{}, err
	}
	resp, err := s.authedGet(ctx, u)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Done([]Summary{}), nil
		}
		return Poll[[]Summary]{}, err
	}
	defer resp.Body.Close()

	var raw rawVersions
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Poll[[]Summary]{}, errors.Wrap(err, "decode registry versions response")
	}

	out := make([]Summary, 0, len(raw.Versions))
	for vs, info := range raw.Versions {
		v, err := parseLoose(vs)
		if err != nil {
			continue
		}
		out = append(out, Summary{
			Name:     name,
			Version:  v,
			Checksum: info.Checksum,
			Yanked:   info.Yanked,
		})
	}
	return Done(out), nil
}

// Download implements Source: registries never have bytes locally, so this
// always returns a fetch descriptor.
func (s *RegistrySource) Download(ctx context.Context, id ID) (MaybePackage, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return MaybePackage{}, err
	}
	u.Path = path.Join(u.Path, "api/v1/crates", url.PathEscape(id.CanonicalURL), id.PrecisePin, "download")
	return MaybePackage{Fetch: DownloadDescriptor{URL: u.String(), BearerToken: s.Token}}, nil
}

// FinishDownload verifies the SHA-256 of body against id's pinned checksum
// (supplied by the caller, normally from the Summary the resolver already
// has), then extracts the gzipped tar into CacheDir/<sanitized
// CanonicalURL>/ (the version is not part of that path), as the teacher's
// extractDependency does. Checksum mismatch is fatal and
// non-retryable (§4.1, §7): it is never silently re-fetched.
func (s *RegistrySource) FinishDownload(ctx context.Context, id ID, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	got := hex.EncodeToString(sum[:])
	want := id.Checksum
	if want != "" && got != want {
		return "", errors.Wrapf(ErrChecksumMismatch, "%s: got %s want %s", id.CanonicalURL, got, want)
	}

	target := filepath.Join(s.CacheDir, sanitizeName(id.CanonicalURL))
	if err := extractArchive(bytes.NewReader(body), target); err != nil {
		return "", errors.Wrap(err, "extract archive")
	}
	return target, nil
}

func (s *RegistrySource) Fingerprint(ctx context.Context, id ID) (string, error) {
	return id.Checksum, nil // the registry checksum already IS the content fingerprint
}

func (s *RegistrySource) IsYanked(ctx context.Context, id ID) (Poll[bool], error) {
	p, err := s.Query(ctx, id.CanonicalURL, "", QueryExact)
	if err != nil {
		return Poll[bool]{}, err
	}
	if !p.Ready {
		return Poll[bool]{}, nil
	}
	for _, sum := range p.Value {
		if sum.Version.String() == id.PrecisePin {
			return Done(sum.Yanked), nil
		}
	}
	return Done(false), nil
}

// BlockUntilReady is a no-op here: this implementation performs synchronous
// HTTP calls rather than the fully async two-phase pattern; a production
// source with outstanding background fetches would drain s.pending here.
func (s *RegistrySource) BlockUntilReady(ctx context.Context) error { return nil }

func extractArchive(r io.Reader, target string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gzr.Close()

	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		p := filepath.Join(target, hdr.Name)
		if !strings.HasPrefix(p, target+string(filepath.Separator)) && p != target {
			return errors.Errorf("archive entry %q escapes target directory", hdr.Name)
		}
		if hdr.FileInfo().IsDir() {
			if err := os.MkdirAll(p, hdr.FileInfo().Mode()); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode())
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}

	// Sentinel written last so readers can detect incomplete extraction
	// (§4.2).
	return os.WriteFile(filepath.Join(target, ".unpacked"), nil, 0o644)
}

var sanitizer = struct {
	replace func(string) string
}{replace: func(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '/', ':', '+':
			out = append(out, '-')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}}

func sanitizeName(s string) string { return sanitizer.replace(s) }
