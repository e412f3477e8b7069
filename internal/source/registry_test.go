package source

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeCrate builds a gzipped tar of the given files in memory, the wire
// shape of a registry archive (§6), returning the bytes and their SHA-256.
func makeCrate(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func TestQueryParsesVersionListing(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/api/v1/versions/mylib", r.URL.Path)
		w.Write([]byte(`{"versions":{"1.0.0":{"checksum":"aaa","yanked":false},"1.1.0":{"checksum":"bbb","yanked":true}}}`))
	}))
	defer srv.Close()

	s := NewRegistrySource(srv.URL, "tok-123", t.TempDir())
	p, err := s.Query(context.Background(), "mylib", "", QueryFuzzy)
	require.NoError(t, err)
	require.True(t, p.Ready)
	require.Len(t, p.Value, 2)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	byVersion := map[string]Summary{}
	for _, sum := range p.Value {
		byVersion[sum.Version.String()] = sum
	}
	assert.Equal(t, "aaa", byVersion["1.0.0"].Checksum)
	assert.False(t, byVersion["1.0.0"].Yanked)
	assert.True(t, byVersion["1.1.0"].Yanked)
}

func TestQueryUnknownPackageIsEmptyNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := NewRegistrySource(srv.URL, "", t.TempDir())
	p, err := s.Query(context.Background(), "ghost", "", QueryFuzzy)
	require.NoError(t, err)
	require.True(t, p.Ready)
	assert.Empty(t, p.Value)
}

func TestDownloadReturnsFetchDescriptor(t *testing.T) {
	s := NewRegistrySource("https://crates.example", "tok", t.TempDir())
	maybe, err := s.Download(context.Background(), ID{Kind: KindRegistry, CanonicalURL: "mylib", PrecisePin: "1.0.0"})
	require.NoError(t, err)
	assert.False(t, maybe.Ready)
	assert.Contains(t, maybe.Fetch.URL, "mylib/1.0.0/download")
	assert.Equal(t, "tok", maybe.Fetch.BearerToken)
}

func TestFinishDownloadExtractsVerifiedArchive(t *testing.T) {
	body, checksum := makeCrate(t, map[string]string{
		"mylib-1.0.0/forge.toml": "[package]\nname = \"mylib\"\n",
		"mylib-1.0.0/lib.rs":     "fn f() {}",
	})

	s := NewRegistrySource("https://crates.example", "", t.TempDir())
	dir, err := s.FinishDownload(context.Background(), ID{Kind: KindRegistry, CanonicalURL: "mylib", Checksum: checksum}, body)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "mylib-1.0.0", "lib.rs"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, ".unpacked"))
	assert.NoError(t, err, "the completion sentinel must exist after extraction")
}

func TestFinishDownloadRejectsChecksumMismatch(t *testing.T) {
	body, _ := makeCrate(t, map[string]string{"mylib-1.0.0/lib.rs": "fn f() {}"})

	cacheDir := t.TempDir()
	s := NewRegistrySource("https://crates.example", "", cacheDir)
	_, err := s.FinishDownload(context.Background(), ID{Kind: KindRegistry, CanonicalURL: "mylib", Checksum: "deadbeef"}, body)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	// Nothing may be extracted from an unverified archive (§8 invariant 8).
	_, statErr := os.Stat(filepath.Join(cacheDir, "mylib", "mylib-1.0.0"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractArchiveRejectsPathEscape(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil.sh", Mode: 0o755, Size: 4}))
	_, err := tw.Write([]byte("oops"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err = extractArchive(bytes.NewReader(buf.Bytes()), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "git-https---git.example-lib", sanitizeName("git+https://git.example/lib"))
}
