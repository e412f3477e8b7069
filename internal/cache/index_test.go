package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *IndexCache {
	t.Helper()
	c, err := OpenIndexCache(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIndexCacheRoundTrip(t *testing.T) {
	c := openTestCache(t)

	records := []Record{
		{Version: "0.1.0", JSON: []byte(`{"name":"serde","vers":"0.1.0"}`)},
		{Version: "0.2.0", JSON: []byte(`{"name":"serde","vers":"0.2.0"}`)},
	}
	require.NoError(t, c.Put("serde", "rev-1", records))

	got, ok := c.Get("serde", "rev-1")
	require.True(t, ok)
	assert.Equal(t, records, got)
}

func TestIndexCacheStaleRevisionInvalidates(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put("serde", "rev-1", []Record{{Version: "0.1.0", JSON: []byte("{}")}}))

	_, ok := c.Get("serde", "rev-2")
	assert.False(t, ok, "a changed registry revision must invalidate the cached entry")
}

func TestIndexCacheMissingName(t *testing.T) {
	c := openTestCache(t)
	_, ok := c.Get("nope", "rev-1")
	assert.False(t, ok)
}

func TestIndexCachePutReplacesWholesale(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.Put("serde", "rev-1", []Record{{Version: "0.1.0", JSON: []byte("{}")}}))
	require.NoError(t, c.Put("serde", "rev-2", []Record{{Version: "0.2.0", JSON: []byte("{}")}}))

	got, ok := c.Get("serde", "rev-2")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "0.2.0", got[0].Version)
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	buf := encode("rev", []Record{{Version: "1.0.0", JSON: []byte("{}")}})

	bad := append([]byte(nil), buf...)
	bad[0] = IndexCacheFormatVersion + 1
	_, _, err := decode(bad)
	assert.Error(t, err)

	bad = append([]byte(nil), buf...)
	bad[1] ^= 0xff // corrupt the schema version u32
	_, _, err = decode(bad)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncation(t *testing.T) {
	_, _, err := decode(nil)
	assert.Error(t, err)

	buf := encode("rev", []Record{{Version: "1.0.0", JSON: []byte(`{"k":1}`)}})
	_, _, err = decode(buf[:len(buf)-2])
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	records := []Record{
		{Version: "1.0.0", JSON: []byte(`{"a":1}`)},
		{Version: "2.0.0-rc.1", JSON: []byte(`{"b":2}`)},
	}
	rev, got, err := decode(encode("registry-head-abc", records))
	require.NoError(t, err)
	assert.Equal(t, "registry-head-abc", rev)
	assert.Equal(t, records, got)
}
