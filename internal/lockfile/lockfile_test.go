package lockfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	return []Entry{
		{Name: "serde", Version: "1.0.0", SourceURL: "registry+https://crates.example", Checksum: "abc123", Dependencies: []string{"serde-derive"}},
		{Name: "serde-derive", Version: "1.0.0", SourceURL: "registry+https://crates.example", Checksum: "def456"},
		{Name: "local-util", Revision: "9f2c1ab", SourceURL: "git+https://git.example/util"},
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	entries := sampleEntries()
	forward := Lockfile{FormatVersion: CurrentFormatVersion, Entries: entries}
	reversed := Lockfile{FormatVersion: CurrentFormatVersion, Entries: []Entry{entries[2], entries[0], entries[1]}}

	a, err := Encode(forward)
	require.NoError(t, err)
	b, err := Encode(reversed)
	require.NoError(t, err)
	assert.Equal(t, a, b, "entry order in memory must not leak into the serialized form")
}

func TestRoundTrip(t *testing.T) {
	lf := Lockfile{FormatVersion: CurrentFormatVersion, Entries: sampleEntries()}
	raw, err := Encode(lf)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, CurrentFormatVersion, got.FormatVersion)
	require.Len(t, got.Entries, len(lf.Entries))

	byName := map[string]Entry{}
	for _, e := range got.Entries {
		byName[e.Name] = e
	}
	assert.Equal(t, "1.0.0", byName["serde"].Version)
	assert.Equal(t, "abc123", byName["serde"].Checksum)
	assert.Equal(t, []string{"serde-derive"}, byName["serde"].Dependencies)
	assert.Equal(t, "9f2c1ab", byName["local-util"].Revision)
	assert.Empty(t, byName["local-util"].Version)
}

func TestMatchesIgnoresOrder(t *testing.T) {
	entries := sampleEntries()
	a := Lockfile{FormatVersion: 1, Entries: entries}
	b := Lockfile{FormatVersion: 1, Entries: []Entry{entries[1], entries[2], entries[0]}}
	assert.True(t, a.Matches(b))
}

func TestMatchesDetectsChecksumDrift(t *testing.T) {
	a := Lockfile{Entries: sampleEntries()}
	drifted := sampleEntries()
	drifted[0].Checksum = "tampered"
	b := Lockfile{Entries: drifted}
	assert.False(t, a.Matches(b))
}

func TestMatchesDetectsMissingEntry(t *testing.T) {
	a := Lockfile{Entries: sampleEntries()}
	b := Lockfile{Entries: sampleEntries()[:2]}
	assert.False(t, a.Matches(b))
	assert.False(t, b.Matches(a))
}
