// Package source implements the uniform source abstraction of §4.1: a
// tagged-variant interface over registry, git, path, directory, and
// replacement origins, each exposing metadata queries, precise-version
// downloads, yanked queries, and content checksumming.
//
// Every kind implements the Source interface, and calls dispatch through
// it; the Kind enum tags an ID with the kind of origin it names.
package source

import (
	"context"

	"github.com/forgepm/forge/internal/semver"
)

// QueryKind selects how a source should interpret a version requirement
// when listing candidates (§4.1).
type QueryKind int

const (
	// QueryFuzzy asks for every version compatible with a requirement.
	QueryFuzzy QueryKind = iota
	// QueryExact asks for one precise, already-decided version, as when a
	// lockfile pins a dependency.
	QueryExact
)

// Kind enumerates the five source kinds (§3).
type Kind int

const (
	KindRegistry Kind = iota
	KindGit
	KindPath
	KindDirectory
	KindReplacement
)

// ID is the canonical identity of a source (§3: SourceId). A
// ReplacementSource forwards IDs with Kind and CanonicalURL unchanged and
// ReplacesURL set, so callers that need the replaced origin compare on
// ReplacesURL when it is present.
type ID struct {
	Kind         Kind
	CanonicalURL string
	PrecisePin   string // git ref/rev or exact version, if the URL alone underspecifies
	// Checksum is the registry-declared hex SHA-256 a download must match
	// before extraction; distinct from PrecisePin so a caller pinning a
	// version (for Download) and verifying a checksum (for
	// FinishDownload) never has to overload one field for both (§4.1).
	Checksum     string
	ReplacesURL  string // set by ReplacementSource on the IDs it forwards; empty otherwise
}

func (id ID) String() string {
	if id.PrecisePin != "" {
		return id.CanonicalURL + "#" + id.PrecisePin
	}
	return id.CanonicalURL
}

// Summary is what a source reports about one candidate package version
// (§3): its identity, optional links token, checksum, and yanked flag. It
// carries no dependency edges; those come from the package's manifest.
type Summary struct {
	Name     string
	Version  semver.Version
	Revision semver.Revision // set instead of/alongside Version for git pins
	Links    string
	Checksum string // hex SHA-256, empty for non-registry sources
	Yanked   bool
}

// Poll is the two-phase result of an in-flight query (§4.1, §9): a source
// may not have network I/O results ready yet, in which case Ready is false
// and the caller must buffer the request and retry after BlockUntilReady.
type Poll[T any] struct {
	Ready bool
	Value T
}

func Done[T any](v T) Poll[T] { return Poll[T]{Ready: true, Value: v} }
func Pending[T any]() Poll[T] { return Poll[T]{} }

// DownloadDescriptor is returned by Download when bytes are not already
// local: a URL to fetch, plus an optional bearer token for registries that
// require auth.
type DownloadDescriptor struct {
	URL         string
	BearerToken string
}

// MaybePackage is either an already-available package directory, or a
// descriptor telling the caller how to fetch one (§4.1: `download(id) ->
// MaybePackage`).
type MaybePackage struct {
	Ready bool
	Dir   string // populated iff Ready
	Fetch DownloadDescriptor
}

// Source is the uniform interface every one of the five kinds implements.
type Source interface {
	// Query returns known summaries matching dep+kind, or Pending if the
	// query requires network I/O still in flight.
	Query(ctx context.Context, name string, requirement string, kind QueryKind) (Poll[[]Summary], error)
	// Download begins (or resumes) fetching a precise version.
	Download(ctx context.Context, id ID) (MaybePackage, error)
	// FinishDownload completes a download given the fetched bytes,
	// verifying checksum where applicable, and returns the unpacked
	// package directory.
	FinishDownload(ctx context.Context, id ID, body []byte) (string, error)
	// Fingerprint returns a stable identity for the package content, used
	// by the fingerprint engine as the "source fingerprint" input.
	Fingerprint(ctx context.Context, id ID) (string, error)
	// IsYanked reports whether a version has been pulled from availability.
	IsYanked(ctx context.Context, id ID) (Poll[bool], error)
	// BlockUntilReady drives any outstanding I/O for this source to
	// completion, so that a previously Pending Query/IsYanked now resolves.
	BlockUntilReady(ctx context.Context) error
}
