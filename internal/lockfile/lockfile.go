// Package lockfile implements the lockfile data model and TOML round-trip
// (§6): an ordered list of concrete (name, version, source, checksum,
// dep-list) records plus a format-version integer. This is the resolver's
// sole source of truth for "what was last resolved"; the solver consumes it
// as a preference list and the serializer writes exactly what the solver
// returned.
package lockfile

import (
	"bytes"
	"sort"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// CurrentFormatVersion is bumped whenever the on-disk shape changes in a way
// that requires callers to re-derive rather than trust old data.
const CurrentFormatVersion = 1

// Entry is one locked package.
type Entry struct {
	Name         string
	Version      string // empty if pinned only by Revision
	Revision     string // empty if a pure semver release
	SourceURL    string
	Checksum     string // hex SHA-256, registry sources only
	Dependencies []string
}

// Lockfile is the full persisted resolution.
type Lockfile struct {
	FormatVersion int
	Entries       []Entry
}

// Encode serializes the lockfile deterministically: entries sorted by name
// then version, so that two solver runs over unchanged inputs produce
// byte-identical output (§8 invariant 2).
func Encode(lf Lockfile) ([]byte, error) {
	sorted := append([]Entry(nil), lf.Entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Version < sorted[j].Version
	})

	root, _ := toml.TreeFromMap(map[string]interface{}{})
	root.Set("version", int64(lf.FormatVersion))

	pkgs := make([]*toml.Tree, len(sorted))
	for i, e := range sorted {
		t, _ := toml.TreeFromMap(map[string]interface{}{})
		t.Set("name", e.Name)
		if e.Version != "" {
			t.Set("version", e.Version)
		}
		if e.Revision != "" {
			t.Set("revision", e.Revision)
		}
		t.Set("source", e.SourceURL)
		if e.Checksum != "" {
			t.Set("checksum", e.Checksum)
		}
		deps := make([]interface{}, len(e.Dependencies))
		for j, d := range e.Dependencies {
			deps[j] = d
		}
		t.Set("dependencies", deps)
		pkgs[i] = t
	}
	root.Set("package", pkgs)

	s, err := root.ToTomlString()
	if err != nil {
		return nil, errors.Wrap(err, "encode lockfile")
	}
	return []byte(s), nil
}

// Decode parses a persisted lockfile.
func Decode(raw []byte) (Lockfile, error) {
	tree, err := toml.LoadReader(bytes.NewReader(raw))
	if err != nil {
		return Lockfile{}, errors.Wrap(err, "decode lockfile TOML")
	}

	lf := Lockfile{}
	if v, ok := tree.Get("version").(int64); ok {
		lf.FormatVersion = int(v)
	}

	pkgs, _ := tree.Get("package").([]*toml.Tree)
	for _, t := range pkgs {
		e := Entry{}
		if s, ok := t.Get("name").(string); ok {
			e.Name = s
		}
		if s, ok := t.Get("version").(string); ok {
			e.Version = s
		}
		if s, ok := t.Get("revision").(string); ok {
			e.Revision = s
		}
		if s, ok := t.Get("source").(string); ok {
			e.SourceURL = s
		}
		if s, ok := t.Get("checksum").(string); ok {
			e.Checksum = s
		}
		if deps, ok := t.Get("dependencies").([]interface{}); ok {
			for _, d := range deps {
				if s, ok := d.(string); ok {
					e.Dependencies = append(e.Dependencies, s)
				}
			}
		}
		lf.Entries = append(lf.Entries, e)
	}

	return lf, nil
}

// Matches reports whether this lockfile's coverage is bit-identical to
// other's, the test `--locked` enforces (§6): same entries, same checksums,
// same dependency edges, in any order.
func (lf Lockfile) Matches(other Lockfile) bool {
	if len(lf.Entries) != len(other.Entries) {
		return false
	}
	idx := make(map[string]Entry, len(lf.Entries))
	for _, e := range lf.Entries {
		idx[e.Name+"@"+e.Version+"@"+e.Revision] = e
	}
	for _, e := range other.Entries {
		key := e.Name + "@" + e.Version + "@" + e.Revision
		mine, ok := idx[key]
		if !ok || mine.Checksum != e.Checksum || len(mine.Dependencies) != len(e.Dependencies) {
			return false
		}
		deps := make(map[string]bool, len(mine.Dependencies))
		for _, d := range mine.Dependencies {
			deps[d] = true
		}
		for _, d := range e.Dependencies {
			if !deps[d] {
				return false
			}
		}
	}
	return true
}
