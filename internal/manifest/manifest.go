// Package manifest defines the root manifest data model (§6) and the thin,
// pure decode boundary from TOML text to that model. Per spec.md §1, the
// manifest grammar itself is treated as an external collaborator's concern;
// this package owns only the shape of the result and a straightforward
// decode using the same TOML library the teacher project used for its
// Gopkg.toml manifests.
package manifest

import (
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// DependencyKind distinguishes normal, build-only, and dev-only edges.
type DependencyKind int

const (
	KindNormal DependencyKind = iota
	KindBuild
	KindDev
)

// SourceKind enumerates the five source kinds of §3.
type SourceKind int

const (
	SourceRegistry SourceKind = iota
	SourceGit
	SourcePath
	SourceDirectory
	SourceReplacement
)

// SourceSpec pins a dependency to a non-default source.
type SourceSpec struct {
	Kind SourceKind
	// URL is the registry name, git remote URL, or filesystem path,
	// depending on Kind.
	URL string
	// Ref is a git branch/tag/rev, empty for other kinds.
	Ref string
}

// Dependency is one manifest-declared dependency edge (§3).
type Dependency struct {
	NameInManifest  string
	PackageName     string // may differ from NameInManifest via Rename
	Requirement     string // raw semver requirement string
	Source          SourceSpec
	Kind            DependencyKind
	Optional        bool
	DefaultFeatures bool
	Features        []string
	Platform        string // cfg predicate; empty means "all platforms"
	Public          bool
}

// Rename reports whether this dependency rebinds the imported name away from
// its package name.
func (d Dependency) Rename() bool {
	return d.PackageName != "" && d.PackageName != d.NameInManifest
}

// EffectivePackageName returns PackageName if set (rename), else NameInManifest.
func (d Dependency) EffectivePackageName() string {
	if d.PackageName != "" {
		return d.PackageName
	}
	return d.NameInManifest
}

// Profile holds per-profile compiler toggles (dev/release/test/bench).
type Profile struct {
	Name        string
	OptLevel    string
	DebugInfo   bool
	Overrides   map[string]Profile // per-package overrides
	PanicUnwind bool
	LTO         bool
}

// Manifest is the root manifest: package identity, dependency tables, the
// feature map, and profile overrides (§6).
type Manifest struct {
	Name     string
	Version  string
	Edition  string
	Links    string // native-library token, empty if none
	Deps     []Dependency
	Features map[string][]string // raw feature-value strings, parsed downstream
	Profiles map[string]Profile
}

// Decode parses raw TOML bytes into a Manifest. It is intentionally a pure
// function with no I/O: callers own reading the file from disk or a source.
func Decode(raw []byte) (Manifest, error) {
	tree, err := toml.LoadBytes(raw)
	if err != nil {
		return Manifest{}, errors.Wrap(err, "decode manifest TOML")
	}

	name, ok := tree.Get("package.name").(string)
	if !ok {
		return Manifest{}, errors.New("manifest: package.name is required")
	}
	m := Manifest{
		Name:     name,
		Features: map[string][]string{},
		Profiles: map[string]Profile{},
	}
	if v, ok := tree.Get("package.version").(string); ok {
		m.Version = v
	}
	if v, ok := tree.Get("package.edition").(string); ok {
		m.Edition = v
	}
	if v, ok := tree.Get("package.links").(string); ok {
		m.Links = v
	}

	for _, tbl := range []struct {
		key  string
		kind DependencyKind
	}{
		{"dependencies", KindNormal},
		{"build-dependencies", KindBuild},
		{"dev-dependencies", KindDev},
	} {
		sub, ok := tree.Get(tbl.key).(*toml.Tree)
		if !ok {
			continue
		}
		for _, name := range sub.Keys() {
			dep, err := decodeDependency(name, sub.Get(name), tbl.kind)
			if err != nil {
				return Manifest{}, errors.Wrapf(err, "dependency %q", name)
			}
			m.Deps = append(m.Deps, dep)
		}
	}

	if sub, ok := tree.Get("features").(*toml.Tree); ok {
		for _, name := range sub.Keys() {
			vals, _ := sub.Get(name).([]interface{})
			// An empty list is still a declared feature; keep the key so the
			// feature resolver can distinguish "declared, expands to nothing"
			// from "never declared".
			m.Features[name] = nil
			for _, v := range vals {
				if s, ok := v.(string); ok {
					m.Features[name] = append(m.Features[name], s)
				}
			}
		}
	}

	return m, nil
}

func decodeDependency(name string, raw interface{}, kind DependencyKind) (Dependency, error) {
	d := Dependency{NameInManifest: name, Kind: kind, DefaultFeatures: true}

	switch v := raw.(type) {
	case string:
		d.Requirement = v
	case *toml.Tree:
		if s, ok := v.Get("version").(string); ok {
			d.Requirement = s
		}
		if s, ok := v.Get("package").(string); ok {
			d.PackageName = s
		}
		if s, ok := v.Get("path").(string); ok {
			d.Source = SourceSpec{Kind: SourcePath, URL: s}
		}
		if s, ok := v.Get("git").(string); ok {
			d.Source = SourceSpec{Kind: SourceGit, URL: s}
			if r, ok := v.Get("branch").(string); ok {
				d.Source.Ref = r
			} else if r, ok := v.Get("tag").(string); ok {
				d.Source.Ref = r
			} else if r, ok := v.Get("rev").(string); ok {
				d.Source.Ref = r
			}
		}
		if b, ok := v.Get("optional").(bool); ok {
			d.Optional = b
		}
		if b, ok := v.Get("default-features").(bool); ok {
			d.DefaultFeatures = b
		}
		if b, ok := v.Get("public").(bool); ok {
			d.Public = b
		}
		if feats, ok := v.Get("features").([]interface{}); ok {
			for _, f := range feats {
				if s, ok := f.(string); ok {
					d.Features = append(d.Features, s)
				}
			}
		}
		if s, ok := v.Get("target").(string); ok {
			d.Platform = s
		}
	default:
		return Dependency{}, errors.Errorf("unsupported dependency shape for %q", name)
	}

	return d, nil
}
