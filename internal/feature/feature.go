// Package feature implements the feature-unification rules of §4.4:
// expanding a manifest's feature table against the set of dependencies
// activated by the resolver, in either unify (workspace-wide single
// activation set) or decoupled (dev- and build-edge demands kept out of
// the target-context set) mode.
package feature

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Mode selects how activation is shared across a dependency graph.
type Mode int

const (
	// Unify computes one activation set shared by every workspace member
	// that depends on a given package, the historical default: if any
	// member needs feature X, every build of that package gets X.
	Unify Mode = iota
	// Decoupled keeps feature demands that arrive over dev or build edges
	// out of a package's target-context activation; they count only in
	// its host-context set, so a package can carry two feature sets.
	Decoupled
)

// Table is a package's declared feature -> requirement-list map, the
// parsed form of a manifest's [features] section.
type Table map[string][]string

// Ref is one entry in a feature's requirement list: either another local
// feature, a `dep:name` hard dependency-enablement, a `name/feat`
// dependency-feature enablement, or a weak `name?/feat` enablement that
// only takes effect if something else also activates name.
type Ref struct {
	Raw       string
	DepName   string // set for dep:x, x/y, and x?/y forms
	FeatName  string // set for x/y and x?/y forms
	Weak      bool
	LocalOnly bool // set for a bare local feature name
}

// ParseRef classifies one raw requirement-list entry into one of four forms.
func ParseRef(raw string) Ref {
	switch {
	case strings.HasPrefix(raw, "dep:"):
		return Ref{Raw: raw, DepName: strings.TrimPrefix(raw, "dep:")}
	case strings.Contains(raw, "?/"):
		parts := strings.SplitN(raw, "?/", 2)
		return Ref{Raw: raw, DepName: parts[0], FeatName: parts[1], Weak: true}
	case strings.Contains(raw, "/"):
		parts := strings.SplitN(raw, "/", 2)
		return Ref{Raw: raw, DepName: parts[0], FeatName: parts[1]}
	default:
		return Ref{Raw: raw, LocalOnly: true}
	}
}

// Activation is the resolved set of active feature names for one package
// build, plus which optional dependencies got pulled in as a side effect
// of a `dep:name` or `name/feat` requirement, and which features those
// requirements asked for on each dependency.
type Activation struct {
	Features    map[string]bool
	EnabledDeps map[string]bool
	// DepFeatures collects the feature names requested on a dependency by
	// `name/feat` entries, keyed by dependency name, so the caller can
	// forward them along the dependency edge.
	DepFeatures map[string][]string
}

// Resolver expands requested feature sets against a package's Table,
// closing over local-feature and dep-feature references until no new
// feature activates — a standard worklist fixpoint, mirroring the way
// the teacher's own constraint propagation in the solver drains a queue
// until stable.
type Resolver struct {
	Table          Table
	HasOptionalDep func(name string) bool
}

// Resolve computes the closure of requested (plus any "default" entry,
// unless noDefault is set) over r.Table. Weak refs (x?/y) never enable x
// and are not applied to act; they take effect only once something else
// independently enables x, which Resolve alone cannot know, so it returns
// the weak refs separately for the caller (which does know the whole graph's
// activation) to reconcile — see ApplyWeak.
func (r *Resolver) Resolve(requested []string, noDefault bool) (Activation, []Ref, error) {
	act := Activation{Features: map[string]bool{}, EnabledDeps: map[string]bool{}, DepFeatures: map[string][]string{}}
	var weak []Ref

	queue := append([]string(nil), requested...)
	if !noDefault {
		if _, ok := r.Table["default"]; ok {
			queue = append(queue, "default")
		}
	}

	seen := map[string]bool{}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		act.Features[name] = true

		reqs, ok := r.Table[name]
		if !ok {
			// A bare feature name with no table entry is valid only if it
			// names an optional dependency being toggled on directly
			// (§4.4's "a feature that is just the optional dep's own
			// name"); anything else is a malformed manifest.
			if r.HasOptionalDep != nil && r.HasOptionalDep(name) {
				act.EnabledDeps[name] = true
				continue
			}
			return Activation{}, nil, errors.Errorf("feature %q is not declared and is not an optional dependency", name)
		}

		for _, raw := range reqs {
			ref := ParseRef(raw)
			switch {
			case ref.LocalOnly:
				queue = append(queue, ref.Raw)
			case ref.Weak:
				weak = append(weak, ref)
			case ref.FeatName != "":
				act.EnabledDeps[ref.DepName] = true
				act.DepFeatures[ref.DepName] = appendUnique(act.DepFeatures[ref.DepName], ref.FeatName)
			default: // dep:name
				act.EnabledDeps[ref.DepName] = true
			}
		}
	}
	return act, weak, nil
}

// ApplyWeak returns the features that weak (x?/y) references request,
// keyed by dependency name, but only for dep names already present in
// independentlyOn —
// the set of optional deps some other activation path already turned on.
// This models §4.4's rule that weak refs never themselves cause an
// optional dependency to activate.
func ApplyWeak(weak []Ref, independentlyOn map[string]bool) map[string][]string {
	out := map[string][]string{}
	names := make([]string, 0, len(weak))
	seen := map[string]bool{}
	for _, w := range weak {
		if !seen[w.DepName+"/"+w.FeatName] {
			seen[w.DepName+"/"+w.FeatName] = true
			names = append(names, w.DepName+"/"+w.FeatName)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		parts := strings.SplitN(n, "/", 2)
		dep, feat := parts[0], parts[1]
		if independentlyOn[dep] {
			out[dep] = append(out[dep], feat)
		}
	}
	return out
}

// Union merges b's active features and enabled deps into a (used by
// Unify mode to combine every workspace member's request for the same
// dependency into one shared activation set).
func Union(a, b Activation) Activation {
	out := Activation{Features: map[string]bool{}, EnabledDeps: map[string]bool{}, DepFeatures: map[string][]string{}}
	for k := range a.Features {
		out.Features[k] = true
	}
	for k := range b.Features {
		out.Features[k] = true
	}
	for k := range a.EnabledDeps {
		out.EnabledDeps[k] = true
	}
	for k := range b.EnabledDeps {
		out.EnabledDeps[k] = true
	}
	for k, feats := range a.DepFeatures {
		for _, f := range feats {
			out.DepFeatures[k] = appendUnique(out.DepFeatures[k], f)
		}
	}
	for k, feats := range b.DepFeatures {
		for _, f := range feats {
			out.DepFeatures[k] = appendUnique(out.DepFeatures[k], f)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}
