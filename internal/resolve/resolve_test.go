package resolve

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgepm/forge/internal/feature"
	"github.com/forgepm/forge/internal/manifest"
	"github.com/forgepm/forge/internal/semver"
)

// fakeRegistry is the in-memory fixture backing solver tests, standing in
// for the source/cache layers: versions keyed by package name, manifests
// keyed by "name@version". A package with versions but no manifest entry
// gets an empty manifest (no dependencies).
type fakeRegistry struct {
	versions  map[string][]string
	manifests map[string]*manifest.Manifest
}

func (r *fakeRegistry) Versions(name string) ([]semver.Version, error) {
	raw, ok := r.versions[name]
	if !ok {
		return nil, errors.Errorf("unknown package %s", name)
	}
	out := make([]semver.Version, len(raw))
	for i, s := range raw {
		out[i] = semver.MustVersion(s)
	}
	return out, nil
}

func (r *fakeRegistry) Manifest(name string, v semver.Version) (*manifest.Manifest, error) {
	if m, ok := r.manifests[name+"@"+v.String()]; ok {
		return m, nil
	}
	return &manifest.Manifest{Name: name, Version: v.String()}, nil
}

func dep(name, req string) manifest.Dependency {
	return manifest.Dependency{NameInManifest: name, Requirement: req, DefaultFeatures: true}
}

func devDep(name, req string) manifest.Dependency {
	d := dep(name, req)
	d.Kind = manifest.KindDev
	return d
}

func optDep(name, req string) manifest.Dependency {
	d := dep(name, req)
	d.Optional = true
	return d
}

func featDep(name, req string, feats ...string) manifest.Dependency {
	d := dep(name, req)
	d.Features = feats
	return d
}

func TestSolvePicksHighestInRange(t *testing.T) {
	reg := &fakeRegistry{versions: map[string][]string{
		"bar": {"0.1.0", "0.1.4", "0.2.0"},
	}}
	root := &manifest.Manifest{Name: "foo", Deps: []manifest.Dependency{dep("bar", ">=0.1.0, <0.2.0")}}

	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Equal(t, "0.1.4", sol.Activated["bar"].Version.String())

	root2 := &manifest.Manifest{Name: "foo", Deps: []manifest.Dependency{dep("bar", ">=0.2.0, <0.3.0")}}
	sol2, err := NewSolver(reg, root2).Solve()
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", sol2.Activated["bar"].Version.String())
}

func TestSolveResolvesTransitively(t *testing.T) {
	reg := &fakeRegistry{
		versions: map[string][]string{"a": {"1.0.0"}, "b": {"2.3.0"}},
		manifests: map[string]*manifest.Manifest{
			"a@1.0.0": {Name: "a", Deps: []manifest.Dependency{dep("b", ">=2.0.0")}},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{dep("a", "")}}

	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", sol.Activated["a"].Version.String())
	assert.Equal(t, "2.3.0", sol.Activated["b"].Version.String())
	assert.Equal(t, []string{"b"}, sol.Edges["a"])
	assert.Equal(t, []string{"a"}, sol.Edges["root"])
}

func TestSolveBacktracksToCompatibleVersion(t *testing.T) {
	// a@2.0.0 needs c >= 2, but the root itself pins c below 2; the solver
	// must roll a back to 1.0.0, whose requirement on c is satisfiable.
	reg := &fakeRegistry{
		versions: map[string][]string{
			"a": {"1.0.0", "2.0.0"},
			"c": {"1.0.0", "2.0.0"},
		},
		manifests: map[string]*manifest.Manifest{
			"a@2.0.0": {Name: "a", Deps: []manifest.Dependency{dep("c", ">=2.0.0")}},
			"a@1.0.0": {Name: "a", Deps: []manifest.Dependency{dep("c", ">=1.0.0, <2.0.0")}},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{
		dep("a", ""),
		dep("c", "<2.0.0"),
	}}

	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", sol.Activated["a"].Version.String())
	assert.Equal(t, "1.0.0", sol.Activated["c"].Version.String())
}

func TestSolveReportsUnsatisfiable(t *testing.T) {
	reg := &fakeRegistry{
		versions: map[string][]string{
			"a": {"2.0.0"},
			"c": {"1.0.0", "2.0.0"},
		},
		manifests: map[string]*manifest.Manifest{
			"a@2.0.0": {Name: "a", Deps: []manifest.Dependency{dep("c", ">=2.0.0")}},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{
		dep("a", ""),
		dep("c", "<2.0.0"),
	}}

	_, err := NewSolver(reg, root).Solve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c")
}

func TestSolveLinksConflict(t *testing.T) {
	reg := &fakeRegistry{
		versions: map[string][]string{"liba": {"1.0.0"}, "libb": {"1.0.0"}},
		manifests: map[string]*manifest.Manifest{
			"liba@1.0.0": {Name: "liba", Links: "z"},
			"libb@1.0.0": {Name: "libb", Links: "z"},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{
		dep("liba", ""),
		dep("libb", ""),
	}}

	_, err := NewSolver(reg, root).Solve()
	require.Error(t, err)

	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ConflictLinks, ce.Kind)
	require.Len(t, ce.Set, 2)
	assert.Contains(t, ce.Message, `"z"`)
}

func TestSolveSameLinksTokenSinglePackageOK(t *testing.T) {
	reg := &fakeRegistry{
		versions: map[string][]string{"liba": {"1.0.0"}},
		manifests: map[string]*manifest.Manifest{
			"liba@1.0.0": {Name: "liba", Links: "z"},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{dep("liba", "")}}

	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Equal(t, "liba", sol.Links["z"].Name)
}

func TestSolveDevDepAsymmetry(t *testing.T) {
	// The root's own dev-deps are edges; a transitive dependency's are not.
	reg := &fakeRegistry{
		versions: map[string][]string{"a": {"1.0.0"}, "roottool": {"1.0.0"}, "atool": {"1.0.0"}},
		manifests: map[string]*manifest.Manifest{
			"a@1.0.0": {Name: "a", Deps: []manifest.Dependency{devDep("atool", "")}},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{
		dep("a", ""),
		devDep("roottool", ""),
	}}

	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Contains(t, sol.Activated, "a")
	assert.Contains(t, sol.Activated, "roottool")
	assert.NotContains(t, sol.Activated, "atool")
}

func TestSolveRenamedDependency(t *testing.T) {
	reg := &fakeRegistry{versions: map[string][]string{"serde-json": {"1.0.0"}}}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{
		{NameInManifest: "json", PackageName: "serde-json", DefaultFeatures: true},
	}}

	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Contains(t, sol.Activated, "serde-json")
	assert.NotContains(t, sol.Activated, "json")
}

func TestSolveDeterministic(t *testing.T) {
	reg := &fakeRegistry{
		versions: map[string][]string{
			"a": {"1.0.0", "1.1.0"},
			"b": {"0.3.0", "0.4.0"},
			"c": {"2.0.0"},
		},
		manifests: map[string]*manifest.Manifest{
			"a@1.1.0": {Name: "a", Deps: []manifest.Dependency{dep("c", "")}},
			"b@0.4.0": {Name: "b", Deps: []manifest.Dependency{dep("c", ">=2.0.0")}},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{
		dep("a", ""),
		dep("b", ""),
	}}

	first, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	second, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Equal(t, first.Activated, second.Activated)
	assert.Equal(t, first.Edges, second.Edges)
}

func TestOptionalDepGatedByFeature(t *testing.T) {
	reg := &fakeRegistry{versions: map[string][]string{"serde": {"1.0.0"}}}
	root := &manifest.Manifest{
		Name:     "root",
		Deps:     []manifest.Dependency{optDep("serde", "")},
		Features: map[string][]string{"json": {"dep:serde"}},
	}

	// Requesting no features leaves the optional dep unresolved.
	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.NotContains(t, sol.Activated, "serde")

	// Requesting the feature pulls it in.
	sol, err = NewSolver(reg, root, "json").Solve()
	require.NoError(t, err)
	assert.Contains(t, sol.Activated, "serde")
	assert.Contains(t, sol.Features["root"], "json")
}

func TestTransitiveOptionalDepGatedByFeature(t *testing.T) {
	reg := &fakeRegistry{
		versions: map[string][]string{"a": {"1.0.0"}, "simd": {"1.0.0"}},
		manifests: map[string]*manifest.Manifest{
			"a@1.0.0": {
				Name:     "a",
				Deps:     []manifest.Dependency{optDep("simd", "")},
				Features: map[string][]string{"fast": {"dep:simd"}},
			},
		},
	}

	// No edge requests a's "fast" feature: simd stays out of the graph.
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{dep("a", "")}}
	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.NotContains(t, sol.Activated, "simd")

	// The edge requesting "fast" enables the optional dep.
	root = &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{featDep("a", "", "fast")}}
	sol, err = NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Contains(t, sol.Activated, "simd")
	assert.Contains(t, sol.Features["a"], "fast")
}

func TestFeatureUnificationAcrossEdges(t *testing.T) {
	reg := &fakeRegistry{
		versions: map[string][]string{"a": {"1.0.0"}, "b": {"1.0.0"}, "c": {"1.0.0"}},
		manifests: map[string]*manifest.Manifest{
			"a@1.0.0": {Name: "a", Deps: []manifest.Dependency{featDep("c", "", "f1")}},
			"b@1.0.0": {Name: "b", Deps: []manifest.Dependency{featDep("c", "", "f2")}},
			"c@1.0.0": {Name: "c", Features: map[string][]string{"f1": nil, "f2": nil}},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{dep("a", ""), dep("b", "")}}

	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, sol.Features["c"], "every edge's feature demand unifies onto one activation")
}

func TestLateFeatureEdgeEnablesOptionalDep(t *testing.T) {
	// c is first reached without features; a later edge turns on a feature
	// that enables c's optional dep, which must then join the graph.
	reg := &fakeRegistry{
		versions: map[string][]string{"a": {"1.0.0"}, "b": {"1.0.0"}, "c": {"1.0.0"}, "extra": {"1.0.0"}},
		manifests: map[string]*manifest.Manifest{
			"a@1.0.0": {Name: "a", Deps: []manifest.Dependency{dep("c", "")}},
			"b@1.0.0": {Name: "b", Deps: []manifest.Dependency{featDep("c", "", "with-extra")}},
			"c@1.0.0": {
				Name:     "c",
				Deps:     []manifest.Dependency{optDep("extra", "")},
				Features: map[string][]string{"with-extra": {"dep:extra"}},
			},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{dep("a", ""), dep("b", "")}}

	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Contains(t, sol.Activated, "extra")
	assert.Contains(t, sol.Features["c"], "with-extra")
}

func TestWeakFeatureRequiresIndependentEnable(t *testing.T) {
	mkReg := func() *fakeRegistry {
		return &fakeRegistry{
			versions: map[string][]string{"a": {"1.0.0"}, "b": {"1.0.0"}, "opt": {"1.0.0"}},
			manifests: map[string]*manifest.Manifest{
				"a@1.0.0": {Name: "a", Deps: []manifest.Dependency{dep("opt", "")}},
				"b@1.0.0": {
					Name:     "b",
					Deps:     []manifest.Dependency{optDep("opt", "")},
					Features: map[string][]string{"x": {"opt?/feat"}},
				},
				"opt@1.0.0": {Name: "opt", Features: map[string][]string{"feat": nil}},
			},
		}
	}

	// opt is pulled in by a, so b's weak reference activates feat on it.
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{dep("a", ""), featDep("b", "", "x")}}
	sol, err := NewSolver(mkReg(), root).Solve()
	require.NoError(t, err)
	require.Contains(t, sol.Activated, "opt")
	assert.Contains(t, sol.Features["opt"], "feat")

	// Without a's edge, the weak reference alone must not pull opt in.
	root = &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{featDep("b", "", "x")}}
	sol, err = NewSolver(mkReg(), root).Solve()
	require.NoError(t, err)
	assert.NotContains(t, sol.Activated, "opt")
}

func TestNormalCycleRejected(t *testing.T) {
	reg := &fakeRegistry{
		versions: map[string][]string{"a": {"1.0.0"}, "b": {"1.0.0"}},
		manifests: map[string]*manifest.Manifest{
			"a@1.0.0": {Name: "a", Deps: []manifest.Dependency{dep("b", "")}},
			"b@1.0.0": {Name: "b", Deps: []manifest.Dependency{dep("a", "")}},
		},
	}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{dep("a", "")}}

	_, err := NewSolver(reg, root).Solve()
	require.Error(t, err)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ConflictCycle, ce.Kind)
	assert.Contains(t, ce.Message, "cyclic")
}

func TestDevCycleThroughRootAllowed(t *testing.T) {
	// app -dev-> b -> app: legal, because one edge of the cycle is a
	// dev-dep. The edge back to the root resolves to the root itself.
	reg := &fakeRegistry{
		versions: map[string][]string{"b": {"1.0.0"}},
		manifests: map[string]*manifest.Manifest{
			"b@1.0.0": {Name: "b", Deps: []manifest.Dependency{dep("app", "")}},
		},
	}
	root := &manifest.Manifest{Name: "app", Version: "0.1.0", Deps: []manifest.Dependency{devDep("b", "")}}

	sol, err := NewSolver(reg, root).Solve()
	require.NoError(t, err)
	assert.Contains(t, sol.Activated, "b")
	assert.NotContains(t, sol.Activated, "app", "the root is not its own dependency")
}

func TestDecoupledModeConfinesDevEdgeFeatures(t *testing.T) {
	mkReg := func() *fakeRegistry {
		return &fakeRegistry{
			versions: map[string][]string{"c": {"1.0.0"}},
			manifests: map[string]*manifest.Manifest{
				"c@1.0.0": {Name: "c", Features: map[string][]string{"extra": nil}},
			},
		}
	}
	devWithFeature := manifest.Dependency{NameInManifest: "c", Kind: manifest.KindDev, Features: []string{"extra"}, DefaultFeatures: true}
	root := &manifest.Manifest{Name: "root", Deps: []manifest.Dependency{dep("c", ""), devWithFeature}}

	unified, err := NewSolver(mkReg(), root).Solve()
	require.NoError(t, err)
	assert.Contains(t, unified.Features["c"], "extra")

	s := NewSolver(mkReg(), root)
	s.SetFeatureMode(feature.Decoupled)
	decoupled, err := s.Solve()
	require.NoError(t, err)
	assert.NotContains(t, decoupled.Features["c"], "extra", "dev-edge features stay out of the target context")
	assert.Contains(t, decoupled.HostFeatures["c"], "extra")
}

func TestCheckPublicRejectsIncompatibleMajors(t *testing.T) {
	s := NewSolver(&fakeRegistry{}, &manifest.Manifest{Name: "root"})
	pub := Candidate{Name: "z", Public: true}

	require.NoError(t, s.checkPublic(pub, PackageID{Name: "z", Version: semver.MustVersion("1.0.0")}))
	// Same major is compatible public exposure.
	require.NoError(t, s.checkPublic(pub, PackageID{Name: "z", Version: semver.MustVersion("1.4.0")}))

	err := s.checkPublic(pub, PackageID{Name: "z", Version: semver.MustVersion("2.0.0")})
	require.Error(t, err)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ConflictPublicDependency, ce.Kind)
}

func TestCheckPublicIgnoresPrivateEdges(t *testing.T) {
	s := NewSolver(&fakeRegistry{}, &manifest.Manifest{Name: "root"})
	priv := Candidate{Name: "z"}
	require.NoError(t, s.checkPublic(priv, PackageID{Name: "z", Version: semver.MustVersion("1.0.0")}))
	require.NoError(t, s.checkPublic(priv, PackageID{Name: "z", Version: semver.MustVersion("9.0.0")}))
}
