// Package unitgraph builds the compilation-unit DAG of §4.5: one Unit per
// (package, target-kind, mode, profile, host-or-target, feature set)
// combination, wired by
// edges derived from the activated dependency graph, with build scripts
// and their outputs spliced in ahead of the units that consume them.
package unitgraph

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/forgepm/forge/internal/resolve"
)

// Mode is one of the five ways a unit can be compiled, per §4.5.
type Mode int

const (
	ModeBuild Mode = iota
	ModeCheck
	ModeTest
	ModeBench
	ModeDoc
)

func (m Mode) String() string {
	switch m {
	case ModeBuild:
		return "build"
	case ModeCheck:
		return "check"
	case ModeTest:
		return "test"
	case ModeBench:
		return "bench"
	case ModeDoc:
		return "doc"
	default:
		return "unknown"
	}
}

// TargetKind distinguishes a library unit from the binaries/tests built
// on top of it.
type TargetKind int

const (
	TargetLib TargetKind = iota
	TargetBin
	// TargetBuildScript is the compilation of a package's build script
	// into a host executable; TargetBuildScriptRun is the execution of
	// that executable, a distinct node so the §5 stage ordering
	// (build-script-build -> build-script-run -> lib) is expressed as
	// ordinary graph edges rather than scheduler special cases.
	TargetBuildScript
	TargetBuildScriptRun
	// TargetTest is the package's test harness target, built only under
	// ModeTest/ModeBench roots.
	TargetTest
)

// Platform records whether a unit compiles for the build host (a proc-
// macro or build-script-build artifact) or the final target triple — the
// host/target split §4.5 requires so cross-compiling never mixes object
// files from the two.
type Platform int

const (
	PlatformTarget Platform = iota
	PlatformHost
)

// Unit is one node of the graph: compiling Package's Kind target under
// Profile, for Mode, on Platform, with Features activated. Two builds of
// the same package with different feature sets are distinct units (§3,
// §4.5) — decoupled feature resolution legally produces both.
type Unit struct {
	Package  resolve.PackageID
	Kind     TargetKind
	Mode     Mode
	Profile  string
	Platform Platform

	// Features is the unit's activated feature set, sorted.
	Features []string

	// BinName is set only for TargetBin units (a package may define
	// several binaries).
	BinName string
}

// Key returns a stable identity string for u, used as the node key in a
// Graph's adjacency list and by downstream schedulers to key jobs 1:1
// with units. Units agreeing on every component including the feature
// set collapse to one node (§4.5).
func (u Unit) Key() string {
	return fmt.Sprintf("%s|%d|%d|%s|%d|%s|%s", u.Package, u.Kind, u.Mode, u.Profile, u.Platform, strings.Join(u.Features, ","), u.BinName)
}

// Graph is the built DAG: units plus the edges between them, stored as an
// adjacency list from a unit to the units it directly depends on.
type Graph struct {
	Units []Unit
	Edges map[string][]string // unit key -> dependency unit keys
	index map[string]int
}

func NewGraph() *Graph {
	return &Graph{Edges: map[string][]string{}, index: map[string]int{}}
}

// AddUnit inserts u if not already present, returning its stable key.
func (g *Graph) AddUnit(u Unit) string {
	k := u.Key()
	if _, ok := g.index[k]; !ok {
		g.index[k] = len(g.Units)
		g.Units = append(g.Units, u)
	}
	return k
}

// AddEdge records that unit `from` requires unit `to` to be built first.
func (g *Graph) AddEdge(from, to string) {
	g.Edges[from] = append(g.Edges[from], to)
}

// Builder constructs a Graph from a resolved Solution, splicing in a
// build-script-build/build-script-run pair ahead of a package's lib/bin
// units whenever that package declares one, per §4.5 and §5's scheduling
// stage ordering (build-script-build -> build-script-run -> lib -> bin ->
// tests).
type Builder struct {
	Solution   resolve.Solution
	Profile    string
	HasBuildRS func(id resolve.PackageID) bool
	DependsOn  func(id resolve.PackageID) []resolve.PackageID
}

// featuresFor returns id's activated feature set from the resolved
// Solution: the host-context set for host units, the target-context set
// otherwise (the two differ only under decoupled feature resolution).
func (b *Builder) featuresFor(id resolve.PackageID, platform Platform) []string {
	if platform == PlatformHost {
		if feats, ok := b.Solution.HostFeatures[id.Name]; ok {
			return feats
		}
	}
	return b.Solution.Features[id.Name]
}

// Build constructs the full graph for building every activated package's
// library (and, for the root, its binaries) under mode.
func (b *Builder) Build(root resolve.PackageID, mode Mode, includeBins bool) (*Graph, error) {
	g := NewGraph()
	visited := map[resolve.PackageID]string{}

	var visit func(id resolve.PackageID) (string, error)
	visit = func(id resolve.PackageID) (string, error) {
		if k, ok := visited[id]; ok {
			return k, nil
		}

		libUnit := Unit{Package: id, Kind: TargetLib, Mode: mode, Profile: b.Profile, Platform: PlatformTarget, Features: b.featuresFor(id, PlatformTarget)}
		libKey := g.AddUnit(libUnit)
		visited[id] = libKey

		if b.HasBuildRS != nil && b.HasBuildRS(id) {
			hostFeats := b.featuresFor(id, PlatformHost)
			rsBuildUnit := Unit{Package: id, Kind: TargetBuildScript, Mode: ModeBuild, Profile: b.Profile, Platform: PlatformHost, Features: hostFeats}
			rsBuildKey := g.AddUnit(rsBuildUnit)
			rsRunUnit := Unit{Package: id, Kind: TargetBuildScriptRun, Mode: ModeBuild, Profile: b.Profile, Platform: PlatformHost, Features: hostFeats}
			rsRunKey := g.AddUnit(rsRunUnit)
			g.AddEdge(rsRunKey, rsBuildKey)
			g.AddEdge(libKey, rsRunKey)
		}

		if b.DependsOn == nil {
			return libKey, nil
		}
		for _, dep := range b.DependsOn(id) {
			depKey, err := visit(dep)
			if err != nil {
				return "", err
			}
			g.AddEdge(libKey, depKey)
		}
		return libKey, nil
	}

	rootLibKey, err := visit(root)
	if err != nil {
		return nil, errors.Wrap(err, "build unit graph")
	}

	rootFeats := b.featuresFor(root, PlatformTarget)
	if includeBins {
		binUnit := Unit{Package: root, Kind: TargetBin, Mode: mode, Profile: b.Profile, Platform: PlatformTarget, Features: rootFeats}
		binKey := g.AddUnit(binUnit)
		g.AddEdge(binKey, rootLibKey)
	}

	// Test and bench roots get a harness target on top of the library;
	// it depends only on the root's own lib, not on other packages'
	// build-script runs (§4.7's stage-dependency carve-out).
	if mode == ModeTest || mode == ModeBench {
		testUnit := Unit{Package: root, Kind: TargetTest, Mode: mode, Profile: b.Profile, Platform: PlatformTarget, Features: rootFeats}
		testKey := g.AddUnit(testUnit)
		g.AddEdge(testKey, rootLibKey)
	}

	return g, nil
}

// TopoOrder returns units in an order where every unit appears after all
// units it depends on, the order the scheduler consumes jobs in (§4.7).
// It errors on a cycle, which should be unreachable given the resolver
// already rejects cyclic activation, but a defensive check here is cheap
// relative to a silent infinite stall in the scheduler.
func (g *Graph) TopoOrder() ([]Unit, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Units))
	var order []string

	var visit func(k string) error
	visit = func(k string) error {
		switch color[k] {
		case black:
			return nil
		case gray:
			return errors.Errorf("cycle detected at unit %s", k)
		}
		color[k] = gray
		for _, dep := range g.Edges[k] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[k] = black
		order = append(order, k)
		return nil
	}

	for _, u := range g.Units {
		if err := visit(u.Key()); err != nil {
			return nil, err
		}
	}

	out := make([]Unit, 0, len(order))
	for _, k := range order {
		out = append(out, g.Units[g.index[k]])
	}
	return out, nil
}
