// Package resolve implements the core dependency solver of §4.3: a
// backtracking constraint solver over (package, version, activated
// features) tuples, adapted from the teacher's solver.go. Candidates are
// considered in decreasing version order; failed combinations are
// memoized in a conflict store keyed by the canonicalized, sorted set of
// PackageIds that produced the conflict, so the same dead end is never
// re-explored twice in one solve. Feature activation (§4.4) runs inline
// with the search: an optional dependency only becomes an edge once some
// activated feature pulls it in, and feature requests arriving over
// multiple edges to the same package unify per the workspace's mode.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/armon/go-radix"
	"github.com/pkg/errors"

	"github.com/forgepm/forge/internal/feature"
	"github.com/forgepm/forge/internal/manifest"
	"github.com/forgepm/forge/internal/semver"
)

// ConflictKind tags the taxonomy of resolution failures §4.3 calls out by
// name, beyond the generic "no candidate satisfies" case.
type ConflictKind int

const (
	ConflictUnsatisfiable ConflictKind = iota
	ConflictLinks
	// ConflictPublicDependency is PublicDependency/PubliclyExports: the same
	// package name is reachable through two public edges at SemVer-
	// incompatible versions, so a consumer exposing one in its public API
	// could observe either depending on resolution order (§4.3).
	ConflictPublicDependency
	// ConflictCycle is a dependency cycle with no dev edge in it; cycles
	// through a dev-dependency are legal (§4.3).
	ConflictCycle
)

// ConflictError carries the offending set alongside its Kind, so callers can
// match on the taxonomy instead of parsing error strings.
type ConflictError struct {
	Kind    ConflictKind
	Message string
	Set     []PackageID
}

func (e *ConflictError) Error() string { return e.Message }

// errExhausted is the internal sentinel for "every frame on the stack was
// popped without finding an untried candidate"; Solve translates it into a
// caller-facing message naming the dependency that triggered the collapse.
var errExhausted = errors.New("all candidate combinations exhausted")

// PackageID names one resolved unit: a package name pinned to one
// version, from one source. Two PackageIds with the same Name but
// different SourceURL compare unequal, but the Solver keeps at most one
// activation per Name whatever its source.
type PackageID struct {
	Name      string
	Version   semver.Version
	SourceURL string
}

func (id PackageID) String() string {
	return id.Name + "@" + id.Version.String()
}

// Less orders PackageIds for canonicalization in conflict-store keys:
// by name, then by version.
func Less(a, b PackageID) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Version.LessThan(b.Version)
}

// Candidate is one edge the solver must satisfy: depending package Dep
// requires Name matching Constraint, as Kind, possibly Public, with
// Features requested on the edge (and defaults suppressed if NoDefault).
type Candidate struct {
	Name       string
	Constraint string
	Kind       manifest.DependencyKind
	Public     bool
	Features   []string
	NoDefault  bool
	Dep        PackageID // zero value for the synthetic root
}

// Registry is the minimal surface the solver needs from the package
// universe: list available versions and their declared dependency edges.
// A real invocation backs this with the source/cache layers; tests back
// it with an in-memory fixture.
type Registry interface {
	Versions(name string) ([]semver.Version, error)
	Manifest(name string, v semver.Version) (*manifest.Manifest, error)
}

// atom is one (package, version) activation under consideration, mirrored
// on the teacher's atom type — packages here are always whole-crate units
// rather than per-subpackage, so there is no pkgs set to carry along.
type atom struct {
	id PackageID
}

// featureRequest accumulates every edge's feature demands on one package.
// all is the union across every edge kind; target omits demands that
// arrived over dev or build edges, which Decoupled mode confines to the
// host context (§4.4). Defaults stay on unless every edge suppressed them.
type featureRequest struct {
	all         []string
	target      []string
	noDefAll    bool
	noDefTarget bool
}

// Solution is a complete, consistent activation set: every required
// package name maps to exactly one chosen version.
type Solution struct {
	Activated map[string]PackageID
	// Links maps a `links` token to the package that claimed it, enforcing
	// the at-most-one-activation-per-links-token rule (§4.3 invariant).
	Links map[string]PackageID
	// Edges maps a package name to the names of its direct dependencies
	// (dev-deps only for the root, whose entry includes them), so lowering a Solution into a lockfile or unit graph
	// doesn't need to re-fetch every package's manifest a second time.
	Edges map[string][]string
	// Features is each package's activated feature set in the target
	// context, sorted; HostFeatures is the host-context set, which differs
	// from Features only under Decoupled mode (§4.4). The root package's
	// own activation appears under its name.
	Features     map[string][]string
	HostFeatures map[string][]string
}

// Solver runs the backtracking search described in §4.3.
type Solver struct {
	reg       Registry
	root      *manifest.Manifest
	rootID    PackageID
	requested []string
	featMode  feature.Mode

	selected map[string]atom // name -> chosen atom
	links    map[string]PackageID
	edges    map[string][]string
	devEdge  map[string]bool // "from\x00to" for the root's dev edges
	stack    []frame

	// Per-package feature state: the accumulated request across edges, the
	// resulting activation (all-edges and, under Decoupled, target-only),
	// and unresolved weak refs applied as a post-pass once the final
	// activation set is known.
	featReq    map[string]*featureRequest
	acts       map[string]feature.Activation
	targetActs map[string]feature.Activation
	weaks      map[string][]feature.Ref

	// publicReach records which package names have ever been required
	// through a Public edge, enforcing §4.3's public-dependency rule: when
	// a second Public edge reaches the same name at a SemVer-incompatible
	// (different major) version, the failure is reported as
	// PublicDependency rather than a plain version conflict — a public
	// edge can't be quietly backtracked away from a consumer that already
	// re-exports the dependency's types.
	publicReach map[string]PackageID

	// conflicts memoizes dead ends: key is the canonicalized sorted
	// PackageId slice that led to a failure, so the solver can skip
	// re-deriving the same inconsistency (grounded on the teacher's
	// conflict-tracking in backtrack/fail, generalized with a radix tree
	// for prefix-sharing across related conflict sets).
	conflicts *radix.Tree
}

// frame records one decision point for backtracking: the edge being
// satisfied and the ordered candidate versions not yet tried for it.
type frame struct {
	cand      Candidate
	remaining []semver.Version
}

// NewSolver prepares a solve of root's dependency graph with the given
// user-requested features on the root (the root's `default` feature is
// always in play). Feature unification defaults to Unify; see
// SetFeatureMode.
func NewSolver(reg Registry, root *manifest.Manifest, requested ...string) *Solver {
	rootVersion, err := semver.NewVersion(root.Version)
	if err != nil {
		rootVersion = semver.MustVersion("0.0.0")
	}
	return &Solver{
		reg:         reg,
		root:        root,
		rootID:      PackageID{Name: root.Name, Version: rootVersion},
		requested:   append([]string(nil), requested...),
		featMode:    feature.Unify,
		selected:    make(map[string]atom),
		links:       make(map[string]PackageID),
		edges:       make(map[string][]string),
		devEdge:     make(map[string]bool),
		featReq:     make(map[string]*featureRequest),
		acts:        make(map[string]feature.Activation),
		targetActs:  make(map[string]feature.Activation),
		weaks:       make(map[string][]feature.Ref),
		publicReach: make(map[string]PackageID),
		conflicts:   radix.New(),
	}
}

// SetFeatureMode selects §4.4's workspace rule: Unify (one activation set
// per package) or Decoupled (feature demands from dev and build edges are
// confined to the host context).
func (s *Solver) SetFeatureMode(m feature.Mode) { s.featMode = m }

// Solve runs the solver to completion, returning a consistent Solution or
// the first unresolvable error encountered after exhausting backtracking.
func (s *Solver) Solve() (Solution, error) {
	// The root is a real activation: an edge naming the root's own package
	// resolves to it rather than consulting the registry, which is what
	// lets a dev-dep cycle back into the root close legally.
	s.selected[s.root.Name] = atom{id: s.rootID}

	queue, err := s.rootEdges()
	if err != nil {
		return Solution{}, err
	}

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		// An edge whose requiring package was rolled back by backtracking
		// is stale; the retry path re-enqueues the replacement's own edges.
		if c.Dep.Name != "" {
			sel, ok := s.selected[c.Dep.Name]
			if !ok || sel.id.Version.Compare(c.Dep.Version) != 0 {
				continue
			}
		}

		if existing, ok := s.selected[c.Name]; ok {
			sat, err := s.satisfies(existing.id, c)
			if err != nil {
				return Solution{}, err
			}
			if sat {
				if err := s.checkPublic(c, existing.id); err != nil {
					return Solution{}, err
				}
				newEdges, err := s.remerge(c, existing.id)
				if err != nil {
					return Solution{}, err
				}
				queue = append(queue, newEdges...)
				continue
			}
			// Conflicting requirement on an already-selected package:
			// backtrack, then re-check this edge against the new state.
			nq, err := s.backtrack(queue)
			if err != nil {
				if errors.Is(err, errExhausted) {
					return Solution{}, errors.Errorf("no version of %s satisfies all requirements", c.Name)
				}
				return Solution{}, err
			}
			queue = append(nq, c)
			continue
		}

		versions, err := s.reg.Versions(c.Name)
		if err != nil {
			return Solution{}, errors.Wrapf(err, "list versions of %s", c.Name)
		}
		candidates := filterByConstraint(semver.DescendingCandidates(versions), c.Constraint)

		queue, err = s.selectFrom(queue, c, candidates)
		if err != nil {
			if errors.Is(err, errExhausted) {
				return Solution{}, errors.Errorf("no candidate version of %s satisfies %q", c.Name, c.Constraint)
			}
			return Solution{}, err
		}
	}

	if err := s.checkCycles(); err != nil {
		return Solution{}, err
	}

	s.applyWeakRefs()

	out := Solution{
		Activated:    make(map[string]PackageID, len(s.selected)),
		Links:        s.links,
		Edges:        s.edges,
		Features:     make(map[string][]string, len(s.selected)),
		HostFeatures: make(map[string][]string, len(s.selected)),
	}
	for name, a := range s.selected {
		if name != s.root.Name {
			out.Activated[name] = a.id
		}
		out.HostFeatures[name] = sortedFeatures(s.acts[name])
		if s.featMode == feature.Decoupled {
			out.Features[name] = sortedFeatures(s.targetActs[name])
		} else {
			out.Features[name] = out.HostFeatures[name]
		}
	}
	return out, nil
}

// rootEdges computes the root's activation from the user-requested
// features and lowers its dependency table to solver edges. The root's
// own dev-deps are real edges (tests need them); the asymmetry in §4.3
// only excludes a transitive dependency's dev-deps from the graph.
func (s *Solver) rootEdges() ([]Candidate, error) {
	req := &featureRequest{
		all:    append([]string(nil), s.requested...),
		target: append([]string(nil), s.requested...),
	}
	s.featReq[s.root.Name] = req

	act, weak, err := s.computeActivation(s.root, req.all, req.noDefAll)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve features for %s", s.root.Name)
	}
	s.acts[s.root.Name] = act
	s.targetActs[s.root.Name] = act
	s.weaks[s.root.Name] = weak

	var out []Candidate
	var names []string
	for _, d := range s.root.Deps {
		if d.Optional && !act.EnabledDeps[d.NameInManifest] {
			continue
		}
		name := d.EffectivePackageName()
		names = append(names, name)
		if d.Kind == manifest.KindDev {
			s.devEdge[s.root.Name+"\x00"+name] = true
		}
		out = append(out, Candidate{
			Name:       name,
			Constraint: d.Requirement,
			Kind:       d.Kind,
			Public:     d.Public,
			Features:   edgeFeatures(d, act),
			NoDefault:  !d.DefaultFeatures,
		})
	}
	s.edges[s.root.Name] = names
	return out, nil
}

// edgesOf returns m's non-dev dependency edges, with optional deps
// filtered to those act pulled in: a feature must enable an optional dep
// before it becomes part of the graph (§4.4, §8). §4.3's dev-dependency
// asymmetry rule says a transitive package's dev-deps are never edges.
func (s *Solver) edgesOf(dep PackageID, m *manifest.Manifest, act feature.Activation) []Candidate {
	var out []Candidate
	for _, d := range m.Deps {
		if d.Kind == manifest.KindDev {
			continue
		}
		if d.Optional && !act.EnabledDeps[d.NameInManifest] {
			continue
		}
		out = append(out, Candidate{
			Name:       d.EffectivePackageName(),
			Constraint: d.Requirement,
			Kind:       d.Kind,
			Public:     d.Public,
			Features:   edgeFeatures(d, act),
			NoDefault:  !d.DefaultFeatures,
			Dep:        dep,
		})
	}
	return out
}

// edgeFeatures joins the features declared on the dependency entry itself
// with those the package's own feature table requested via `name/feat`.
func edgeFeatures(d manifest.Dependency, act feature.Activation) []string {
	feats := append([]string(nil), d.Features...)
	for _, f := range act.DepFeatures[d.NameInManifest] {
		feats = appendIfMissing(feats, f)
	}
	return feats
}

func appendIfMissing(list []string, s string) []string {
	for _, have := range list {
		if have == s {
			return list
		}
	}
	return append(list, s)
}

// computeActivation expands a feature request against m's feature table,
// with m's optional dependency names standing in for implicit features.
func (s *Solver) computeActivation(m *manifest.Manifest, req []string, noDefault bool) (feature.Activation, []feature.Ref, error) {
	optional := map[string]bool{}
	for _, d := range m.Deps {
		if d.Optional {
			optional[d.NameInManifest] = true
		}
	}
	r := &feature.Resolver{
		Table:          feature.Table(m.Features),
		HasOptionalDep: func(name string) bool { return optional[name] },
	}
	return r.Resolve(req, noDefault)
}

// mergeRequest folds edge c's feature demands into c.Name's accumulated
// request. Under Decoupled, dev- and build-edge demands stay out of the
// target request; Unify lets every edge contribute to both.
func (s *Solver) mergeRequest(c Candidate) *featureRequest {
	req := s.featReq[c.Name]
	if req == nil {
		// Until an edge leaves defaults on, defaults stay off.
		req = &featureRequest{noDefAll: true, noDefTarget: true}
		s.featReq[c.Name] = req
	}
	for _, f := range c.Features {
		req.all = appendIfMissing(req.all, f)
	}
	req.noDefAll = req.noDefAll && c.NoDefault
	if s.featMode == feature.Unify || c.Kind == manifest.KindNormal {
		for _, f := range c.Features {
			req.target = appendIfMissing(req.target, f)
		}
		req.noDefTarget = req.noDefTarget && c.NoDefault
	}
	return req
}

func (s *Solver) manifestFor(name string, v semver.Version) (*manifest.Manifest, error) {
	if name == s.root.Name {
		return s.root, nil
	}
	m, err := s.reg.Manifest(name, v)
	if err != nil {
		return nil, errors.Wrapf(err, "load manifest for %s@%s", name, v)
	}
	return m, nil
}

// selectFrom tries candidates for edge c in decreasing-version order,
// skipping assignments the conflict store already proved dead, and
// activates the first workable one, returning the queue extended with the
// activation's own edges. When every candidate fails it delegates to
// backtrack; if that also collapses, the most informative conflict seen
// (links, public-dependency) wins over the generic exhaustion sentinel.
func (s *Solver) selectFrom(queue []Candidate, c Candidate, candidates []semver.Version) ([]Candidate, error) {
	var lastConflict error
	for i, v := range candidates {
		if _, failed := s.conflicts.Get(s.conflictKey(c.Name, v)); failed {
			continue
		}
		id := PackageID{Name: c.Name, Version: v}
		if err := s.checkPublic(c, id); err != nil {
			lastConflict = err
			continue
		}

		s.stack = append(s.stack, frame{cand: c, remaining: candidates[i+1:]})
		children, err := s.activate(c, id)
		if err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) {
				lastConflict = err
				s.unselect(c.Name, v)
				continue
			}
			return nil, err
		}
		return append(queue, children...), nil
	}

	nq, err := s.backtrack(queue)
	if err != nil {
		if lastConflict != nil {
			return nil, lastConflict
		}
		return nil, err
	}
	return append(nq, c), nil
}

// activate tentatively commits id for edge c: it records the selection,
// claims the candidate's `links` token (failing on a collision, §4.3),
// computes the candidate's feature activation from the edge's request,
// and returns the dependency edges that activation leaves enabled.
func (s *Solver) activate(c Candidate, id PackageID) ([]Candidate, error) {
	m, err := s.manifestFor(c.Name, id.Version)
	if err != nil {
		return nil, err
	}

	s.selected[c.Name] = atom{id: id}

	if m.Links != "" {
		if prior, exists := s.links[m.Links]; exists && prior.Name != c.Name {
			return nil, &ConflictError{
				Kind:    ConflictLinks,
				Message: fmt.Sprintf("links token %q claimed by both %s and %s", m.Links, prior, id),
				Set:     []PackageID{prior, id},
			}
		}
		s.links[m.Links] = id
	}

	req := s.mergeRequest(c)
	act, weak, err := s.computeActivation(m, req.all, req.noDefAll)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve features for %s", id)
	}
	s.acts[c.Name] = act
	s.weaks[c.Name] = weak
	if s.featMode == feature.Decoupled {
		tact, _, err := s.computeActivation(m, req.target, req.noDefTarget)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve features for %s", id)
		}
		s.targetActs[c.Name] = tact
	} else {
		s.targetActs[c.Name] = act
	}

	children := s.edgesOf(id, m, act)
	names := make([]string, len(children))
	for i, e := range children {
		names[i] = e.Name
	}
	s.edges[c.Name] = names
	return children, nil
}

// remerge handles a later edge reaching an already-selected package: its
// feature demands unify into the stored activation, and any optional dep
// the enlarged activation newly enables becomes a fresh edge (§4.4).
func (s *Solver) remerge(c Candidate, id PackageID) ([]Candidate, error) {
	m, err := s.manifestFor(c.Name, id.Version)
	if err != nil {
		return nil, err
	}

	req := s.mergeRequest(c)
	act, weak, err := s.computeActivation(m, req.all, req.noDefAll)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve features for %s", id)
	}

	prev := s.acts[c.Name]
	merged := feature.Union(prev, act)
	s.acts[c.Name] = merged
	s.weaks[c.Name] = append(s.weaks[c.Name], weak...)
	if s.featMode == feature.Decoupled {
		tact, _, err := s.computeActivation(m, req.target, req.noDefTarget)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve features for %s", id)
		}
		s.targetActs[c.Name] = feature.Union(s.targetActs[c.Name], tact)
	} else {
		s.targetActs[c.Name] = merged
	}

	var out []Candidate
	isRoot := c.Name == s.root.Name
	for _, d := range m.Deps {
		if d.Kind == manifest.KindDev && !isRoot {
			continue
		}
		if !d.Optional {
			continue
		}
		if merged.EnabledDeps[d.NameInManifest] && !prev.EnabledDeps[d.NameInManifest] {
			name := d.EffectivePackageName()
			s.edges[c.Name] = append(s.edges[c.Name], name)
			if d.Kind == manifest.KindDev {
				s.devEdge[c.Name+"\x00"+name] = true
			}
			out = append(out, Candidate{
				Name:       name,
				Constraint: d.Requirement,
				Kind:       d.Kind,
				Public:     d.Public,
				Features:   edgeFeatures(d, merged),
				NoDefault:  !d.DefaultFeatures,
				Dep:        id,
			})
		}
	}
	return out, nil
}

// unselect rolls back a failed activation of name@v — popping its frame,
// clearing its selection, edges, feature state, links claim, and
// public-reach record — and memoizes the assignment in the conflict store
// so the same dead end is pruned immediately if rediscovered.
func (s *Solver) unselect(name string, v semver.Version) {
	if n := len(s.stack); n > 0 && s.stack[n-1].cand.Name == name {
		s.stack = s.stack[:n-1]
	}
	delete(s.selected, name)
	delete(s.edges, name)
	delete(s.featReq, name)
	delete(s.acts, name)
	delete(s.targetActs, name)
	delete(s.weaks, name)
	for k, p := range s.links {
		if p.Name == name {
			delete(s.links, k)
		}
	}
	if p, ok := s.publicReach[name]; ok && p.Version.Compare(v) == 0 {
		delete(s.publicReach, name)
	}
	s.conflicts.Insert(s.conflictKey(name, v), struct{}{})
}

// checkPublic enforces §4.3's public-dependency rule: if c is a Public edge
// and some other Public edge already reached c.Name at a SemVer-incompatible
// (different major) version, that's an ambiguous public exposure — a
// consumer re-exporting types from c.Name could be handed either version
// depending on resolution order. Private edges to the same name never
// trigger this; only the public-reachability set is tracked.
func (s *Solver) checkPublic(c Candidate, id PackageID) error {
	if !c.Public {
		return nil
	}
	if prior, ok := s.publicReach[c.Name]; ok {
		if prior.Version.Major() != id.Version.Major() {
			return &ConflictError{
				Kind:    ConflictPublicDependency,
				Message: fmt.Sprintf("PublicDependency/PubliclyExports: %s is publicly reachable as both %s and %s", c.Name, prior, id),
				Set:     []PackageID{prior, id},
			}
		}
		return nil
	}
	s.publicReach[c.Name] = id
	return nil
}

func (s *Solver) satisfies(id PackageID, c Candidate) (bool, error) {
	con, err := semver.NewConstraint(c.Constraint)
	if err != nil {
		return false, errors.Wrapf(err, "parse constraint %q", c.Constraint)
	}
	return con.Matches(id.Version), nil
}

// conflictKey canonicalizes a (name, version) pair against the currently
// selected set so that retrying the exact same partial assignment later
// in the search is recognized as already-failed, per §4.3's conflict
// store. PackageIds composing the key are sorted for stability regardless
// of selection order.
func (s *Solver) conflictKey(name string, v semver.Version) string {
	ids := make([]PackageID, 0, len(s.selected)+1)
	for n, a := range s.selected {
		if n == name {
			continue
		}
		ids = append(ids, PackageID{Name: n, Version: a.id.Version})
	}
	ids = append(ids, PackageID{Name: name, Version: v})
	sort.Slice(ids, func(i, j int) bool { return Less(ids[i], ids[j]) })

	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(id.String())
		sb.WriteByte('\x00')
	}
	return sb.String()
}

// backtrack unwinds the most recent decisions, per the teacher's
// backtrack/unselectLast pair: each popped frame's failed assignment is
// recorded in the conflict store, its state rolled back, and the first
// frame with untried candidates is retried via selectFrom (which expands
// the replacement's own dependency edges onto the queue). Returns
// errExhausted when the whole stack unwinds without an alternative.
func (s *Solver) backtrack(queue []Candidate) ([]Candidate, error) {
	for len(s.stack) > 0 {
		top := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]

		name := top.cand.Name
		if a, ok := s.selected[name]; ok {
			v := a.id.Version
			delete(s.selected, name)
			delete(s.edges, name)
			delete(s.featReq, name)
			delete(s.acts, name)
			delete(s.targetActs, name)
			delete(s.weaks, name)
			for k, p := range s.links {
				if p.Name == name {
					delete(s.links, k)
				}
			}
			if p, ok := s.publicReach[name]; ok && p.Version.Compare(v) == 0 {
				delete(s.publicReach, name)
			}
			s.conflicts.Insert(s.conflictKey(name, v), struct{}{})
		}

		if len(top.remaining) == 0 {
			continue
		}
		return s.selectFrom(queue, top.cand, top.remaining)
	}
	return nil, errExhausted
}

// checkCycles rejects any dependency cycle reachable through normal or
// build edges (§4.3, §7). Dev edges are skipped during the walk: a cycle
// is legal exactly when at least one of its edges is a dev-dep, and
// removing the dev edges breaks every such cycle while leaving illegal
// ones intact. Transitive dev-deps never enter the graph, so only the
// root's own dev edges exist to skip.
func (s *Solver) checkCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(s.selected))
	var path []string

	var visit func(n string) error
	visit = func(n string) error {
		color[n] = gray
		path = append(path, n)
		for _, next := range s.edges[n] {
			if s.devEdge[n+"\x00"+next] {
				continue
			}
			if _, ok := s.selected[next]; !ok {
				continue
			}
			switch color[next] {
			case gray:
				return &ConflictError{
					Kind:    ConflictCycle,
					Message: fmt.Sprintf("cyclic dependency: %s -> %s", strings.Join(path, " -> "), next),
				}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[n] = black
		path = path[:len(path)-1]
		return nil
	}

	names := make([]string, 0, len(s.selected))
	for n := range s.selected {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyWeakRefs is the §4.4 weak-reference post-pass: an `x?/y` entry
// activates feature y on x only when x ended up in the graph through some
// other path. Running it once over the final activation set makes the
// outcome independent of the order deps were activated in; the activated
// features expand through x's own table, but deliberately cannot pull
// further optional deps into an already-finished graph.
func (s *Solver) applyWeakRefs() {
	enabled := make(map[string]bool, len(s.selected))
	for name := range s.selected {
		enabled[name] = true
	}

	names := make([]string, 0, len(s.weaks))
	for n := range s.weaks {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, owner := range names {
		for dep, feats := range feature.ApplyWeak(s.weaks[owner], enabled) {
			sel, ok := s.selected[dep]
			if !ok {
				continue
			}
			m, err := s.manifestFor(dep, sel.id.Version)
			if err != nil {
				continue
			}
			act, _, err := s.computeActivation(m, feats, true)
			if err != nil {
				continue
			}
			s.acts[dep] = feature.Union(s.acts[dep], act)
			s.targetActs[dep] = feature.Union(s.targetActs[dep], act)
		}
	}
}

func sortedFeatures(act feature.Activation) []string {
	if len(act.Features) == 0 {
		return nil
	}
	out := make([]string, 0, len(act.Features))
	for f := range act.Features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func filterByConstraint(vs []semver.Version, constraint string) []semver.Version {
	con, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil
	}
	out := make([]semver.Version, 0, len(vs))
	for _, v := range vs {
		if con.Matches(v) {
			out = append(out, v)
		}
	}
	return out
}
