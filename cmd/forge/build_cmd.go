package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/forgepm/forge/internal/diagnostic"
	"github.com/forgepm/forge/internal/feature"
	"github.com/forgepm/forge/internal/fingerprint"
	"github.com/forgepm/forge/internal/lockfile"
	"github.com/forgepm/forge/internal/manifest"
	"github.com/forgepm/forge/internal/process"
	"github.com/forgepm/forge/internal/resolve"
	"github.com/forgepm/forge/internal/schedule"
	"github.com/forgepm/forge/internal/semver"
	"github.com/forgepm/forge/internal/unitgraph"
)

// buildCommand drives §4.5-§4.8: it lowers the lockfile into a unit graph,
// checks each unit's fingerprint, and schedules the stale ones through the
// process coordinator. The actual compiler is an opaque child process per
// spec.md §1 ("the compiler driver invocation surface... an opaque child
// process invoked with a defined argument shape"); FORGE_COMPILER names
// the program to invoke, defaulting to a harmless stand-in so `forge
// build` is runnable without a real toolchain installed.
type buildCommand struct {
	jobs     int
	profile  string
	features string
}

func (c *buildCommand) Name() string      { return "build" }
func (c *buildCommand) Args() string      { return "[-j N] [-profile name] [-features a,b]" }
func (c *buildCommand) ShortHelp() string { return "build every unit in the locked dependency graph" }
func (c *buildCommand) LongHelp() string {
	return "build reads forge.lock, constructs the compilation-unit graph for the\n" +
		"workspace root, and runs each unit whose fingerprint is stale through a\n" +
		"bounded worker pool gated by a jobserver token budget."
}

func (c *buildCommand) Register(fs *flag.FlagSet) {
	fs.IntVar(&c.jobs, "j", 0, "parallelism (default: number of CPUs)")
	fs.StringVar(&c.profile, "profile", "dev", "build profile")
	fs.StringVar(&c.features, "features", "", "comma-separated features to activate on the root package")
}

func (c *buildCommand) Run(ctx context.Context, ch *diagnostic.Channel, workDir string, args []string) error {
	raw, err := os.ReadFile(filepath.Join(workDir, "forge.toml"))
	if err != nil {
		return err
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return err
	}

	lockRaw, err := os.ReadFile(filepath.Join(workDir, "forge.lock"))
	if err != nil {
		return errors.Wrap(err, "read forge.lock (run `forge resolve` first)")
	}
	lf, err := lockfile.Decode(lockRaw)
	if err != nil {
		return err
	}

	byName := map[string]resolve.PackageID{}
	for _, e := range lf.Entries {
		v, _ := semver.NewVersion(e.Version)
		byName[e.Name] = resolve.PackageID{Name: e.Name, Version: v, SourceURL: e.SourceURL}
	}
	depNames := map[string][]string{}
	for _, e := range lf.Entries {
		depNames[e.Name] = e.Dependencies
	}

	root := resolve.PackageID{Name: m.Name}
	var rootDeps []string
	for _, d := range m.Deps {
		if d.Kind == manifest.KindDev {
			continue
		}
		rootDeps = append(rootDeps, d.EffectivePackageName())
	}
	depNames[root.Name] = rootDeps
	byName[root.Name] = root

	dependsOn := func(id resolve.PackageID) []resolve.PackageID {
		var out []resolve.PackageID
		for _, n := range depNames[id.Name] {
			if dep, ok := byName[n]; ok {
				out = append(out, dep)
			}
		}
		return out
	}

	rootFeats, err := rootFeatureSet(&m, splitFeatures(c.features))
	if err != nil {
		return err
	}

	builder := &unitgraph.Builder{
		Profile:   c.profile,
		DependsOn: dependsOn,
		Solution: resolve.Solution{
			Features:     map[string][]string{root.Name: rootFeats},
			HostFeatures: map[string][]string{root.Name: rootFeats},
		},
	}
	graph, err := builder.Build(root, unitgraph.ModeBuild, true)
	if err != nil {
		return errors.Wrap(err, "build unit graph")
	}

	fpDir := filepath.Join(workDir, "target", "fingerprints")
	if err := os.MkdirAll(fpDir, 0o755); err != nil {
		return err
	}

	compiler := os.Getenv("FORGE_COMPILER")
	if compiler == "" {
		compiler = "true"
	}

	capacity := c.jobs
	if capacity <= 0 {
		capacity = runtime.NumCPU()
	}

	sched := schedule.FromGraph(graph, schedule.NewJobserver(capacity), func(u unitgraph.Unit) func(context.Context) error {
		deps := graph.Edges[u.Key()]
		return func(ctx context.Context) error {
			return runUnit(ctx, ch, workDir, fpDir, compiler, u, deps)
		}
	})

	if err := sched.Run(ctx); err != nil {
		return errors.Wrap(err, "build")
	}
	ch.Infof("finished %s [%s]", c.profile, root.Name)
	return nil
}

// rootFeatureSet re-runs the §4.4 activation for the root package (the
// only manifest available offline), so its units carry the same feature
// names the resolver would have computed.
func rootFeatureSet(m *manifest.Manifest, requested []string) ([]string, error) {
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
	act, _, err := r.Resolve(requested, false)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve features for %s", m.Name)
	}
	out := make([]string, 0, len(act.Features))
	for f := range act.Features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// runUnit checks a unit's freshness and, when stale, runs the compiler
// child. The fingerprint's extra channel carries the §4.6 inputs beyond
// the source tree: profile, mode, the activated feature names, and the
// digest of every dependency unit's stored fingerprint — so a rebuilt
// dependency dirties its dependents even when their own sources are
// untouched (§8 invariant 5). Dependency jobs complete before this one
// is dispatched, so their fingerprint files are already current.
func runUnit(ctx context.Context, ch *diagnostic.Channel, workDir, fpDir, compiler string, u unitgraph.Unit, deps []string) error {
	upstream := make(map[string]fingerprint.Fingerprint, len(deps))
	for _, depKey := range deps {
		upstream[depKey] = loadFingerprint(filepath.Join(fpDir, fingerprintFileName(depKey)))
	}

	extra := fmt.Sprintf("%s|%s|%s|features=%s|deps=%s",
		u.Package, u.Profile, u.Mode,
		strings.Join(u.Features, ","),
		fingerprint.UpstreamDigest(upstream))
	cur, err := fingerprint.Compute(workDir, extra)
	if err != nil {
		return errors.Wrapf(err, "fingerprint %s", u.Package)
	}

	fpPath := filepath.Join(fpDir, fingerprintFileName(u.Key()))
	prev := loadFingerprint(fpPath)
	if fingerprint.Compare(prev, cur) == fingerprint.Fresh {
		ch.Debugf("fresh %s", u.Package)
		return nil
	}

	verb := "Compiling"
	if u.Mode == unitgraph.ModeCheck {
		verb = "Checking"
	}
	ch.Infof("%s %s", verb, u.Package)

	cmdArgs := []string{
		"--crate-name", u.Package.Name,
		"--edition", "stable",
		"--out-dir", filepath.Join(workDir, "target", u.Profile),
	}
	for _, f := range u.Features {
		cmdArgs = append(cmdArgs, "--cfg", fmt.Sprintf("feature=%q", f))
	}

	pb := process.NewProcessBuilder(compiler, cmdArgs...)
	if _, err := pb.Exec(ctx); err != nil {
		return errors.Wrapf(err, "compile %s", u.Package)
	}

	return saveFingerprint(fpPath, cur)
}

func fingerprintFileName(unitKey string) string {
	sum := sha256.Sum256([]byte(unitKey))
	return hex.EncodeToString(sum[:]) + ".json"
}

func loadFingerprint(path string) fingerprint.Fingerprint {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fingerprint.Fingerprint{}
	}
	var fp fingerprint.Fingerprint
	if json.Unmarshal(raw, &fp) != nil {
		return fingerprint.Fingerprint{}
	}
	return fp
}

func saveFingerprint(path string, fp fingerprint.Fingerprint) error {
	buf, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}
