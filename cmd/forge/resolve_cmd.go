package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/forgepm/forge/internal/diagnostic"
	"github.com/forgepm/forge/internal/feature"
	"github.com/forgepm/forge/internal/lockfile"
	"github.com/forgepm/forge/internal/lockmgr"
	"github.com/forgepm/forge/internal/manifest"
	"github.com/forgepm/forge/internal/resolve"
)

type resolveCommand struct {
	locked    bool
	features  string
	decoupled bool
}

func (c *resolveCommand) Name() string      { return "resolve" }
func (c *resolveCommand) Args() string      { return "[-locked] [-features a,b] [-decoupled]" }
func (c *resolveCommand) ShortHelp() string { return "compute and write the dependency lockfile" }
func (c *resolveCommand) LongHelp() string {
	return "resolve reads the project manifest, runs the dependency solver with the\n" +
		"requested feature set, and writes (or verifies, with -locked) the\n" +
		"resulting lockfile."
}

func (c *resolveCommand) Register(fs *flag.FlagSet) {
	fs.BoolVar(&c.locked, "locked", false, "fail instead of writing a lockfile that would change")
	fs.StringVar(&c.features, "features", "", "comma-separated features to activate on the root package")
	fs.BoolVar(&c.decoupled, "decoupled", false, "confine dev/build-edge features to the host context")
}

func splitFeatures(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (c *resolveCommand) Run(ctx context.Context, ch *diagnostic.Channel, workDir string, args []string) error {
	raw, err := os.ReadFile(filepath.Join(workDir, "forge.toml"))
	if err != nil {
		return err
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return err
	}

	lockPath := filepath.Join(workDir, "forge.lock")

	// §4.8: the lockfile is cache-wide metadata, so writing it takes the
	// same MutateExclusive lock a target-directory mutation would, acquired
	// before the (possibly slow) solve so a concurrent `forge resolve`
	// blocks rather than racing to write forge.lock.
	cacheLock := defaultCacheRoot() + ".lock"
	if err := os.MkdirAll(filepath.Dir(cacheLock), 0o755); err != nil {
		return errors.Wrap(err, "create cache root")
	}
	mgr := &lockmgr.Manager{
		PackageCachePath: cacheLock,
		TargetCachePath:  lockPath + ".lock",
		Blocking:         func(path string) { ch.Infof("Blocking waiting for file lock on %s", path) },
	}
	pkgLock, targetLock, err := mgr.AcquireBoth(lockmgr.MutateExclusive)
	if err != nil {
		return err
	}
	defer pkgLock.Release()
	defer targetLock.Release()

	reg := newLiveRegistry(ch)
	solver := resolve.NewSolver(reg, &m, splitFeatures(c.features)...)
	if c.decoupled {
		solver.SetFeatureMode(feature.Decoupled)
	}
	sol, err := solver.Solve()
	if err != nil {
		return err
	}

	reportFeatures(ch, &m, sol)

	var lf lockfile.Lockfile
	lf.FormatVersion = lockfile.CurrentFormatVersion
	for name, id := range sol.Activated {
		lf.Entries = append(lf.Entries, lockfile.Entry{
			Name:         name,
			Version:      id.Version.String(),
			SourceURL:    id.SourceURL,
			Dependencies: sol.Edges[name],
		})
		ch.Locking(id.Version.String(), "", diagnostic.Direct, name)
	}

	encoded, err := lockfile.Encode(lf)
	if err != nil {
		return err
	}

	if c.locked {
		existing, err := os.ReadFile(lockPath)
		if err != nil {
			return err
		}
		prev, err := lockfile.Decode(existing)
		if err != nil {
			return err
		}
		if !lf.Matches(prev) {
			return errLockedMismatch
		}
		return nil
	}

	return os.WriteFile(lockPath, encoded, 0o644)
}

// reportFeatures surfaces the §4.4 second pass's outcome: each activated
// package's feature set as the solver unified it, the root's included.
func reportFeatures(ch *diagnostic.Channel, m *manifest.Manifest, sol resolve.Solution) {
	names := make([]string, 0, len(sol.Features))
	for name := range sol.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		feats := sol.Features[name]
		if len(feats) == 0 {
			continue
		}
		ch.Infof("%s: activated features %v", name, feats)
	}
	if len(sol.Features[m.Name]) == 0 {
		ch.Debugf("%s: no features activated", m.Name)
	}
}

type lockedMismatchError struct{}

func (lockedMismatchError) Error() string {
	return "resolve: -locked requires forge.lock but the computed solution differs"
}

var errLockedMismatch = lockedMismatchError{}
