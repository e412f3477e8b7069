// Package diagnostic is the structured status/feedback channel of §4.9:
// a verbosity-leveled log of what the resolver and build engine are
// doing, plus a future-incompatibility aggregator that persists findings
// keyed by a session id so they can be surfaced again on a later run.
// Logging is grounded on the rest of the retrieved dependency-manager
// corpus's own choice of github.com/sirupsen/logrus (the teacher itself
// only used fmt.Fprintf-to-stderr, in internal/util/log.go); the
// verbosity/feedback vocabulary (Using/Locking-style messages keyed by
// constraint-vs-hint and direct-vs-transitive dependency type) is
// adapted from internal/feedback/feedback.go.
package diagnostic

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// DependencyKind mirrors the direct/transitive/imported distinction
// feedback.go uses to phrase its messages.
type DependencyKind string

const (
	Direct     DependencyKind = "direct dep"
	Transitive DependencyKind = "transitive dep"
	Imported   DependencyKind = "imported dep"
)

// ConstraintKind distinguishes a real version constraint from a
// best-effort revision hint, as feedback.go's ConsTypeConstraint/Hint did.
type ConstraintKind string

const (
	ConstraintReal ConstraintKind = "constraint"
	ConstraintHint ConstraintKind = "hint"
)

// Channel wraps a logrus.Logger with the resolver/build-engine's specific
// message vocabulary, so call sites read as domain events ("using X as
// constraint for Y") rather than raw log calls.
type Channel struct {
	log *logrus.Logger
}

// New builds a Channel writing to w at the given level (logrus.InfoLevel
// for normal runs, logrus.DebugLevel under --verbose).
func New(w io.Writer, level logrus.Level) *Channel {
	l := logrus.New()
	l.Out = w
	l.Level = level
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	return &Channel{log: l}
}

// UsingConstraint reports that a constraint or hint is being applied for
// a dependency, mirroring feedback.GetUsingFeedback's phrasing.
func (c *Channel) UsingConstraint(constraint string, kind ConstraintKind, depKind DependencyKind, pkg string) {
	c.log.WithFields(logrus.Fields{
		"constraint": constraint,
		"kind":       kind,
		"dependency": depKind,
		"package":    pkg,
	}).Infof("using %s as %s for %s %s", constraint, kind, depKind, pkg)
}

// Locking reports that a specific version/revision has been selected for
// a dependency, mirroring feedback.GetLockingFeedback.
func (c *Channel) Locking(version, revision string, depKind DependencyKind, pkg string) {
	c.log.WithFields(logrus.Fields{
		"version":    version,
		"revision":   revision,
		"dependency": depKind,
		"package":    pkg,
	}).Infof("locking in %s (%s) for %s %s", version, revision, depKind, pkg)
}

func (c *Channel) Debugf(format string, args ...interface{}) { c.log.Debugf(format, args...) }
func (c *Channel) Infof(format string, args ...interface{})  { c.log.Infof(format, args...) }
func (c *Channel) Warnf(format string, args ...interface{})  { c.log.Warnf(format, args...) }
func (c *Channel) Errorf(format string, args ...interface{}) { c.log.Errorf(format, args...) }

// FutureIncompatibility is one recorded forward-compatibility warning:
// something that works today but is scheduled to become an error in a
// later edition/toolchain release.
type FutureIncompatibility struct {
	Package string `json:"package"`
	Lint    string `json:"lint"`
	Message string `json:"message"`
}

// Report is the persisted set of future-incompatibility findings for one
// resolve/build session, keyed by SessionID so a later `status`
// invocation can retrieve exactly the warnings a given run produced.
type Report struct {
	SessionID string                  `json:"session_id"`
	Findings  []FutureIncompatibility `json:"findings"`
}

// Aggregator collects FutureIncompatibility findings across a single
// invocation and persists them to disk under dir/<session-id>.json, one
// file per session so concurrent invocations never clobber each other's
// report.
type Aggregator struct {
	mu        sync.Mutex
	sessionID string
	dir       string
	findings  []FutureIncompatibility
}

func NewAggregator(dir, sessionID string) *Aggregator {
	return &Aggregator{dir: dir, sessionID: sessionID}
}

func (a *Aggregator) Add(f FutureIncompatibility) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.findings = append(a.findings, f)
}

// Persist writes the accumulated findings to disk, doing nothing (and
// returning nil) if none were recorded — an empty report file would only
// exist to be noise on a later `status` read.
func (a *Aggregator) Persist() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.findings) == 0 {
		return nil
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return err
	}
	rep := Report{SessionID: a.sessionID, Findings: a.findings}
	buf, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(a.dir, a.sessionID+".json"), buf, 0o644)
}

// LoadReport reads back a previously persisted report for sessionID, if
// any; ok is false if no report file exists for that session.
func LoadReport(dir, sessionID string) (rep Report, ok bool) {
	buf, err := os.ReadFile(filepath.Join(dir, sessionID+".json"))
	if err != nil {
		return Report{}, false
	}
	if json.Unmarshal(buf, &rep) != nil {
		return Report{}, false
	}
	return rep, true
}
