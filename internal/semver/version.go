// Package semver adapts Masterminds/semver into the small vocabulary the
// resolver needs: an orderable Version, a Constraint that can test Matches,
// and a Revision for source-pinned (non-semver) versions such as git SHAs.
package semver

import (
	"fmt"

	mmsemver "github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

// Version is a concrete, orderable release version.
type Version struct {
	v *mmsemver.Version
}

// NewVersion parses a semver string such as "1.2.3" or "v1.2.3-rc.1".
func NewVersion(s string) (Version, error) {
	v, err := mmsemver.NewVersion(s)
	if err != nil {
		return Version{}, errors.Wrapf(err, "parse version %q", s)
	}
	return Version{v: v}, nil
}

func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

// Compare returns -1, 0, or 1 per the usual ordering contract.
func (v Version) Compare(o Version) int {
	return v.v.Compare(o.v)
}

// LessThan reports whether v sorts before o.
func (v Version) LessThan(o Version) bool {
	return v.Compare(o) < 0
}

// Major returns the version's major component, used to decide SemVer
// compatibility for checks like the resolver's public-dependency rule.
func (v Version) Major() int64 {
	if v.v == nil {
		return 0
	}
	return v.v.Major()
}

// Revision is a precise, non-semver pin such as a git commit SHA.
type Revision string

func (r Revision) String() string { return string(r) }

// Constraint is a requirement string ("^1.2", ">=1.0, <2.0", exact version)
// that a Version either Matches or doesn't.
type Constraint struct {
	c    mmsemver.Constraints
	expr string
}

// NewConstraint parses a requirement expression.
func NewConstraint(expr string) (Constraint, error) {
	if expr == "" || expr == "*" {
		return Constraint{expr: "*"}, nil
	}
	c, err := mmsemver.NewConstraint(expr)
	if err != nil {
		return Constraint{}, errors.Wrapf(err, "parse constraint %q", expr)
	}
	return Constraint{c: *c, expr: expr}, nil
}

func (c Constraint) String() string {
	if c.expr == "" {
		return "*"
	}
	return c.expr
}

// Matches reports whether v satisfies the constraint. An unset constraint
// (the zero value, or "*") matches anything.
func (c Constraint) Matches(v Version) bool {
	if c.expr == "*" || c.expr == "" {
		return true
	}
	return c.c.Check(v.v)
}

// Sort orders versions ascending, mutating the slice in place.
func Sort(vs []Version) {
	// Simple insertion sort: candidate lists here are small (a single
	// package's known releases), and this avoids pulling in sort.Interface
	// boilerplate for a handful of call sites.
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j].LessThan(vs[j-1]); j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
}

// DescendingCandidates returns vs sorted from newest to oldest, as the
// resolver's candidate ordering requires (§4.3: "candidates are considered
// in order of decreasing version").
func DescendingCandidates(vs []Version) []Version {
	out := make([]Version, len(vs))
	copy(out, vs)
	Sort(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// MustVersion panics on a malformed literal; useful only for fixtures and
// tests where the string is a compile-time constant.
func MustVersion(s string) Version {
	v, err := NewVersion(s)
	if err != nil {
		panic(fmt.Sprintf("semver: invalid literal %q: %v", s, err))
	}
	return v
}
