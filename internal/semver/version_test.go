package semver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionOrdering(t *testing.T) {
	v1 := MustVersion("1.2.3")
	v2 := MustVersion("1.10.0")
	assert.True(t, v1.LessThan(v2))
	assert.False(t, v2.LessThan(v1))
	assert.Equal(t, -1, v1.Compare(v2))
}

func TestVersionMajor(t *testing.T) {
	assert.EqualValues(t, 2, MustVersion("2.4.1").Major())
	assert.EqualValues(t, 0, Version{}.Major())
}

func TestConstraintMatches(t *testing.T) {
	c, err := NewConstraint("^1.2.0")
	require.NoError(t, err)
	assert.True(t, c.Matches(MustVersion("1.9.0")))
	assert.False(t, c.Matches(MustVersion("2.0.0")))
}

func TestConstraintWildcard(t *testing.T) {
	c, err := NewConstraint("")
	require.NoError(t, err)
	assert.True(t, c.Matches(MustVersion("0.0.1")))
	assert.Equal(t, "*", c.String())
}

func TestDescendingCandidates(t *testing.T) {
	vs := []Version{MustVersion("1.0.0"), MustVersion("2.0.0"), MustVersion("1.5.0")}
	desc := DescendingCandidates(vs)
	require.Len(t, desc, 3)
	assert.Equal(t, "2.0.0", desc[0].String())
	assert.Equal(t, "1.5.0", desc[1].String())
	assert.Equal(t, "1.0.0", desc[2].String())
	// Sort is independent of the input slice, which must be left untouched.
	assert.Equal(t, "1.0.0", vs[0].String())
}
