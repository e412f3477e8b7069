package source

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaybeResolvesOnce(t *testing.T) {
	calls := 0
	m := &Maybe{
		ID: ID{Kind: KindPath, CanonicalURL: "/some/dir"},
		Try: func(ctx context.Context) (Source, error) {
			calls++
			return NewPathSource("/some/dir"), nil
		},
	}

	first, err := m.Resolve(context.Background())
	require.NoError(t, err)
	second, err := m.Resolve(context.Background())
	require.NoError(t, err)
	assert.Same(t, first.(*PathSource), second.(*PathSource))
	assert.Equal(t, 1, calls)
}

func TestMaybeMemoizesFailure(t *testing.T) {
	calls := 0
	m := &Maybe{
		ID:  ID{Kind: KindGit, CanonicalURL: "https://git.example/x"},
		Try: func(ctx context.Context) (Source, error) { calls++; return nil, errors.New("unreachable") },
	}

	_, err1 := m.Resolve(context.Background())
	require.Error(t, err1)
	_, err2 := m.Resolve(context.Background())
	require.Error(t, err2)
	assert.Equal(t, 1, calls, "a failed probe is not retried within the invocation")
	assert.Contains(t, err1.Error(), "https://git.example/x")
}

func TestCoordinatorDedupsByCanonicalURL(t *testing.T) {
	c := NewCoordinator()
	try := func(ctx context.Context) (Source, error) { return NewPathSource("/d"), nil }

	a := c.Register(ID{Kind: KindPath, CanonicalURL: "/d"}, try)
	b := c.Register(ID{Kind: KindPath, CanonicalURL: "/d"}, try)
	other := c.Register(ID{Kind: KindPath, CanonicalURL: "/e"}, try)

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
}
