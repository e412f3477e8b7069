package source

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Maybe is the lazy-source pattern from §9: a Source is expensive to set up
// (a network probe, a git ls-remote), so construction is deferred behind a
// Maybe that is only realized — and only once — when first needed. Adapted
// from the teacher's maybeSource/MaybeSource split in maybe_source.go.
type Maybe struct {
	ID  ID
	Try func(ctx context.Context) (Source, error)

	once sync.Once
	src  Source
	err  error
}

// Resolve realizes the underlying Source, memoizing the result (and any
// error) across repeated calls.
func (m *Maybe) Resolve(ctx context.Context) (Source, error) {
	m.once.Do(func() {
		m.src, m.err = m.Try(ctx)
		if m.err != nil {
			m.err = errors.Wrapf(m.err, "resolve source %s", m.ID)
		}
	})
	return m.src, m.err
}

// Coordinator holds one Maybe per distinct SourceID for the duration of a
// resolve/build invocation, so that two dependencies pointing at the same
// canonical source URL share a single underlying connection/clone.
type Coordinator struct {
	mu      sync.Mutex
	sources map[string]*Maybe
}

func NewCoordinator() *Coordinator {
	return &Coordinator{sources: make(map[string]*Maybe)}
}

// Register installs (or returns the existing) Maybe for id.
func (c *Coordinator) Register(id ID, try func(ctx context.Context) (Source, error)) *Maybe {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.sources[id.CanonicalURL]; ok {
		return m
	}
	m := &Maybe{ID: id, Try: try}
	c.sources[id.CanonicalURL] = m
	return m
}
