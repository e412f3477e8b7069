// Package lockmgr implements the advisory filesystem locking taxonomy of
// §4.8: DownloadExclusive, Shared, and MutateExclusive locks over the
// package cache and target directory, acquired in a fixed order (package
// cache before target cache) so two processes racing for both never
// deadlock.
package lockmgr

import (
	"github.com/pkg/errors"
	flock "github.com/theckman/go-flock"
)

// Kind names one of the three lock modes §4.8 distinguishes.
type Kind int

const (
	// Shared permits any number of concurrent holders; used while reading
	// an already-populated cache entry.
	Shared Kind = iota
	// DownloadExclusive excludes other writers to the same cache slot
	// while a fetch is in flight, but still allows readers of other slots.
	DownloadExclusive
	// MutateExclusive excludes everyone: used for operations that rewrite
	// cache-wide metadata (index cache compaction, lockfile rewrite).
	MutateExclusive
)

// Lock wraps a single flock.Flock with the mode it was acquired under.
// Release calls Unlock whatever the Kind — go-flock itself doesn't
// distinguish at unlock time — but keeping Kind around lets callers
// assert they're releasing what they think they are.
type Lock struct {
	Kind Kind
	path string
	fl   *flock.Flock
}

// Acquire blocks until path can be locked under kind. Shared locks use
// go-flock's RLock; both exclusive kinds use Lock, since the filesystem
// doesn't itself know about DownloadExclusive vs. MutateExclusive — that
// distinction is about which cache region the path names, enforced by the
// Manager's acquisition order, not by the OS lock primitive.
func Acquire(path string, kind Kind) (*Lock, error) {
	fl := flock.NewFlock(path)
	var err error
	switch kind {
	case Shared:
		err = fl.RLock()
	default:
		err = fl.Lock()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "acquire %v lock on %s", kind, path)
	}
	return &Lock{Kind: kind, path: path, fl: fl}, nil
}

// TryAcquire is the non-blocking counterpart, reporting ok=false rather
// than waiting when the lock is currently held elsewhere.
func TryAcquire(path string, kind Kind) (l *Lock, ok bool, err error) {
	fl := flock.NewFlock(path)
	switch kind {
	case Shared:
		ok, err = fl.TryRLock()
	default:
		ok, err = fl.TryLock()
	}
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lock{Kind: kind, path: path, fl: fl}, true, nil
}

func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// AcquireNotify behaves like Acquire but invokes notify once when the
// lock is not immediately available, so callers can surface a "Blocking"
// status before settling in to wait on another process (§5).
func AcquireNotify(path string, kind Kind, notify func()) (*Lock, error) {
	l, ok, err := TryAcquire(path, kind)
	if err != nil {
		return nil, err
	}
	if ok {
		return l, nil
	}
	if notify != nil {
		notify()
	}
	return Acquire(path, kind)
}

// Manager coordinates the package-cache-before-target-cache acquisition
// order §4.8 mandates: any code path needing both locks must go through
// AcquireBoth rather than locking them independently, so no two callers
// can ever observe the opposite order and deadlock.
type Manager struct {
	PackageCachePath string
	TargetCachePath  string

	// Blocking, when set, is invoked once per lock that another process
	// currently holds, before this one blocks waiting for it.
	Blocking func(path string)
}

// AcquireBoth locks the package cache, then the target cache, both under
// kind, releasing the first if the second fails.
func (m *Manager) AcquireBoth(kind Kind) (pkgLock, targetLock *Lock, err error) {
	notify := func(path string) func() {
		if m.Blocking == nil {
			return nil
		}
		return func() { m.Blocking(path) }
	}

	pkgLock, err = AcquireNotify(m.PackageCachePath, kind, notify(m.PackageCachePath))
	if err != nil {
		return nil, nil, err
	}
	targetLock, err = AcquireNotify(m.TargetCachePath, kind, notify(m.TargetCachePath))
	if err != nil {
		pkgLock.Release()
		return nil, nil, err
	}
	return pkgLock, targetLock, nil
}
