// Package cache implements the on-disk, lock-coordinated package cache and
// index cache of §4.2: downloaded archives, unpacked source trees, and a
// binary side-cache indexing each registry's JSON-per-line summaries by
// semver for fast lookup.
package cache

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

// IndexCacheFormatVersion and IndexSchemaVersion are the two hard-coded
// version markers §4.2 requires at the front of every per-package record;
// a mismatch on either invalidates that package's cached entry.
const (
	IndexCacheFormatVersion byte   = 1
	IndexSchemaVersion      uint32 = 1
)

var bucketIndex = []byte("index")

// IndexCache is a BoltDB-backed store of per-registry-package binary
// records, adapted from the teacher's boltCache/singleSourceCacheBolt
// (internal/gps/source_cache_bolt.go). Rather than modeling gps's
// revision/manifest/package-tree buckets, a single bucket holds one value
// per registry package name, encoded per §4.2's wire format: format
// version byte, schema version (u32 LE), NUL-terminated registry revision
// string, then a sequence of (semver string, NUL, JSON blob, NUL) records.
type IndexCache struct {
	db *bolt.DB
}

// OpenIndexCache opens (creating if absent) the BoltDB file under dir.
func OpenIndexCache(dir string) (*IndexCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create index cache dir")
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open index cache bolt db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &IndexCache{db: db}, nil
}

func (c *IndexCache) Close() error { return c.db.Close() }

// Record is one (version, summary JSON) pair for a package.
type Record struct {
	Version string
	JSON    []byte
}

// Put writes the encoded records for name, tagged with the registry's
// current revision string. Any existing entry is replaced wholesale: the
// cache is always regenerable from the source, so partial updates aren't
// worth the complexity (§4.2 invariant).
func (c *IndexCache) Put(name, registryRevision string, records []Record) error {
	buf := encode(registryRevision, records)
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		return b.Put([]byte(name), buf)
	})
}

// Get returns the cached records for name, or ok=false if absent, corrupt,
// or stale relative to currentRevision — any of which the caller should
// treat as "regenerate from source" rather than an error (§4.2, §7).
func (c *IndexCache) Get(name, currentRevision string) (records []Record, ok bool) {
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndex)
		v := b.Get([]byte(name))
		if v == nil {
			return nil
		}
		rev, recs, err := decode(v)
		if err != nil || rev != currentRevision {
			return nil
		}
		records, ok = recs, true
		return nil
	})
	return records, ok
}

func encode(revision string, records []Record) []byte {
	var buf bytes.Buffer
	buf.WriteByte(IndexCacheFormatVersion)

	var schema [4]byte
	binary.LittleEndian.PutUint32(schema[:], IndexSchemaVersion)
	buf.Write(schema[:])

	buf.WriteString(revision)
	buf.WriteByte(0)

	for _, r := range records {
		buf.WriteString(r.Version)
		buf.WriteByte(0)
		buf.Write(r.JSON)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func decode(raw []byte) (revision string, records []Record, err error) {
	if len(raw) < 1+4+1 {
		return "", nil, errors.New("index cache: truncated record")
	}
	if raw[0] != IndexCacheFormatVersion {
		return "", nil, errors.Errorf("index cache: format version mismatch: got %d want %d", raw[0], IndexCacheFormatVersion)
	}
	schema := binary.LittleEndian.Uint32(raw[1:5])
	if schema != IndexSchemaVersion {
		return "", nil, errors.Errorf("index cache: schema version mismatch: got %d want %d", schema, IndexSchemaVersion)
	}

	rest := raw[5:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", nil, errors.New("index cache: missing revision terminator")
	}
	revision = string(rest[:i])
	rest = rest[i+1:]

	for len(rest) > 0 {
		vi := bytes.IndexByte(rest, 0)
		if vi < 0 {
			return "", nil, errors.New("index cache: truncated version field")
		}
		version := string(rest[:vi])
		rest = rest[vi+1:]

		ji := bytes.IndexByte(rest, 0)
		if ji < 0 {
			return "", nil, errors.New("index cache: truncated json field")
		}
		blob := append([]byte(nil), rest[:ji]...)
		rest = rest[ji+1:]

		records = append(records, Record{Version: version, JSON: blob})
	}
	return revision, records, nil
}
