package buildstore

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.etcd.io/bbolt"

	"github.com/hourai/tapioca/hashutil"
	"github.com/hourai/tapioca/internal/logging"
	"github.com/hourai/tapioca/manifest"
)

var log = logging.GetLogger("tapioca/buildstore")

var (
	bucketConfigs     = []byte("configs")
	bucketBuilds      = []byte("builds")
	bucketBuildBlocks = []byte("build_blocks")
	bucketBlocks      = []byte("blocks")
)

// Config carries Open's tunables. A plain struct passed by the caller —
// no global state, no file-parsed configuration.
type Config struct {
	// LockTimeout bounds how long a single bbolt.Open attempt waits for the
	// file lock before failing (and being retried by the backoff loop
	// below). Zero means 1 second.
	LockTimeout time.Duration
	// OpenMaxElapsed bounds the total time Open spends retrying lock
	// contention before giving up. Zero means 5 seconds.
	OpenMaxElapsed time.Duration
	// CacheSize bounds the GetBuild LRU's entry count. Zero means 128.
	CacheSize int
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = time.Second
	}
	if c.OpenMaxElapsed <= 0 {
		c.OpenMaxElapsed = 5 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 128
	}
	return c
}

// Store is the persistent build-reference database: one bbolt file holding
// project configs, build manifests, a global block-info table, and the
// build→block reference index. All DB operations run directly on the
// calling goroutine; bbolt internally serializes concurrent writers via
// its single-writer transaction model, so this package doesn't need its
// own separate goroutine pool or lock.
type Store struct {
	db *bbolt.DB

	mu    sync.Mutex
	cache *lru.Cache[BuildKey, *manifest.Manifest]
}

// Open opens (creating if necessary) the bbolt file at path, retrying lock
// contention with exponential backoff — another process holding the file
// lock is transient, unlike this package's other failure modes, so this is
// the one place in the core that retries internally.
func Open(path string, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = cfg.OpenMaxElapsed

	var db *bbolt.DB
	operation := func() error {
		opened, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: cfg.LockTimeout})
		if err != nil {
			log.Warn("buildstore open failed, retrying", "path", path, "err", err)
			return err
		}
		db = opened
		return nil
	}
	if err := backoff.Retry(operation, eb); err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDb, path, err)
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConfigs, bucketBuilds, bucketBuildBlocks, bucketBlocks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", ErrDb, err)
	}

	cache, err := lru.New[BuildKey, *manifest.Manifest](cfg.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrDb, err)
	}

	return &Store{db: db, cache: cache}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

func compressManifest(m *manifest.Manifest) ([]byte, error) {
	blob, err := manifest.Marshal(m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(blob); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressManifest(compressed []byte) (*manifest.Manifest, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return manifest.Unmarshal(blob)
}

// GetBuild reads the manifest for req, memoized in a bounded LRU that is
// invalidated on any write to builds (SaveBuild/PurgeBuild).
func (s *Store) GetBuild(req Request) (*manifest.Manifest, error) {
	key := req.Key()

	s.mu.Lock()
	if m, ok := s.cache.Get(key); ok {
		s.mu.Unlock()
		cacheHits.Inc()
		return m, nil
	}
	s.mu.Unlock()
	cacheMisses.Inc()

	var blob []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBuilds).Get(key[:])
		if b == nil {
			return ErrBuildNotFound
		}
		blob = append([]byte(nil), b...)
		return nil
	})
	if err == ErrBuildNotFound {
		return nil, ErrBuildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get build %s: %v", ErrDb, req, err)
	}

	m, err := decompressManifest(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: decode build %s: %v", ErrDb, req, err)
	}

	s.mu.Lock()
	s.cache.Add(key, m)
	s.mu.Unlock()
	return m, nil
}

func blockInfoValue(size int) []byte {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(size))
	return v
}

// buildBlockKey is block_hash || build_key: the lexicographic ordering
// places all keys for a given block_hash adjacent, which is what makes
// IsBlockDead's cursor-seek-to-prefix safe.
func buildBlockKey(h hashutil.Hash, key BuildKey) []byte {
	out := make([]byte, hashutil.Size+KeySize)
	copy(out, h.Bytes())
	copy(out[hashutil.Size:], key[:])
	return out
}

// SaveBuild persists m under req's build key in one write transaction: the
// compressed manifest blob, a global block-info entry per distinct block,
// and a build_blocks reference entry per distinct block.
func (s *Store) SaveBuild(req Request, m *manifest.Manifest) error {
	key := req.Key()
	blob, err := compressManifest(m)
	if err != nil {
		return fmt.Errorf("%w: encode build %s: %v", ErrDb, req, err)
	}
	blockSet := m.BlockSet()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketBuilds).Put(key[:], blob); err != nil {
			return err
		}
		blocksBucket := tx.Bucket(bucketBlocks)
		refsBucket := tx.Bucket(bucketBuildBlocks)
		for h, size := range blockSet {
			if err := blocksBucket.Put(h.Bytes(), blockInfoValue(size)); err != nil {
				return err
			}
			if err := refsBucket.Put(buildBlockKey(h, key), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save build %s: %v", ErrDb, req, err)
	}

	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	log.Info("saved build", "request", req.String(), "blocks", len(blockSet))
	return nil
}

// PurgeBuild deletes builds[key] and every build_blocks reference for the
// build's manifest, in one write transaction. Global block-info entries in
// blocks are left untouched — they describe the block regardless of which
// builds reference it.
func (s *Store) PurgeBuild(req Request) error {
	key := req.Key()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		buildsBucket := tx.Bucket(bucketBuilds)
		blob := buildsBucket.Get(key[:])
		if blob == nil {
			return ErrBuildNotFound
		}
		m, err := decompressManifest(append([]byte(nil), blob...))
		if err != nil {
			return fmt.Errorf("%w: decode build %s: %v", ErrInvariant, req, err)
		}

		refsBucket := tx.Bucket(bucketBuildBlocks)
		for h := range m.BlockSet() {
			if err := refsBucket.Delete(buildBlockKey(h, key)); err != nil {
				return err
			}
		}
		return buildsBucket.Delete(key[:])
	})
	if err == ErrBuildNotFound {
		return ErrBuildNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: purge build %s: %v", ErrDb, req, err)
	}

	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	log.Info("purged build", "request", req.String())
	return nil
}

// IsBlockDead reports whether h is no longer referenced by any stored build
// (true means no build references it). It seeks
// a cursor to h's prefix in build_blocks; since the composite key groups
// every reference to a given hash contiguously, the block is dead iff the
// first key at or after the prefix doesn't start with it.
func (s *Store) IsBlockDead(h hashutil.Hash) (bool, error) {
	dead := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBuildBlocks).Cursor()
		k, _ := c.Seek(h.Bytes())
		dead = k == nil || !bytes.HasPrefix(k, h.Bytes())
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: is_block_dead: %v", ErrDb, err)
	}
	return dead, nil
}

// SaveConfig stores an opaque project configuration record.
func (s *Store) SaveConfig(projectID string, data []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConfigs).Put([]byte(projectID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: save config %s: %v", ErrDb, projectID, err)
	}
	return nil
}

// GetConfig reads a project's configuration record, or (nil, false) if
// none is stored.
func (s *Store) GetConfig(projectID string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketConfigs).Get([]byte(projectID))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: get config %s: %v", ErrDb, projectID, err)
	}
	return data, data != nil, nil
}
