// Package cache implements simpicd's two-tier on-disk fingerprint cache:
// a SHA-256-by-path index that lets an unchanged file skip
// rehashing entirely, and a content-by-SHA-256 index of everything already
// known about a given image (dimensions, type, perceptual hash). Both use a
// simple append-mostly binary format compatible with the original server's
// cache files, not a general-purpose embedded database, because the whole
// cache is small enough to live in memory and the only operation that
// matters is "append what's new, reload everything at startup."
package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/emilarner/simpicd/internal/types"
)

// lockSocketPath is a var, not a const, so tests can point it at a
// t.TempDir()-scoped path instead of colliding on the well-known one.
var lockSocketPath = "/tmp/simpic_server.locksock"

// SetLockSocketPathForTest redirects the single-instance guard socket to
// path and returns a func that restores the previous path. Tests in other
// packages that open a Cache should call this to avoid binding the
// well-known production path and racing other test binaries.
func SetLockSocketPathForTest(path string) (restore func()) {
	old := lockSocketPath
	lockSocketPath = path
	return func() { lockSocketPath = old }
}

// Cache is the process-wide fingerprint store. All methods are safe for
// concurrent use; the same lock that guards the in-memory indexes also
// guards the delta lists flushed by Save, matching the original's single
// saving_mutex (a second, finer-grained lock would only buy concurrency the
// cache never needs: inserts are cheap and saves are infrequent).
type Cache struct {
	mu sync.Mutex

	imagePath  string
	sha256Path string

	images      map[types.SHA256]*types.ImageRecord
	imageDeltas []*types.ImageRecord

	paths      map[string]*types.PathRecord
	pathDeltas []pathDelta

	lock *instanceLock
	log  *zap.Logger
}

type pathDelta struct {
	path string
	rec  types.PathRecord
}

// Open acquires the single-instance lock, loads both cache files from dir
// (if present), and returns a ready-to-use Cache. dir is created if missing.
func Open(dir string, log *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	lock, err := acquireInstanceLock(lockSocketPath, log)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		imagePath:  filepath.Join(dir, "simpic.cache"),
		sha256Path: filepath.Join(dir, "simpic.cache_sha256"),
		images:     make(map[types.SHA256]*types.ImageRecord),
		paths:      make(map[string]*types.PathRecord),
		lock:       lock,
		log:        log,
	}

	if err := c.load(); err != nil {
		_ = lock.release()
		return nil, err
	}

	return c, nil
}

// Close releases the instance lock. It does not flush pending deltas;
// callers must Save explicitly before Close if deltas remain.
func (c *Cache) Close() error {
	return c.lock.release()
}

func (c *Cache) load() error {
	if err := c.loadSHA256(); err != nil {
		return err
	}
	return c.loadImages()
}

func (c *Cache) loadSHA256() error {
	f, err := os.Open(c.sha256Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open sha256 cache: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	entries, err := readSHA256Header(r)
	if err != nil {
		return fmt.Errorf("%s: %w", c.sha256Path, err)
	}
	return readSHA256Entries(r, entries, c.paths)
}

func (c *Cache) loadImages() error {
	f, err := os.Open(c.imagePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open image cache: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	entries, err := readImageHeader(r)
	if err != nil {
		return fmt.Errorf("%s: %w", c.imagePath, err)
	}
	return readImageEntries(r, entries, c.images)
}

// GetImage returns the cached record for a content hash, if known.
func (c *Cache) GetImage(sha types.SHA256) (*types.ImageRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.images[sha]
	return rec, ok
}

// GetPath returns the cached SHA-256 record for an absolute path, if known.
// Callers must still check Fresh against the file's current stat: a stale
// entry is left in place rather than evicted, since the next InsertPath for
// the same path will simply supersede it.
func (c *Cache) GetPath(path string) (*types.PathRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.paths[path]
	return rec, ok
}

// InsertImage adds or updates a content record. New content is queued as a
// delta for the next Save; re-inserting an already-cached hash (e.g. after a
// rescan finds the same content at a new path) updates the in-memory copy
// only, since the immutable fields never change and the mutable Dir/Filename
// are not persisted.
func (c *Cache) InsertImage(rec *types.ImageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.images[rec.SHA256]; !exists {
		c.imageDeltas = append(c.imageDeltas, rec)
	}
	c.images[rec.SHA256] = rec
}

// InsertPath records (or supersedes) the SHA-256 witness for a path. Unlike
// images, every insert is queued as a delta: a changed file produces a new
// on-disk entry rather than rewriting the old one, and the superseded entry
// is simply shadowed by the newer one on the next load (last-write-wins).
func (c *Cache) InsertPath(path string, rec types.PathRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.paths[path] = &rec
	c.pathDeltas = append(c.pathDeltas, pathDelta{path: path, rec: rec})
}

// Save flushes pending deltas to disk. The SHA-256 cache header is always
// rewritten (it is cheap and its entry count always grows); the image cache
// is only touched if there is new content to record. Matches the original's
// saveall(): header-rewrite-at-start, deltas-appended-at-end, deltas
// cleared on success.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.saveSHA256Locked(); err != nil {
		return fmt.Errorf("save sha256 cache: %w", err)
	}

	if len(c.imageDeltas) == 0 {
		return nil
	}

	if err := c.saveImagesLocked(); err != nil {
		return fmt.Errorf("save image cache: %w", err)
	}
	return nil
}

func (c *Cache) saveSHA256Locked() error {
	f, err := os.OpenFile(c.sha256Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	// The header counts every entry in the file, superseded ones included,
	// so the new total is the on-disk count plus this batch of deltas.
	var existing uint64
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() > 0 {
		if existing, err = readSHA256Header(f); err != nil {
			return fmt.Errorf("read header: %w", err)
		}
		if _, err := f.Seek(0, os.SEEK_SET); err != nil {
			return err
		}
	}

	if err := writeSHA256Header(f, existing+uint64(len(c.pathDeltas))); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, d := range c.pathDeltas {
		if err := writeSHA256Entry(w, d.path, d.rec); err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	c.pathDeltas = c.pathDeltas[:0]
	return nil
}

func (c *Cache) saveImagesLocked() error {
	f, err := os.OpenFile(c.imagePath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := writeImageHeader(f, uint32(len(c.images))); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, rec := range c.imageDeltas {
		if err := writeImageEntry(w, rec); err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	c.imageDeltas = c.imageDeltas[:0]
	return nil
}
