package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/emilarner/simpicd/internal/types"
)

func withLockPath(t *testing.T) {
	t.Helper()
	old := lockSocketPath
	lockSocketPath = filepath.Join(t.TempDir(), "test.locksock")
	t.Cleanup(func() { lockSocketPath = old })
}

func TestCacheRoundTrip(t *testing.T) {
	withLockPath(t)
	dir := t.TempDir()

	c1, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	sha := types.SHA256{1, 2, 3}
	rec := &types.ImageRecord{
		SHA256: sha,
		PHash:  0xDEADBEEF,
		Width:  640,
		Height: 480,
		Size:   123456,
	}
	c1.InsertImage(rec)

	pathRec := types.PathRecord{SHA256: sha, ModTime: 1700000000, Size: 123456}
	c1.InsertPath("/photos/a.jpg", pathRec)

	if err := c1.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	c2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer func() { _ = c2.Close() }()

	got, ok := c2.GetImage(sha)
	if !ok {
		t.Fatal("GetImage() miss after reload, want hit")
	}
	if got.PHash != rec.PHash || got.Width != rec.Width || got.Height != rec.Height || got.Size != rec.Size {
		t.Errorf("GetImage() = %+v, want %+v", got, rec)
	}

	gotPath, ok := c2.GetPath("/photos/a.jpg")
	if !ok {
		t.Fatal("GetPath() miss after reload, want hit")
	}
	if gotPath.SHA256 != sha || gotPath.ModTime != pathRec.ModTime || gotPath.Size != pathRec.Size {
		t.Errorf("GetPath() = %+v, want %+v", gotPath, pathRec)
	}
}

func TestCacheFreshWitness(t *testing.T) {
	rec := &types.PathRecord{ModTime: 100, Size: 200}
	if !rec.Fresh(100, 200) {
		t.Error("Fresh() = false for matching witness, want true")
	}
	if rec.Fresh(101, 200) {
		t.Error("Fresh() = true for changed mtime, want false")
	}
	if rec.Fresh(100, 201) {
		t.Error("Fresh() = true for changed size, want false")
	}
}

func TestCachePathSupersedesOnChange(t *testing.T) {
	withLockPath(t)
	dir := t.TempDir()

	c, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer func() { _ = c.Close() }()

	sha1 := types.SHA256{1}
	sha2 := types.SHA256{2}

	c.InsertPath("/photos/a.jpg", types.PathRecord{SHA256: sha1, ModTime: 1, Size: 10})
	c.InsertPath("/photos/a.jpg", types.PathRecord{SHA256: sha2, ModTime: 2, Size: 20})

	if err := c.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, ok := c.GetPath("/photos/a.jpg")
	if !ok {
		t.Fatal("GetPath() miss, want hit")
	}
	if got.SHA256 != sha2 {
		t.Errorf("GetPath() = %+v, want the newer record (sha2)", got)
	}
}

func TestCacheReloadAfterMultipleSaves(t *testing.T) {
	withLockPath(t)
	dir := t.TempDir()

	c1, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	c1.InsertPath("/a.jpg", types.PathRecord{SHA256: types.SHA256{1}, ModTime: 1, Size: 1})
	if err := c1.Save(); err != nil {
		t.Fatalf("first Save() failed: %v", err)
	}

	c1.InsertPath("/b.jpg", types.PathRecord{SHA256: types.SHA256{2}, ModTime: 2, Size: 2})
	if err := c1.Save(); err != nil {
		t.Fatalf("second Save() failed: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	c2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reload Open() failed: %v", err)
	}
	defer func() { _ = c2.Close() }()

	if _, ok := c2.GetPath("/a.jpg"); !ok {
		t.Error("GetPath(/a.jpg) miss after reload, want hit")
	}
	if _, ok := c2.GetPath("/b.jpg"); !ok {
		t.Error("GetPath(/b.jpg) miss after reload, want hit")
	}
}

func TestCacheCorruptMagicIsFatal(t *testing.T) {
	withLockPath(t)
	dir := t.TempDir()

	// Seed a cache file with a bogus header before first Open.
	path := filepath.Join(dir, "simpic.cache")
	if err := os.WriteFile(path, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("seed corrupt cache: %v", err)
	}

	if _, err := Open(dir, nil); err == nil {
		t.Fatal("Open() with corrupt magic succeeded, want error")
	}
}

func TestInstanceLockRejectsSecondOpen(t *testing.T) {
	withLockPath(t)

	c1, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	defer func() { _ = c1.Close() }()

	if _, err := Open(t.TempDir(), nil); err == nil {
		t.Fatal("second Open() succeeded while first still held the lock, want error")
	}
}
