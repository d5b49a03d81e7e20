// Package scanner enumerates a directory's image files and turns each one
// into an ImageRecord, consulting the fingerprint cache before doing any
// expensive work.
//
// # Concurrency model
//
// Directory listing and per-file processing (hash + probe) are split into
// two independently-bounded fan-out stages, following the same shape as the
// original directory walker this package is adapted from:
//
//   - one goroutine per directory, gated by dirSem, lists entries and
//     recurses into subdirectories when the scan is recursive
//   - one goroutine per candidate file, gated by fileSem, does the cache
//     lookup / hash / probe work and sends its result on resultCh
//   - a single collector goroutine drains resultCh into the final slice
//
// Two semaphores rather than one because listing a directory and hashing a
// multi-megabyte file have very different costs; bounding them together
// would let a handful of large files starve directory discovery.
package scanner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/emilarner/simpicd/internal/cache"
	"github.com/emilarner/simpicd/internal/hashing"
	"github.com/emilarner/simpicd/internal/imageprobe"
	"github.com/emilarner/simpicd/internal/simerr"
	"github.com/emilarner/simpicd/internal/types"
)

// Result is the outcome of one Scan call.
type Result struct {
	Images        []*types.ImageRecord
	FilesScanned  int
	FilesSkipped  int
	BytesRehashed int64
}

// Scanner walks a directory, looks each candidate file up in the cache, and
// falls back to hashing/probing on a miss.
type Scanner struct {
	cache      *cache.Cache
	dirSem     types.Semaphore
	fileSem    types.Semaphore
	log        *zap.Logger
	onProgress func(scanned int)
}

// OnProgress registers fn to be called on the collector goroutine each time
// a file finishes processing, skipped or not, with the running FilesScanned
// count. It is used by the warm CLI subcommand to drive a live progress
// bar; an unset fn is never called.
func (s *Scanner) OnProgress(fn func(scanned int)) {
	s.onProgress = fn
}

// New creates a Scanner backed by c, bounding directory listings and file
// processing each to workers concurrent goroutines.
func New(c *cache.Cache, workers int, log *zap.Logger) *Scanner {
	if workers < 1 {
		workers = 1
	}
	return &Scanner{
		cache:   c,
		dirSem:  types.NewSemaphore(workers),
		fileSem: types.NewSemaphore(workers),
		log:     log,
	}
}

// Scan enumerates dir (recursing into non-dotfile subdirectories when
// recursive is true) and returns every image file found, cache-hit or not.
// Dotfiles and dot-directories are always skipped, matching the original
// simpic_in_directory's handling of hidden entries.
func (s *Scanner) Scan(dir string, recursive bool) (*Result, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", simerr.ErrDirectoryOpen, err)
	}
	if info, statErr := os.Stat(absDir); statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", simerr.ErrDirectoryOpen, absDir)
	}

	resultCh := make(chan fileOutcome, 64)
	var dirWg, fileWg sync.WaitGroup

	dirWg.Add(1)
	go s.walkDir(absDir, recursive, &dirWg, &fileWg, resultCh)

	done := make(chan struct{})
	result := &Result{}
	go func() {
		for o := range resultCh {
			result.FilesScanned++
			if s.onProgress != nil {
				s.onProgress(result.FilesScanned)
			}
			if o.err != nil {
				result.FilesSkipped++
				if s.log != nil {
					s.log.Debug("skipped file", zap.String("path", o.path), zap.Error(o.err))
				}
				continue
			}
			if o.rehashed {
				result.BytesRehashed += int64(o.image.Size)
			}
			result.Images = append(result.Images, o.image)
		}
		close(done)
	}()

	dirWg.Wait()
	fileWg.Wait()
	close(resultCh)
	<-done

	if err := s.cache.Save(); err != nil {
		if s.log != nil {
			s.log.Warn("failed to save fingerprint cache", zap.Error(err))
		}
	}

	return result, nil
}

type fileOutcome struct {
	path     string
	image    *types.ImageRecord
	rehashed bool
	err      error
}

func (s *Scanner) walkDir(dir string, recursive bool, dirWg, fileWg *sync.WaitGroup, out chan<- fileOutcome) {
	defer dirWg.Done()

	s.dirSem.Acquire()
	entries, err := readDirSorted(dir)
	s.dirSem.Release()
	if err != nil {
		if s.log != nil {
			s.log.Warn("failed to open directory", zap.String("dir", dir), zap.Error(err))
		}
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)

		if entry.IsDir() {
			if recursive {
				dirWg.Add(1)
				go s.walkDir(full, recursive, dirWg, fileWg, out)
			}
			continue
		}

		if !entry.Type().IsRegular() {
			continue
		}
		if imageprobe.TypeFromExtension(extension(name)) == types.ImageTypeOther {
			continue
		}

		fileWg.Add(1)
		go func(dir, name, full string) {
			defer fileWg.Done()
			s.fileSem.Acquire()
			defer s.fileSem.Release()
			out <- s.processFile(dir, name, full)
		}(dir, name, full)
	}
}

// processFile implements the cache-first lookup chain: a fresh path-cache
// hit skips hashing entirely; a hash-cache hit (by content, after hashing)
// skips re-probing; only a full cache miss pays for both a hash and a probe.
func (s *Scanner) processFile(dir, name, path string) fileOutcome {
	f, err := os.Open(path)
	if err != nil {
		return fileOutcome{path: path, err: fmt.Errorf("open: %w", err)}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fileOutcome{path: path, err: fmt.Errorf("stat: %w", err)}
	}
	modTime := info.ModTime().Unix()
	size := info.Size()

	if pr, ok := s.cache.GetPath(path); ok && pr.Fresh(modTime, size) {
		if img, ok := s.cache.GetImage(pr.SHA256); ok {
			clone := *img
			clone.SetLocation(dir, name)
			return fileOutcome{path: path, image: &clone}
		}
	}

	sha, err := hashing.SHA256File(f)
	if err != nil {
		return fileOutcome{path: path, err: fmt.Errorf("hash: %w", err)}
	}
	s.cache.InsertPath(path, types.PathRecord{SHA256: sha, ModTime: modTime, Size: size})

	if img, ok := s.cache.GetImage(sha); ok {
		clone := *img
		clone.SetLocation(dir, name)
		return fileOutcome{path: path, image: &clone, rehashed: true}
	}

	rec, err := imageprobe.Probe(dir, name, f, sha)
	if err != nil {
		return fileOutcome{path: path, err: fmt.Errorf("%w: %v", simerr.ErrBadImage, err)}
	}
	s.cache.InsertImage(rec)

	clone := *rec
	return fileOutcome{path: path, image: &clone, rehashed: true}
}

func extension(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx+1:]
}

// readDirSorted lists dir's entries in batches of 1024, matching the
// original opendir/readdir loop in simpic_client.cpp, and returns the whole
// listing at once in directory order (entries are not sorted).
func readDirSorted(dir string) ([]os.DirEntry, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = d.Close() }()

	var entries []os.DirEntry
	const batchSize = 1024
	for {
		batch, err := d.ReadDir(batchSize)
		entries = append(entries, batch...)
		if err != nil {
			if err == io.EOF {
				break
			}
			return entries, err
		}
		if len(batch) == 0 {
			break
		}
	}
	return entries, nil
}
