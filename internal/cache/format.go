package cache

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/emilarner/simpicd/internal/simerr"
	"github.com/emilarner/simpicd/internal/types"
)

// Magic values and entry tags mirror simpic_cache.hpp's packed C structs
// exactly, so an existing on-disk cache written by the original server
// remains readable byte-for-byte.
const (
	imageCacheMagic  uint32 = 0x00DEAD00
	sha256CacheMagic uint32 = 0xAADEADAA
)

// entryTag is the leading byte of every image-cache record (cache_entry.type
// in the original). Only Image is ever produced by this implementation;
// Video/Audio/Text are recognized here only so a foreign cache file that
// used them fails loudly instead of desyncing the read.
type entryTag uint8

const (
	entryTagImage entryTag = iota + 1
	entryTagVideo
	entryTagAudio
	entryTagText
)

// imageCacheHeader is the fixed header of the content-addressed image cache
// file. Its entry count is 32-bit: one entry per unique piece of content
// ever probed, which never approaches 2^32 in practice.
type imageCacheHeader struct {
	Magic   uint32
	Entries uint32
}

// sha256CacheHeader is the fixed header of the SHA-256-by-path cache file.
// Its entry count is 64-bit, wider than the image cache's — matching
// cache_sha256_header in simpic_cache.hpp — because this file accumulates
// one entry per scanned path for the life of the cache, never collapsing
// duplicates the way the content-addressed side does.
type sha256CacheHeader struct {
	Magic   uint32
	Entries uint64
}

// imageCacheEntry is the fixed-size payload following an Image entryTag.
// Field order and widths match cache_image_entry in simpic_cache.hpp.
type imageCacheEntry struct {
	SHA256 [32]byte
	PHash  uint64
	Width  uint16
	Height uint16
	Size   uint32
}

// sha256CacheEntryFixed is the fixed-size prefix of a cache_sha256_entry
// record; PathLen bytes of NUL-terminated path text follow it on disk.
type sha256CacheEntryFixed struct {
	PathLen   uint16
	Hash      [32]byte
	Timestamp int64
	Length    uint64
}

func readImageHeader(r io.Reader) (uint32, error) {
	var h imageCacheHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return 0, err
	}
	if h.Magic != imageCacheMagic {
		return 0, fmt.Errorf("%w: want magic %#x, got %#x", simerr.ErrCacheCorrupt, imageCacheMagic, h.Magic)
	}
	return h.Entries, nil
}

func writeImageHeader(w io.Writer, entries uint32) error {
	return binary.Write(w, binary.LittleEndian, imageCacheHeader{Magic: imageCacheMagic, Entries: entries})
}

func readSHA256Header(r io.Reader) (uint64, error) {
	var h sha256CacheHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return 0, err
	}
	if h.Magic != sha256CacheMagic {
		return 0, fmt.Errorf("%w: want magic %#x, got %#x", simerr.ErrCacheCorrupt, sha256CacheMagic, h.Magic)
	}
	return h.Entries, nil
}

func writeSHA256Header(w io.Writer, entries uint64) error {
	return binary.Write(w, binary.LittleEndian, sha256CacheHeader{Magic: sha256CacheMagic, Entries: entries})
}

func readImageEntries(r *bufio.Reader, n uint32, into map[types.SHA256]*types.ImageRecord) error {
	for i := uint32(0); i < n; i++ {
		tag, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("read entry tag: %w", err)
		}
		if entryTag(tag) != entryTagImage {
			return fmt.Errorf("%w: unsupported cache entry tag %d", simerr.ErrCacheCorrupt, tag)
		}

		var ent imageCacheEntry
		if err := binary.Read(r, binary.LittleEndian, &ent); err != nil {
			return fmt.Errorf("read image entry: %w", err)
		}

		rec := &types.ImageRecord{
			SHA256: ent.SHA256,
			PHash:  ent.PHash,
			Width:  ent.Width,
			Height: ent.Height,
			Size:   ent.Size,
		}
		into[rec.SHA256] = rec
	}
	return nil
}

func writeImageEntry(w io.Writer, rec *types.ImageRecord) error {
	if _, err := w.Write([]byte{byte(entryTagImage)}); err != nil {
		return err
	}
	ent := imageCacheEntry{
		SHA256: rec.SHA256,
		PHash:  rec.PHash,
		Width:  rec.Width,
		Height: rec.Height,
		Size:   rec.Size,
	}
	return binary.Write(w, binary.LittleEndian, ent)
}

func readSHA256Entries(r *bufio.Reader, n uint64, into map[string]*types.PathRecord) error {
	for i := uint64(0); i < n; i++ {
		var fixed sha256CacheEntryFixed
		if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
			return fmt.Errorf("read sha256 entry: %w", err)
		}

		buf := make([]byte, fixed.PathLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read sha256 entry path: %w", err)
		}
		// PathLen includes the trailing NUL the original writer always
		// appended; strip it.
		path := string(buf)
		if n := len(path); n > 0 && path[n-1] == 0 {
			path = path[:n-1]
		}

		into[path] = &types.PathRecord{
			SHA256:  fixed.Hash,
			ModTime: fixed.Timestamp,
			Size:    int64(fixed.Length),
		}
	}
	return nil
}

func writeSHA256Entry(w io.Writer, path string, rec types.PathRecord) error {
	fixed := sha256CacheEntryFixed{
		PathLen:   uint16(len(path) + 1),
		Hash:      rec.SHA256,
		Timestamp: rec.ModTime,
		Length:    uint64(rec.Size),
	}
	if err := binary.Write(w, binary.LittleEndian, fixed); err != nil {
		return err
	}
	if _, err := io.WriteString(w, path); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}
