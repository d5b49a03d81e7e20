// Package imageprobe identifies an image's type, extracts its dimensions,
// and computes its perceptual hash. Type is decided by
// lowercased extension only — a known, preserved weakness, not a bug.
package imageprobe

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/emilarner/simpicd/internal/hashing"
	"github.com/emilarner/simpicd/internal/types"
)

// jpegEXIFMagic and jpegRawMagic are the two known JPEG prefixes. The
// original source rejected files unless BOTH matched (a logical-AND bug that
// rejects everything); this accepts EITHER.
var (
	jpegEXIFMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46, 0x00, 0x01}
	jpegRawMagic  = []byte{0xFF, 0xD8, 0xFF, 0xDB}
)

// TypeFromExtension maps a lowercased, dot-less extension to an ImageType.
func TypeFromExtension(ext string) types.ImageType {
	switch strings.ToLower(ext) {
	case "png":
		return types.ImageTypePNG
	case "jpg", "jpeg":
		return types.ImageTypeJPEG
	default:
		return types.ImageTypeOther
	}
}

// Probe builds a populated ImageRecord for the file at dir/filename, given
// its already-computed SHA-256. It returns an error (and no record) if the
// type is unsupported or dimension extraction fails — callers discard the
// record on error.
func Probe(dir, filename string, f *os.File, sha types.SHA256) (*types.ImageRecord, error) {
	ext := extension(filename)
	typ := TypeFromExtension(ext)

	if typ == types.ImageTypeOther {
		return nil, fmt.Errorf("unsupported extension %q", ext)
	}

	size, err := fileSize(f)
	if err != nil {
		return nil, fmt.Errorf("stat size: %w", err)
	}

	width, height, err := dimensions(f, typ)
	if err != nil {
		return nil, fmt.Errorf("dimensions: %w", err)
	}

	path := dir + "/" + filename
	phash, err := hashing.PerceptualHash(path)
	if err != nil {
		return nil, fmt.Errorf("perceptual hash: %w", err)
	}

	return &types.ImageRecord{
		SHA256:    sha,
		PHash:     phash,
		Width:     width,
		Height:    height,
		Size:      uint32(size),
		Type:      typ,
		Extension: ext,
		Dir:       dir,
		Filename:  filename,
	}, nil
}

func extension(filename string) string {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 || idx == len(filename)-1 {
		return ""
	}
	return filename[idx+1:]
}

func fileSize(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func dimensions(f *os.File, typ types.ImageType) (width, height uint16, err error) {
	switch typ {
	case types.ImageTypePNG:
		return pngDimensions(f)
	case types.ImageTypeJPEG:
		return jpegDimensions(f)
	default:
		return 0, 0, fmt.Errorf("no dimension reader for type %v", typ)
	}
}

func pngDimensions(f *os.File) (uint16, uint16, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, 0, err
	}
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode PNG header: %w", err)
	}
	return uint16(cfg.Width), uint16(cfg.Height), nil
}

func jpegDimensions(f *os.File) (uint16, uint16, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, 0, err
	}

	prefix := make([]byte, len(jpegEXIFMagic))
	n, err := f.Read(prefix)
	if err != nil && n == 0 {
		return 0, 0, fmt.Errorf("read magic: %w", err)
	}
	prefix = prefix[:n]

	if !bytes.HasPrefix(prefix, jpegRawMagic) && !bytes.HasPrefix(prefix, jpegEXIFMagic) {
		return 0, 0, fmt.Errorf("unrecognized JPEG magic prefix")
	}

	if _, err := f.Seek(0, 0); err != nil {
		return 0, 0, err
	}
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode JPEG header: %w", err)
	}
	return uint16(cfg.Width), uint16(cfg.Height), nil
}
