package common

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Upload validation limits
const (
	MaxFileSizeMB     = 20
	MaxImageDimension = 8192
	MinImageDimension = 64
)

var (
	ErrFileTooLarge      = errors.New("file exceeds maximum size")
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrImageDimensions   = errors.New("image dimensions out of bounds")
)

// imageSignature maps a format name to its magic byte prefix
type imageSignature struct {
	format string
	magic  []byte
}

var imageSignatures = []imageSignature{
	{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	{"jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{"gif", []byte("GIF87a")},
	{"gif", []byte("GIF89a")},
}

var dangerousFilenamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\.`),
	regexp.MustCompile(`^[/\\]`),
	regexp.MustCompile(`[<>:"|?*\x00]`),
	regexp.MustCompile(`(?i)\.(exe|sh|bat|cmd|php|py|js)$`),
}

var filenameCleanPattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeFilename reduces an upload filename to a safe basename: path
// components stripped, disallowed characters replaced with underscores,
// name capped at 100 chars and extension at 10.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	stem = filenameCleanPattern.ReplaceAllString(stem, "_")
	ext = filenameCleanPattern.ReplaceAllString(strings.TrimPrefix(ext, "."), "_")

	if len(stem) > 100 {
		stem = stem[:100]
	}
	if len(ext) > 10 {
		ext = ext[:10]
	}
	if stem == "" || strings.Trim(stem, "_") == "" {
		stem = "file"
	}
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}

// IsDangerousFilename reports whether the raw upload name matches a known
// traversal or executable pattern. Such names are still sanitized; this only
// drives a warning log.
func IsDangerousFilename(name string) bool {
	for _, p := range dangerousFilenamePatterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// DetectImageFormat validates magic bytes and returns the detected format
func DetectImageFormat(data []byte) (string, error) {
	for _, sig := range imageSignatures {
		if len(data) >= len(sig.magic) && bytes.Equal(data[:len(sig.magic)], sig.magic) {
			return sig.format, nil
		}
	}
	// WEBP: RIFF....WEBP
	if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return "webp", nil
	}
	return "", fmt.Errorf("%w: unrecognized magic bytes", ErrUnsupportedFormat)
}

// ContentHash returns the SHA-256 hex digest of data, used for upload dedupe
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ImageDimensions parses width and height from PNG or JPEG headers without
// decoding the full image. Other formats return an error.
func ImageDimensions(data []byte) (width, height int, err error) {
	format, err := DetectImageFormat(data)
	if err != nil {
		return 0, 0, err
	}

	switch format {
	case "png":
		// IHDR chunk: width and height are big-endian uint32 at bytes 16 and 20
		if len(data) < 24 {
			return 0, 0, fmt.Errorf("png header truncated")
		}
		width = int(binary.BigEndian.Uint32(data[16:20]))
		height = int(binary.BigEndian.Uint32(data[20:24]))
		return width, height, nil
	case "jpeg":
		return jpegDimensions(data)
	default:
		return 0, 0, fmt.Errorf("dimension parsing not supported for %s", format)
	}
}

// jpegDimensions walks JPEG markers to the first SOF0/SOF2 frame header
func jpegDimensions(data []byte) (int, int, error) {
	i := 2 // skip SOI
	for i+9 <= len(data) {
		if data[i] != 0xFF {
			i++
			continue
		}
		marker := data[i+1]
		// SOF0 (baseline) and SOF2 (progressive) carry dimensions
		if marker == 0xC0 || marker == 0xC2 {
			height := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			width := int(binary.BigEndian.Uint16(data[i+7 : i+9]))
			return width, height, nil
		}
		if marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD9) {
			i += 2
			continue
		}
		segLen := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if segLen < 2 {
			return 0, 0, fmt.Errorf("invalid jpeg segment length")
		}
		i += 2 + segLen
	}
	return 0, 0, fmt.Errorf("jpeg frame header not found")
}

// ValidateImageUpload checks size, magic bytes, and dimensions. minDim allows
// fast-test mode to accept tiny fixtures.
func ValidateImageUpload(data []byte, minDim int) error {
	if len(data) > MaxFileSizeMB*1024*1024 {
		return fmt.Errorf("%w: %d bytes > %d MB", ErrFileTooLarge, len(data), MaxFileSizeMB)
	}
	format, err := DetectImageFormat(data)
	if err != nil {
		return err
	}
	// GIF and WEBP skip dimension bounds; header layouts differ and the
	// training pipeline converts them before use
	if format != "png" && format != "jpeg" {
		return nil
	}
	width, height, err := ImageDimensions(data)
	if err != nil {
		return err
	}
	if minDim <= 0 {
		minDim = MinImageDimension
	}
	if width < minDim || height < minDim {
		return fmt.Errorf("%w: %dx%d below minimum %d", ErrImageDimensions, width, height, minDim)
	}
	if width > MaxImageDimension || height > MaxImageDimension {
		return fmt.Errorf("%w: %dx%d above maximum %d", ErrImageDimensions, width, height, MaxImageDimension)
	}
	return nil
}
