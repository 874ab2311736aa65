// Package imaging fingerprints uploaded payment screenshots without reading their content.
package imaging

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

// ErrUnreadableImage is returned for bytes that do not decode as a supported image.
var ErrUnreadableImage = errors.New("unreadable image")

// maxPixels guards against decompression bombs.
const maxPixels = 40_000_000

type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze computes the exact hash, perceptual hash, dimensions and EXIF presence.
func (a *Analyzer) Analyze(data []byte) (entities.ImageFingerprint, error) {
	if len(data) == 0 {
		return entities.ImageFingerprint{}, ErrUnreadableImage
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return entities.ImageFingerprint{}, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxPixels {
		return entities.ImageFingerprint{}, fmt.Errorf("%w: %dx%d", ErrUnreadableImage, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return entities.ImageFingerprint{}, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}

	phash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return entities.ImageFingerprint{}, fmt.Errorf("failed to compute perceptual hash: %w", err)
	}

	sum := sha256.Sum256(data)
	bounds := img.Bounds()

	return entities.ImageFingerprint{
		ExactHash:      hex.EncodeToString(sum[:]),
		PerceptualHash: phash.ToString(),
		Width:          bounds.Dx(),
		Height:         bounds.Dy(),
		HasExif:        hasExif(format, data),
	}, nil
}

// HammingDistance compares two perceptual hashes produced by Analyze.
func HammingDistance(a, b string) (int, error) {
	ha, err := goimagehash.ImageHashFromString(a)
	if err != nil {
		return 0, fmt.Errorf("failed to parse perceptual hash %q: %w", a, err)
	}
	hb, err := goimagehash.ImageHashFromString(b)
	if err != nil {
		return 0, fmt.Errorf("failed to parse perceptual hash %q: %w", b, err)
	}
	return ha.Distance(hb)
}

func hasExif(format string, data []byte) bool {
	switch format {
	case "jpeg":
		return jpegHasExif(data)
	case "png":
		return pngHasExif(data)
	case "webp":
		return webpHasExif(data)
	}
	return false
}

var exifHeader = []byte("Exif\x00\x00")

// jpegHasExif walks the marker segments up to start-of-scan looking for an APP1 Exif block.
func jpegHasExif(data []byte) bool {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return false
	}
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return false
		}
		marker := data[i+1]
		if marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD7) || marker == 0x01 {
			i += 2
			continue
		}
		if marker == 0xDA || marker == 0xD9 {
			return false
		}
		size := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if size < 2 || i+2+size > len(data) {
			return false
		}
		if marker == 0xE1 && bytes.HasPrefix(data[i+4:i+2+size], exifHeader) {
			return true
		}
		i += 2 + size
	}
	return false
}

func pngHasExif(data []byte) bool {
	const signatureLen = 8
	i := signatureLen
	for i+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[i : i+4]))
		kind := string(data[i+4 : i+8])
		if kind == "eXIf" {
			return true
		}
		if kind == "IEND" {
			return false
		}
		i += 12 + length
	}
	return false
}

func webpHasExif(data []byte) bool {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return false
	}
	i := 12
	for i+8 <= len(data) {
		kind := string(data[i : i+4])
		size := int(binary.LittleEndian.Uint32(data[i+4 : i+8]))
		if kind == "EXIF" {
			return true
		}
		i += 8 + size + size%2
	}
	return false
}
