/**
 * Image intake for the prescription pipeline
 *
 * Validates raw bytes (format, size, dimensions) and decodes them into an
 * immutable image plus its grayscale matrix.
 */

package imaging

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/prescription-worker/internal/errors"
)

// Limits bounds accepted inputs
type Limits struct {
	MaxBytes  int64
	MinWidth  int
	MinHeight int
}

// Image is a decoded input. It is never mutated after Decode returns.
type Image struct {
	Format string
	Source image.Image
	Gray   *Gray
}

// Width returns the pixel width
func (img *Image) Width() int { return img.Gray.Width }

// Height returns the pixel height
func (img *Image) Height() int { return img.Gray.Height }

var supportedFormats = map[string]bool{
	"png":  true,
	"jpeg": true,
	"gif":  true,
	"bmp":  true,
	"tiff": true,
	"webp": true,
}

// Decode validates and decodes raw image bytes
func Decode(data []byte, limits Limits) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.NewImageValidationError("Image data is empty")
	}

	if limits.MaxBytes > 0 && int64(len(data)) > limits.MaxBytes {
		return nil, errors.NewImageTooLargeError(int64(len(data)), limits.MaxBytes)
	}

	format := DetectFormat(data)
	if !supportedFormats[format] {
		if format == "" {
			format = "unknown"
		}
		return nil, errors.NewUnsupportedFormatError(format)
	}

	// Check dimensions before decoding the full pixel buffer
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewImageCorruptedError(err)
	}

	if cfg.Width < limits.MinWidth || cfg.Height < limits.MinHeight {
		return nil, errors.NewImageTooSmallError(cfg.Width, cfg.Height, limits.MinWidth, limits.MinHeight)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewImageCorruptedError(err)
	}

	return &Image{
		Format: format,
		Source: src,
		Gray:   ToGray(src),
	}, nil
}

// DetectFormat identifies the container from magic bytes.
// Returns "pdf" and "zip" so callers can report them as unsupported, "" when unknown.
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PDF: %PDF
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return "pdf"
	}

	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "png"
	}

	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "jpeg"
	}

	// GIF: GIF8
	if bytes.HasPrefix(data, []byte("GIF8")) {
		return "gif"
	}

	// WebP: RIFF....WEBP
	if len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return "webp"
	}

	// TIFF: II*\0 or MM\0*
	if (data[0] == 0x49 && data[1] == 0x49 && data[2] == 0x2A && data[3] == 0x00) ||
		(data[0] == 0x4D && data[1] == 0x4D && data[2] == 0x00 && data[3] == 0x2A) {
		return "tiff"
	}

	// BMP: BM
	if data[0] == 0x42 && data[1] == 0x4D {
		return "bmp"
	}

	// ZIP (DOCX, XLSX, EPUB): PK
	if data[0] == 0x50 && data[1] == 0x4B {
		return "zip"
	}

	return ""
}

// MimeType maps a detected format to its MIME type
func MimeType(format string) string {
	switch format {
	case "png", "jpeg", "gif", "bmp", "tiff", "webp":
		return "image/" + format
	case "pdf":
		return "application/pdf"
	case "zip":
		return "application/zip"
	}
	return "application/octet-stream"
}
