// Package imaging prepares uploaded receipt photos for the vision model.
// Every supported upload is decoded, scaled down and re-encoded as JPEG.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

const (
	// MaxInputSize is the largest upload accepted for normalization
	MaxInputSize = 10 << 20
	// maxOutputSize is the target size for the re-encoded JPEG
	maxOutputSize = 1 << 20
	// maxDimension bounds the longer side of the output image
	maxDimension = 1920
	// maxPixels bounds the declared size of an image before it is decoded
	maxPixels = 50_000_000

	initialQuality = 85
	qualityStep    = 15
	minQuality     = 40
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format. Supported formats: JPEG, PNG, WebP, GIF, HEIC, HEIF, PDF")
	ErrTooLarge          = errors.New("image exceeds the upload size limit")
)

// Image is a normalized receipt image
type Image struct {
	Data      []byte
	MediaType string
	Width     int
	Height    int
}

// Normalize decodes an uploaded receipt, bounds its dimensions and re-encodes it as JPEG
func Normalize(data []byte, contentType string) (*Image, error) {
	if len(data) > MaxInputSize {
		return nil, ErrTooLarge
	}

	img, err := decode(data, normalizeMimeType(contentType))
	if err != nil {
		return nil, err
	}

	img = fit(img, maxDimension)

	encoded, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	return &Image{
		Data:      encoded,
		MediaType: "image/jpeg",
		Width:     b.Dx(),
		Height:    b.Dy(),
	}, nil
}

func normalizeMimeType(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType
}

func decode(data []byte, mimeType string) (image.Image, error) {
	switch {
	case mimeType == "application/pdf":
		return pdfToImage(data)
	case isHEICFormat(data) || isHEICMimeType(mimeType):
		// Go's standard image package doesn't support HEIC
		cfg, err := heic.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF header: %w", err)
		}
		if err := checkPixels(cfg); err != nil {
			return nil, err
		}
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return nil, fmt.Errorf("decoding image header: %w", err)
	}
	if err := checkPixels(cfg); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// checkPixels rejects images whose declared dimensions would need an oversized decode buffer
func checkPixels(cfg image.Config) error {
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return fmt.Errorf("%w: %dx%d pixels", ErrTooLarge, cfg.Width, cfg.Height)
	}
	return nil
}

// pdfToImage renders the first page of a PDF (most receipts are single page)
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// fit scales img down so that its longer side is at most limit pixels
func fit(img image.Image, limit int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= limit && h <= limit {
		return img
	}

	if w >= h {
		h = max(1, h*limit/w)
		w = limit
	} else {
		w = max(1, w*limit/h)
		h = limit
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// encodeJPEG lowers the quality until the output fits maxOutputSize or minQuality is reached
func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	for quality := initialQuality; ; quality -= qualityStep {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encoding JPEG: %w", err)
		}
		if buf.Len() <= maxOutputSize || quality-qualityStep < minQuality {
			break
		}
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files carry an ftyp box at offset 4 with a HEIC-related brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
