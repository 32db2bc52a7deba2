package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/svapp/image-labeler/pkg/types"
)

// Processor handles image file operations
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// Info contains basic image metadata
type Info struct {
	Width       int
	Height      int
	AspectRatio float64
}

// LoadImage loads an image from a file path with WebP support. Any decode
// failure wraps types.ErrImageUnreadable.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	// Try imaging.Open (registered decoders)
	img, openErr := imaging.Open(path)
	if openErr == nil {
		return img, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, types.ErrImageUnreadable, err)
	}
	defer f.Close()

	// Fallback: explicit WebP decode
	if strings.EqualFold(filepath.Ext(path), ".webp") {
		if img, err := webp.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("%s: %w: %v", path, types.ErrImageUnreadable, openErr)
}

// ImageInfo returns the dimensions of img
func (p *Processor) ImageInfo(img image.Image) Info {
	b := img.Bounds()
	info := Info{Width: b.Dx(), Height: b.Dy()}
	if info.Height > 0 {
		info.AspectRatio = float64(info.Width) / float64(info.Height)
	}
	return info
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		if b.Dx() > maxDim || b.Dy() > maxDim {
			img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Preview downsamples img by scale for display. A scale of 1 or less returns
// img itself.
func (p *Processor) Preview(img image.Image, scale float64) image.Image {
	if scale <= 1 {
		return img
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) / scale)
	h := int(float64(b.Dy()) / scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return imaging.Resize(img, w, h, imaging.Linear)
}

// Crop cuts rect out of img at full resolution. The rectangle is not clamped
// beforehand; a rectangle with no overlap with the image fails.
func (p *Processor) Crop(img image.Image, rect image.Rectangle) (image.Image, error) {
	rect = rect.Canon()
	if rect.Intersect(img.Bounds()).Empty() {
		return nil, fmt.Errorf("empty crop rectangle %v for image %v", rect, img.Bounds())
	}
	return imaging.Crop(img, rect), nil
}

// SaveImage saves an image, choosing the encoder from the file extension.
// WebP output is lossless; quality applies to JPEG.
func (p *Processor) SaveImage(img image.Image, path string, quality int) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := webp.Encode(f, img, &webp.Options{Lossless: true}); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case ".jpg", ".jpeg":
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	default:
		return imaging.Save(img, path)
	}
}

// BoxToRect converts a normalized box to pixel coordinates of a w x h image.
func BoxToRect(box types.Box, w, h int) image.Rectangle {
	x0 := int(clamp(box.X, 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(box.Y, 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(box.X+box.W, 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(box.Y+box.H, 0, 1)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return image.Rect(x0, y0, x1, y1)
}

// Outline returns a copy of img with rect drawn on it, for previewing a
// selection.
func (p *Processor) Outline(img image.Image, rect image.Rectangle, c color.NRGBA) *image.NRGBA {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()
	stroke := int(math.Max(1, 0.003*float64(min(w, h))))

	r := rect.Canon()
	for s := 0; s < stroke; s++ {
		drawHLine(nrgba, r.Min.Y+s, r.Min.X, r.Max.X, c)
		drawHLine(nrgba, r.Max.Y-1-s, r.Min.X, r.Max.X, c)
		drawVLine(nrgba, r.Min.X+s, r.Min.Y, r.Max.Y, c)
		drawVLine(nrgba, r.Max.X-1-s, r.Min.Y, r.Max.Y, c)
	}
	return nrgba
}

// Helper functions
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	b := img.Bounds()
	if y < 0 || y >= b.Dy() {
		return
	}
	x0, x1 = max(x0, 0), min(x1, b.Dx())
	for x := x0; x < x1; x++ {
		img.SetNRGBA(x, y, c)
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	b := img.Bounds()
	if x < 0 || x >= b.Dx() {
		return
	}
	y0, y1 = max(y0, 0), min(y1, b.Dy())
	for y := y0; y < y1; y++ {
		img.SetNRGBA(x, y, c)
	}
}
