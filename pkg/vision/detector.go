package vision

import (
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// SubjectDetector finds the visually busiest region of an image
type SubjectDetector struct {
	config DetectionConfig
}

// DetectionConfig holds configuration for subject detection
type DetectionConfig struct {
	EdgeWeight       float64
	BrightnessWeight float64
	// Threshold is the minimum mean saliency of a window to count as a subject.
	Threshold       float64
	MinSubjectRatio float64
	// WorkSize bounds the longer side of the downscaled analysis image.
	WorkSize int
	// Keep is the fraction of the best score a window needs to join the
	// located subject.
	Keep float64
}

// DefaultConfig returns the detector defaults
func DefaultConfig() DetectionConfig {
	return DetectionConfig{
		EdgeWeight:       0.8,
		BrightnessWeight: 0.2,
		Threshold:        0.01,
		MinSubjectRatio:  0.01,
		WorkSize:         256,
		Keep:             0.85,
	}
}

// New creates a new SubjectDetector with default configuration
func New() *SubjectDetector {
	return &SubjectDetector{config: DefaultConfig()}
}

// NewWithConfig creates a new SubjectDetector with custom configuration
func NewWithConfig(config DetectionConfig) *SubjectDetector {
	return &SubjectDetector{config: config}
}

// Region represents a rectangular region of interest
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
	Score  float64
}

// Center returns the center point of the region
func (r Region) Center() (int, int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Area returns the area of the region
func (r Region) Area() int {
	return r.Width * r.Height
}

// Rect returns the region as an image rectangle
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// DetectSubjects returns candidate subject regions in img coordinates,
// best first.
func (d *SubjectDetector) DetectSubjects(img image.Image) []Region {
	bounds := img.Bounds()
	if bounds.Dx() < 3 || bounds.Dy() < 3 {
		return nil
	}

	work := img
	factor := 1.0
	if d.config.WorkSize > 0 && (bounds.Dx() > d.config.WorkSize || bounds.Dy() > d.config.WorkSize) {
		work = imaging.Fit(img, d.config.WorkSize, d.config.WorkSize, imaging.Box)
		factor = float64(bounds.Dx()) / float64(work.Bounds().Dx())
	}

	gray := imaging.Grayscale(work)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	sat := d.integralSaliency(gray)

	var regions []Region
	minArea := float64(w*h) * d.config.MinSubjectRatio
	for _, div := range []int{16, 12, 8, 6, 4} {
		ww, wh := w/div, h/div
		if ww < 2 || wh < 2 || float64(ww*wh) < minArea {
			continue
		}
		step := max(1, min(ww, wh)/4)
		for y := 0; y+wh <= h; y += step {
			for x := 0; x+ww <= w; x += step {
				score := windowMean(sat, w, x, y, ww, wh)
				if score > d.config.Threshold {
					regions = append(regions, Region{X: x, Y: y, Width: ww, Height: wh, Score: score})
				}
			}
		}
	}

	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Score > regions[j].Score })

	for i := range regions {
		regions[i] = scaleRegion(regions[i], factor, bounds)
	}
	return regions
}

// Locate returns the bounding box of the strongest subject windows, or false
// when the image has no salient content.
func (d *SubjectDetector) Locate(img image.Image) (Region, bool) {
	regions := d.DetectSubjects(img)
	if len(regions) == 0 {
		return Region{}, false
	}

	best := regions[0].Score
	union := regions[0].Rect()
	for _, r := range regions[1:] {
		if r.Score < best*d.config.Keep {
			break
		}
		union = union.Union(r.Rect())
	}
	union = union.Sub(img.Bounds().Min)
	return Region{
		X:      union.Min.X,
		Y:      union.Min.Y,
		Width:  union.Dx(),
		Height: union.Dy(),
		Score:  best,
	}, true
}

// integralSaliency builds a summed-area table of per-pixel saliency, with one
// extra leading row and column of zeros.
func (d *SubjectDetector) integralSaliency(gray *image.NRGBA) []float64 {
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	lum := func(x, y int) float64 {
		return float64(gray.Pix[y*gray.Stride+x*4]) / 255
	}

	sat := make([]float64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var rowSum float64
		for x := 0; x < w; x++ {
			var s float64
			if x > 0 && y > 0 && x < w-1 && y < h-1 {
				// Sobel gradient magnitude
				gx := -lum(x-1, y-1) - 2*lum(x-1, y) - lum(x-1, y+1) + lum(x+1, y-1) + 2*lum(x+1, y) + lum(x+1, y+1)
				gy := -lum(x-1, y-1) - 2*lum(x, y-1) - lum(x+1, y-1) + lum(x-1, y+1) + 2*lum(x, y+1) + lum(x+1, y+1)
				edge := math.Min(1, math.Hypot(gx, gy)/4)
				s = d.config.EdgeWeight*edge + d.config.BrightnessWeight*lum(x, y)
			}
			rowSum += s
			sat[(y+1)*(w+1)+x+1] = sat[y*(w+1)+x+1] + rowSum
		}
	}
	return sat
}

func windowMean(sat []float64, w, x, y, ww, wh int) float64 {
	stride := w + 1
	sum := sat[(y+wh)*stride+x+ww] - sat[y*stride+x+ww] - sat[(y+wh)*stride+x] + sat[y*stride+x]
	return sum / float64(ww*wh)
}

func scaleRegion(r Region, factor float64, bounds image.Rectangle) Region {
	if factor == 1 {
		r.X += bounds.Min.X
		r.Y += bounds.Min.Y
		return r
	}
	rect := image.Rect(
		int(float64(r.X)*factor),
		int(float64(r.Y)*factor),
		int(math.Ceil(float64(r.X+r.Width)*factor)),
		int(math.Ceil(float64(r.Y+r.Height)*factor)),
	).Add(bounds.Min).Intersect(bounds)
	return Region{X: rect.Min.X, Y: rect.Min.Y, Width: rect.Dx(), Height: rect.Dy(), Score: r.Score}
}
