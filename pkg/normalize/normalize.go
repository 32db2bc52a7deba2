// Package normalize turns an image file into a fixed-size grayscale feature
// vector.
//
// The vector is row-major: the first Width values are row 0 from left to
// right, then row 1, and so on. Every value is the pixel intensity divided by
// 255 and rounded to three decimal digits, so it lies in [0,1].
package normalize

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/svapp/image-labeler/pkg/processing"
	"github.com/svapp/image-labeler/pkg/types"
)

// Decimals is the number of decimal digits kept per feature.
const Decimals = 3

// Normalizer converts images to feature vectors.
type Normalizer struct {
	proc   *processing.Processor
	filter imaging.ResampleFilter
}

// New returns a Normalizer using bilinear resampling.
func New() *Normalizer {
	return &Normalizer{
		proc:   processing.NewProcessor(),
		filter: imaging.Linear,
	}
}

// Normalize loads the image at path and returns its W*H feature vector. An
// undecodable file fails with an error wrapping types.ErrImageUnreadable.
func (n *Normalizer) Normalize(path string, res types.Resolution) ([]float64, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	img, err := n.proc.LoadImage(path)
	if err != nil {
		return nil, err
	}
	return n.NormalizeImage(img, res)
}

// NormalizeImage returns the feature vector of an already decoded image.
func (n *Normalizer) NormalizeImage(img image.Image, res types.Resolution) ([]float64, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", types.ErrImageUnreadable)
	}

	gray := imaging.Resize(imaging.Grayscale(img), res.Width, res.Height, n.filter)

	features := make([]float64, 0, res.Features())
	for y := 0; y < res.Height; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+res.Width*4]
		for x := 0; x < res.Width; x++ {
			features = append(features, Round(float64(row[x*4])/255, Decimals))
		}
	}
	return features, nil
}

// Round rounds v half away from zero to the given number of decimal digits.
func Round(v float64, digits int) float64 {
	p := math.Pow10(digits)
	return math.Round(v*p) / p
}
