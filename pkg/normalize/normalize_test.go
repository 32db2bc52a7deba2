package normalize

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svapp/image-labeler/pkg/types"
)

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestNormalizeShapeAndRange(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 97, 53))
	for y := 0; y < 53; y++ {
		for x := 0; x < 97; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 2), uint8(y * 4), 200, 255})
		}
	}
	path := writePNG(t, img)

	n := New()
	res := types.Resolution{Width: 16, Height: 8}
	got, err := n.Normalize(path, res)
	require.NoError(t, err)
	require.Len(t, got, 16*8)
	for _, v := range got {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
		assert.Equal(t, v, Round(v, 3))
	}

	again, err := n.Normalize(path, res)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestNormalizeRowMajor(t *testing.T) {
	// Left half black, right half white; top row and bottom row identical.
	img := image.NewGray(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		img.SetGray(2, y, color.Gray{Y: 255})
		img.SetGray(3, y, color.Gray{Y: 255})
	}

	got, err := New().NormalizeImage(img, types.Resolution{Width: 4, Height: 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1, 1, 0, 0, 1, 1}, got)
}

func TestNormalizeRounding(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	img.SetGray(0, 0, color.Gray{Y: 128})

	got, err := New().NormalizeImage(img, types.Resolution{Width: 1, Height: 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.502}, got)
}

func TestNormalizeUnreadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jpg")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	_, err := New().Normalize(path, types.Resolution{Width: 8, Height: 8})
	assert.ErrorIs(t, err, types.ErrImageUnreadable)
}

func TestNormalizeInvalidResolution(t *testing.T) {
	_, err := New().NormalizeImage(image.NewGray(image.Rect(0, 0, 2, 2)), types.Resolution{Width: 0, Height: 4})
	assert.Error(t, err)
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.12, Round(0.1249, 2))
	assert.Equal(t, 0.125, Round(0.12499, 3))
	assert.Equal(t, 1.0, Round(0.9996, 3))
}
