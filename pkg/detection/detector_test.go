package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svapp/image-labeler/pkg/registry"
	"github.com/svapp/image-labeler/pkg/types"
)

type fakeClient struct {
	result *types.AnalysisResult
	err    error
	prompt string
	image  string
}

func (f *fakeClient) SimpleQuery(_ context.Context, _, prompt, imgB64 string) (string, error) {
	f.prompt, f.image = prompt, imgB64
	return "a gray square", f.err
}

func (f *fakeClient) AnalyzeImage(_ context.Context, _, prompt, imgB64 string) (*types.AnalysisResult, error) {
	f.prompt, f.image = prompt, imgB64
	return f.result, f.err
}

func newRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	reg := registry.New(afero.NewMemMapFs(), "/config.json")
	specs := make([]types.ClassSpec, len(names))
	for i, n := range names {
		specs[i] = types.ClassSpec{Name: n}
	}
	require.NoError(t, reg.ReplaceAll(specs))
	return reg
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{128, 128, 128, 255})
		}
	}
	return img
}

func answer(label string, box types.Box, tags ...string) *types.AnalysisResult {
	return &types.AnalysisResult{
		Primary: types.Primary{Label: label, Confidence: 0.9, Box: box},
		Tags:    tags,
	}
}

func TestSuggestMatchesCaseInsensitively(t *testing.T) {
	reg := newRegistry(t, "Cat", "Dog")
	fc := &fakeClient{result: answer("  dog ", types.Box{X: 0.5, Y: 0.5, W: 0.9, H: 0.2}, "Pet", "pet", "animal")}
	d := NewDetector(fc, "m")

	s, ok, err := d.Suggest(context.Background(), testImage(), reg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Dog", s.Class.Name)
	assert.Equal(t, 1, s.Class.Index)
	assert.InDelta(t, 0.5, s.Box.W, 1e-9, "box is kept inside the image")
	assert.Equal(t, []string{"pet", "animal"}, s.Tags)

	assert.Contains(t, fc.prompt, "- Cat\n- Dog")
	assert.NotEmpty(t, fc.image)
}

func TestSuggestUnmatched(t *testing.T) {
	reg := newRegistry(t, "cat")
	tests := []struct {
		name   string
		result *types.AnalysisResult
	}{
		{"unknown class", answer("horse", types.Box{W: 1, H: 1})},
		{"none", answer("none", types.Box{W: 1, H: 1})},
		{"fallback", answer("cat", types.Box{W: 1, H: 1}, "non-json", "fallback")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(&fakeClient{result: tt.result}, "m")
			_, ok, err := d.Suggest(context.Background(), testImage(), reg)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSuggestEmptyRegistrySkipsModel(t *testing.T) {
	fc := &fakeClient{result: answer("cat", types.Box{})}
	_, ok, err := NewDetector(fc, "m").Suggest(context.Background(), testImage(), newRegistry(t))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, fc.prompt)
}

func TestSuggestClientError(t *testing.T) {
	fc := &fakeClient{err: errors.New("connection refused")}
	_, _, err := NewDetector(fc, "m").Suggest(context.Background(), testImage(), newRegistry(t, "cat"))
	assert.Error(t, err)
}

func TestSuggestFileUnreadable(t *testing.T) {
	d := NewDetector(&fakeClient{}, "m")
	_, _, err := d.SuggestFile(context.Background(), "/does/not/exist.png", newRegistry(t, "cat"))
	assert.ErrorIs(t, err, types.ErrImageUnreadable)
}

func TestTestVision(t *testing.T) {
	fc := &fakeClient{}
	out, err := NewDetector(fc, "m", WithSendSize(32), WithQuality(50)).TestVision(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, "a gray square", out)
	assert.Equal(t, SimpleTestPrompt, fc.prompt)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("llamacpp", "")
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = NewClient("openai", "")
	assert.Error(t, err)
}
