package registry

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svapp/image-labeler/pkg/types"
)

const cfgPath = "/data/config.json"

func specs(names ...string) []types.ClassSpec {
	out := make([]types.ClassSpec, len(names))
	for i, n := range names {
		out[i] = types.ClassSpec{Name: n}
	}
	return out
}

func TestLoadMissingIsEmpty(t *testing.T) {
	r, err := Load(afero.NewMemMapFs(), cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestLoadCorrupt(t *testing.T) {
	tests := map[string]string{
		"not json":      "{oops",
		"gap":           `{"cat": {"index": 0, "color": "#ff0000"}, "dog": {"index": 2, "color": "#00ff00"}}`,
		"duplicate":     `{"cat": {"index": 0, "color": "#ff0000"}, "dog": {"index": 0, "color": "#00ff00"}}`,
		"bad color":     `{"cat": {"index": 0, "color": "red"}}`,
		"bad legacy":    `{"cat": "zero"}`,
		"negative":      `{"cat": {"index": -1}}`,
		"array payload": `["cat", "dog"]`,
		"null":          `null`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, cfgPath, []byte(body), 0644))
			_, err := Load(fs, cfgPath)
			require.ErrorIs(t, err, types.ErrConfigCorrupt)
		})
	}
}

func TestLoadLegacyWithoutColors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, cfgPath, []byte(`{"cat": "0", "bird": "3", "dog": 1}`), 0644))

	r, err := Load(fs, cfgPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog", "bird"}, r.Names())
	e, ok := r.ByName("bird")
	require.True(t, ok)
	assert.Equal(t, 2, e.Index)
	assert.Empty(t, e.Color)
}

func TestReplaceAllDenseIndicesAndPersist(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, cfgPath)

	require.NoError(t, r.ReplaceAll(specs("cat", "", "  ", "dog", "bird")))
	require.Equal(t, 3, r.Len())
	for i, e := range r.Entries() {
		assert.Equal(t, i, e.Index)
		assert.NotEmpty(t, e.Color)
	}

	reloaded, err := Load(fs, cfgPath)
	require.NoError(t, err)
	assert.Equal(t, r.Entries(), reloaded.Entries())
}

func TestReplaceAllKeepsExistingColors(t *testing.T) {
	r := New(afero.NewMemMapFs(), cfgPath)
	require.NoError(t, r.ReplaceAll(specs("cat", "dog")))
	dog, _ := r.ByName("dog")

	require.NoError(t, r.ReplaceAll(specs("fish", "dog")))
	moved, ok := r.ByName("dog")
	require.True(t, ok)
	assert.Equal(t, 1, moved.Index)
	assert.Equal(t, dog.Color, moved.Color)

	fish, _ := r.ByName("fish")
	assert.NotEqual(t, dog.Color, fish.Color)
}

func TestReplaceAllLastWriteWins(t *testing.T) {
	r := New(afero.NewMemMapFs(), cfgPath)
	err := r.ReplaceAll([]types.ClassSpec{
		{Name: "cat", Color: "#111111"},
		{Name: "dog"},
		{Name: "cat", Color: "#222222"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dog", "cat"}, r.Names())
	cat, _ := r.ByName("cat")
	assert.Equal(t, 1, cat.Index)
	assert.Equal(t, "#222222", cat.Color)
}

func TestReplaceAllInvalidColorWritesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, cfgPath)
	require.NoError(t, r.ReplaceAll(specs("cat")))
	before, err := afero.ReadFile(fs, cfgPath)
	require.NoError(t, err)

	err = r.ReplaceAll([]types.ClassSpec{{Name: "dog", Color: "not-a-color"}})
	require.Error(t, err)

	after, err := afero.ReadFile(fs, cfgPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"cat"}, r.Names())
}

func TestPaletteUniqueThenRandom(t *testing.T) {
	r := New(afero.NewMemMapFs(), cfgPath, WithRand(rand.New(rand.NewSource(1))))
	names := make([]string, len(palette)+3)
	for i := range names {
		names[i] = fmt.Sprintf("class-%02d", i)
	}
	require.NoError(t, r.ReplaceAll(specs(names...)))

	seen := map[string]bool{}
	for _, e := range r.Entries()[:len(palette)] {
		assert.False(t, seen[e.Color], "palette color %s reused", e.Color)
		seen[e.Color] = true
	}
	for _, e := range r.Entries()[len(palette):] {
		_, err := colorful.Hex(e.Color)
		assert.NoError(t, err)
		assert.Len(t, e.Color, 7)
	}
}

func TestClearThenReplaceEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := New(fs, cfgPath)
	require.NoError(t, r.ReplaceAll(specs("cat", "dog")))

	require.NoError(t, r.Clear())
	require.NoError(t, r.ReplaceAll(nil))
	assert.Equal(t, 0, r.Len())

	data, err := afero.ReadFile(fs, cfgPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestOnChangeFires(t *testing.T) {
	r := New(afero.NewMemMapFs(), cfgPath)
	calls := 0
	r.OnChange(func() { calls++ })

	require.NoError(t, r.ReplaceAll(specs("cat")))
	require.NoError(t, r.Clear())
	assert.Equal(t, 2, calls)

	require.Error(t, r.ReplaceAll([]types.ClassSpec{{Name: "x", Color: "#zzzzzz"}}))
	assert.Equal(t, 2, calls)
}

func TestOnChangeCancel(t *testing.T) {
	r := New(afero.NewMemMapFs(), cfgPath)
	calls := 0
	cancel := r.OnChange(func() { calls++ })
	keep := r.OnChange(func() {})
	defer keep()

	require.NoError(t, r.ReplaceAll(specs("cat")))
	cancel()
	cancel()
	require.NoError(t, r.ReplaceAll(specs("dog")))
	assert.Equal(t, 1, calls)
	assert.Len(t, r.subs, 1)
}

func TestByIndex(t *testing.T) {
	r := New(afero.NewMemMapFs(), cfgPath)
	require.NoError(t, r.ReplaceAll(specs("cat", "dog")))

	e, ok := r.ByIndex(1)
	require.True(t, ok)
	assert.Equal(t, "dog", e.Name)

	_, ok = r.ByIndex(2)
	assert.False(t, ok)
	_, ok = r.ByIndex(-1)
	assert.False(t, ok)
}
