package labels

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svapp/image-labeler/pkg/registry"
	"github.com/svapp/image-labeler/pkg/types"
)

const (
	cfgPath    = "/data/config.json"
	labelsPath = "/data/labels.json"
)

func newRegistry(t *testing.T, fs afero.Fs, names ...string) *registry.Registry {
	t.Helper()
	reg := registry.New(fs, cfgPath)
	specs := make([]types.ClassSpec, len(names))
	for i, n := range names {
		specs[i] = types.ClassSpec{Name: n}
	}
	require.NoError(t, reg.ReplaceAll(specs))
	return reg
}

func TestLoadMissingIsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Load(fs, labelsPath, newRegistry(t, fs, "cat"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestLoadCorruptYieldsEmptyStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, labelsPath, []byte(`{"a.png": [1]`), 0644))

	s, err := Load(fs, labelsPath, newRegistry(t, fs, "cat"))
	require.ErrorIs(t, err, types.ErrLabelsCorrupt)
	require.NotNil(t, s)
	assert.Equal(t, 0, s.Len())
}

func TestLoadNullIsCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, labelsPath, []byte(`null`), 0644))

	s, err := Load(fs, labelsPath, newRegistry(t, fs, "cat"))
	require.ErrorIs(t, err, types.ErrLabelsCorrupt)
	require.NotNil(t, s)
	assert.Equal(t, 0, s.Len())
}

func TestLoadAcceptsNumericIndices(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, labelsPath, []byte(`{"a.png": "1", "b.png": 0}`), 0644))

	s, err := Load(fs, labelsPath, newRegistry(t, fs, "cat", "dog"))
	require.NoError(t, err)
	e, ok := s.Label("a.png")
	require.True(t, ok)
	assert.Equal(t, "dog", e.Name)
	idx, ok := s.Index("b.png")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestSetLabelPersistsEveryEdit(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := newRegistry(t, fs, "cat", "dog")
	s := New(fs, labelsPath, reg)

	require.NoError(t, s.SetLabel("a.png", "dog"))
	data, err := afero.ReadFile(fs, labelsPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a.png": "1"}`, string(data))

	require.NoError(t, s.SetLabel("a.png", "cat"))
	require.NoError(t, s.SetLabel("sub/b.png", "dog"))
	data, err = afero.ReadFile(fs, labelsPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a.png": "0", "sub/b.png": "1"}`, string(data))
}

func TestSetLabelUnknownClassIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, labelsPath, newRegistry(t, fs, "cat"))

	require.NoError(t, s.SetLabel("a.png", "unicorn"))
	assert.Equal(t, 0, s.Len())
	exists, err := afero.Exists(fs, labelsPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestColorFor(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := newRegistry(t, fs, "cat", "dog")
	s := New(fs, labelsPath, reg)
	require.NoError(t, s.SetLabel("a.png", "dog"))

	dog, _ := reg.ByName("dog")
	assert.Equal(t, dog.Color, s.ColorFor("a.png"))
	assert.Equal(t, registry.DefaultColor, s.ColorFor("unlabeled.png"))

	// Recolor through the registry; the cached projection must follow.
	require.NoError(t, reg.ReplaceAll([]types.ClassSpec{{Name: "cat"}, {Name: "dog", Color: "#123456"}}))
	assert.Equal(t, "#123456", s.ColorFor("a.png"))

	// Removing the class leaves a stale entry that fails soft.
	require.NoError(t, reg.ReplaceAll([]types.ClassSpec{{Name: "cat"}}))
	assert.Equal(t, registry.DefaultColor, s.ColorFor("a.png"))
	_, ok := s.Label("a.png")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestCloseDetachesFromRegistry(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := newRegistry(t, fs, "cat", "dog")
	s := New(fs, labelsPath, reg)
	require.NoError(t, s.SetLabel("a.png", "dog"))
	s.ColorFor("a.png")
	require.NotNil(t, s.colors)

	s.Close()
	s.Close()
	require.NoError(t, reg.ReplaceAll([]types.ClassSpec{{Name: "cat"}, {Name: "dog", Color: "#123456"}}))
	assert.NotNil(t, s.colors, "closed store must no longer be invalidated")
}

func TestParseFilenames(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := registry.New(fs, cfgPath)
	s := New(fs, labelsPath, reg)

	files := []string{"cat_1.png", "dog_1.jpg", "cat_2.png", "nolabel.png"}
	n, err := ParseFilenames(files, LabelFirst, reg, s)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"cat", "dog", "nolabel"}, reg.Names())

	e, ok := s.Label("cat_2.png")
	require.True(t, ok)
	assert.Equal(t, "cat", e.Name)

	n, err = ParseFilenames([]string{"1_cat.png", "2_dog.png", "3.png"}, NumberFirst, reg, s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"cat", "dog"}, reg.Names())
	_, ok = s.Index("3.png")
	assert.False(t, ok)
	_, ok = s.Index("cat_1.png")
	assert.False(t, ok)
}
