package mnist

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idxBytes(t *testing.T, typ byte, dims []uint32, data any) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, typ, byte(len(dims))})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, dims))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, data))
	return buf.Bytes()
}

func gzipped(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParseIDXTypes(t *testing.T) {
	tests := []struct {
		name string
		typ  byte
		data any
		want []float64
	}{
		{"uint8", TypeUint8, []uint8{0, 128, 255}, []float64{0, 128, 255}},
		{"int8", TypeInt8, []int8{-1, 0, 7}, []float64{-1, 0, 7}},
		{"int16", TypeInt16, []int16{-300, 2, 300}, []float64{-300, 2, 300}},
		{"int32", TypeInt32, []int32{-70000, 0, 70000}, []float64{-70000, 0, 70000}},
		{"float32", TypeFloat32, []float32{0.5, -1.25, 3}, []float64{0.5, -1.25, 3}},
		{"float64", TypeFloat64, []float64{math.Pi, 0, -2}, []float64{math.Pi, 0, -2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseIDX(bytes.NewReader(idxBytes(t, tt.typ, []uint32{3}, tt.data)))
			require.NoError(t, err)
			assert.Equal(t, []int{3}, a.Dims)
			for i, w := range tt.want {
				assert.Equal(t, w, a.Value(i))
			}
		})
	}
}

func TestParseIDXErrors(t *testing.T) {
	_, err := ParseIDX(bytes.NewReader([]byte{1, 0, TypeUint8, 1}))
	assert.Error(t, err, "bad magic")

	_, err = ParseIDX(bytes.NewReader([]byte{0, 0, 0x42, 1, 0, 0, 0, 1, 0}))
	assert.Error(t, err, "unknown type")

	truncated := idxBytes(t, TypeUint8, []uint32{4}, []uint8{1, 2})
	_, err = ParseIDX(bytes.NewReader(truncated))
	assert.Error(t, err, "truncated data")
}

func TestArrayStride(t *testing.T) {
	a, err := ParseIDX(bytes.NewReader(idxBytes(t, TypeUint8, []uint32{2, 2, 3}, make([]uint8, 12))))
	require.NoError(t, err)
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 6, a.Stride())
}

func TestSample(t *testing.T) {
	images, err := ParseIDX(bytes.NewReader(idxBytes(t, TypeUint8, []uint32{2, 1, 2}, []uint8{0, 255, 100, 50})))
	require.NoError(t, err)
	labels, err := ParseIDX(bytes.NewReader(idxBytes(t, TypeUint8, []uint32{2}, []uint8{3, 7})))
	require.NoError(t, err)

	rows := Sample(images, labels, 50, rand.New(rand.NewSource(1)))
	require.Len(t, rows, 50)
	seen := map[int]bool{}
	for _, r := range rows {
		seen[r.Label] = true
		switch r.Label {
		case 3:
			assert.Equal(t, []float64{0, 1}, r.Features)
		case 7:
			assert.Equal(t, []float64{0.39, 0.2}, r.Features)
		default:
			t.Fatalf("unexpected label %d", r.Label)
		}
	}
	assert.Len(t, seen, 2, "sampling with replacement should hit both rows")
}

func newServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	images := gzipped(t, idxBytes(t, TypeUint8, []uint32{3, 2, 2}, []uint8{
		0, 0, 0, 0,
		255, 255, 255, 255,
		51, 102, 153, 204,
	}))
	labels := gzipped(t, idxBytes(t, TypeUint8, []uint32{3}, []uint8{0, 1, 2}))

	files := map[string][]byte{
		"/" + trainImagesFile: images,
		"/" + trainLabelsFile: labels,
		"/" + testImagesFile:  images,
		"/" + testLabelsFile:  labels,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLoaderExport(t *testing.T) {
	var hits int32
	srv := newServer(t, &hits)
	cache := t.TempDir()
	out := t.TempDir()
	now := func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }

	l := NewLoader(Fashion, cache, WithBaseURL(srv.URL), WithClock(now), WithRand(rand.New(rand.NewSource(7))))
	trainPath, testPath, err := l.Export(context.Background(), out, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, "mnist_fashion_train_5_2024_05_06_070809.csv", filepath.Base(trainPath))
	assert.Equal(t, "mnist_fashion_test_2_2024_05_06_070809.csv", filepath.Base(testPath))

	data, err := os.ReadFile(trainPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "label,1,2,3,4", lines[0])
	for _, line := range lines[1:] {
		assert.Contains(t, []string{"0,0,0,0,0", "1,1,1,1,1", "2,0.2,0.4,0.6,0.8"}, line)
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))

	// A second run is served from the cache.
	_, _, err = l.Export(context.Background(), out, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
}

func TestLoaderDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	l := NewLoader(Digits, t.TempDir(), WithBaseURL(srv.URL))
	_, _, err := l.Load(context.Background(), Train)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")

	_, _, err = l.Load(context.Background(), Split("validation"))
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("digits")
	require.NoError(t, err)
	assert.Equal(t, Digits, k)
	assert.Equal(t, digitsURL, k.baseURL())
	_, err = ParseKind("cifar")
	assert.Error(t, err)
}
