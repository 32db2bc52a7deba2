// Package mnist builds ready-made CSV datasets from the MNIST digits and
// Fashion-MNIST collections.
package mnist

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/svapp/image-labeler/pkg/dataset"
	"github.com/svapp/image-labeler/pkg/normalize"
	"github.com/svapp/image-labeler/pkg/types"
)

// Kind selects the collection.
type Kind string

const (
	Digits  Kind = "digits"
	Fashion Kind = "fashion"
)

const (
	digitsURL  = "https://storage.googleapis.com/cvdf-datasets/mnist/"
	fashionURL = "http://fashion-mnist.s3-website.eu-central-1.amazonaws.com/"

	trainImagesFile = "train-images-idx3-ubyte.gz"
	trainLabelsFile = "train-labels-idx1-ubyte.gz"
	testImagesFile  = "t10k-images-idx3-ubyte.gz"
	testLabelsFile  = "t10k-labels-idx1-ubyte.gz"

	// Decimals is the rounding applied to pixel values.
	Decimals = 2
)

// Split names one half of the collection.
type Split string

const (
	Train Split = "train"
	Test  Split = "test"
)

var splitFiles = map[Split][2]string{
	Train: {trainImagesFile, trainLabelsFile},
	Test:  {testImagesFile, testLabelsFile},
}

// ParseKind accepts "digits" and "fashion".
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Digits, Fashion:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown MNIST kind %q (want digits or fashion)", s)
}

func (k Kind) baseURL() string {
	if k == Fashion {
		return fashionURL
	}
	return digitsURL
}

// Loader downloads, caches and samples one collection.
type Loader struct {
	kind     Kind
	cacheDir string
	baseURL  string
	client   *http.Client
	progress bool
	rng      *rand.Rand
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithBaseURL overrides the download location.
func WithBaseURL(u string) Option {
	return func(l *Loader) { l.baseURL = u }
}

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithProgressBar shows a terminal progress bar while downloading.
func WithProgressBar(show bool) Option {
	return func(l *Loader) { l.progress = show }
}

// WithRand sets the sampling source.
func WithRand(rng *rand.Rand) Option {
	return func(l *Loader) { l.rng = rng }
}

// WithClock overrides the time source used for output names.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(l *Loader) { l.log = lg }
}

// NewLoader creates a loader caching its downloads in cacheDir.
func NewLoader(kind Kind, cacheDir string, opts ...Option) *Loader {
	l := &Loader{
		kind:     kind,
		cacheDir: cacheDir,
		baseURL:  kind.baseURL(),
		client:   &http.Client{Timeout: 10 * time.Minute},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		log:      log.Logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the images and labels of split, downloading them first if
// they are not cached.
func (l *Loader) Load(ctx context.Context, split Split) (images, labels *Array, err error) {
	files, ok := splitFiles[split]
	if !ok {
		return nil, nil, fmt.Errorf("unknown split %q", split)
	}
	for _, name := range files {
		if err := l.downloadIfMissing(ctx, name); err != nil {
			return nil, nil, err
		}
	}

	if images, err = ReadIDXFile(filepath.Join(l.cacheDir, files[0])); err != nil {
		return nil, nil, err
	}
	if labels, err = ReadIDXFile(filepath.Join(l.cacheDir, files[1])); err != nil {
		return nil, nil, err
	}
	if images.Len() != labels.Len() {
		return nil, nil, fmt.Errorf("%s: %d images but %d labels", split, images.Len(), labels.Len())
	}
	return images, labels, nil
}

// Export samples trainSize and testSize rows uniformly with replacement and
// writes them to outDir as mnist_<kind>_<split>_<n>_<timestamp>.csv, in the
// same "label,1..N" shape as a folder export.
func (l *Loader) Export(ctx context.Context, outDir string, trainSize, testSize int) (trainPath, testPath string, err error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}
	stamp := l.now().Format(dataset.TimestampLayout)

	paths := make(map[Split]string, 2)
	for _, job := range []struct {
		split Split
		n     int
	}{{Train, trainSize}, {Test, testSize}} {
		images, labels, err := l.Load(ctx, job.split)
		if err != nil {
			return "", "", err
		}
		p := filepath.Join(outDir, fmt.Sprintf("mnist_%s_%s_%d_%s.csv", l.kind, job.split, job.n, stamp))
		if err := l.writeSample(p, images, labels, job.n); err != nil {
			return "", "", err
		}
		l.log.Info().Str("path", p).Int("rows", job.n).Msg("mnist sample written")
		paths[job.split] = p
	}
	return paths[Train], paths[Test], nil
}

func (l *Loader) writeSample(path string, images, labels *Array, n int) error {
	if images.Len() == 0 && n > 0 {
		return fmt.Errorf("cannot sample from an empty collection")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := dataset.NewCSVWriter(f, images.Stride())
	if err != nil {
		return err
	}
	for _, row := range Sample(images, labels, n, l.rng) {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// Sample draws n rows uniformly with replacement. Pixels are divided by 255
// and rounded to two decimals.
func Sample(images, labels *Array, n int, rng *rand.Rand) []types.DatasetRow {
	stride := images.Stride()
	rows := make([]types.DatasetRow, n)
	for i := range rows {
		idx := rng.Intn(images.Len())
		features := make([]float64, stride)
		for j := range features {
			features[j] = normalize.Round(images.Value(idx*stride+j)/255, Decimals)
		}
		rows[i] = types.DatasetRow{Features: features, Label: int(labels.Value(idx))}
	}
	return rows
}

func (l *Loader) downloadIfMissing(ctx context.Context, name string) error {
	target := filepath.Join(l.cacheDir, name)
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if err := os.MkdirAll(l.cacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	src, err := url.JoinPath(l.baseURL, name)
	if err != nil {
		return fmt.Errorf("invalid download URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	l.log.Info().Str("url", src).Msg("downloading")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: HTTP %d", name, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(l.cacheDir, name+".*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var dst io.Writer = tmp
	if l.progress {
		bar := progressbar.DefaultBytes(resp.ContentLength, name)
		dst = io.MultiWriter(tmp, bar)
		defer bar.Close()
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	return nil
}
