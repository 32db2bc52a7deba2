// Package stats computes class distributions of label files and exported
// datasets, and draws them as bar charts.
//
// Every reader tolerates empty inputs and a trailing blank line; an empty
// distribution draws nothing.
package stats

import (
	"bufio"
	"bytes"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/svapp/image-labeler/pkg/labels"
	"github.com/svapp/image-labeler/pkg/registry"
)

// Count is the number of samples of one class.
type Count struct {
	Index int
	Class string
	Color string
	Count int
}

// Distribution is a per-class sample count, ordered by class index.
type Distribution struct {
	Source string
	Counts []Count
}

// Total returns the number of samples.
func (d Distribution) Total() int {
	return lo.SumBy(d.Counts, func(c Count) int { return c.Count })
}

// Empty reports whether there are no samples.
func (d Distribution) Empty() bool {
	return d.Total() == 0
}

// Share returns the fraction of all samples that c represents.
func (d Distribution) Share(c Count) float64 {
	total := d.Total()
	if total == 0 {
		return 0
	}
	return float64(c.Count) / float64(total)
}

// ByFrequency returns the counts from most to least frequent.
func (d Distribution) ByFrequency() []Count {
	out := append([]Count(nil), d.Counts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Top returns the n most frequent classes.
func (d Distribution) Top(n int) []Count {
	sorted := d.ByFrequency()
	return sorted[:min(n, len(sorted))]
}

// Bottom returns the n least frequent classes, rarest last.
func (d Distribution) Bottom(n int) []Count {
	sorted := d.ByFrequency()
	return sorted[len(sorted)-min(n, len(sorted)):]
}

// Load picks the reader from the file extension: .json is a label file,
// .csv a table export and anything else a pair export.
func Load(path string, reg *registry.Registry) (Distribution, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FromLabels(afero.NewOsFs(), path, reg)
	}

	f, err := os.Open(path)
	if err != nil {
		return Distribution{}, err
	}
	defer f.Close()

	var d Distribution
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		d, err = FromCSV(f, reg)
	} else {
		d, err = FromPairText(f, reg)
	}
	d.Source = path
	return d, err
}

// FromLabels counts the classes of a label file. Files pointing at removed
// classes are counted under their bare index.
func FromLabels(fs afero.Fs, path string, reg *registry.Registry) (Distribution, error) {
	if reg == nil {
		reg = registry.New(fs, "")
	}
	store, err := labels.Load(fs, path, reg)
	if err != nil {
		return Distribution{Source: path}, err
	}
	defer store.Close()

	counts := make(map[int]int)
	for _, f := range store.Files() {
		if idx, ok := store.Index(f); ok {
			counts[idx]++
		}
	}
	d := FromCounts(counts, reg)
	d.Source = path
	return d, nil
}

// FromPairText counts a pair export. The class of a sample is the position
// of the largest value of its label line. Reading stops at the first
// incomplete pair.
func FromPairText(r io.Reader, reg *registry.Registry) (Distribution, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	counts := make(map[int]int)
	for {
		if !sc.Scan() || strings.TrimSpace(sc.Text()) == "" {
			break
		}
		if !sc.Scan() || strings.TrimSpace(sc.Text()) == "" {
			break
		}
		idx, err := argmax(strings.Fields(sc.Text()))
		if err != nil {
			return Distribution{}, err
		}
		counts[idx]++
	}
	if err := sc.Err(); err != nil {
		return Distribution{}, err
	}
	return FromCounts(counts, reg), nil
}

// FromCSV counts a table export by its label column.
func FromCSV(r io.Reader, reg *registry.Registry) (Distribution, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Distribution{}, err
	}
	if len(bytes.Fields(data)) <= 1 {
		// Header only, or nothing at all.
		return FromCounts(nil, reg), nil
	}

	df := dataframe.ReadCSV(bytes.NewReader(data), dataframe.HasHeader(true), dataframe.DetectTypes(false))
	if df.Err != nil {
		return Distribution{}, fmt.Errorf("failed to read table: %w", df.Err)
	}
	names := df.Names()
	if len(names) == 0 {
		return FromCounts(nil, reg), nil
	}

	counts := make(map[int]int)
	for row, v := range df.Col(names[0]).Records() {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		idx, err := strconv.Atoi(v)
		if err != nil {
			return Distribution{}, fmt.Errorf("row %d: label %q is not a class index", row+1, v)
		}
		counts[idx]++
	}
	return FromCounts(counts, reg), nil
}

func argmax(fields []string) (int, error) {
	best, bestVal := -1, 0.0
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, fmt.Errorf("bad label value %q: %w", f, err)
		}
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("empty label line")
	}
	return best, nil
}

// FromCounts builds a distribution from counts by class index, naming each
// class from reg when it still exists there.
func FromCounts(counts map[int]int, reg *registry.Registry) Distribution {
	idxs := lo.Keys(counts)
	sort.Ints(idxs)

	d := Distribution{Counts: make([]Count, 0, len(idxs))}
	for _, idx := range idxs {
		c := Count{Index: idx, Class: strconv.Itoa(idx), Color: registry.DefaultColor, Count: counts[idx]}
		if reg != nil {
			if e, ok := reg.ByIndex(idx); ok {
				c.Class, c.Color = e.Name, e.Color
			}
		}
		d.Counts = append(d.Counts, c)
	}
	return d
}

// SaveChart draws a bar chart of d, one bar per class in its registry color,
// and saves it to path (format from the extension). An empty distribution
// writes nothing and is not an error.
func SaveChart(d Distribution, path string, width, height vg.Length) error {
	if d.Empty() {
		return nil
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Class distribution (%d samples)", d.Total())
	p.Y.Label.Text = "samples"
	p.Y.Min = 0

	n := len(d.Counts)
	barWidth := vg.Points(max(4, 400/float64(n)))
	for i, c := range d.Counts {
		values := make(plotter.Values, n)
		values[i] = float64(c.Count)
		bars, err := plotter.NewBarChart(values, barWidth)
		if err != nil {
			return err
		}
		bars.Color = parseColor(c.Color)
		bars.LineStyle.Width = 0
		p.Add(bars)
	}
	p.NominalX(lo.Map(d.Counts, func(c Count, _ int) string {
		return fmt.Sprintf("%s (%.1f%%)", c.Class, 100*d.Share(c))
	})...)

	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("failed to save chart: %w", err)
	}
	return nil
}

func parseColor(hex string) color.Color {
	c, err := colorful.Hex(hex)
	if err != nil {
		c, _ = colorful.Hex(registry.DefaultColor)
	}
	return c
}
