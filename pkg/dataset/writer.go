package dataset

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/svapp/image-labeler/pkg/types"
)

// Format selects the on-disk encoding of an export.
type Format string

const (
	// PairText writes two lines per sample: the features, then the one-hot label.
	PairText Format = "txt"
	// CSV writes a "label,1..N" header and one row per sample with the raw
	// class index.
	CSV Format = "csv"
)

// ParseFormat accepts "txt"/"pairs" and "csv"/"table".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "txt", "pairs", "pairtext", "":
		return PairText, nil
	case "csv", "table":
		return CSV, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// Label is the word embedded in output file names.
func (f Format) Label() string {
	if f == CSV {
		return "table"
	}
	return "pairs"
}

// Ext is the output file extension without the dot.
func (f Format) Ext() string {
	return string(f)
}

// RowWriter streams dataset rows to an output.
type RowWriter interface {
	Write(row types.DatasetRow) error
	Flush() error
}

// NewWriter returns the row writer for format. features is the vector length
// every row must have; classes is the one-hot width for PairText.
func NewWriter(format Format, w io.Writer, features, classes int) (RowWriter, error) {
	switch format {
	case PairText:
		return &pairWriter{w: bufio.NewWriter(w), features: features, classes: classes}, nil
	case CSV:
		return NewCSVWriter(w, features)
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

type pairWriter struct {
	w        *bufio.Writer
	features int
	classes  int
}

func (p *pairWriter) Write(row types.DatasetRow) error {
	if len(row.Features) != p.features {
		return fmt.Errorf("row has %d features, want %d", len(row.Features), p.features)
	}
	if row.Label < 0 || row.Label >= p.classes {
		return fmt.Errorf("label %d out of range for %d classes", row.Label, p.classes)
	}

	for i, v := range row.Features {
		if i > 0 {
			p.w.WriteByte(' ')
		}
		p.w.WriteString(formatFeature(v))
	}
	p.w.WriteByte('\n')

	oneHot := row.OneHot
	if oneHot == nil {
		oneHot = OneHot(row.Label, p.classes)
	}
	for i, v := range oneHot {
		if i > 0 {
			p.w.WriteByte(' ')
		}
		p.w.WriteString(strconv.Itoa(v))
	}
	_, err := p.w.WriteString("\n")
	return err
}

func (p *pairWriter) Flush() error {
	return p.w.Flush()
}

// CSVWriter writes the tabular export shape. The header is written on creation.
type CSVWriter struct {
	w        *csv.Writer
	features int
	record   []string
}

// NewCSVWriter writes the "label,1,...,N" header to w and returns a writer for
// rows with N features.
func NewCSVWriter(w io.Writer, features int) (*CSVWriter, error) {
	cw := &CSVWriter{
		w:        csv.NewWriter(w),
		features: features,
		record:   make([]string, features+1),
	}
	cw.record[0] = "label"
	for i := 1; i <= features; i++ {
		cw.record[i] = strconv.Itoa(i)
	}
	if err := cw.w.Write(cw.record); err != nil {
		return nil, err
	}
	return cw, nil
}

// Write appends one sample.
func (c *CSVWriter) Write(row types.DatasetRow) error {
	if len(row.Features) != c.features {
		return fmt.Errorf("row has %d features, want %d", len(row.Features), c.features)
	}
	c.record[0] = strconv.Itoa(row.Label)
	for i, v := range row.Features {
		c.record[i+1] = formatFeature(v)
	}
	return c.w.Write(c.record)
}

// Flush writes any buffered rows.
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

// OneHot returns a vector of n zeros with a one at index.
func OneHot(index, n int) []int {
	v := make([]int, n)
	if index >= 0 && index < n {
		v[index] = 1
	}
	return v
}

func formatFeature(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
