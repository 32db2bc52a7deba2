package types

import (
	"fmt"
	"image"
)

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Primary represents the primary subject detected in an image
type Primary struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
	Cx         float64 `json:"cx"`
	Cy         float64 `json:"cy"`
}

// AnalysisResult contains the complete analysis result from the vision model
type AnalysisResult struct {
	Primary     Primary  `json:"primary"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// ClassEntry is one annotation category of a class registry.
type ClassEntry struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
	Color string `json:"color"`
}

// ClassSpec is an input row for a bulk registry replacement. An empty Color
// keeps the class's current color or assigns a new one.
type ClassSpec struct {
	Name  string
	Color string
}

// Resolution is the fixed width and height every exported image is resized to.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Features returns the number of values in one normalized image vector.
func (r Resolution) Features() int {
	return r.Width * r.Height
}

// Validate checks that both dimensions are positive.
func (r Resolution) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", r.Width, r.Height)
	}
	return nil
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// SelectionBox holds x0, y0, x1, y1 in preview coordinates. The two corners
// may be given in any order.
type SelectionBox [4]int

// Empty reports whether both the width and the height of the box are zero.
func (b SelectionBox) Empty() bool {
	return abs(b[2]-b[0]) == 0 && abs(b[3]-b[1]) == 0
}

// Shift moves the whole box by dx, dy.
func (b SelectionBox) Shift(dx, dy int) SelectionBox {
	return SelectionBox{b[0] + dx, b[1] + dy, b[2] + dx, b[3] + dy}
}

// Rect returns the canonical rectangle spanned by the box.
func (b SelectionBox) Rect() image.Rectangle {
	return image.Rect(b[0], b[1], b[2], b[3])
}

// DatasetRow is one exported sample. Label is the class index; OneHot is only
// populated by encoders that need it.
type DatasetRow struct {
	Features []float64
	Label    int
	OneHot   []int
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
