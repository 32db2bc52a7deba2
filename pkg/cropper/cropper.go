// Package cropper implements the interactive crop tool as an explicit state
// machine.
//
// The user draws on a preview that is at most MaxPreviewWidth x
// MaxPreviewHeight. Selection coordinates always live in preview space and
// are multiplied by the session's scale before the crop is applied to the
// full-resolution source.
package cropper

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/svapp/image-labeler/internal/utils"
	"github.com/svapp/image-labeler/pkg/processing"
	"github.com/svapp/image-labeler/pkg/types"
	"github.com/svapp/image-labeler/pkg/vision"
)

var (
	// ErrEmptySelection is returned by Commit for a zero-area selection.
	ErrEmptySelection = errors.New("selection is empty")
	// ErrInvalidTransition is returned for an event the current state does not accept.
	ErrInvalidTransition = errors.New("invalid crop session transition")
)

// State is a crop session state.
type State int

const (
	Idle State = iota
	Previewing
	Selecting
	Committing
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Previewing:
		return "previewing"
	case Selecting:
		return "selecting"
	case Committing:
		return "committing"
	case Done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Direction is a nudge direction.
type Direction int

const (
	Up Direction = iota
	Down
	Left
	Right
)

// Config holds crop session settings
type Config struct {
	MaxPreviewWidth  int
	MaxPreviewHeight int
	MinSourceWidth   int
	MinSourceHeight  int
	// SaveAsCopy writes <base><CopySuffix><ext> next to the source instead of
	// overwriting it.
	SaveAsCopy bool
	CopySuffix string
	Quality    int
}

// DefaultConfig returns the default crop settings
func DefaultConfig() Config {
	return Config{
		MaxPreviewWidth:  1200,
		MaxPreviewHeight: 800,
		MinSourceWidth:   120,
		MinSourceHeight:  120,
		SaveAsCopy:       true,
		CopySuffix:       "_cropped",
		Quality:          95,
	}
}

// Result describes one saved crop
type Result struct {
	Source string
	Output string
	// Rect is the crop rectangle in source pixels.
	Rect   image.Rectangle
	Width  int
	Height int
}

// Session owns all transient crop state: the current source, its preview
// scale, the selection box and the remaining queue.
type Session struct {
	cfg      Config
	proc     *processing.Processor
	detector *vision.SubjectDetector
	log      zerolog.Logger

	state   State
	queue   []string
	path    string
	source  image.Image
	preview image.Image
	scale   float64
	box     types.SelectionBox
	skipped []string
	results []Result
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithDetector sets the subject detector used by AutoSelect.
func WithDetector(d *vision.SubjectDetector) Option {
	return func(s *Session) { s.detector = d }
}

// NewSession creates an idle session over paths, processed in order.
func NewSession(paths []string, cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		proc:     processing.NewProcessor(),
		detector: vision.New(),
		log:      log.Logger,
		queue:    append([]string(nil), paths...),
		scale:    1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueueFromDir lists the images of dir to crop, leaving out files that are
// already crop copies.
func QueueFromDir(dir string, exts []string, copySuffix string) ([]string, error) {
	files, err := utils.ListImageFiles(dir, exts)
	if err != nil {
		return nil, err
	}
	queue := files[:0]
	for _, f := range files {
		if utils.IsCopyName(f, copySuffix) {
			log.Debug().Str("file", f).Msg("already cropped, ignored")
			continue
		}
		queue = append(queue, f)
	}
	return queue, nil
}

// PreviewScale returns max(1, w/maxW, h/maxH).
func PreviewScale(w, h, maxW, maxH int) float64 {
	scale := 1.0
	if maxW > 0 {
		scale = math.Max(scale, float64(w)/float64(maxW))
	}
	if maxH > 0 {
		scale = math.Max(scale, float64(h)/float64(maxH))
	}
	return scale
}

// Start loads the first decodable image and enters Previewing. If that image
// is smaller than the minimum size in both dimensions the session does not
// start and types.ErrImageTooSmall is returned. An empty queue goes straight
// to Done.
func (s *Session) Start() error {
	if s.state != Idle {
		return fmt.Errorf("%w: start in %s", ErrInvalidTransition, s.state)
	}
	if !s.dequeue() {
		s.state = Done
		return nil
	}

	info := s.proc.ImageInfo(s.source)
	if info.Width < s.cfg.MinSourceWidth && info.Height < s.cfg.MinSourceHeight {
		s.log.Warn().Str("path", s.path).Int("width", info.Width).Int("height", info.Height).Msg("first image below minimum crop size")
		s.queue = append([]string{s.path}, s.queue...)
		s.source, s.preview, s.path = nil, nil, ""
		return fmt.Errorf("%w: %dx%d, minimum %dx%d", types.ErrImageTooSmall, info.Width, info.Height, s.cfg.MinSourceWidth, s.cfg.MinSourceHeight)
	}
	s.state = Previewing
	return nil
}

// dequeue loads queued files until one decodes. Undecodable files are
// recorded and skipped.
func (s *Session) dequeue() bool {
	for len(s.queue) > 0 {
		p := s.queue[0]
		s.queue = s.queue[1:]

		img, err := s.proc.LoadImage(p)
		if err != nil {
			s.log.Warn().Str("path", p).Err(err).Msg("cannot open as image, skipped")
			s.skipped = append(s.skipped, p)
			continue
		}

		b := img.Bounds()
		s.path = p
		s.source = img
		s.scale = PreviewScale(b.Dx(), b.Dy(), s.cfg.MaxPreviewWidth, s.cfg.MaxPreviewHeight)
		s.preview = s.proc.Preview(img, s.scale)
		s.box = types.SelectionBox{}
		s.log.Debug().Str("path", p).Float64("scale", s.scale).Msg("image loaded")
		return true
	}
	s.path, s.source, s.preview = "", nil, nil
	return false
}

// PointerDown starts a new selection at x, y in preview coordinates.
func (s *Session) PointerDown(x, y int) error {
	if s.state != Previewing && s.state != Selecting {
		return fmt.Errorf("%w: pointer down in %s", ErrInvalidTransition, s.state)
	}
	s.box = types.SelectionBox{x, y, x, y}
	s.state = Selecting
	return nil
}

// PointerDrag moves the free corner of the selection.
func (s *Session) PointerDrag(x, y int) error {
	if s.state != Selecting {
		return fmt.Errorf("%w: drag in %s", ErrInvalidTransition, s.state)
	}
	s.box[2], s.box[3] = x, y
	return nil
}

// PointerUp finishes the drag at x, y.
func (s *Session) PointerUp(x, y int) error {
	return s.PointerDrag(x, y)
}

// Nudge shifts the whole selection by one preview pixel.
func (s *Session) Nudge(d Direction) error {
	if s.state != Selecting {
		return fmt.Errorf("%w: nudge in %s", ErrInvalidTransition, s.state)
	}
	switch d {
	case Up:
		s.box = s.box.Shift(0, -1)
	case Down:
		s.box = s.box.Shift(0, 1)
	case Left:
		s.box = s.box.Shift(-1, 0)
	case Right:
		s.box = s.box.Shift(1, 0)
	default:
		return fmt.Errorf("unknown direction %d", d)
	}
	return nil
}

// Select sets the whole selection at once, in preview coordinates.
func (s *Session) Select(box types.SelectionBox) error {
	if s.state != Previewing && s.state != Selecting {
		return fmt.Errorf("%w: select in %s", ErrInvalidTransition, s.state)
	}
	s.box = box
	s.state = Selecting
	return nil
}

// SelectNormalized selects a box given in [0,1] image coordinates, as
// returned by a vision model.
func (s *Session) SelectNormalized(box types.Box) error {
	if s.preview == nil {
		return fmt.Errorf("%w: select in %s", ErrInvalidTransition, s.state)
	}
	b := s.preview.Bounds()
	r := processing.BoxToRect(box, b.Dx(), b.Dy())
	return s.Select(types.SelectionBox{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y})
}

// AutoSelect selects the most salient region of the preview.
func (s *Session) AutoSelect() (vision.Region, error) {
	if s.state != Previewing && s.state != Selecting {
		return vision.Region{}, fmt.Errorf("%w: auto select in %s", ErrInvalidTransition, s.state)
	}
	region, ok := s.detector.Locate(s.preview)
	if !ok {
		return vision.Region{}, fmt.Errorf("no subject found in %s", s.path)
	}
	r := region.Rect().Sub(s.preview.Bounds().Min)
	return region, s.Select(types.SelectionBox{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y})
}

// SourceRect maps the current selection to source pixels.
func (s *Session) SourceRect() image.Rectangle {
	scaled := func(v int) int { return int(math.Round(float64(v) * s.scale)) }
	return image.Rect(scaled(s.box[0]), scaled(s.box[1]), scaled(s.box[2]), scaled(s.box[3]))
}

// Commit crops the source to the selection and saves it, then moves on to
// the next queued image or to Done. A zero-area selection is rejected with
// ErrEmptySelection and nothing is written; a crop or save failure also
// leaves the session in Selecting.
func (s *Session) Commit() (Result, error) {
	if s.state != Selecting {
		return Result{}, fmt.Errorf("%w: commit in %s", ErrInvalidTransition, s.state)
	}
	s.state = Committing

	if s.box.Empty() {
		s.state = Selecting
		return Result{}, ErrEmptySelection
	}

	rect := s.SourceRect()
	cropped, err := s.proc.Crop(s.source, rect)
	if err != nil {
		s.state = Selecting
		s.log.Warn().Str("path", s.path).Err(err).Msg("crop failed")
		return Result{}, err
	}

	out := s.path
	if s.cfg.SaveAsCopy {
		out = utils.CopyName(s.path, s.cfg.CopySuffix)
	}
	if err := s.proc.SaveImage(cropped, out, s.cfg.Quality); err != nil {
		s.state = Selecting
		return Result{}, fmt.Errorf("failed to save %s: %w", out, err)
	}

	b := cropped.Bounds()
	res := Result{Source: s.path, Output: out, Rect: rect, Width: b.Dx(), Height: b.Dy()}
	s.results = append(s.results, res)
	s.log.Info().Str("source", s.path).Str("output", out).Int("width", res.Width).Int("height", res.Height).Msg("crop saved")

	s.advance()
	return res, nil
}

// Skip leaves the current image untouched and moves on.
func (s *Session) Skip() error {
	if s.state != Previewing && s.state != Selecting {
		return fmt.Errorf("%w: skip in %s", ErrInvalidTransition, s.state)
	}
	s.advance()
	return nil
}

// Abort ends the session, dropping the remaining queue.
func (s *Session) Abort() {
	s.queue = nil
	s.path, s.source, s.preview = "", nil, nil
	s.state = Done
}

func (s *Session) advance() {
	if s.dequeue() {
		s.state = Previewing
		return
	}
	s.state = Done
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Scale returns the preview-to-source factor of the current image.
func (s *Session) Scale() float64 { return s.scale }

// Selection returns the current selection in preview coordinates.
func (s *Session) Selection() types.SelectionBox { return s.box }

// Current returns the path of the image being cropped.
func (s *Session) Current() string { return s.path }

// Preview returns the preview image shown to the user.
func (s *Session) Preview() image.Image { return s.preview }

// Source returns the full-resolution image.
func (s *Session) Source() image.Image { return s.source }

// Remaining returns how many images are still queued after the current one.
func (s *Session) Remaining() int { return len(s.queue) }

// Skipped returns the queued files that could not be decoded.
func (s *Session) Skipped() []string { return append([]string(nil), s.skipped...) }

// Results returns the crops saved so far.
func (s *Session) Results() []Result { return append([]Result(nil), s.results...) }
