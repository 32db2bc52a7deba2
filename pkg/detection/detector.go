// Package detection asks a vision model which registered class an image
// shows and where its subject is.
package detection

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/svapp/image-labeler/pkg/client"
	"github.com/svapp/image-labeler/pkg/llamacpp"
	"github.com/svapp/image-labeler/pkg/ollama"
	"github.com/svapp/image-labeler/pkg/processing"
	"github.com/svapp/image-labeler/pkg/registry"
	"github.com/svapp/image-labeler/pkg/types"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

const promptTemplate = `You are an image classifier for an annotation tool.

The image belongs to exactly one of these classes:
%s

Return JSON only:
{
  "primary": {
    "label": "one class name from the list, or none",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
  },
  "description": "short neutral sentence (<= 20 words)",
  "tags": ["tag1", "tag2", "tag3"]
}

HARD RULES
- "label" must be copied exactly from the class list. If no class fits, use "none".
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- The box should tightly include the subject that decides the class.
- Description must be brief and factual. Do not guess real identities.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// fallbackIndicators mark answers the model produced without really seeing
// a subject.
var fallbackIndicators = []string{"unclear", "empty", "parse", "error", "fallback", "non-json", "generic"}

// Suggestion is a model's proposed class and subject box for one image.
type Suggestion struct {
	Class       types.ClassEntry
	Confidence  float64
	Box         types.Box
	Description string
	Tags        []string
}

// Detector turns vision model answers into class suggestions.
type Detector struct {
	client   client.VisionClient
	model    string
	proc     *processing.Processor
	sendSize int
	quality  int
	log      zerolog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithSendSize bounds the longest side of the image sent to the model.
func WithSendSize(px int) Option {
	return func(d *Detector) { d.sendSize = px }
}

// WithQuality sets the JPEG quality of the image sent to the model.
func WithQuality(q int) Option {
	return func(d *Detector) { d.quality = q }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// NewDetector creates a new detector with a vision client
func NewDetector(c client.VisionClient, model string, opts ...Option) *Detector {
	d := &Detector{
		client:   c,
		model:    model,
		proc:     processing.NewProcessor(),
		sendSize: 1024,
		quality:  85,
		log:      log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewClient builds the vision client of the named backend, "ollama" or
// "llamacpp".
func NewClient(backend, url string) (client.VisionClient, error) {
	switch backend {
	case "ollama":
		return ollama.NewClient(url)
	case "llamacpp":
		return llamacpp.NewClient(url)
	}
	return nil, fmt.Errorf("unknown backend %q (use ollama or llamacpp)", backend)
}

// Prompt lists the class names the model must choose from.
func Prompt(names []string) string {
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	return fmt.Sprintf(promptTemplate, strings.TrimRight(b.String(), "\n"))
}

// Suggest asks the model for the class of img. ok is false when the model
// names no registered class; that is not an error.
func (d *Detector) Suggest(ctx context.Context, img image.Image, reg *registry.Registry) (Suggestion, bool, error) {
	if reg.Len() == 0 {
		return Suggestion{}, false, nil
	}

	imgB64, err := d.proc.PrepareImageForModel(img, "jpg", d.sendSize, d.quality)
	if err != nil {
		return Suggestion{}, false, fmt.Errorf("failed to encode image: %w", err)
	}
	result, err := d.client.AnalyzeImage(ctx, d.model, Prompt(reg.Names()), imgB64)
	if err != nil {
		return Suggestion{}, false, err
	}

	entry, ok := Resolve(result, reg)
	if !ok {
		d.log.Debug().Str("label", result.Primary.Label).Err(types.ErrClassUnresolved).Msg("no suggestion")
		return Suggestion{}, false, nil
	}
	return Suggestion{
		Class:       entry,
		Confidence:  clamp(result.Primary.Confidence, 0, 1),
		Box:         normalizeBox(result.Primary.Box),
		Description: result.Description,
		Tags:        normalizeTags(result.Tags),
	}, true, nil
}

// SuggestFile loads path and calls Suggest.
func (d *Detector) SuggestFile(ctx context.Context, path string, reg *registry.Registry) (Suggestion, bool, error) {
	img, err := d.proc.LoadImage(path)
	if err != nil {
		return Suggestion{}, false, err
	}
	return d.Suggest(ctx, img, reg)
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := d.proc.PrepareImageForModel(img, "jpg", d.sendSize, d.quality)
	if err != nil {
		return "", err
	}
	return d.client.SimpleQuery(ctx, d.model, SimpleTestPrompt, imgB64)
}

// Resolve matches the answer's label against the registry, ignoring case and
// surrounding space. Fallback answers never resolve.
func Resolve(result *types.AnalysisResult, reg *registry.Registry) (types.ClassEntry, bool) {
	label := strings.ToLower(strings.TrimSpace(result.Primary.Label))
	if label == "" || label == "none" {
		return types.ClassEntry{}, false
	}
	for _, tag := range result.Tags {
		for _, indicator := range fallbackIndicators {
			if strings.EqualFold(tag, indicator) {
				return types.ClassEntry{}, false
			}
		}
	}
	for _, e := range reg.Entries() {
		if strings.ToLower(e.Name) == label {
			return e, true
		}
	}
	return types.ClassEntry{}, false
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox keeps the box inside the unit square.
func normalizeBox(b types.Box) types.Box {
	x, y := clamp(b.X, 0, 1), clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}

// normalizeTags ensures tags are cleaned and limited to 5 entries
func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 5)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == 5 {
			break
		}
	}
	return out
}
