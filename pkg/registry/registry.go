// Package registry owns the durable mapping between class names, dense
// indices and display colors.
//
// The registry file is a JSON object keyed by class name:
//
//	{ "cat": { "index": 0, "color": "#e6194b" }, "dog": { "index": 1, "color": "#3cb44b" } }
//
// Older files that store the index as a bare string or number (no color) are
// accepted on read; the writer always emits the full shape.
package registry

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/svapp/image-labeler/pkg/types"
)

// DefaultColor is shown for files without a (valid) label.
const DefaultColor = "#d9d9d9"

// palette holds the visually distinct colors handed out to new classes, in order.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
	"#aaffc3", "#808000", "#ffd8b1", "#000075", "#808080",
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#393b79", "#bcbd22", "#17becf",
}

// Palette returns a copy of the fixed class palette.
func Palette() []string {
	return append([]string(nil), palette...)
}

// Registry is the in-memory view of one class configuration file.
type Registry struct {
	fs      afero.Fs
	path    string
	entries []types.ClassEntry
	rng     *rand.Rand
	log     zerolog.Logger
	subs    map[int]func()
	nextSub int
}

// Option configures a Registry.
type Option func(*Registry)

// WithRand sets the source used for colors once the palette is exhausted.
func WithRand(rng *rand.Rand) Option {
	return func(r *Registry) { r.rng = rng }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New returns an empty registry bound to path. Nothing is written until the
// first mutation.
func New(fs afero.Fs, path string, opts ...Option) *Registry {
	r := &Registry{
		fs:   fs,
		path: path,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		log:  log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads the registry at path. A missing file yields an empty registry;
// an unparsable file or one whose indices are not dense fails with
// types.ErrConfigCorrupt.
func Load(fs afero.Fs, path string, opts ...Option) (*Registry, error) {
	r := New(fs, path, opts...)

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.Debug().Str("path", path).Msg("no class configuration, starting empty")
			return r, nil
		}
		return nil, fmt.Errorf("failed to read class configuration: %w", err)
	}

	entries, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, types.ErrConfigCorrupt, err)
	}
	r.entries = entries
	return r, nil
}

type record struct {
	Index int    `json:"index"`
	Color string `json:"color"`
}

func decode(data []byte) ([]types.ClassEntry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("not a JSON object")
	}

	entries := make([]types.ClassEntry, 0, len(raw))
	legacy := false
	for name, msg := range raw {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("empty class name")
		}
		entry := types.ClassEntry{Name: name}
		trimmed := strings.TrimSpace(string(msg))
		switch {
		case strings.HasPrefix(trimmed, "{"):
			var rec record
			if err := json.Unmarshal(msg, &rec); err != nil {
				return nil, fmt.Errorf("class %q: %v", name, err)
			}
			entry.Index = rec.Index
			if rec.Color != "" {
				c, err := colorful.Hex(rec.Color)
				if err != nil {
					return nil, fmt.Errorf("class %q: invalid color %q", name, rec.Color)
				}
				entry.Color = c.Hex()
			}
		case strings.HasPrefix(trimmed, `"`):
			var s string
			if err := json.Unmarshal(msg, &s); err != nil {
				return nil, fmt.Errorf("class %q: %v", name, err)
			}
			idx, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("class %q: index %q is not an integer", name, s)
			}
			entry.Index = idx
			legacy = true
		default:
			if err := json.Unmarshal(msg, &entry.Index); err != nil {
				return nil, fmt.Errorf("class %q: %v", name, err)
			}
			legacy = true
		}
		if entry.Index < 0 {
			return nil, fmt.Errorf("class %q: negative index %d", name, entry.Index)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Index != entries[j].Index {
			return entries[i].Index < entries[j].Index
		}
		return entries[i].Name < entries[j].Name
	})

	for i := range entries {
		if i > 0 && entries[i].Index == entries[i-1].Index {
			return nil, fmt.Errorf("classes %q and %q share index %d", entries[i-1].Name, entries[i].Name, entries[i].Index)
		}
		if entries[i].Index != i {
			// Legacy writers numbered the edit rows, blanks included, so the
			// order is kept and the indices are made dense again.
			if !legacy {
				return nil, fmt.Errorf("index %d missing", i)
			}
			entries[i].Index = i
		}
	}
	return entries, nil
}

// Path returns the file backing the registry.
func (r *Registry) Path() string {
	return r.path
}

// Len returns the number of classes.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Entries returns a copy of the classes ordered by index.
func (r *Registry) Entries() []types.ClassEntry {
	return append([]types.ClassEntry(nil), r.entries...)
}

// Names returns the class names ordered by index.
func (r *Registry) Names() []string {
	return lo.Map(r.entries, func(e types.ClassEntry, _ int) string { return e.Name })
}

// ByName looks up a class by its exact name.
func (r *Registry) ByName(name string) (types.ClassEntry, bool) {
	return lo.Find(r.entries, func(e types.ClassEntry) bool { return e.Name == name })
}

// ByIndex looks up a class by index.
func (r *Registry) ByIndex(index int) (types.ClassEntry, bool) {
	if index < 0 || index >= len(r.entries) {
		return types.ClassEntry{}, false
	}
	return r.entries[index], true
}

// OnChange registers fn to run after every successful mutation. Holders of
// cached name/index/color projections use it to drop their caches. The
// returned cancel removes fn again.
func (r *Registry) OnChange(fn func()) (cancel func()) {
	if r.subs == nil {
		r.subs = make(map[int]func())
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() { delete(r.subs, id) }
}

// ReplaceAll replaces the whole registry with specs, in order. Blank names
// are dropped, which is how classes are deleted. A name given more than once
// keeps only its last occurrence. Indices are the 0-based positions of the
// surviving names; classes that already existed keep their color unless a
// new one is given; the rest get the next unused palette color, or a random
// one once the palette runs out. The file is written before the in-memory
// state changes.
func (r *Registry) ReplaceAll(specs []types.ClassSpec) error {
	type pending struct {
		name  string
		color string
		drop  bool
	}

	var order []*pending
	latest := make(map[string]*pending)
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			continue
		}
		color := strings.TrimSpace(s.Color)
		if color != "" {
			c, err := colorful.Hex(color)
			if err != nil {
				return fmt.Errorf("class %q: invalid color %q", name, s.Color)
			}
			color = c.Hex()
		}
		if prev, ok := latest[name]; ok {
			prev.drop = true
		}
		p := &pending{name: name, color: color}
		latest[name] = p
		order = append(order, p)
	}
	order = lo.Filter(order, func(p *pending, _ int) bool { return !p.drop })

	entries := make([]types.ClassEntry, len(order))
	used := make(map[string]bool)
	for i, p := range order {
		entries[i] = types.ClassEntry{Name: p.name, Index: i, Color: p.color}
		if entries[i].Color == "" {
			if prev, ok := r.ByName(p.name); ok {
				entries[i].Color = prev.Color
			}
		}
		if entries[i].Color != "" {
			used[entries[i].Color] = true
		}
	}
	for i := range entries {
		if entries[i].Color == "" {
			entries[i].Color = r.nextColor(used)
			used[entries[i].Color] = true
		}
	}

	if err := r.save(entries); err != nil {
		return err
	}
	r.entries = entries
	r.notify()
	return nil
}

// Clear empties the registry and persists an empty mapping.
func (r *Registry) Clear() error {
	if err := r.save(nil); err != nil {
		return err
	}
	r.entries = nil
	r.notify()
	return nil
}

func (r *Registry) nextColor(used map[string]bool) string {
	for _, c := range palette {
		if !used[c] {
			return c
		}
	}
	// Degraded path: random colors are not checked for collisions.
	c := colorful.Hsv(r.rng.Float64()*360, 0.45+r.rng.Float64()*0.5, 0.55+r.rng.Float64()*0.45).Clamped().Hex()
	r.log.Debug().Str("color", c).Msg("class palette exhausted, using random color")
	return c
}

func (r *Registry) save(entries []types.ClassEntry) error {
	out := make(map[string]record, len(entries))
	for _, e := range entries {
		out[e.Name] = record{Index: e.Index, Color: e.Color}
	}
	data, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal class configuration: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "." && dir != "" {
		if err := r.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create class configuration directory: %w", err)
		}
	}
	if err := afero.WriteFile(r.fs, r.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write class configuration: %w", err)
	}
	r.log.Debug().Str("path", r.path).Int("classes", len(entries)).Msg("class configuration saved")
	return nil
}

func (r *Registry) notify() {
	for _, fn := range r.subs {
		fn()
	}
}
