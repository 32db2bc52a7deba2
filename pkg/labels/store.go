// Package labels keeps the per-file class assignment of an image folder.
//
// The label file is a JSON object mapping folder-relative file names to the
// class index encoded as a string:
//
//	{ "cat_01.png": "0", "dogs/dog_07.png": "1" }
package labels

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/svapp/image-labeler/pkg/registry"
	"github.com/svapp/image-labeler/pkg/types"
)

// Store maps file names to class indices and persists every change.
type Store struct {
	fs     afero.Fs
	path   string
	reg    *registry.Registry
	labels map[string]string
	colors map[int]string
	log    zerolog.Logger
	stop   func()
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New returns an empty store bound to path that resolves class names through reg.
func New(fs afero.Fs, path string, reg *registry.Registry, opts ...Option) *Store {
	s := &Store{
		fs:     fs,
		path:   path,
		reg:    reg,
		labels: make(map[string]string),
		log:    log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stop = reg.OnChange(s.invalidate)
	return s
}

// Close detaches the store from its registry. Short-lived stores built over a
// long-lived registry must be closed.
func (s *Store) Close() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

// Load reads the label file at path. A missing file gives an empty store. A
// corrupt file also gives an empty, usable store together with an error
// wrapping types.ErrLabelsCorrupt so the caller can report it.
func Load(fs afero.Fs, path string, reg *registry.Registry, opts ...Option) (*Store, error) {
	s := New(fs, path, reg, opts...)

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("%s: %w: %v", path, types.ErrLabelsCorrupt, err)
	}

	labels, err := decode(data)
	if err != nil {
		s.log.Warn().Str("path", path).Err(err).Msg("label file is corrupt, starting empty")
		return s, fmt.Errorf("%s: %w: %v", path, types.ErrLabelsCorrupt, err)
	}
	s.labels = labels
	return s, nil
}

func decode(data []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("not a JSON object")
	}

	labels := make(map[string]string, len(raw))
	for name, msg := range raw {
		trimmed := strings.TrimSpace(string(msg))
		switch {
		case strings.HasPrefix(trimmed, `"`):
			var s string
			if err := json.Unmarshal(msg, &s); err != nil {
				return nil, fmt.Errorf("file %q: %v", name, err)
			}
			labels[key(name)] = strings.TrimSpace(s)
		default:
			var n int
			if err := json.Unmarshal(msg, &n); err != nil {
				return nil, fmt.Errorf("file %q: label must be a class index", name)
			}
			labels[key(name)] = strconv.Itoa(n)
		}
	}
	return labels, nil
}

func key(name string) string {
	return filepath.ToSlash(name)
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Len returns the number of labeled files.
func (s *Store) Len() int {
	return len(s.labels)
}

// Files returns the labeled file names, sorted.
func (s *Store) Files() []string {
	files := make([]string, 0, len(s.labels))
	for f := range s.labels {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Index returns the stored class index of filename. It fails soft: a missing
// or malformed entry reports false.
func (s *Store) Index(filename string) (int, bool) {
	raw, ok := s.labels[key(filename)]
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// Label returns the class filename is assigned to. Entries pointing at a
// class that no longer exists report false.
func (s *Store) Label(filename string) (types.ClassEntry, bool) {
	idx, ok := s.Index(filename)
	if !ok {
		return types.ClassEntry{}, false
	}
	return s.reg.ByIndex(idx)
}

// SetLabel assigns className to filename and rewrites the label file. An
// unknown class name is a no-op.
func (s *Store) SetLabel(filename, className string) error {
	entry, ok := s.reg.ByName(className)
	if !ok {
		s.log.Debug().Str("file", filename).Str("class", className).Err(types.ErrClassUnresolved).Msg("label ignored")
		return nil
	}

	k := key(filename)
	prev, had := s.labels[k]
	s.labels[k] = strconv.Itoa(entry.Index)
	if err := s.save(); err != nil {
		if had {
			s.labels[k] = prev
		} else {
			delete(s.labels, k)
		}
		return err
	}
	return nil
}

// ColorFor returns the registry color of filename's class, or
// registry.DefaultColor when the file is unlabeled or its class is gone.
func (s *Store) ColorFor(filename string) string {
	idx, ok := s.Index(filename)
	if !ok {
		return registry.DefaultColor
	}
	if s.colors == nil {
		s.colors = make(map[int]string, s.reg.Len())
		for _, e := range s.reg.Entries() {
			s.colors[e.Index] = e.Color
		}
	}
	if c := s.colors[idx]; c != "" {
		return c
	}
	return registry.DefaultColor
}

func (s *Store) invalidate() {
	s.colors = nil
}

// replaceAll swaps in a complete label map and persists it.
func (s *Store) replaceAll(labels map[string]string) error {
	prev := s.labels
	s.labels = labels
	if err := s.save(); err != nil {
		s.labels = prev
		return err
	}
	return nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.labels, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create labels directory: %w", err)
		}
	}
	if err := afero.WriteFile(s.fs, s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write labels: %w", err)
	}
	s.log.Debug().Str("path", s.path).Int("labels", len(s.labels)).Msg("labels saved")
	return nil
}
