// Package dataset exports a labeled image folder as a flat training file.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/svapp/image-labeler/internal/utils"
	"github.com/svapp/image-labeler/pkg/labels"
	"github.com/svapp/image-labeler/pkg/normalize"
	"github.com/svapp/image-labeler/pkg/registry"
	"github.com/svapp/image-labeler/pkg/types"
)

// TimestampLayout is the time format embedded in output file names.
const TimestampLayout = "2006_01_02_150405"

// Options describes one export run.
type Options struct {
	Resolution types.Resolution
	Format     Format
	// Subfolders toggles first-level subfolders by name. Top-level files are
	// always included; deeper levels never are.
	Subfolders map[string]bool
	OutputDir  string
	OutputName string
	// Extensions limits the accepted image types; nil means the defaults.
	Extensions []string
}

// Result summarizes a finished export.
type Result struct {
	Path    string
	Scanned int
	Rows    int
	// Skipped counts unlabeled files and files whose class no longer exists.
	Skipped int
	// Failed counts files that could not be normalized.
	Failed int
}

// Exporter writes datasets.
type Exporter struct {
	norm     *normalize.Normalizer
	log      zerolog.Logger
	now      func() time.Time
	progress func(done, total int)
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Exporter) { e.log = l }
}

// WithClock overrides the time source used for output names.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// WithProgress registers a callback run after every scanned file.
func WithProgress(fn func(done, total int)) Option {
	return func(e *Exporter) { e.progress = fn }
}

// NewExporter creates an Exporter.
func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{
		norm: normalize.New(),
		log:  log.Logger,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export normalizes every labeled image of folder and writes the rows to a
// new file in opts.OutputDir. Unlabeled files are skipped silently and
// unreadable ones are logged and skipped. Export fails with
// types.ErrExportAborted only when it cannot start: missing inputs, an
// unreadable folder or an output file that cannot be created. Cancelling ctx
// stops between files and keeps the rows written so far.
func (e *Exporter) Export(ctx context.Context, folder string, store *labels.Store, reg *registry.Registry, opts Options) (Result, error) {
	if store == nil || reg == nil {
		return Result{}, fmt.Errorf("%w: labels and class registry are required", types.ErrExportAborted)
	}
	if err := opts.Resolution.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", types.ErrExportAborted, err)
	}
	if opts.Format == "" {
		opts.Format = PairText
	}

	files, err := Scan(folder, opts.Subfolders, opts.Extensions)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", types.ErrExportAborted, err)
	}

	f, err := e.create(opts)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", types.ErrExportAborted, err)
	}
	defer f.Close()

	classes := reg.Len()
	w, err := NewWriter(opts.Format, f, opts.Resolution.Features(), classes)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", types.ErrExportAborted, err)
	}

	res := Result{Path: f.Name(), Scanned: len(files)}
	e.log.Info().Str("folder", folder).Int("files", len(files)).Str("format", string(opts.Format)).
		Stringer("resolution", opts.Resolution).Str("output", res.Path).Msg("export started")

	var runErr error
	for i, rel := range files {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		e.exportFile(folder, rel, store, classes, opts.Resolution, w, &res)

		if e.progress != nil {
			e.progress(i+1, len(files))
		}
	}

	if err := w.Flush(); err != nil {
		return res, fmt.Errorf("failed to write %s: %w", res.Path, err)
	}
	if err := f.Close(); err != nil {
		return res, fmt.Errorf("failed to close %s: %w", res.Path, err)
	}

	e.log.Info().Str("output", res.Path).Int("rows", res.Rows).Int("skipped", res.Skipped).
		Int("failed", res.Failed).Msg("export finished")
	return res, runErr
}

func (e *Exporter) exportFile(folder, rel string, store *labels.Store, classes int, resolution types.Resolution, w RowWriter, res *Result) {
	idx, ok := store.Index(rel)
	if !ok {
		e.log.Debug().Str("file", rel).Msg("unlabeled, skipped")
		res.Skipped++
		return
	}
	if idx < 0 || idx >= classes {
		e.log.Debug().Str("file", rel).Int("index", idx).Msg("label references a removed class, skipped")
		res.Skipped++
		return
	}

	features, err := e.norm.Normalize(filepath.Join(folder, filepath.FromSlash(rel)), resolution)
	if err != nil {
		e.log.Warn().Str("path", rel).Err(err).Msg("normalization failed, skipped")
		res.Failed++
		return
	}

	if err := w.Write(types.DatasetRow{Features: features, Label: idx}); err != nil {
		e.log.Warn().Str("path", rel).Err(err).Msg("write failed, skipped")
		res.Failed++
		return
	}
	res.Rows++
}

// create opens a fresh output file named <name>_<label>_<timestamp>.<ext>,
// adding a counter when that name is already taken.
func (e *Exporter) create(opts Options) (*os.File, error) {
	dir := opts.OutputDir
	if dir == "" {
		dir = "out"
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	name := opts.OutputName
	if name == "" {
		name = "output"
	}
	base := fmt.Sprintf("%s_%s_%s", utils.SanitizeFilename(name), opts.Format.Label(), e.now().Format(TimestampLayout))

	for n := 0; n < 1000; n++ {
		candidate := base
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d", base, n)
		}
		p := filepath.Join(dir, candidate+"."+opts.Format.Ext())
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no free output name for %s", base)
}

// Scan lists the image files an export of folder covers, as slash-separated
// paths relative to folder, sorted. Top-level files come first, then the
// files of each enabled first-level subfolder. Toggles naming anything other
// than a direct subfolder of folder are ignored.
func Scan(folder string, subfolders map[string]bool, exts []string) ([]string, error) {
	top, err := utils.ListImageFiles(folder, exts)
	if err != nil {
		return nil, fmt.Errorf("failed to read folder: %w", err)
	}
	files := make([]string, 0, len(top))
	for _, p := range top {
		files = append(files, filepath.Base(p))
	}

	var enabled []string
	if len(subfolders) > 0 {
		available, err := utils.ListSubfolders(folder)
		if err != nil {
			return nil, fmt.Errorf("failed to read folder: %w", err)
		}
		for name, on := range subfolders {
			if !on {
				continue
			}
			if !lo.Contains(available, name) {
				log.Warn().Str("folder", name).Msg("not a first-level subfolder, skipped")
				continue
			}
			enabled = append(enabled, name)
		}
		sort.Strings(enabled)
	}

	for _, sub := range enabled {
		nested, err := utils.ListImageFiles(filepath.Join(folder, sub), exts)
		if err != nil {
			log.Warn().Str("folder", sub).Err(err).Msg("subfolder not readable, skipped")
			continue
		}
		for _, p := range nested {
			files = append(files, path.Join(filepath.ToSlash(sub), filepath.Base(p)))
		}
	}
	return files, nil
}
