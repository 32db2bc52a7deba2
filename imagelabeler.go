// Package imagelabeler ties the annotation components together around one
// image folder.
//
// A Workspace owns the folder's class registry and label store, lists the
// gallery with each file's class color, and runs exports, crop sessions and
// label statistics against them.
//
// Basic usage:
//
//	ws, err := imagelabeler.Open("photos")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := ws.SetClasses([]types.ClassSpec{{Name: "cat"}, {Name: "dog"}}); err != nil {
//		log.Fatal(err)
//	}
//	if err := ws.SetLabel("img_001.jpg", "cat"); err != nil {
//		log.Fatal(err)
//	}
//	res, err := ws.Export(context.Background(), ws.ExportOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("%d rows written to %s\n", res.Rows, res.Path)
//
// The package consists of these main components:
//
//  1. Registry (pkg/registry): class names, indices and colors
//  2. Labels (pkg/labels): file to class assignments
//  3. Dataset (pkg/dataset): normalized pairText/CSV export
//  4. Cropper (pkg/cropper): the crop session state machine
//  5. Stats (pkg/stats): class distributions and charts
package imagelabeler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/svapp/image-labeler/internal/config"
	"github.com/svapp/image-labeler/internal/utils"
	"github.com/svapp/image-labeler/pkg/cropper"
	"github.com/svapp/image-labeler/pkg/dataset"
	"github.com/svapp/image-labeler/pkg/detection"
	"github.com/svapp/image-labeler/pkg/labels"
	"github.com/svapp/image-labeler/pkg/project"
	"github.com/svapp/image-labeler/pkg/registry"
	"github.com/svapp/image-labeler/pkg/stats"
	"github.com/svapp/image-labeler/pkg/types"
)

// Version of the image labeler library
const Version = "1.0.0"

// Workspace is an open image folder.
type Workspace struct {
	cfg       *config.Config
	fs        afero.Fs
	log       zerolog.Logger
	paths     project.Paths
	reg       *registry.Registry
	store     *labels.Store
	labelsErr error
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithConfig sets the application configuration.
func WithConfig(cfg *config.Config) Option {
	return func(w *Workspace) { w.cfg = cfg }
}

// WithFs sets the filesystem holding the registry, label store and project
// descriptor. Images are always read from the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(w *Workspace) { w.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Workspace) { w.log = l }
}

// GalleryItem is one image of the folder with its current class.
type GalleryItem struct {
	// File is slash-separated and relative to the image folder.
	File    string
	Class   string
	Color   string
	Labeled bool
}

// Open loads folder's class registry and label store. A corrupt registry is
// fatal; a corrupt label file is reported by LabelsError and replaced by an
// empty store.
func Open(folder string, opts ...Option) (*Workspace, error) {
	w := &Workspace{
		cfg: config.Default(),
		fs:  afero.NewOsFs(),
		log: log.Logger,
	}
	for _, opt := range opts {
		opt(w)
	}

	paths, err := project.Resolve(w.fs, folder, project.Defaults{
		Project: w.cfg.Files.ProjectFile,
		Labels:  w.cfg.Files.LabelsFile,
		Config:  w.cfg.Files.ClassesFile,
	})
	if err != nil {
		return nil, err
	}
	if !utils.DirExists(paths.Images) {
		return nil, fmt.Errorf("image folder %s does not exist", paths.Images)
	}
	w.paths = paths

	w.reg, err = registry.Load(w.fs, paths.Config, registry.WithLogger(w.log))
	if err != nil {
		return nil, err
	}

	w.store, err = labels.Load(w.fs, paths.Labels, w.reg, labels.WithLogger(w.log))
	if err != nil {
		w.log.Warn().Err(err).Str("path", paths.Labels).Msg("label file unreadable, starting with no labels")
		w.labelsErr = err
	}

	w.log.Debug().Str("name", paths.Name).Str("images", paths.Images).Int("classes", w.reg.Len()).
		Int("labels", w.store.Len()).Bool("descriptor", paths.FromDescriptor).Msg("workspace opened")
	return w, nil
}

// Name returns the project name.
func (w *Workspace) Name() string { return w.paths.Name }

// Folder returns the image folder.
func (w *Workspace) Folder() string { return w.paths.Images }

// Paths returns the resolved file locations.
func (w *Workspace) Paths() project.Paths { return w.paths }

// Registry returns the class registry.
func (w *Workspace) Registry() *registry.Registry { return w.reg }

// Labels returns the label store.
func (w *Workspace) Labels() *labels.Store { return w.store }

// LabelsError returns the error met while loading the label file, if any.
func (w *Workspace) LabelsError() error { return w.labelsErr }

// Gallery lists the folder's images, including those of the enabled
// first-level subfolders.
func (w *Workspace) Gallery(subfolders map[string]bool) ([]GalleryItem, error) {
	files, err := dataset.Scan(w.paths.Images, subfolders, w.cfg.Files.ImageExtensions)
	if err != nil {
		return nil, err
	}
	items := make([]GalleryItem, len(files))
	for i, f := range files {
		items[i] = GalleryItem{File: f, Color: w.store.ColorFor(f)}
		if e, ok := w.store.Label(f); ok {
			items[i].Class = e.Name
			items[i].Labeled = true
		}
	}
	return items, nil
}

// SetClasses replaces the class registry. Label colors follow immediately.
func (w *Workspace) SetClasses(specs []types.ClassSpec) error {
	return w.reg.ReplaceAll(specs)
}

// ClearClasses removes every class.
func (w *Workspace) ClearClasses() error {
	return w.reg.Clear()
}

// SetLabel assigns className to file. Unknown class names are ignored.
func (w *Workspace) SetLabel(file, className string) error {
	return w.store.SetLabel(file, className)
}

// ColorFor returns the color of file's class.
func (w *Workspace) ColorFor(file string) string {
	return w.store.ColorFor(file)
}

// AutoLabel rebuilds classes and labels from the names of the folder's
// top-level images.
func (w *Workspace) AutoLabel(pattern labels.NamePattern) (int, error) {
	files, err := dataset.Scan(w.paths.Images, nil, w.cfg.Files.ImageExtensions)
	if err != nil {
		return 0, err
	}
	return labels.ParseFilenames(files, pattern, w.reg, w.store)
}

// ExportOptions returns export options filled from the configuration.
func (w *Workspace) ExportOptions() dataset.Options {
	format, err := dataset.ParseFormat(w.cfg.Export.Format)
	if err != nil {
		format = dataset.PairText
	}
	return dataset.Options{
		Resolution: types.Resolution{Width: w.cfg.Export.Width, Height: w.cfg.Export.Height},
		Format:     format,
		OutputDir:  w.cfg.Export.OutputDir,
		OutputName: w.cfg.Export.OutputName,
		Extensions: w.cfg.Files.ImageExtensions,
	}
}

// Export writes the labeled images of the folder as a dataset.
func (w *Workspace) Export(ctx context.Context, opts dataset.Options, exporterOpts ...dataset.Option) (dataset.Result, error) {
	if opts.Extensions == nil {
		opts.Extensions = w.cfg.Files.ImageExtensions
	}
	exporterOpts = append([]dataset.Option{dataset.WithLogger(w.log)}, exporterOpts...)
	return dataset.NewExporter(exporterOpts...).Export(ctx, w.paths.Images, w.store, w.reg, opts)
}

// CropConfig converts the configured crop settings.
func (w *Workspace) CropConfig() cropper.Config {
	c := w.cfg.Crop
	return cropper.Config{
		MaxPreviewWidth:  c.MaxPreviewWidth,
		MaxPreviewHeight: c.MaxPreviewHeight,
		MinSourceWidth:   c.MinSourceWidth,
		MinSourceHeight:  c.MinSourceHeight,
		SaveAsCopy:       c.SaveAsCopy,
		CopySuffix:       c.CopySuffix,
		Quality:          c.Quality,
	}
}

// NewCropSession queues the folder's top-level images for cropping,
// leaving out earlier crop copies.
func (w *Workspace) NewCropSession(opts ...cropper.Option) (*cropper.Session, error) {
	cfg := w.CropConfig()
	queue, err := cropper.QueueFromDir(w.paths.Images, w.cfg.Files.ImageExtensions, cfg.CopySuffix)
	if err != nil {
		return nil, err
	}
	opts = append([]cropper.Option{cropper.WithLogger(w.log)}, opts...)
	return cropper.NewSession(queue, cfg, opts...), nil
}

// Stats returns the class distribution of the label store.
func (w *Workspace) Stats() stats.Distribution {
	counts := make(map[int]int)
	for _, f := range w.store.Files() {
		if idx, ok := w.store.Index(f); ok {
			counts[idx]++
		}
	}
	d := stats.FromCounts(counts, w.reg)
	d.Source = w.paths.Labels
	return d
}

// Suggest asks a vision model for the class of file.
func (w *Workspace) Suggest(ctx context.Context, d *detection.Detector, file string) (detection.Suggestion, bool, error) {
	return d.SuggestFile(ctx, filepath.Join(w.paths.Images, filepath.FromSlash(file)), w.reg)
}
