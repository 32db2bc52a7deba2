// Package project reads the optional project descriptor of an image folder.
//
// A descriptor is a JSON object {name, root, labels, config, images}. When
// present, its labels and config paths take the place of the folder's
// default labels.json and config.json. Relative paths are resolved against
// the directory holding the descriptor.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/spf13/afero"
)

// Default file names inside an image folder.
const (
	FileName        = "project.json"
	DefaultLabels   = "labels.json"
	DefaultRegistry = "config.json"
)

// Descriptor is the on-disk project description.
type Descriptor struct {
	Name   string `json:"name"`
	Root   string `json:"root,omitempty"`
	Labels string `json:"labels,omitempty"`
	Config string `json:"config,omitempty"`
	Images string `json:"images,omitempty"`
}

// Paths are the resolved, absolute-or-folder-relative locations a workspace
// works with.
type Paths struct {
	Name   string
	Root   string
	Images string
	Labels string
	Config string
	// FromDescriptor is true when a descriptor file was found.
	FromDescriptor bool
}

// Defaults names the per-folder files used when no descriptor overrides them.
type Defaults struct {
	Project string
	Labels  string
	Config  string
}

func (d Defaults) withFallbacks() Defaults {
	if d.Project == "" {
		d.Project = FileName
	}
	if d.Labels == "" {
		d.Labels = DefaultLabels
	}
	if d.Config == "" {
		d.Config = DefaultRegistry
	}
	return d
}

// Load reads a descriptor. A missing file is reported with an error that
// matches os.ErrNotExist.
func Load(fs afero.Fs, path string) (*Descriptor, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%s: invalid project descriptor: %w", path, err)
	}
	return &d, nil
}

// Save writes d to path.
func Save(fs afero.Fs, path string, d *Descriptor) error {
	data, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal project descriptor: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return afero.WriteFile(fs, path, data, 0644)
}

// Resolve works out the paths of folder. Without a descriptor everything
// lives in folder under the default names.
func Resolve(fs afero.Fs, folder string, defaults Defaults) (Paths, error) {
	defaults = defaults.withFallbacks()
	p := Paths{
		Name:   filepath.Base(filepath.Clean(folder)),
		Root:   folder,
		Images: folder,
		Labels: filepath.Join(folder, defaults.Labels),
		Config: filepath.Join(folder, defaults.Config),
	}

	d, err := Load(fs, filepath.Join(folder, defaults.Project))
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, err
	}

	p.FromDescriptor = true
	if d.Name != "" {
		p.Name = d.Name
	}
	if d.Root != "" {
		p.Root = resolve(folder, d.Root)
		p.Images = p.Root
	}
	if d.Images != "" {
		p.Images = resolve(folder, d.Images)
	}
	if d.Labels != "" {
		p.Labels = resolve(folder, d.Labels)
	}
	if d.Config != "" {
		p.Config = resolve(folder, d.Config)
	}
	return p, nil
}

func resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
