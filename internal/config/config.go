package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Files   FilesConfig   `json:"files" yaml:"files"`
	Export  ExportConfig  `json:"export" yaml:"export"`
	Crop    CropConfig    `json:"crop" yaml:"crop"`
	Suggest SuggestConfig `json:"suggest" yaml:"suggest"`
}

// FilesConfig holds per-folder file locations and the accepted image types
type FilesConfig struct {
	ImageExtensions []string `json:"image_extensions" yaml:"image_extensions"`
	ClassesFile     string   `json:"classes_file" yaml:"classes_file"`
	LabelsFile      string   `json:"labels_file" yaml:"labels_file"`
	ProjectFile     string   `json:"project_file" yaml:"project_file"`
}

// ExportConfig holds configuration for dataset export
type ExportConfig struct {
	Width      int    `json:"width" yaml:"width"`
	Height     int    `json:"height" yaml:"height"`
	Format     string `json:"format" yaml:"format"`
	OutputDir  string `json:"output_dir" yaml:"output_dir"`
	OutputName string `json:"output_name" yaml:"output_name"`
}

// CropConfig holds configuration for the interactive crop tool
type CropConfig struct {
	MaxPreviewWidth  int    `json:"max_preview_width" yaml:"max_preview_width"`
	MaxPreviewHeight int    `json:"max_preview_height" yaml:"max_preview_height"`
	MinSourceWidth   int    `json:"min_source_width" yaml:"min_source_width"`
	MinSourceHeight  int    `json:"min_source_height" yaml:"min_source_height"`
	SaveAsCopy       bool   `json:"save_as_copy" yaml:"save_as_copy"`
	CopySuffix       string `json:"copy_suffix" yaml:"copy_suffix"`
	Quality          int    `json:"quality" yaml:"quality"`
}

// SuggestConfig holds configuration for model-assisted labeling
type SuggestConfig struct {
	Backend  string `json:"backend" yaml:"backend"`
	URL      string `json:"url" yaml:"url"`
	Model    string `json:"model" yaml:"model"`
	SendSize int    `json:"send_size" yaml:"send_size"`
	SendQ    int    `json:"send_quality" yaml:"send_quality"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Files: FilesConfig{
			ImageExtensions: []string{"png", "jpg", "jpeg", "bmp", "gif", "webp"},
			ClassesFile:     "config.json",
			LabelsFile:      "labels.json",
			ProjectFile:     "project.json",
		},
		Export: ExportConfig{
			Width:      64,
			Height:     64,
			Format:     "txt",
			OutputDir:  "out",
			OutputName: "output",
		},
		Crop: CropConfig{
			MaxPreviewWidth:  1200,
			MaxPreviewHeight: 800,
			MinSourceWidth:   120,
			MinSourceHeight:  120,
			SaveAsCopy:       true,
			CopySuffix:       "_cropped",
			Quality:          95,
		},
		Suggest: SuggestConfig{
			Backend:  "ollama",
			URL:      "",
			Model:    "openbmb/minicpm-v4.5",
			SendSize: 1024,
			SendQ:    85,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. Missing fields
// keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON or YAML file, chosen by extension
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Files.ImageExtensions) == 0 {
		return fmt.Errorf("files.image_extensions cannot be empty")
	}

	if c.Files.ClassesFile == "" || c.Files.LabelsFile == "" {
		return fmt.Errorf("files.classes_file and files.labels_file are required")
	}

	if c.Export.Width < 1 || c.Export.Height < 1 {
		return fmt.Errorf("export.width and export.height must be positive")
	}

	switch c.Export.Format {
	case "txt", "csv":
	default:
		return fmt.Errorf("export.format must be txt or csv, got %q", c.Export.Format)
	}

	if c.Crop.MaxPreviewWidth < 1 || c.Crop.MaxPreviewHeight < 1 {
		return fmt.Errorf("crop.max_preview_width and crop.max_preview_height must be positive")
	}

	if c.Crop.MinSourceWidth < 0 || c.Crop.MinSourceHeight < 0 {
		return fmt.Errorf("crop.min_source_width and crop.min_source_height cannot be negative")
	}

	if c.Crop.Quality < 1 || c.Crop.Quality > 100 {
		return fmt.Errorf("crop.quality must be between 1 and 100")
	}

	switch c.Suggest.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("suggest.backend must be ollama or llamacpp, got %q", c.Suggest.Backend)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./image-labeler.json"
	}
	return filepath.Join(home, ".config", "image-labeler", "config.json")
}
