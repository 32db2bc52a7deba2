package types

import "errors"

var (
	// ErrConfigCorrupt is returned when a class registry file cannot be parsed
	// or its indices are not a dense 0-based range.
	ErrConfigCorrupt = errors.New("class configuration is corrupt")

	// ErrLabelsCorrupt is returned when a label file cannot be parsed.
	ErrLabelsCorrupt = errors.New("label file is corrupt")

	// ErrImageUnreadable is returned when a file cannot be decoded as an image.
	ErrImageUnreadable = errors.New("image cannot be decoded")

	// ErrImageTooSmall is returned when a crop session's first image is below
	// the minimum source size in both dimensions.
	ErrImageTooSmall = errors.New("image is too small")

	// ErrExportAborted is returned when an export cannot run at all.
	ErrExportAborted = errors.New("export aborted")

	// ErrClassUnresolved marks a class name missing from the registry. Label
	// edits treat it as a no-op.
	ErrClassUnresolved = errors.New("class not found in registry")
)
