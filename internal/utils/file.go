package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultImageExtensions are the image types the labeler works with, without the dot.
var DefaultImageExtensions = []string{"png", "jpg", "jpeg", "bmp", "gif", "webp"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has one of the given image extensions.
// A nil list means DefaultImageExtensions.
func IsImageFile(filename string, exts []string) bool {
	if exts == nil {
		exts = DefaultImageExtensions
	}
	ext := GetFileExtension(filename)
	for _, imgExt := range exts {
		if ext == strings.TrimPrefix(strings.ToLower(imgExt), ".") {
			return true
		}
	}
	return false
}

// GenerateOutputFilename generates an output filename based on input and parameters
func GenerateOutputFilename(inputFile, outputDir, prefix, suffix, format string) string {
	baseName := filepath.Base(inputFile)
	nameWithoutExt := strings.TrimSuffix(baseName, filepath.Ext(baseName))

	if format == "" {
		format = GetFileExtension(inputFile)
		if format == "" {
			format = "jpg"
		}
	}

	outputName := fmt.Sprintf("%s%s%s.%s", prefix, nameWithoutExt, suffix, format)
	return filepath.Join(outputDir, outputName)
}

// CopyName returns path with suffix inserted before the extension,
// e.g. "a/cat.png" -> "a/cat_cropped.png".
func CopyName(path, suffix string) string {
	return GenerateOutputFilename(path, filepath.Dir(path), "", suffix, "")
}

// IsCopyName reports whether the file stem already ends with suffix.
func IsCopyName(path, suffix string) bool {
	if suffix == "" {
		return false
	}
	base := filepath.Base(path)
	return strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), suffix)
}

// ListImageFiles lists the image files directly inside dir, sorted by name.
// Subdirectories are not entered.
func ListImageFiles(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name(), exts) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ListSubfolders returns the names of the first-level directories of dir, sorted.
func ListSubfolders(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && info.IsDir()
}

// SanitizeFilename removes or replaces invalid characters in filenames
func SanitizeFilename(filename string) string {
	// Replace invalid characters with underscores
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename

	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}

	// Remove leading/trailing spaces and dots
	result = strings.Trim(result, " .")

	return result
}
