package labels

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/svapp/image-labeler/pkg/registry"
	"github.com/svapp/image-labeler/pkg/types"
)

// NamePattern tells which underscore-separated part of a file stem is the label.
type NamePattern int

const (
	// LabelFirst matches names like "cat_001.png".
	LabelFirst NamePattern = iota
	// NumberFirst matches names like "001_cat.png".
	NumberFirst
)

func (p NamePattern) String() string {
	if p == NumberFirst {
		return "<number>_<label>"
	}
	return "<label>_<number>"
}

// ParseFilenames labels files from their names. Classes are created in the
// order their labels are first seen, the registry is replaced with them and
// the store is rewritten with exactly the parsed files. Files whose stem has
// no part at the pattern's position are skipped. It returns how many files
// were labeled.
func ParseFilenames(files []string, pattern NamePattern, reg *registry.Registry, store *Store) (int, error) {
	var order []string
	seen := make(map[string]int)
	parsed := make(map[string]string)

	for _, f := range files {
		base := filepath.Base(f)
		stem := base
		if i := strings.Index(base, "."); i >= 0 {
			stem = base[:i]
		}
		parts := strings.Split(stem, "_")
		pos := int(pattern)
		if pos >= len(parts) || strings.TrimSpace(parts[pos]) == "" {
			store.log.Debug().Str("file", f).Stringer("pattern", pattern).Msg("name does not match pattern")
			continue
		}
		label := strings.TrimSpace(parts[pos])
		idx, ok := seen[label]
		if !ok {
			idx = len(order)
			seen[label] = idx
			order = append(order, label)
		}
		parsed[key(f)] = strconv.Itoa(idx)
	}

	specs := make([]types.ClassSpec, len(order))
	for i, name := range order {
		specs[i] = types.ClassSpec{Name: name}
	}
	if err := reg.ReplaceAll(specs); err != nil {
		return 0, err
	}
	if err := store.replaceAll(parsed); err != nil {
		return 0, err
	}
	return len(parsed), nil
}
