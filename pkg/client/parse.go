package client

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/svapp/image-labeler/pkg/types"
)

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// fallback is returned for answers that carry no usable JSON. Its label is
// "none" so no class is ever resolved from it.
func fallback(description string, tags ...string) *types.AnalysisResult {
	return &types.AnalysisResult{
		Primary: types.Primary{
			Label:      "none",
			Confidence: 0,
			Box:        types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5},
			Cx:         0.5,
			Cy:         0.5,
		},
		Description: description,
		Tags:        append(tags, "fallback"),
	}
}

// ParseAnalysisResult decodes a model answer. Answers that are not JSON, or
// not recoverable as JSON, yield a "none" result instead of an error.
func ParseAnalysisResult(raw string) *types.AnalysisResult {
	raw = SanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return fallback("Model returned non-JSON response", "non-json")
	}

	var result types.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fallback("Failed to parse model response", "parse-error")
	}

	if result.Primary.Box.W == 0 && result.Primary.Box.H == 0 {
		result.Primary.Box = types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}
	}
	if result.Primary.Cx == 0 && result.Primary.Cy == 0 {
		result.Primary.Cx = result.Primary.Box.X + result.Primary.Box.W/2
		result.Primary.Cy = result.Primary.Box.Y + result.Primary.Box.H/2
	}
	return &result
}

// SanitizeModelJSON strips code fences, comments and trailing commas, and
// keeps only the outermost {...}.
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
