package client

import (
	"context"

	"github.com/svapp/image-labeler/pkg/types"
)

// VisionClient talks to a vision-language model backend.
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error)
}
