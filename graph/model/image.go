package model

import "context"

// ImageModel is an image-generation provider.
type ImageModel interface {
	Generate(ctx context.Context, req ImageRequest) (ImageOut, error)
}

// ImageRequest describes an image generation call.
type ImageRequest struct {
	Model   string
	Prompt  string
	Size    string
	Quality string
	N       int
}

// GeneratedImage holds either a URL or base64 image data.
type GeneratedImage struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64,omitempty"`
}

// ImageOut is the result of an image generation call.
type ImageOut struct {
	Images        []GeneratedImage
	RevisedPrompt string
	Model         string
}
