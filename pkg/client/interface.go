package client

import "context"

// VisionClient sends one prompt together with a base64 encoded image to a
// multimodal model and returns the raw text of its reply.
type VisionClient interface {
	Complete(ctx context.Context, model, prompt, imgB64 string) (string, error)
}

// ConfigChecker is implemented by clients that need credentials. CheckConfig
// must not perform any network I/O.
type ConfigChecker interface {
	CheckConfig() error
}
