package image

import (
	"context"
	"time"
)

// GenerateRequest describes a normalized request passed to any image provider.
type GenerateRequest struct {
	// Instruction is the text prompt driving the transformation.
	Instruction string
	// SourceImage, when set, conditions the generation on an existing image
	// (img2img). Iteration 1 passes the original photo, later iterations the
	// previous frame.
	SourceImage []byte
	SourceMIME  string
	AspectRatio string
}

// Result is a generated image plus the provider metadata recorded on the frame.
type Result struct {
	Data    []byte
	Width   int
	Height  int
	Model   string
	Latency time.Duration
}

// Generator is the contract implemented by all image providers.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Result, error)
	// Name identifies the provider on persisted frames.
	Name() string
}
