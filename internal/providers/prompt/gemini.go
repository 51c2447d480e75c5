package prompt

import (
	"context"
	"fmt"
	"strings"

	"evolver/internal/providers/gemini"
)

const (
	coldStartFraming = "You are guiding an image evolution experiment. " +
		"Analyze the attached photo and write one vivid instruction for an " +
		"image model to begin evolving it into something new. Reply with the " +
		"instruction only, no preamble."
	continuationFraming = "You are guiding an image evolution experiment. " +
		"The attached image is iteration %d of an evolving sequence. The " +
		"previous instruction was: %q. Write the next instruction, continuing " +
		"the drift while referencing what the image has become. Reply with " +
		"the instruction only, no preamble."
)

// GeminiDeriver asks a Gemini vision model for a fresh instruction each
// iteration (guided mode).
type GeminiDeriver struct {
	client *gemini.Client
}

// NewGeminiDeriver wires the deriver around a configured Gemini client.
// Credentials are validated once here, not per iteration.
func NewGeminiDeriver(client *gemini.Client) (*GeminiDeriver, error) {
	if client == nil || !client.HasCredentials() {
		return nil, gemini.ErrMissingAPIKey
	}
	return &GeminiDeriver{client: client}, nil
}

// Name identifies the deriver on logs and frames.
func (d *GeminiDeriver) Name() string {
	return "gemini"
}

// Derive fulfils the Deriver interface. Iteration 1 uses cold-start framing;
// later iterations reference the previous instruction.
func (d *GeminiDeriver) Derive(ctx context.Context, req DeriveRequest) (string, error) {
	framing := coldStartFraming
	if req.Iteration > 1 {
		framing = fmt.Sprintf(continuationFraming, req.Iteration, req.Previous)
	}

	parts := []gemini.Part{gemini.TextPart(framing)}
	if len(req.Image) > 0 {
		parts = append(parts, gemini.ImagePart(req.ImageMIME, req.Image))
	}

	out, err := d.client.GenerateContent(ctx, []gemini.Content{{Role: "user", Parts: parts}}, &gemini.GenerationConfig{
		Temperature: 0.9,
	})
	if err != nil {
		return "", fmt.Errorf("derive instruction: %w", err)
	}
	text, err := gemini.FirstText(out)
	if err != nil {
		return "", fmt.Errorf("derive instruction: %w", err)
	}
	return strings.TrimSpace(text), nil
}

var _ Deriver = (*GeminiDeriver)(nil)
