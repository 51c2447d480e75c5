package image

import (
	"bytes"
	"context"
	"fmt"
	stdimage "image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"evolver/internal/providers/gemini"
)

// GeminiGenerator produces images through the Gemini generateContent API with
// the image response modality.
type GeminiGenerator struct {
	client *gemini.Client
}

// NewGeminiGenerator wires a generator around a configured Gemini client. The
// client must carry credentials; that is validated once here rather than on
// every iteration.
func NewGeminiGenerator(client *gemini.Client) (*GeminiGenerator, error) {
	if client == nil || !client.HasCredentials() {
		return nil, gemini.ErrMissingAPIKey
	}
	return &GeminiGenerator{client: client}, nil
}

// Name identifies the provider on persisted frames.
func (g *GeminiGenerator) Name() string {
	return "gemini"
}

// Generate fulfils the Generator interface.
func (g *GeminiGenerator) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	parts := []gemini.Part{gemini.TextPart(buildImagePrompt(req))}
	if len(req.SourceImage) > 0 {
		parts = append(parts, gemini.ImagePart(req.SourceMIME, req.SourceImage))
	}

	started := time.Now()
	out, err := g.client.GenerateContent(ctx, []gemini.Content{{Role: "user", Parts: parts}}, &gemini.GenerationConfig{
		ResponseModalities: []string{"IMAGE"},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini image generation: %w", err)
	}

	data, _, err := gemini.DecodeInline(out)
	if err != nil {
		return nil, fmt.Errorf("gemini image generation: %w", err)
	}
	width, height := decodeImageDimensions(data)

	return &Result{
		Data:    data,
		Width:   width,
		Height:  height,
		Model:   g.client.Model(),
		Latency: time.Since(started),
	}, nil
}

var _ Generator = (*GeminiGenerator)(nil)

func buildImagePrompt(req GenerateRequest) string {
	var b strings.Builder
	if prompt := strings.TrimSpace(req.Instruction); prompt != "" {
		b.WriteString(prompt)
	}
	if aspect := strings.TrimSpace(req.AspectRatio); aspect != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Aspect ratio: ")
		b.WriteString(aspect)
	}
	return b.String()
}

// decodeImageDimensions inspects the returned bytes for pixel dimensions.
// PNG and JPEG are the formats providers actually return.
func decodeImageDimensions(data []byte) (int, int) {
	cfg, _, err := stdimage.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}
