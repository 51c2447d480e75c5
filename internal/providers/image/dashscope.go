package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"evolver/internal/infra"
)

var (
	// ErrDashScopeMissingAPIKey indicates the client was configured without credentials.
	ErrDashScopeMissingAPIKey = errors.New("dashscope: api key is required")
	// ErrDashScopeRateLimited maps throttling responses.
	ErrDashScopeRateLimited = errors.New("dashscope: rate limited")
	// ErrDashScopeNoImage indicates the response carried no image content.
	ErrDashScopeNoImage = errors.New("dashscope: no image returned")
)

const dashScopeDefaultTimeout = 120 * time.Second

// DashScopeOptions configures the DashScope image-edit client.
type DashScopeOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// DashScopeGenerator drives DashScope's multimodal image models (qwen-image-edit)
// as an alternative image provider backend.
type DashScopeGenerator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type dashScopeRequest struct {
	Model string         `json:"model"`
	Input dashScopeInput `json:"input"`
}

type dashScopeInput struct {
	Messages []dashScopeMessage `json:"messages"`
}

type dashScopeMessage struct {
	Role    string             `json:"role"`
	Content []dashScopeContent `json:"content"`
}

type dashScopeContent struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type dashScopeResponse struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content []struct {
					Image string `json:"image"`
				} `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Usage struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"usage"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// NewDashScopeGenerator constructs the generator and validates credentials once.
func NewDashScopeGenerator(opts DashScopeOptions) (*DashScopeGenerator, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrDashScopeMissingAPIKey
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: dashScopeDefaultTimeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "qwen-image-edit"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &DashScopeGenerator{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Name identifies the provider on persisted frames.
func (g *DashScopeGenerator) Name() string {
	return "dashscope"
}

// Generate fulfils the Generator interface.
func (g *DashScopeGenerator) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	content := []dashScopeContent{{Text: buildImagePrompt(req)}}
	if len(req.SourceImage) > 0 {
		mime := req.SourceMIME
		if mime == "" {
			mime = "image/png"
		}
		content = append(content, dashScopeContent{
			Image: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(req.SourceImage)),
		})
	}

	payload := dashScopeRequest{
		Model: g.model,
		Input: dashScopeInput{Messages: []dashScopeMessage{{Role: "user", Content: content}}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dashscope: marshal request: %w", err)
	}

	endpoint := g.baseURL + "/services/aigc/multimodal-generation/generation"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dashscope: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	started := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dashscope: invoke: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dashscope: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", ErrDashScopeRateLimited, strings.TrimSpace(string(raw)))
	}

	var decoded dashScopeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("dashscope: decode response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest || decoded.Code != "" {
		if strings.EqualFold(decoded.Code, "Throttling") || strings.EqualFold(decoded.Code, "Throttling.RateQuota") {
			return nil, fmt.Errorf("%w: %s", ErrDashScopeRateLimited, decoded.Message)
		}
		return nil, fmt.Errorf("dashscope: status %d code %q: %s", resp.StatusCode, decoded.Code, decoded.Message)
	}

	data, err := g.extractImage(ctx, decoded)
	if err != nil {
		return nil, err
	}
	width, height := decoded.Usage.Width, decoded.Usage.Height
	if width == 0 || height == 0 {
		width, height = decodeImageDimensions(data)
	}

	return &Result{
		Data:    data,
		Width:   width,
		Height:  height,
		Model:   g.model,
		Latency: time.Since(started),
	}, nil
}

var _ Generator = (*DashScopeGenerator)(nil)

// extractImage handles both inline data URIs and hosted result URLs.
func (g *DashScopeGenerator) extractImage(ctx context.Context, resp dashScopeResponse) ([]byte, error) {
	for _, choice := range resp.Output.Choices {
		for _, content := range choice.Message.Content {
			image := strings.TrimSpace(content.Image)
			if image == "" {
				continue
			}
			if encoded, ok := strings.CutPrefix(image, "data:"); ok {
				if _, b64, found := strings.Cut(encoded, ";base64,"); found {
					data, err := base64.StdEncoding.DecodeString(b64)
					if err != nil {
						return nil, fmt.Errorf("dashscope: decode inline image: %w", err)
					}
					return data, nil
				}
				continue
			}
			return g.download(ctx, image)
		}
	}
	return nil, ErrDashScopeNoImage
}

func (g *DashScopeGenerator) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dashscope: create download request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dashscope: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("dashscope: download image status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dashscope: read image: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrDashScopeNoImage
	}
	return data, nil
}
