package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

// ProviderError は生成ゲートウェイが返したエラーです。
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
}

// ProviderClient は生成ゲートウェイへ JSON over HTTP でリクエストします。
// ConceptArtGenerator / ModelGenerator / ModelFetcher を実装します。
type ProviderClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewProviderClient は ProviderClient を作成します。httpClient が nil の場合は既定のクライアントを使います。
func NewProviderClient(baseURL, apiKey string, httpClient *http.Client) *ProviderClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &ProviderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

type conceptArtRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
}

type conceptArtResponse struct {
	ImageURL string `json:"imageUrl"`
}

type modelRequest struct {
	ImageURL string      `json:"imageUrl"`
	Config   ModelConfig `json:"config"`
}

type modelResponse struct {
	ModelURL string `json:"modelUrl"`
	Format   string `json:"format"`
}

// Generate はコンセプトアートを生成します。
func (c *ProviderClient) Generate(ctx context.Context, prompt, style string) (ImageRef, error) {
	var resp conceptArtResponse
	if err := c.postJSON(ctx, "/v1/concept-art", conceptArtRequest{Prompt: prompt, Style: style}, &resp); err != nil {
		return ImageRef{}, err
	}
	if resp.ImageURL == "" {
		return ImageRef{}, errors.New("provider response missing imageUrl")
	}
	return ImageRef{URL: resp.ImageURL}, nil
}

// Models は ModelGenerator として振る舞うビューを返します。
func (c *ProviderClient) Models() ModelGenerator {
	return providerModels{c}
}

type providerModels struct {
	c *ProviderClient
}

func (m providerModels) Generate(ctx context.Context, image ImageRef, cfg ModelConfig) (ModelRef, error) {
	var resp modelResponse
	if err := m.c.postJSON(ctx, "/v1/models", modelRequest{ImageURL: image.URL, Config: cfg}, &resp); err != nil {
		return ModelRef{}, err
	}
	if resp.ModelURL == "" {
		return ModelRef{}, errors.New("provider response missing modelUrl")
	}
	return ModelRef{URL: resp.ModelURL, Format: resp.Format}, nil
}

// Fetch はモデルファイルをダウンロードします。呼び出し側で Close してください。
func (c *ProviderClient) Fetch(ctx context.Context, model ModelRef) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, model.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	if c.apiKey != "" && strings.HasPrefix(model.URL, c.baseURL) {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch model: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readProviderError(resp)
	}
	return resp.Body, nil
}

func (c *ProviderClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readProviderError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func readProviderError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(raw))
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		if envelope.Message != "" {
			message = envelope.Message
		} else if envelope.Error != "" {
			message = envelope.Error
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: message}
}
