package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TextProvider generates semantic embeddings from text
type TextProvider interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// VisualProvider generates visual embeddings from image URLs
type VisualProvider interface {
	EmbedImage(ctx context.Context, imageURL string) ([]float32, error)
	Dimension() int
}

// HTTPVisualProvider implements VisualProvider over a JSON endpoint that
// accepts an image URL and returns a fixed-dimension vector.
type HTTPVisualProvider struct {
	endpoint   string
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
}

// HTTPVisualProviderConfig configures the remote visual embedding endpoint
type HTTPVisualProviderConfig struct {
	Endpoint  string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// NewHTTPVisualProvider creates a visual embedding provider
func NewHTTPVisualProvider(cfg HTTPVisualProviderConfig) *HTTPVisualProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 1024
	}

	return &HTTPVisualProvider{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimension:  dimension,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPVisualProvider) Dimension() int {
	return p.dimension
}

func (p *HTTPVisualProvider) EmbedImage(ctx context.Context, imageURL string) ([]float32, error) {
	reqBody := map[string]interface{}{
		"input": map[string]string{"image_url": imageURL},
		"model": p.model,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("embedding endpoint returned no data")
	}

	return result.Data[0].Embedding, nil
}
