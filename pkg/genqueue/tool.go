package genqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// EntityRef is the reference material passed alongside the prompt
type EntityRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// GenerationRequest is what the external tool receives for one job
type GenerationRequest struct {
	JobID      string      `json:"job_id"`
	Tool       string      `json:"tool"`
	Prompt     string      `json:"prompt"`
	EntityRefs []EntityRef `json:"entity_refs,omitempty"`
}

// GenerationTool produces an artifact from an enhanced prompt and entity
// references. Implementations wrap external synthesis services.
type GenerationTool interface {
	Generate(ctx context.Context, req GenerationRequest) (artifactRef string, err error)
}

// toolResponseSchema validates the tool's payload before its artifact
// reference is trusted.
const toolResponseSchema = `{
	"type": "object",
	"required": ["artifact_ref"],
	"properties": {
		"artifact_ref": {"type": "string", "minLength": 1},
		"status": {"type": "string"}
	}
}`

// HTTPGenerationTool implements GenerationTool against a JSON endpoint
type HTTPGenerationTool struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	schema     *gojsonschema.Schema
}

// HTTPGenerationToolConfig configures the remote generation endpoint
type HTTPGenerationToolConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// NewHTTPGenerationTool creates a tool adapter
func NewHTTPGenerationTool(cfg HTTPGenerationToolConfig) (*HTTPGenerationTool, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(toolResponseSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile tool response schema: %w", err)
	}

	return &HTTPGenerationTool{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		schema:     schema,
	}, nil
}

func (t *HTTPGenerationTool) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generation tool call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read tool response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("generation tool returned status %d", resp.StatusCode)
	}

	validation, err := t.schema.Validate(gojsonschema.NewBytesLoader(respBody))
	if err != nil {
		return "", fmt.Errorf("tool response is not valid JSON: %w", err)
	}
	if !validation.Valid() {
		var problems []string
		for _, desc := range validation.Errors() {
			problems = append(problems, desc.String())
		}
		return "", fmt.Errorf("tool response failed validation: %s", strings.Join(problems, "; "))
	}

	var result struct {
		ArtifactRef string `json:"artifact_ref"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode tool response: %w", err)
	}
	return result.ArtifactRef, nil
}
