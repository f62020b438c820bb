package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/amara/lorekeep/pkg/lorekeep"
)

// HTTPEntityStore reads entity records from the entity-management
// service's REST API
type HTTPEntityStore struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// HTTPEntityStoreConfig configures the entity service client
type HTTPEntityStoreConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// NewHTTPEntityStore creates an entity store client
func NewHTTPEntityStore(cfg HTTPEntityStoreConfig) *HTTPEntityStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEntityStore{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetEntity fetches one entity record by ID
func (s *HTTPEntityStore) GetEntity(ctx context.Context, entityID string) (*lorekeep.Entity, error) {
	if entityID == "" {
		return nil, lorekeep.NewValidationError("entityId", "must not be empty")
	}

	reqURL := fmt.Sprintf("%s/entities/%s", s.endpoint, url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("entity service call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read entity response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entity service returned status %d", resp.StatusCode)
	}

	var entity lorekeep.Entity
	if err := json.Unmarshal(body, &entity); err != nil {
		return nil, fmt.Errorf("failed to decode entity response: %w", err)
	}
	return &entity, nil
}
