package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Lorekeep configuration
type Config struct {
	// Embedding providers
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Vector index backend
	Index IndexConfig `json:"index" mapstructure:"index"`

	// Entity-management subsystem
	Entities EntitiesConfig `json:"entities" mapstructure:"entities"`

	// Consistency scoring
	Scoring ScoringConfig `json:"scoring" mapstructure:"scoring"`

	// Generation queue
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Gateway (job event websocket)
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Metrics HTTP endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// EmbeddingConfig holds embedding provider configuration
type EmbeddingConfig struct {
	OpenAIAPIKey      string `json:"openai_api_key" mapstructure:"openai_api_key"`
	TextModel         string `json:"text_model" mapstructure:"text_model"`
	VisualEndpoint    string `json:"visual_endpoint" mapstructure:"visual_endpoint"`
	VisualAPIKey      string `json:"visual_api_key" mapstructure:"visual_api_key"`
	VisualModel       string `json:"visual_model" mapstructure:"visual_model"`
	VisualDimension   int    `json:"visual_dimension" mapstructure:"visual_dimension"`
	CacheSize         int    `json:"cache_size" mapstructure:"cache_size"`
	CacheTTLMinutes   int    `json:"cache_ttl_minutes" mapstructure:"cache_ttl_minutes"`
	VisualConcurrency int    `json:"visual_concurrency" mapstructure:"visual_concurrency"`
}

// IndexConfig holds vector index backend configuration
type IndexConfig struct {
	Backend        string `json:"backend" mapstructure:"backend"` // sqlite, http
	Endpoint       string `json:"endpoint" mapstructure:"endpoint"`
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	Namespace      string `json:"namespace" mapstructure:"namespace"`
	Dimension      int    `json:"dimension" mapstructure:"dimension"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// EntitiesConfig holds the entity-management subsystem endpoint
type EntitiesConfig struct {
	Endpoint       string `json:"endpoint" mapstructure:"endpoint"`
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// ScoringConfig holds consistency scoring tunables
type ScoringConfig struct {
	VisualWeight     float64 `json:"visual_weight" mapstructure:"visual_weight"`
	SemanticWeight   float64 `json:"semantic_weight" mapstructure:"semantic_weight"`
	DriftThreshold   float64 `json:"drift_threshold" mapstructure:"drift_threshold"`
	SuccessThreshold float64 `json:"success_threshold" mapstructure:"success_threshold"`
	WarningThreshold float64 `json:"warning_threshold" mapstructure:"warning_threshold"`
}

// QueueConfig holds generation queue configuration
type QueueConfig struct {
	DBPath            string `json:"db_path" mapstructure:"db_path"`
	ToolEndpoint      string `json:"tool_endpoint" mapstructure:"tool_endpoint"`
	ToolAPIKey        string `json:"tool_api_key" mapstructure:"tool_api_key"`
	JobTimeoutSeconds int    `json:"job_timeout_seconds" mapstructure:"job_timeout_seconds"`
	PollSchedule      string `json:"poll_schedule" mapstructure:"poll_schedule"`   // cron expression
	SweepSchedule     string `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cache sweep cron expression
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled        bool     `json:"enabled" mapstructure:"enabled"`
	Port           int      `json:"port" mapstructure:"port"`
	SharedSecret   string   `json:"shared_secret" mapstructure:"shared_secret"`
	AllowedOrigins []string `json:"allowed_origins" mapstructure:"allowed_origins"`
}

// MetricsConfig holds the metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	Port    int  `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// Output dimensions of the OpenAI embedding models. Unknown models skip
// the cross-check; their dimension is whatever the provider returns.
var textModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			TextModel: "text-embedding-3-small",
			// Channels are combined per entity, so every vector shares
			// the text model's dimension.
			VisualDimension:   1536,
			CacheSize:         1000,
			CacheTTLMinutes:   30,
			VisualConcurrency: 4,
		},
		Index: IndexConfig{
			Backend:        "sqlite",
			Namespace:      "default",
			Dimension:      1536,
			TimeoutSeconds: 30,
		},
		Entities: EntitiesConfig{
			TimeoutSeconds: 10,
		},
		Scoring: ScoringConfig{
			VisualWeight:     0.6,
			SemanticWeight:   0.4,
			DriftThreshold:   0.75,
			SuccessThreshold: 90,
			WarningThreshold: 75,
		},
		Queue: QueueConfig{
			JobTimeoutSeconds: 120,
			PollSchedule:      "@every 30s",
			SweepSchedule:     "@every 5m",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Embedding.CacheSize <= 0 {
		return fmt.Errorf("embedding.cache_size must be positive")
	}
	if c.Embedding.CacheTTLMinutes <= 0 {
		return fmt.Errorf("embedding.cache_ttl_minutes must be positive")
	}

	switch c.Index.Backend {
	case "sqlite":
	case "http":
		if c.Index.Endpoint == "" {
			return fmt.Errorf("index.endpoint is required for the http backend")
		}
	default:
		return fmt.Errorf("unknown index backend: %s", c.Index.Backend)
	}
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("index.dimension must be positive")
	}
	if c.Embedding.VisualDimension > 0 && c.Embedding.VisualDimension != c.Index.Dimension {
		return fmt.Errorf("embedding.visual_dimension (%d) must match index.dimension (%d)",
			c.Embedding.VisualDimension, c.Index.Dimension)
	}
	if textDim, known := textModelDimensions[c.Embedding.TextModel]; known && textDim != c.Index.Dimension {
		return fmt.Errorf("text model %s produces %d-dimension vectors but index.dimension is %d",
			c.Embedding.TextModel, textDim, c.Index.Dimension)
	}

	if err := c.Scoring.Validate(); err != nil {
		return err
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port <= 0 {
			return fmt.Errorf("gateway.port must be positive")
		}
		if c.Gateway.SharedSecret == "" {
			return fmt.Errorf("gateway.shared_secret is required when the gateway is enabled")
		}
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be positive")
	}
	return nil
}

// Validate checks the scoring tunables
func (s ScoringConfig) Validate() error {
	if s.VisualWeight < 0 || s.SemanticWeight < 0 {
		return fmt.Errorf("scoring weights must not be negative")
	}
	if s.VisualWeight+s.SemanticWeight <= 0 {
		return fmt.Errorf("scoring weights must not both be zero")
	}
	if s.DriftThreshold < 0 || s.DriftThreshold > 1 {
		return fmt.Errorf("scoring.drift_threshold must be within [0, 1]")
	}
	if s.WarningThreshold >= s.SuccessThreshold {
		return fmt.Errorf("scoring.warning_threshold must be below success_threshold")
	}
	return nil
}
