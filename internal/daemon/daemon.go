package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/amara/lorekeep/internal/config"
	"github.com/amara/lorekeep/internal/observability"
	"github.com/amara/lorekeep/internal/tracing"
	"github.com/amara/lorekeep/pkg/consistency"
	"github.com/amara/lorekeep/pkg/embedding"
	"github.com/amara/lorekeep/pkg/gateway"
	"github.com/amara/lorekeep/pkg/genqueue"
	"github.com/amara/lorekeep/pkg/memory"
	"github.com/amara/lorekeep/pkg/vectorindex"
)

// Daemon wires the embedding, index, scoring, queue and gateway
// subsystems together and owns their lifecycle.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     zerolog.Logger

	cache     *embedding.Cache
	generator *embedding.Generator
	index     vectorindex.Index
	jobStore  *genqueue.SQLiteJobStore
	scorer    *consistency.Scorer
	processor *genqueue.Processor
	service   *memory.Service

	gatewayServer *gateway.Server
	metricsServer *http.Server
	scheduler     *cron.Cron
	watcher       *config.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	tracingEnabled bool
}

// New creates a daemon from configuration. configPath is the file the
// config was loaded from and is watched for tunable reloads; empty means
// the default location.
func New(cfg *config.Config, configPath string, logger zerolog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := tracing.InitOpenTelemetry("lorekeep-daemon"); err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initialize(); err != nil {
		cancel()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	d.cache = embedding.NewCache(
		embedding.WithCacheSize(cfg.Embedding.CacheSize),
		embedding.WithCacheTTL(time.Duration(cfg.Embedding.CacheTTLMinutes)*time.Minute),
	)

	textProvider := embedding.NewOpenAIProvider(cfg.Embedding.OpenAIAPIKey, cfg.Embedding.TextModel)
	visualProvider := embedding.NewHTTPVisualProvider(embedding.HTTPVisualProviderConfig{
		Endpoint:  cfg.Embedding.VisualEndpoint,
		APIKey:    cfg.Embedding.VisualAPIKey,
		Model:     cfg.Embedding.VisualModel,
		Dimension: cfg.Embedding.VisualDimension,
	})
	d.generator = embedding.NewGenerator(embedding.GeneratorConfig{
		Text:              textProvider,
		Visual:            visualProvider,
		Cache:             d.cache,
		Retry:             embedding.DefaultRetryConfig(),
		Logger:            d.logger,
		VisualConcurrency: cfg.Embedding.VisualConcurrency,
	})

	index, err := d.buildIndex()
	if err != nil {
		return err
	}
	d.index = index

	jobStore, err := genqueue.NewSQLiteJobStore(cfg.Queue.DBPath, d.logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	d.jobStore = jobStore

	d.scorer = consistency.NewScorer(consistency.Config{
		Embedder: d.generator,
		Index:    d.index,
		Jobs:     d.jobStore,
		Logger:   d.logger,
		Tunables: scoringTunables(cfg.Scoring),
	})

	tool, err := genqueue.NewHTTPGenerationTool(genqueue.HTTPGenerationToolConfig{
		Endpoint: cfg.Queue.ToolEndpoint,
		APIKey:   cfg.Queue.ToolAPIKey,
		Timeout:  time.Duration(cfg.Queue.JobTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create generation tool: %w", err)
	}

	entities := memory.NewHTTPEntityStore(memory.HTTPEntityStoreConfig{
		Endpoint: cfg.Entities.Endpoint,
		APIKey:   cfg.Entities.APIKey,
		Timeout:  time.Duration(cfg.Entities.TimeoutSeconds) * time.Second,
	})

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Port:           cfg.Gateway.Port,
			SharedSecret:   cfg.Gateway.SharedSecret,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
			Logger:         d.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	d.processor = genqueue.NewProcessor(genqueue.Config{
		Store:      d.jobStore,
		Tool:       tool,
		Entities:   entities,
		Analyzer:   d.scorer,
		Logger:     d.logger,
		OnEvent:    d.publishJobEvent,
		JobTimeout: time.Duration(cfg.Queue.JobTimeoutSeconds) * time.Second,
	})

	d.service = memory.NewService(memory.Config{
		Entities:  entities,
		Generator: d.generator,
		Index:     d.index,
		Scorer:    d.scorer,
		Processor: d.processor,
		Logger:    d.logger,
	})
	return nil
}

func (d *Daemon) buildIndex() (vectorindex.Index, error) {
	cfg := d.config
	switch cfg.Index.Backend {
	case "http":
		return vectorindex.NewHTTPIndex(vectorindex.HTTPIndexConfig{
			BaseURL:     cfg.Index.Endpoint,
			APIKey:      cfg.Index.APIKey,
			Namespace:   cfg.Index.Namespace,
			CallTimeout: time.Duration(cfg.Index.TimeoutSeconds) * time.Second,
			Logger:      d.logger,
		}), nil
	case "sqlite":
		dbPath := cfg.Index.Endpoint
		if dbPath == "" {
			dbPath = filepath.Join(cfg.DataDir, "vectors.db")
		}
		return vectorindex.NewSQLiteIndex(vectorindex.SQLiteIndexConfig{
			DBPath:    dbPath,
			Dimension: cfg.Index.Dimension,
			Logger:    d.logger,
		})
	default:
		return nil, fmt.Errorf("unknown index backend: %s", cfg.Index.Backend)
	}
}

// Start brings up the schedulers and servers. It does not block.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.startScheduler(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}

	if d.gatewayServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.gatewayServer.Start(); err != nil {
				d.logger.Error().Err(err).Msg("Gateway server exited")
			}
		}()
	}

	if d.config.Metrics.Enabled {
		d.startMetricsServer()
	}

	if watcher, err := d.startConfigWatcher(); err != nil {
		d.logger.Warn().Err(err).Msg("Config hot reload unavailable")
	} else {
		d.watcher = watcher
	}

	d.logger.Info().
		Str("index_backend", d.config.Index.Backend).
		Bool("gateway", d.gatewayServer != nil).
		Msg("Daemon started")
	return nil
}

func (d *Daemon) startScheduler() error {
	scheduler := cron.New()

	if _, err := scheduler.AddFunc(d.config.Queue.PollSchedule, func() {
		processed, err := d.processor.ProcessQueue(d.ctx)
		if err != nil && err != genqueue.ErrAlreadyRunning {
			d.logger.Warn().Err(err).Msg("Scheduled queue pass failed")
			return
		}
		if processed > 0 {
			d.logger.Info().Int("processed", processed).Msg("Scheduled queue pass")
		}
	}); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", d.config.Queue.PollSchedule, err)
	}

	if _, err := scheduler.AddFunc(d.config.Queue.SweepSchedule, func() {
		removed := d.cache.Cleanup()
		observability.SetCacheEntries(d.cache.Len())
		if removed > 0 {
			d.logger.Debug().Int("removed", removed).Msg("Cache sweep")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", d.config.Queue.SweepSchedule, err)
	}

	scheduler.Start()
	d.scheduler = scheduler
	return nil
}

func (d *Daemon) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	d.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", d.config.Metrics.Port),
		Handler: mux,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info().Int("port", d.config.Metrics.Port).Msg("Metrics server starting")
		if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("Metrics server exited")
		}
	}()
}

// startConfigWatcher pushes reloaded scoring tunables into the running
// scorer; other sections need a restart.
func (d *Daemon) startConfigWatcher() (*config.Watcher, error) {
	loader := config.NewLoader(d.configPath)
	return config.NewWatcher(loader, d.logger, func(cfg *config.Config) {
		if err := cfg.Scoring.Validate(); err != nil {
			d.logger.Warn().Err(err).Msg("Rejecting reloaded scoring tunables")
			return
		}
		d.scorer.SetTunables(scoringTunables(cfg.Scoring))
		d.logger.Info().
			Float64("visual_weight", cfg.Scoring.VisualWeight).
			Float64("semantic_weight", cfg.Scoring.SemanticWeight).
			Float64("drift_threshold", cfg.Scoring.DriftThreshold).
			Msg("Scoring tunables updated")
	})
}

func (d *Daemon) publishJobEvent(event genqueue.Event) {
	if d.gatewayServer == nil {
		return
	}
	data := make(map[string]interface{}, len(event.Data))
	for k, v := range event.Data {
		data[k] = v
	}
	d.gatewayServer.PublishJobEvent(event.Type, event.JobID, data)
}

// Stop shuts everything down in reverse start order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	wasRunning := d.running
	d.running = false
	d.mu.Unlock()

	if !wasRunning {
		// Never started; release the stores and be done
		d.cancel()
		d.closeStores()
		return nil
	}

	d.logger.Info().Msg("Daemon stopping")
	d.cancel()

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.scheduler != nil {
		stopCtx := d.scheduler.Stop()
		<-stopCtx.Done()
	}

	// Let in-flight consistency follow-ups land
	d.processor.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if d.gatewayServer != nil {
		if err := d.gatewayServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Gateway shutdown failed")
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	d.wg.Wait()
	d.closeStores()

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) closeStores() {
	if closer, ok := d.index.(interface{ Close() error }); ok {
		closer.Close()
	}
	if d.jobStore != nil {
		d.jobStore.Close()
	}
}

// Status describes the running daemon
type Status struct {
	Running     bool          `json:"running"`
	Uptime      time.Duration `json:"uptime"`
	QueuedJobs  int           `json:"queued_jobs"`
	PassRunning bool          `json:"pass_running"`
	CacheSize   int           `json:"cache_size"`
}

// Status reports the daemon's current state
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running := d.running
	start := d.startTime
	d.mu.RUnlock()

	st := Status{Running: running}
	if running {
		st.Uptime = time.Since(start)
	}
	st.PassRunning = d.processor.IsRunning()
	st.CacheSize = d.cache.Len()
	if queued, err := d.jobStore.CountQueued(context.Background()); err == nil {
		st.QueuedJobs = queued
	}
	return st
}

// Service returns the memory service facade
func (d *Daemon) Service() *memory.Service {
	return d.service
}

// JobStore returns the job store, used by repair commands
func (d *Daemon) JobStore() *genqueue.SQLiteJobStore {
	return d.jobStore
}

func scoringTunables(s config.ScoringConfig) consistency.Tunables {
	return consistency.Tunables{
		VisualWeight:     s.VisualWeight,
		SemanticWeight:   s.SemanticWeight,
		DriftThreshold:   s.DriftThreshold,
		SuccessThreshold: s.SuccessThreshold,
		WarningThreshold: s.WarningThreshold,
	}
}
