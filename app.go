package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"reportbi/config"
	"reportbi/dbpool"
	"reportbi/i18n"
	"reportbi/logger"
	"reportbi/pipeline"
)

// App wires the pipeline services together for one process lifetime.
type App struct {
	cfg    config.Config
	logger *logger.Logger

	dsService    *pipeline.DataSourceService
	cache        *pipeline.ResultCache
	orchestrator *pipeline.Orchestrator
}

// NewApp builds the service graph from configuration. The LLM client is the
// only external dependency constructed here; everything downstream takes it
// as an interface.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	log := logger.NewLogger()
	logDir := filepath.Join(cfg.DataCacheDir, "logs")
	for _, dir := range []string{cfg.DataCacheDir, cfg.TemplateDir, cfg.ArtifactDir, logDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := log.Init(logDir); err != nil {
		// file logging is best effort
		fmt.Fprintf(os.Stderr, "log init: %v\n", err)
	}
	logFunc := log.Log

	switch cfg.Language {
	case "English", "en":
		i18n.GetTranslator().SetLanguage(i18n.English)
	default:
		i18n.GetTranslator().SetLanguage(i18n.Chinese)
	}

	db := dbpool.New(dbpool.EngineSQLite, logFunc)
	dsService := pipeline.NewDataSourceService(cfg.DataCacheDir, db, logFunc)
	discovery := pipeline.NewSchemaDiscovery(dsService, logFunc)

	chatModel, err := pipeline.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	limiter := pipeline.NewLLMRateLimiter(
		cfg.LLMMaxConcurrent,
		time.Duration(cfg.LLMMinIntervalMs)*time.Millisecond,
		time.Duration(cfg.LLMRequestTimeoutSec)*time.Second,
	)
	generator := pipeline.NewLLMSqlGenerator(chatModel, discovery, dsService, limiter,
		cfg.MaxOutputRows, cfg.MinQualityRows, logFunc)
	executor := pipeline.NewSqlExecutor(dsService, cfg.MaxOutputRows,
		time.Duration(cfg.QueryTimeoutSec)*time.Second, logFunc)

	cache := pipeline.NewResultCache(cfg.CacheTTLHours, cfg.DataCacheDir, nil, logFunc)
	if err := cache.Load(); err != nil {
		log.Logf("result cache load: %v", err)
	}

	templates := pipeline.NewFileTemplateStore(cfg.TemplateDir)
	renderer := pipeline.NewFileChartRenderer(cfg.ArtifactDir)

	orchestrator := pipeline.NewOrchestrator(templates, discovery, generator, executor,
		cache, renderer, cfg.ReadyThreshold, cfg.MaxWorkers, logFunc)

	return &App{
		cfg:          cfg,
		logger:       log,
		dsService:    dsService,
		cache:        cache,
		orchestrator: orchestrator,
	}, nil
}

// GenerateReport runs the full pipeline for one template.
func (a *App) GenerateReport(ctx context.Context, req pipeline.RunRequest) *pipeline.ReportResult {
	return a.orchestrator.Run(ctx, req)
}

// CacheStats exposes result cache counters for diagnostics.
func (a *App) CacheStats() pipeline.ResultCacheStats {
	return a.cache.GetStats()
}

// Close flushes the cache and releases the log file.
func (a *App) Close() {
	if err := a.cache.Save(); err != nil {
		a.logger.Logf("result cache save: %v", err)
	}
	a.logger.Close()
}
