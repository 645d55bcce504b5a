package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config structure
type Config struct {
	LLMProvider string `json:"llmProvider"`
	APIKey      string `json:"apiKey"`
	BaseURL     string `json:"baseUrl"`
	ModelName   string `json:"modelName"`
	MaxTokens   int    `json:"maxTokens"`
	Language    string `json:"language"`

	DataCacheDir string `json:"dataCacheDir"`
	TemplateDir  string `json:"templateDir"`
	ArtifactDir  string `json:"artifactDir"`
	DetailedLog  bool   `json:"detailedLog"`

	// Pipeline tuning
	ReadyThreshold       float64 `json:"readyThreshold"`       // fraction of placeholders that must analyze successfully before execution
	CacheTTLHours        int     `json:"cacheTTLHours"`        // result cache entry lifetime
	MaxWorkers           int     `json:"maxWorkers"`           // placeholder resolution fan-out
	MaxOutputRows        int     `json:"maxOutputRows"`        // hard row cap embedded in generation constraints
	MinQualityRows       int     `json:"minQualityRows"`       // minimum rows considered a confident result
	QueryTimeoutSec      int     `json:"queryTimeoutSec"`      // per-query warehouse timeout
	LLMMaxConcurrent     int     `json:"llmMaxConcurrent"`     // concurrent model requests
	LLMMinIntervalMs     int     `json:"llmMinIntervalMs"`     // minimum spacing between model requests
	LLMRequestTimeoutSec int     `json:"llmRequestTimeoutSec"` // per-request model timeout
}

// Defaults applied by Load when fields are missing or invalid.
const (
	DefaultReadyThreshold       = 0.6
	DefaultCacheTTLHours        = 24
	DefaultMaxWorkers           = 4
	DefaultMaxOutputRows        = 5000
	DefaultMinQualityRows       = 10
	DefaultQueryTimeoutSec      = 60
	DefaultLLMMaxConcurrent     = 2
	DefaultLLMMinIntervalMs     = 200
	DefaultLLMRequestTimeoutSec = 120
)

// Load reads a JSON config file and overlays environment variables.
// A missing file is not an error: defaults plus environment apply.
func Load(path string) (Config, error) {
	// .env is optional, ignore load errors
	_ = godotenv.Load()

	var cfg Config
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	overlayEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

// Save writes the config back to disk as indented JSON.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func overlayEnv(cfg *Config) {
	if v := os.Getenv("REPORTBI_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("REPORTBI_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("REPORTBI_MODEL"); v != "" {
		cfg.ModelName = v
	}
	if v := os.Getenv("REPORTBI_DATA_DIR"); v != "" {
		cfg.DataCacheDir = v
	}
	if v := os.Getenv("REPORTBI_TEMPLATE_DIR"); v != "" {
		cfg.TemplateDir = v
	}
	if v := os.Getenv("REPORTBI_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DataCacheDir == "" {
		cfg.DataCacheDir = "data"
	}
	if cfg.TemplateDir == "" {
		cfg.TemplateDir = "templates"
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = "artifacts"
	}
	if cfg.ReadyThreshold <= 0 || cfg.ReadyThreshold > 1 {
		cfg.ReadyThreshold = DefaultReadyThreshold
	}
	if cfg.CacheTTLHours <= 0 {
		cfg.CacheTTLHours = DefaultCacheTTLHours
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.MaxOutputRows <= 0 {
		cfg.MaxOutputRows = DefaultMaxOutputRows
	}
	if cfg.MinQualityRows <= 0 {
		cfg.MinQualityRows = DefaultMinQualityRows
	}
	if cfg.QueryTimeoutSec <= 0 {
		cfg.QueryTimeoutSec = DefaultQueryTimeoutSec
	}
	if cfg.LLMMaxConcurrent <= 0 {
		cfg.LLMMaxConcurrent = DefaultLLMMaxConcurrent
	}
	if cfg.LLMMinIntervalMs < 0 {
		cfg.LLMMinIntervalMs = DefaultLLMMinIntervalMs
	}
	if cfg.LLMRequestTimeoutSec <= 0 {
		cfg.LLMRequestTimeoutSec = DefaultLLMRequestTimeoutSec
	}
}
