package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"convoscore/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Worker    WorkerConfig    `yaml:"worker"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Rubrics   RubricsConfig   `yaml:"rubrics"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize int64         `yaml:"maxUploadSize"` // bytes
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for in-flight jobs before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// StorageConfig selects and tunes the job record store.
type StorageConfig struct {
	Backend      string        `yaml:"backend"` // "file" or "sqlite"
	Dir          string        `yaml:"dir"`
	DatabasePath string        `yaml:"databasePath"` // optional, overrides default dir/convoscore.db
	MaxAge       time.Duration `yaml:"maxAge"`       // record lifetime before expiry sweep
}

// WorkerConfig tunes the polling scheduler.
type WorkerConfig struct {
	MaxConcurrentJobs int           `yaml:"maxConcurrentJobs"`
	MaxRetries        int           `yaml:"maxRetries"`
	PollingInterval   time.Duration `yaml:"pollingInterval"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"` // evaluation-call rate limit, 0 = unlimited
}

// EvaluatorConfig selects the evaluation provider and provider-specific options.
type EvaluatorConfig struct {
	Provider     string        `yaml:"provider"` // "mock" or "aiproxy"
	Timeout      time.Duration `yaml:"timeout"`  // per-call deadline
	Mock         MockSettings  `yaml:"mock"`
	AIProxy      AIProxySettings
	SystemPrompt string `yaml:"systemPrompt"` // optional system message override
}

// MockSettings config for the mock evaluator.
type MockSettings struct {
	Delay    time.Duration `yaml:"delay"`
	Response string        `yaml:"response"`
}

// AIProxySettings config for the AI Proxy (OpenAI-compatible) evaluator.
type AIProxySettings struct {
	BaseURL     string  `yaml:"baseUrl"` // e.g. http://localhost:8900
	APIKey      string  `yaml:"apiKey"`  // optional
	Model       string  `yaml:"model"`   // e.g. gpt-5
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
}

// RubricsConfig points at the rubric registry.
type RubricsConfig struct {
	Dir       string `yaml:"dir"`
	DefaultID string `yaml:"defaultId"`
}

// UnmarshalYAML keeps the aiproxy block addressable under its lowercase key.
func (e *EvaluatorConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Provider     string          `yaml:"provider"`
		Timeout      time.Duration   `yaml:"timeout"`
		Mock         MockSettings    `yaml:"mock"`
		AIProxy      AIProxySettings `yaml:"aiproxy"`
		SystemPrompt string          `yaml:"systemPrompt"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	e.Provider = r.Provider
	e.Timeout = r.Timeout
	e.Mock = r.Mock
	e.AIProxy = r.AIProxy
	e.SystemPrompt = r.SystemPrompt
	return nil
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var CONVOSCORE_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("CONVOSCORE_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure storage dir exists
	if cfg.Storage.Dir != "" {
		if err := os.MkdirAll(cfg.Storage.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage dir: %w", err)
		}
	}
	// Default DB path under storage dir if not set.
	if cfg.Storage.Backend == common.StorageBackendSQLite && cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(cfg.Storage.Dir, "convoscore.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize <= 0 {
		cfg.Server.MaxUploadSize = 10 * 1024 * 1024 // 10 MiB default
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Storage defaults
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = common.StorageBackendFile
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.MaxAge == 0 {
		cfg.Storage.MaxAge = 24 * time.Hour
	}

	// Worker defaults
	if cfg.Worker.MaxConcurrentJobs <= 0 {
		cfg.Worker.MaxConcurrentJobs = common.DefaultMaxConcurrentJobs
	}
	if cfg.Worker.MaxRetries <= 0 {
		cfg.Worker.MaxRetries = common.DefaultMaxRetries
	}
	if cfg.Worker.PollingInterval == 0 {
		cfg.Worker.PollingInterval = 5 * time.Second
	}

	// Evaluator defaults
	if cfg.Evaluator.Provider == "" {
		cfg.Evaluator.Provider = "mock"
	}
	if cfg.Evaluator.Timeout == 0 {
		cfg.Evaluator.Timeout = 30 * time.Second
	}
	if cfg.Evaluator.Mock.Delay == 0 {
		cfg.Evaluator.Mock.Delay = 500 * time.Millisecond
	}
	if strings.EqualFold(cfg.Evaluator.Provider, "aiproxy") {
		if strings.TrimSpace(cfg.Evaluator.AIProxy.BaseURL) == "" {
			cfg.Evaluator.AIProxy.BaseURL = "http://localhost:8900"
		}
		if strings.TrimSpace(cfg.Evaluator.AIProxy.Model) == "" {
			cfg.Evaluator.AIProxy.Model = "gpt-5"
		}
	}

	// Rubric defaults
	if cfg.Rubrics.Dir == "" {
		cfg.Rubrics.Dir = "rubrics"
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case common.StorageBackendFile, common.StorageBackendSQLite:
	default:
		return fmt.Errorf("storage.backend %q is not supported", cfg.Storage.Backend)
	}

	switch strings.ToLower(cfg.Evaluator.Provider) {
	case "mock":
	case "aiproxy":
		if strings.TrimSpace(cfg.Evaluator.AIProxy.BaseURL) == "" {
			return errors.New("evaluator.aiproxy.baseUrl is required")
		}
	default:
		return fmt.Errorf("evaluator.provider %q is not supported", cfg.Evaluator.Provider)
	}

	if cfg.Storage.MaxAge < 0 {
		return errors.New("storage.maxAge must not be negative")
	}
	if cfg.Worker.RequestsPerMinute < 0 {
		return errors.New("worker.requestsPerMinute must not be negative")
	}
	return nil
}
