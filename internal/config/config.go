package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"turnflow"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"`

	Server    ServerConfig
	Store     StoreConfig
	Journal   JournalConfig
	Session   SessionConfig
	AI        AIConfig
	Workflow  WorkflowConfig
	Recovery  RecoveryConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// Addr is derived from Port.
	Addr string
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Backend      string        `env:"STORE_BACKEND" envDefault:"badger"`
	BadgerPath   string        `env:"BADGER_PATH" envDefault:"data/store"`
	BadgerMemory bool          `env:"BADGER_IN_MEMORY" envDefault:"false"`
	CouchURL     string        `env:"COUCH_URL"`
	CouchTimeout time.Duration `env:"COUCH_TIMEOUT" envDefault:"30s"`
}

// JournalConfig locates the execution journal.
type JournalConfig struct {
	Path     string `env:"JOURNAL_PATH" envDefault:"data/journal"`
	InMemory bool   `env:"JOURNAL_IN_MEMORY" envDefault:"false"`
}

// SessionConfig configures store credentials.
type SessionConfig struct {
	Secret string        `env:"SESSION_SECRET"`
	TTL    time.Duration `env:"SESSION_TTL" envDefault:"15m"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey    string `env:"ARK_API_KEY"`
	AccessKey string `env:"ARK_ACCESS_KEY"`
	SecretKey string `env:"ARK_SECRET_KEY"`
	Model     string `env:"ARK_MODEL"`
	BaseURL   string `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region    string `env:"ARK_REGION" envDefault:"cn-beijing"`

	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	// DefaultModel is the target used when a request names none, in
	// provider:model form.
	DefaultModel string `env:"DEFAULT_MODEL"`

	// 可选采样参数，由 loadSamplingOptions 解析。
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// WorkflowConfig tunes the turn pipeline.
type WorkflowConfig struct {
	ChunkMaxRetries       int           `env:"CHUNK_MAX_RETRIES" envDefault:"3"`
	ConsolidateMaxRetries int           `env:"CONSOLIDATE_MAX_RETRIES" envDefault:"2"`
	RetryBaseDelay        time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	StatusMaxAttempts     int           `env:"STATUS_MAX_ATTEMPTS" envDefault:"3"`
	StreamBuffer          int           `env:"STREAM_BUFFER" envDefault:"16"`
}

// RecoveryConfig drives the background sweeper.
type RecoveryConfig struct {
	Interval   time.Duration `env:"RECOVERY_INTERVAL" envDefault:"30s"`
	StaleAfter time.Duration `env:"RECOVERY_STALE_AFTER" envDefault:"2m"`
	Workers    int           `env:"RECOVERY_WORKERS" envDefault:"1"`
}

// RateLimitConfig limits requests per caller. Zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"0"`
	Burst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled bool `env:"TRACING_ENABLED" envDefault:"false"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	addr, err := listenAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if cfg.AI.Model == "" {
		// 兼容旧的 Model 变量。
		cfg.AI.Model = strings.TrimSpace(os.Getenv("Model"))
	}
	if err := loadSamplingOptions(&cfg.AI); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "badger":
		if !c.Store.BadgerMemory && strings.TrimSpace(c.Store.BadgerPath) == "" {
			return fmt.Errorf("BADGER_PATH is required when BADGER_IN_MEMORY is false")
		}
	case "couch":
		if strings.TrimSpace(c.Store.CouchURL) == "" {
			return fmt.Errorf("COUCH_URL is required when STORE_BACKEND is couch")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND value %q", c.Store.Backend)
	}

	if c.Workflow.ChunkMaxRetries < 0 || c.Workflow.ConsolidateMaxRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.Workflow.StatusMaxAttempts < 1 {
		c.Workflow.StatusMaxAttempts = 1
	}
	if c.Workflow.StreamBuffer < 1 {
		c.Workflow.StreamBuffer = 1
	}
	if c.Recovery.Workers < 1 {
		c.Recovery.Workers = 1
	}
	return nil
}

// listenAddr 解析服务器监听地址。
func listenAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// ArkEnabled 表示是否提供了必需的密钥。
func (c AIConfig) ArkEnabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个 Ark 模型实例。modelName 为空时使用配置的模型。
func (c AIConfig) NewChatModel(ctx context.Context, modelName, apiKey string) (model.BaseChatModel, error) {
	if apiKey != "" {
		c.APIKey = apiKey
	}
	if modelName != "" {
		c.Model = modelName
	}
	if !c.ArkEnabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY and a model, or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	cm, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cm, nil
}

func loadSamplingOptions(c *AIConfig) error {
	var err error
	if c.Temperature, err = parseOptionalFloatEnv("ARK_TEMPERATURE"); err != nil {
		return err
	}
	if c.TopP, err = parseOptionalFloatEnv("ARK_TOP_P"); err != nil {
		return err
	}
	if c.MaxTokens, err = parseOptionalIntEnv("ARK_MAX_TOKENS"); err != nil {
		return err
	}
	return nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
