// Package config loads coordination-core settings from JSON or YAML files with
// ${VAR} substitution, AGENTCORE_* environment overrides, defaults and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"agentcore/pkg/limiter"
	"agentcore/pkg/retry"
)

// EnvPrefix is the prefix for environment overrides, e.g. AGENTCORE_MEMORY_DIMENSIONS.
const EnvPrefix = "AGENTCORE"

// Provider names accepted for completion and embedding.
const (
	ProviderMock      = "mock"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// Context budget units.
const (
	BudgetTokens = "tokens"
	BudgetChars  = "chars"
)

// Duration accepts "1.5s" style strings from JSON, YAML and the environment.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.Decode(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.Decode(node.Value)
}

// RetryConfig is the file form of a backoff policy.
type RetryConfig struct {
	MaxAttempts   int      `json:"max_attempts" yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	InitialDelay  Duration `json:"initial_delay" yaml:"initial_delay" envconfig:"INITIAL_DELAY"`
	MaxDelay      Duration `json:"max_delay" yaml:"max_delay" envconfig:"MAX_DELAY"`
	BackoffFactor float64  `json:"backoff_factor" yaml:"backoff_factor" envconfig:"BACKOFF_FACTOR"`
	Jitter        bool     `json:"jitter" yaml:"jitter" envconfig:"JITTER"`
}

// Policy converts to the retry package form.
func (r RetryConfig) Policy() retry.Config {
	return retry.Config{
		MaxAttempts:   r.MaxAttempts,
		InitialDelay:  r.InitialDelay.Std(),
		MaxDelay:      r.MaxDelay.Std(),
		BackoffFactor: r.BackoffFactor,
		Jitter:        r.Jitter,
	}
}

// StorageConfig locates the relational store and the JSONL activity mirror.
type StorageConfig struct {
	DBPath         string   `json:"db_path" yaml:"db_path" envconfig:"DB_PATH"`
	EventLogDir    string   `json:"event_log_dir" yaml:"event_log_dir" envconfig:"EVENT_LOG_DIR"`
	PersistTimeout Duration `json:"persist_timeout" yaml:"persist_timeout" envconfig:"PERSIST_TIMEOUT"`
	SecretsDir     string   `json:"secrets_dir" yaml:"secrets_dir" envconfig:"SECRETS_DIR"`
}

// MemoryConfig controls the vector memory store.
type MemoryConfig struct {
	Dimensions     int      `json:"dimensions" yaml:"dimensions" envconfig:"DIMENSIONS"`
	Collection     string   `json:"collection" yaml:"collection" envconfig:"COLLECTION"`
	EmbedTimeout   Duration `json:"embed_timeout" yaml:"embed_timeout" envconfig:"EMBED_TIMEOUT"`
	EmbedCacheSize int64    `json:"embed_cache_size" yaml:"embed_cache_size" envconfig:"EMBED_CACHE_SIZE"`
	ContextBudget  int      `json:"context_budget" yaml:"context_budget" envconfig:"CONTEXT_BUDGET"`
	BudgetUnit     string   `json:"budget_unit" yaml:"budget_unit" envconfig:"BUDGET_UNIT"`
	SearchK        int      `json:"search_k" yaml:"search_k" envconfig:"SEARCH_K"`
}

// WorkerConfig controls the execution loop.
type WorkerConfig struct {
	Retry           RetryConfig `json:"retry" yaml:"retry" envconfig:"RETRY"`
	ThinkTimeout    Duration    `json:"think_timeout" yaml:"think_timeout" envconfig:"THINK_TIMEOUT"`
	InboxSize       int         `json:"inbox_size" yaml:"inbox_size" envconfig:"INBOX_SIZE"`
	DedupeCacheSize int64       `json:"dedupe_cache_size" yaml:"dedupe_cache_size" envconfig:"DEDUPE_CACHE_SIZE"`
	HistoryLimit    int         `json:"history_limit" yaml:"history_limit" envconfig:"HISTORY_LIMIT"`
	SupervisorID    string      `json:"supervisor_id" yaml:"supervisor_id" envconfig:"SUPERVISOR_ID"`
}

// RouterConfig controls delivery.
type RouterConfig struct {
	Delivery        RetryConfig `json:"delivery" yaml:"delivery" envconfig:"DELIVERY"`
	DeliveryWorkers int         `json:"delivery_workers" yaml:"delivery_workers" envconfig:"DELIVERY_WORKERS"`
	QueueSize       int         `json:"queue_size" yaml:"queue_size" envconfig:"QUEUE_SIZE"`
}

// LLMConfig selects the reasoning and embedding capabilities.
type LLMConfig struct {
	Provider          string  `json:"provider" yaml:"provider" envconfig:"PROVIDER"`
	Model             string  `json:"model" yaml:"model" envconfig:"MODEL"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens" envconfig:"MAX_TOKENS"`
	Temperature       float64 `json:"temperature" yaml:"temperature" envconfig:"TEMPERATURE"`
	BaseURL           string  `json:"base_url" yaml:"base_url" envconfig:"BASE_URL"`
	EmbeddingProvider string  `json:"embedding_provider" yaml:"embedding_provider" envconfig:"EMBEDDING_PROVIDER"`
	EmbeddingModel    string  `json:"embedding_model" yaml:"embedding_model" envconfig:"EMBEDDING_MODEL"`
	TokensPerMinute   int     `json:"tokens_per_minute" yaml:"tokens_per_minute" envconfig:"TOKENS_PER_MINUTE"`
	DailyTokenBudget  int     `json:"daily_token_budget" yaml:"daily_token_budget" envconfig:"DAILY_TOKEN_BUDGET"`
	MaxConcurrent     int     `json:"max_concurrent" yaml:"max_concurrent" envconfig:"MAX_CONCURRENT"`
	// BreakerThreshold consecutive failures open the completion circuit; 0 disables it.
	BreakerThreshold int      `json:"breaker_threshold" yaml:"breaker_threshold" envconfig:"BREAKER_THRESHOLD"`
	BreakerCooldown  Duration `json:"breaker_cooldown" yaml:"breaker_cooldown" envconfig:"BREAKER_COOLDOWN"`
}

// Limits maps the rate settings onto the completion limiter.
func (c LLMConfig) Limits() limiter.Config {
	return limiter.Config{
		TokensPerMinute:  c.TokensPerMinute,
		DailyTokenBudget: c.DailyTokenBudget,
		MaxConcurrent:    c.MaxConcurrent,
	}
}

// Supervisor actions for a FAILED worker.
const (
	ActionReset    = "reset"
	ActionHold     = "hold"
	ActionShutdown = "shutdown"
)

// SupervisorConfig tunes the built-in supervisor that receives worker failure alerts.
type SupervisorConfig struct {
	// Actions maps a worker type to reset, hold or shutdown.
	Actions       map[string]string `json:"actions" yaml:"actions" envconfig:"ACTIONS"`
	DefaultAction string            `json:"default_action" yaml:"default_action" envconfig:"DEFAULT_ACTION"`
	ResetCooldown Duration          `json:"reset_cooldown" yaml:"reset_cooldown" envconfig:"RESET_COOLDOWN"`
}

// AlertsConfig configures the supervisory alert fan-out.
type AlertsConfig struct {
	KafkaBrokers []string `json:"kafka_brokers" yaml:"kafka_brokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `json:"kafka_topic" yaml:"kafka_topic" envconfig:"KAFKA_TOPIC"`
}

// MetricsConfig configures Prometheus metric names and the query endpoint.
type MetricsConfig struct {
	Namespace     string `json:"namespace" yaml:"namespace" envconfig:"NAMESPACE"`
	PrometheusURL string `json:"prometheus_url" yaml:"prometheus_url" envconfig:"PROMETHEUS_URL"`
}

// Config is the complete coordination-core configuration.
type Config struct {
	Storage    StorageConfig    `json:"storage" yaml:"storage" envconfig:"STORAGE"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory" envconfig:"MEMORY"`
	Worker     WorkerConfig     `json:"worker" yaml:"worker" envconfig:"WORKER"`
	Router     RouterConfig     `json:"router" yaml:"router" envconfig:"ROUTER"`
	LLM        LLMConfig        `json:"llm" yaml:"llm" envconfig:"LLM"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor" envconfig:"SUPERVISOR"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts" envconfig:"ALERTS"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics" envconfig:"METRICS"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path (JSON, or YAML for .yaml/.yml), applies environment overrides,
// defaults and validation. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, substituteEnv(string(data)), cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func substituteEnv(data string) string {
	return envVarRegex.ReplaceAllStringFunc(data, func(match string) string {
		name := match[2 : len(match)-1]
		if value := os.Getenv(name); value != "" {
			return value
		}
		return match
	})
}

func decode(path, data string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return nil
}

func applyRetryDefaults(r *RetryConfig, attempts int, initial, maxDelay time.Duration) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = attempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = Duration(initial)
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = Duration(maxDelay)
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2.0
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "agentcore.db"
	}
	if cfg.Storage.EventLogDir == "" {
		cfg.Storage.EventLogDir = filepath.Join("logs", "events")
	}
	if cfg.Storage.PersistTimeout == 0 {
		cfg.Storage.PersistTimeout = Duration(5 * time.Second)
	}
	if cfg.Storage.SecretsDir == "" {
		cfg.Storage.SecretsDir = ".agentcore"
	}

	if cfg.Memory.Dimensions == 0 {
		cfg.Memory.Dimensions = 384
	}
	if cfg.Memory.Collection == "" {
		cfg.Memory.Collection = "memory"
	}
	if cfg.Memory.EmbedTimeout == 0 {
		cfg.Memory.EmbedTimeout = Duration(15 * time.Second)
	}
	if cfg.Memory.EmbedCacheSize == 0 {
		cfg.Memory.EmbedCacheSize = 4096
	}
	if cfg.Memory.ContextBudget == 0 {
		cfg.Memory.ContextBudget = 2000
	}
	if cfg.Memory.BudgetUnit == "" {
		cfg.Memory.BudgetUnit = BudgetTokens
	}
	if cfg.Memory.SearchK == 0 {
		cfg.Memory.SearchK = 5
	}

	applyRetryDefaults(&cfg.Worker.Retry, 3, 200*time.Millisecond, 5*time.Second)
	if cfg.Worker.ThinkTimeout == 0 {
		cfg.Worker.ThinkTimeout = Duration(60 * time.Second)
	}
	if cfg.Worker.InboxSize == 0 {
		cfg.Worker.InboxSize = 64
	}
	if cfg.Worker.DedupeCacheSize == 0 {
		cfg.Worker.DedupeCacheSize = 1024
	}
	if cfg.Worker.HistoryLimit == 0 {
		cfg.Worker.HistoryLimit = 20
	}
	if cfg.Worker.SupervisorID == "" {
		cfg.Worker.SupervisorID = "supervisor"
	}

	applyRetryDefaults(&cfg.Router.Delivery, 5, 50*time.Millisecond, 2*time.Second)
	if cfg.Router.DeliveryWorkers == 0 {
		cfg.Router.DeliveryWorkers = 4
	}
	if cfg.Router.QueueSize == 0 {
		cfg.Router.QueueSize = 256
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderMock
	}
	if cfg.LLM.EmbeddingProvider == "" {
		cfg.LLM.EmbeddingProvider = ProviderMock
	}
	if cfg.LLM.BreakerThreshold > 0 && cfg.LLM.BreakerCooldown == 0 {
		cfg.LLM.BreakerCooldown = Duration(30 * time.Second)
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1024
	}
	if cfg.LLM.BaseURL == "" && (cfg.LLM.Provider == ProviderOllama || cfg.LLM.EmbeddingProvider == ProviderOllama) {
		cfg.LLM.BaseURL = "http://localhost:11434"
	}

	if cfg.Supervisor.DefaultAction == "" {
		cfg.Supervisor.DefaultAction = ActionReset
	}
	if cfg.Supervisor.ResetCooldown == 0 {
		cfg.Supervisor.ResetCooldown = Duration(30 * time.Second)
	}

	if cfg.Alerts.KafkaTopic == "" {
		cfg.Alerts.KafkaTopic = "agentcore.alerts"
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "agentcore"
	}
	if cfg.Metrics.PrometheusURL == "" {
		cfg.Metrics.PrometheusURL = "http://localhost:9090"
	}
}

func validateRetry(name string, r RetryConfig) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be at least 1", name)
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("%s delays cannot be negative", name)
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("%s.max_delay (%s) must not be below initial_delay (%s)", name, r.MaxDelay, r.InitialDelay)
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("%s.backoff_factor must be >= 1", name)
	}
	return nil
}

func validProvider(p string) bool {
	switch p {
	case ProviderMock, ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGemini:
		return true
	}
	return false
}

func validAction(a string) bool {
	return a == ActionReset || a == ActionHold || a == ActionShutdown
}

func validate(cfg *Config) error {
	if cfg.Memory.Dimensions <= 0 {
		return fmt.Errorf("memory.dimensions must be positive")
	}
	if cfg.Memory.ContextBudget < 0 {
		return fmt.Errorf("memory.context_budget cannot be negative")
	}
	if cfg.Memory.BudgetUnit != BudgetTokens && cfg.Memory.BudgetUnit != BudgetChars {
		return fmt.Errorf("memory.budget_unit must be %q or %q", BudgetTokens, BudgetChars)
	}
	if err := validateRetry("worker.retry", cfg.Worker.Retry); err != nil {
		return err
	}
	if err := validateRetry("router.delivery", cfg.Router.Delivery); err != nil {
		return err
	}
	if cfg.Worker.InboxSize < 1 || cfg.Router.QueueSize < 1 || cfg.Router.DeliveryWorkers < 1 {
		return fmt.Errorf("inbox_size, queue_size and delivery_workers must be positive")
	}
	if !validProvider(cfg.LLM.Provider) {
		return fmt.Errorf("unknown llm.provider %q", cfg.LLM.Provider)
	}
	if !validProvider(cfg.LLM.EmbeddingProvider) || cfg.LLM.EmbeddingProvider == ProviderAnthropic {
		return fmt.Errorf("llm.embedding_provider %q cannot produce embeddings", cfg.LLM.EmbeddingProvider)
	}
	if !validAction(cfg.Supervisor.DefaultAction) {
		return fmt.Errorf("supervisor.default_action %q must be reset, hold or shutdown", cfg.Supervisor.DefaultAction)
	}
	for workerType, action := range cfg.Supervisor.Actions {
		if !validAction(action) {
			return fmt.Errorf("supervisor.actions[%s] %q must be reset, hold or shutdown", workerType, action)
		}
	}
	if cfg.Supervisor.ResetCooldown < 0 {
		return fmt.Errorf("supervisor.reset_cooldown cannot be negative")
	}
	if cfg.LLM.TokensPerMinute < 0 || cfg.LLM.DailyTokenBudget < 0 || cfg.LLM.MaxConcurrent < 0 || cfg.LLM.BreakerThreshold < 0 {
		return fmt.Errorf("llm rate limits cannot be negative")
	}
	if cfg.LLM.Provider != ProviderMock && cfg.LLM.Model == "" {
		return fmt.Errorf("llm.model is required for provider %s", cfg.LLM.Provider)
	}
	if cfg.LLM.EmbeddingProvider != ProviderMock && cfg.LLM.EmbeddingModel == "" {
		return fmt.Errorf("llm.embedding_model is required for provider %s", cfg.LLM.EmbeddingProvider)
	}
	return nil
}
