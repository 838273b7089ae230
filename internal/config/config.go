// Package config loads and validates codeforge configuration.
// Configuration comes from a YAML file with defaults for every key;
// environment variables override file values. Secrets (provider API keys,
// bus credentials) are environment-only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"codeforge/internal/logging"
	"codeforge/internal/types"
)

// Config holds all codeforge configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Bus        BusConfig        `yaml:"bus"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Strategies StrategiesConfig `yaml:"strategies"`
	Classifier ClassifierConfig `yaml:"classifier"`
	LLM        LLMConfig        `yaml:"llm"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Intake     IntakeConfig     `yaml:"intake"`
	Logging    logging.Config   `yaml:"logging"`
}

// ServerConfig configures the HTTP intake surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig configures the sqlite store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// BusConfig configures the NATS connection and subjects.
type BusConfig struct {
	URL                string `yaml:"url"`
	Stream             string `yaml:"stream"`
	SubjectPrefix      string `yaml:"subject-prefix"`
	BuildFailedSubject string `yaml:"build-failed-subject"`
	ConsumerDurable    string `yaml:"consumer-durable"`
}

// ExecutorConfig configures the worker pool, deadlines, and the reaper.
type ExecutorConfig struct {
	WorkerPoolSize         int `yaml:"worker-pool-size"`
	TaskDeadlineSimpleSec  int `yaml:"task-deadline-simple-sec"`
	TaskDeadlineMediumSec  int `yaml:"task-deadline-medium-sec"`
	TaskDeadlineComplexSec int `yaml:"task-deadline-complex-sec"`
	HeartbeatIntervalSec   int `yaml:"heartbeat-interval-sec"`
	ReaperStaleWindowSec   int `yaml:"reaper-stale-window-sec"`
	ReaperIntervalSec      int `yaml:"reaper-interval-sec"`
}

// StrategiesConfig bounds the strategy control loops.
type StrategiesConfig struct {
	IterativeMaxIterations  int `yaml:"iterative-max-iterations"`
	IterativeWallClockSec   int `yaml:"iterative-wall-clock-sec"`
	MultiAgentWallClockSec  int `yaml:"multiagent-wall-clock-sec"`
	MultiAgentMaxSubtasks   int `yaml:"multiagent-max-subtasks"`
}

// ClassifierConfig configures the remote complexity classifier. An empty URL
// disables the remote path; classification is then heuristic-only.
type ClassifierConfig struct {
	URL          string `yaml:"url"`
	TimeoutMS    int    `yaml:"timeout-ms"`
	Retries      int    `yaml:"retries"`
	RetryDelayMS int    `yaml:"retry-delay-ms"`
	CBThreshold  int    `yaml:"cb-threshold"`
	CBResetSec   int    `yaml:"cb-reset-sec"`
}

// ModelPrice is one row of the per-model price table, in USD per 1K tokens.
type ModelPrice struct {
	Model              string  `yaml:"model"`
	PromptUSDPer1K     float64 `yaml:"prompt-usd-per-1k"`
	CompletionUSDPer1K float64 `yaml:"completion-usd-per-1k"`
}

// LLMConfig configures providers, the model map, prices, and rate limits.
type LLMConfig struct {
	RequestTimeoutSec int `yaml:"request-timeout-sec"`

	// ModelMap routes a complexity band (simple/medium/complex/epic) to a
	// model id.
	ModelMap map[string]string `yaml:"model-map"`

	// Providers optionally pins a model id to a provider name; unlisted
	// models are routed by name prefix (claude/gpt/gemini).
	Providers map[string]string `yaml:"providers"`

	Prices []ModelPrice `yaml:"prices"`

	RateLimitRPS   float64 `yaml:"rate-limit-rps"`
	RateLimitBurst int     `yaml:"rate-limit-burst"`

	// API keys are environment-only (ANTHROPIC_API_KEY, OPENAI_API_KEY,
	// GEMINI_API_KEY), populated by applyEnvOverrides.
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

// OutboxConfig configures the event publisher pump.
type OutboxConfig struct {
	PollIntervalMS int     `yaml:"poll-interval-ms"`
	BatchSize      int     `yaml:"batch-size"`
	BackoffBaseMS  int     `yaml:"backoff-base-ms"`
	BackoffFactor  float64 `yaml:"backoff-factor"`
	BackoffCapSec  int     `yaml:"backoff-cap-sec"`
	LeaseTTLSec    int     `yaml:"lease-ttl-sec"`
	RetentionMin   int     `yaml:"retention-min"`
}

// IntakeConfig bounds task submissions.
type IntakeConfig struct {
	MaxDescriptionKiB  int `yaml:"max-description-kib"`
	MaxContextKiB      int `yaml:"max-context-kib"`
	IdempotencyWindowH int `yaml:"idempotency-window-h"`
	PendingWatermark   int `yaml:"pending-watermark"`
	OutboxWatermark    int `yaml:"outbox-watermark"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":8080"},
		Store:  StoreConfig{Path: "forge.db"},
		Bus: BusConfig{
			URL:                "nats://127.0.0.1:4222",
			Stream:             "FORGE",
			SubjectPrefix:      "forge.tasks",
			BuildFailedSubject: "ci.builds.failed",
			ConsumerDurable:    "forge-intake",
		},
		Executor: ExecutorConfig{
			WorkerPoolSize:         16,
			TaskDeadlineSimpleSec:  90,
			TaskDeadlineMediumSec:  180,
			TaskDeadlineComplexSec: 600,
			HeartbeatIntervalSec:   10,
			ReaperStaleWindowSec:   300,
			ReaperIntervalSec:      30,
		},
		Strategies: StrategiesConfig{
			IterativeMaxIterations: 3,
			IterativeWallClockSec:  60,
			MultiAgentWallClockSec: 180,
			MultiAgentMaxSubtasks:  8,
		},
		Classifier: ClassifierConfig{
			TimeoutMS:    100,
			Retries:      2,
			RetryDelayMS: 50,
			CBThreshold:  3,
			CBResetSec:   30,
		},
		LLM: LLMConfig{
			RequestTimeoutSec: 30,
			ModelMap: map[string]string{
				"simple":  "gpt-4o-mini",
				"medium":  "claude-3-5-sonnet-20241022",
				"complex": "claude-opus-4-20250514",
				"epic":    "claude-opus-4-20250514",
			},
			Prices: []ModelPrice{
				{Model: "gpt-4o-mini", PromptUSDPer1K: 0.00015, CompletionUSDPer1K: 0.0006},
				{Model: "gpt-4o", PromptUSDPer1K: 0.0025, CompletionUSDPer1K: 0.01},
				{Model: "claude-3-5-haiku-20241022", PromptUSDPer1K: 0.0008, CompletionUSDPer1K: 0.004},
				{Model: "claude-3-5-sonnet-20241022", PromptUSDPer1K: 0.003, CompletionUSDPer1K: 0.015},
				{Model: "claude-opus-4-20250514", PromptUSDPer1K: 0.015, CompletionUSDPer1K: 0.075},
				{Model: "gemini-2.5-flash", PromptUSDPer1K: 0.0003, CompletionUSDPer1K: 0.0025},
				{Model: "gemini-2.5-pro", PromptUSDPer1K: 0.00125, CompletionUSDPer1K: 0.01},
			},
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Outbox: OutboxConfig{
			PollIntervalMS: 200,
			BatchSize:      32,
			BackoffBaseMS:  500,
			BackoffFactor:  2,
			BackoffCapSec:  60,
			LeaseTTLSec:    5,
			RetentionMin:   60,
		},
		Intake: IntakeConfig{
			MaxDescriptionKiB:  32,
			MaxContextKiB:      256,
			IdempotencyWindowH: 24,
			PendingWatermark:   1024,
			OutboxWatermark:    4096,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FORGE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("FORGE_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FORGE_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("FORGE_CLASSIFIER_URL"); v != "" {
		c.Classifier.URL = v
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FORGE_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Executor.WorkerPoolSize = n
		}
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.AnthropicAPIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.OpenAIAPIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.GeminiAPIKey = key
	}
}

// =============================================================================
// DURATION GETTERS
// =============================================================================

// GetTaskDeadline returns the wall-clock deadline for a complexity band.
func (c *Config) GetTaskDeadline(band types.Complexity) time.Duration {
	switch band {
	case types.ComplexitySimple:
		return time.Duration(c.Executor.TaskDeadlineSimpleSec) * time.Second
	case types.ComplexityMedium:
		return time.Duration(c.Executor.TaskDeadlineMediumSec) * time.Second
	case types.ComplexityComplex, types.ComplexityEpic:
		return time.Duration(c.Executor.TaskDeadlineComplexSec) * time.Second
	}
	return time.Duration(c.Executor.TaskDeadlineMediumSec) * time.Second
}

// GetHeartbeatInterval returns how often a running execution heartbeats.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Executor.HeartbeatIntervalSec) * time.Second
}

// GetReaperStaleWindow returns the staleness window for abandoned tasks.
func (c *Config) GetReaperStaleWindow() time.Duration {
	return time.Duration(c.Executor.ReaperStaleWindowSec) * time.Second
}

// GetReaperInterval returns the reaper scan interval.
func (c *Config) GetReaperInterval() time.Duration {
	return time.Duration(c.Executor.ReaperIntervalSec) * time.Second
}

// GetIterativeWallClock returns the Iterative strategy wall-clock cap.
func (c *Config) GetIterativeWallClock() time.Duration {
	return time.Duration(c.Strategies.IterativeWallClockSec) * time.Second
}

// GetMultiAgentWallClock returns the MultiAgent strategy wall-clock cap.
func (c *Config) GetMultiAgentWallClock() time.Duration {
	return time.Duration(c.Strategies.MultiAgentWallClockSec) * time.Second
}

// GetClassifierTimeout returns the per-attempt classifier timeout.
func (c *Config) GetClassifierTimeout() time.Duration {
	return time.Duration(c.Classifier.TimeoutMS) * time.Millisecond
}

// GetClassifierRetryDelay returns the delay between classifier retries.
func (c *Config) GetClassifierRetryDelay() time.Duration {
	return time.Duration(c.Classifier.RetryDelayMS) * time.Millisecond
}

// GetClassifierCBReset returns how long the classifier circuit stays open.
func (c *Config) GetClassifierCBReset() time.Duration {
	return time.Duration(c.Classifier.CBResetSec) * time.Second
}

// GetLLMRequestTimeout returns the per-request LLM timeout.
func (c *Config) GetLLMRequestTimeout() time.Duration {
	return time.Duration(c.LLM.RequestTimeoutSec) * time.Second
}

// GetOutboxPollInterval returns the outbox pump poll interval.
func (c *Config) GetOutboxPollInterval() time.Duration {
	return time.Duration(c.Outbox.PollIntervalMS) * time.Millisecond
}

// GetOutboxBackoffBase returns the base delivery retry backoff.
func (c *Config) GetOutboxBackoffBase() time.Duration {
	return time.Duration(c.Outbox.BackoffBaseMS) * time.Millisecond
}

// GetOutboxBackoffCap returns the delivery retry backoff ceiling.
func (c *Config) GetOutboxBackoffCap() time.Duration {
	return time.Duration(c.Outbox.BackoffCapSec) * time.Second
}

// GetLeaseTTL returns the publisher lease TTL.
func (c *Config) GetLeaseTTL() time.Duration {
	return time.Duration(c.Outbox.LeaseTTLSec) * time.Second
}

// GetOutboxRetention returns how long delivered outbox rows are retained.
func (c *Config) GetOutboxRetention() time.Duration {
	return time.Duration(c.Outbox.RetentionMin) * time.Minute
}

// GetIdempotencyWindow returns the client-token dedupe window.
func (c *Config) GetIdempotencyWindow() time.Duration {
	return time.Duration(c.Intake.IdempotencyWindowH) * time.Hour
}

// MaxDescriptionBytes returns the submission description size limit.
func (c *Config) MaxDescriptionBytes() int {
	return c.Intake.MaxDescriptionKiB * 1024
}

// MaxContextBytes returns the total context-file size limit per submission.
func (c *Config) MaxContextBytes() int {
	return c.Intake.MaxContextKiB * 1024
}

// =============================================================================
// VALIDATION
// =============================================================================

// modelMapBands are the complexity keys the model map must cover.
var modelMapBands = []string{"simple", "medium", "complex", "epic"}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Executor.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker-pool-size must be positive, got %d", c.Executor.WorkerPoolSize)
	}
	if c.Strategies.IterativeMaxIterations <= 0 {
		return fmt.Errorf("iterative-max-iterations must be positive, got %d", c.Strategies.IterativeMaxIterations)
	}
	if c.Strategies.MultiAgentMaxSubtasks <= 0 {
		return fmt.Errorf("multiagent-max-subtasks must be positive, got %d", c.Strategies.MultiAgentMaxSubtasks)
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch-size must be positive, got %d", c.Outbox.BatchSize)
	}
	if c.Outbox.BackoffFactor < 1 {
		return fmt.Errorf("outbox backoff-factor must be >= 1, got %v", c.Outbox.BackoffFactor)
	}
	for _, band := range modelMapBands {
		if c.LLM.ModelMap[band] == "" {
			return fmt.Errorf("llm model-map missing %q", band)
		}
	}
	for _, p := range c.LLM.Prices {
		if p.Model == "" {
			return fmt.Errorf("llm price row with empty model")
		}
		if p.PromptUSDPer1K < 0 || p.CompletionUSDPer1K < 0 {
			return fmt.Errorf("llm price for %s is negative", p.Model)
		}
	}
	if c.LLM.RateLimitRPS <= 0 {
		return fmt.Errorf("llm rate-limit-rps must be positive, got %v", c.LLM.RateLimitRPS)
	}
	if c.Intake.MaxDescriptionKiB <= 0 {
		return fmt.Errorf("intake max-description-kib must be positive, got %d", c.Intake.MaxDescriptionKiB)
	}
	return nil
}

// ModelForBand returns the configured model id for a complexity band.
func (c *Config) ModelForBand(band types.Complexity) string {
	switch band {
	case types.ComplexitySimple:
		return c.LLM.ModelMap["simple"]
	case types.ComplexityMedium:
		return c.LLM.ModelMap["medium"]
	case types.ComplexityComplex:
		return c.LLM.ModelMap["complex"]
	case types.ComplexityEpic:
		return c.LLM.ModelMap["epic"]
	}
	return c.LLM.ModelMap["medium"]
}
