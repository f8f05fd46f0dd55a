// Package config provides configuration types and loading for autoflow.
package config

import (
	"path/filepath"
	"time"

	"github.com/KafClaw/autoflow/internal/ingest"
	"github.com/KafClaw/autoflow/internal/notify"
	"github.com/KafClaw/autoflow/internal/scheduler"
)

// Config is the root configuration struct.
type Config struct {
	Paths      PathsConfig        `json:"paths"`
	Model      ModelConfig        `json:"model"`
	Providers  ProvidersConfig    `json:"providers"`
	Scheduler  scheduler.Config   `json:"scheduler"`
	Dispatcher DispatcherConfig   `json:"dispatcher"`
	Executor   ExecutorConfig     `json:"executor"`
	Kafka      ingest.KafkaConfig `json:"kafka"`
	Slack      notify.SlackConfig `json:"slack"`
	Metrics    MetricsConfig      `json:"metrics"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// DataDir holds the sqlite timeline.
	DataDir   string `json:"dataDir" split_words:"true"`
	Workspace string `json:"workspace" split_words:"true"`
}

// TimelinePath returns the timeline database location.
func (p PathsConfig) TimelinePath() string {
	return filepath.Join(p.DataDir, "timeline.db")
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model settings.
type ModelConfig struct {
	Name string `json:"name" split_words:"true"`
	// OrchestratorName is the default model of workflow orchestration.
	// Empty means Name.
	OrchestratorName string  `json:"orchestratorName,omitempty" split_words:"true"`
	MaxTokens        int     `json:"maxTokens" split_words:"true"`
	Temperature      float64 `json:"temperature" split_words:"true"`
	// Tiers maps a skill's modelTier to a model name.
	Tiers map[string]string `json:"tiers,omitempty" split_words:"true"`
}

// Orchestrator returns the orchestration model.
func (m ModelConfig) Orchestrator() string {
	if m.OrchestratorName != "" {
		return m.OrchestratorName
	}
	return m.Name
}

// ---------------------------------------------------------------------------
// Providers – LLM endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig contains settings for an OpenAI-compatible provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" split_words:"true"`
	APIBase string `json:"apiBase,omitempty" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Runtime – dispatch and execution
// ---------------------------------------------------------------------------

// DispatcherConfig tunes event dispatch.
type DispatcherConfig struct {
	MaxConcurrent      int  `json:"maxConcurrent" split_words:"true"`
	SerializeWorkflows bool `json:"serializeWorkflows" split_words:"true"`
	// RefreshInterval reloads definitions from the store and resyncs jobs.
	RefreshInterval time.Duration `json:"refreshInterval" split_words:"true"`
}

// ExecutorConfig bounds skill and workflow loops and provider retries.
type ExecutorConfig struct {
	MaxTurns             int           `json:"maxTurns" split_words:"true"`
	OrchestratorMaxTurns int           `json:"orchestratorMaxTurns" split_words:"true"`
	MaxRetries           int           `json:"maxRetries" split_words:"true"`
	RetryBase            time.Duration `json:"retryBase" split_words:"true"`
	RetryMax             time.Duration `json:"retryMax" split_words:"true"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" split_words:"true"`
	Addr    string `json:"addr" split_words:"true"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:   "~/.autoflow",
			Workspace: "~/autoflow-workspace",
		},
		Model: ModelConfig{
			Name:        "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Scheduler: scheduler.Config{
			Enabled:      true,
			TickInterval: 60 * time.Second,
			MinInterval:  scheduler.DefaultMinInterval,
			LockPath:     "~/.autoflow/scheduler.lock",
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrent:   4,
			RefreshInterval: 5 * time.Minute,
		},
		Executor: ExecutorConfig{
			MaxTurns:             20,
			OrchestratorMaxTurns: 30,
			MaxRetries:           3,
			RetryBase:            15 * time.Second,
			RetryMax:             120 * time.Second,
		},
		Kafka: ingest.KafkaConfig{
			ConsumerGroup: "autoflow",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}
