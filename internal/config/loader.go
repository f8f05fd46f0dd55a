package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".autoflow"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("AUTOFLOW_CONFIG")); explicit != "" {
		return expandTilde(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("AUTOFLOW_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// expandTilde resolves a leading ~ against the autoflow home.
func expandTilde(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

type envGroup struct {
	prefix string
	spec   any
}

// envGroups lists the envconfig prefix of every config group. Fields are
// tagged split_words, so only the prefixed names are read.
func envGroups(cfg *Config) []envGroup {
	return []envGroup{
		{"AUTOFLOW_PATHS", &cfg.Paths},
		{"AUTOFLOW_MODEL", &cfg.Model},
		{"AUTOFLOW_OPENAI", &cfg.Providers.OpenAI},
		{"AUTOFLOW_SCHEDULER", &cfg.Scheduler},
		{"AUTOFLOW_DISPATCHER", &cfg.Dispatcher},
		{"AUTOFLOW_EXECUTOR", &cfg.Executor},
		{"AUTOFLOW_KAFKA", &cfg.Kafka},
		{"AUTOFLOW_SLACK", &cfg.Slack},
		{"AUTOFLOW_METRICS", &cfg.Metrics},
	}
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/autoflow/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	obj, err := newIncludeResolver().load(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(mustMarshal(obj), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	for _, g := range envGroups(cfg) {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return nil, fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}

	// Fallback for API Key
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	for _, p := range []*string{&cfg.Paths.DataDir, &cfg.Paths.Workspace, &cfg.Scheduler.LockPath} {
		if *p == "" {
			continue
		}
		expanded, err := expandTilde(*p)
		if err != nil {
			return nil, err
		}
		*p = expanded
	}

	if cfg.Dispatcher.MaxConcurrent <= 0 {
		cfg.Dispatcher.MaxConcurrent = 4
	}
	return cfg, nil
}

// Save writes the configuration to the config file with owner-only
// permissions. $include structure of an existing file is not preserved.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	return writeFileMap(path, m)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
