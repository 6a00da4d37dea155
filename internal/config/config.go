package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models worldcast.yml. Secrets (API tokens) never live here; they
// come from the environment.
type Config struct {
	Bot struct {
		Tournament string `yaml:"tournament"`
		Worlds     int    `yaml:"worlds"`
		BatchSize  int    `yaml:"batch_size"`
		Workers    int    `yaml:"workers"`
	} `yaml:"bot"`
	LLM struct {
		Models      []string `yaml:"models"`
		MaxRetries  int      `yaml:"max_retries"`
		BackoffCapS float64  `yaml:"backoff_cap_seconds"`
		MaxTokens   int      `yaml:"max_tokens"`
		Temperature float64  `yaml:"temperature"`
		BaseURL     string   `yaml:"base_url"`
	} `yaml:"llm"`
	Metaculus struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"metaculus"`
	Test struct {
		PostIDs []int64 `yaml:"post_ids"`
	} `yaml:"test"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with wcast config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Bot.Tournament == "" {
		return fmt.Errorf("config.bot.tournament is required")
	}
	if c.Bot.Worlds <= 0 {
		return fmt.Errorf("config.bot.worlds must be positive")
	}
	if c.Bot.BatchSize <= 0 {
		return fmt.Errorf("config.bot.batch_size must be positive")
	}
	if c.Bot.Workers <= 0 {
		return fmt.Errorf("config.bot.workers must be positive")
	}
	if len(c.LLM.Models) == 0 {
		return fmt.Errorf("config.llm.models must list at least one model")
	}
	for _, m := range c.LLM.Models {
		if m == "" {
			return fmt.Errorf("config.llm.models contains an empty model name")
		}
	}
	if c.LLM.MaxRetries <= 0 {
		return fmt.Errorf("config.llm.max_retries must be positive")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("config.llm.max_tokens must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("config.llm.temperature must be in [0, 2]")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "worldcast.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

const defaultTemplate = `bot:
  # Tournament slug to forecast on in tournament mode.
  tournament: fall-aib-2025
  # Scenario draws per question batch.
  worlds: 30
  # Questions folded into one sampling prompt.
  batch_size: 12
  # Concurrent world draws.
  workers: 4

llm:
  # Tried in order until one answers.
  models:
    - openai/gpt-4o-mini
    - openrouter/auto
    - google/gemini-1.5-flash
  max_retries: 4
  backoff_cap_seconds: 10
  max_tokens: 800
  temperature: 0.2
  base_url: https://openrouter.ai/api/v1

metaculus:
  base_url: https://www.metaculus.com/api

test:
  # Post ids used by 'wcast run --mode test'.
  post_ids: [578, 14333, 22427]
`
