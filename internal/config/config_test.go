package config_test

import (
	"os"
	"strings"
	"testing"

	"worldcast/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Bot.Tournament == "" {
		t.Fatalf("default tournament missing")
	}
	if cfg.Bot.Worlds != 30 {
		t.Fatalf("expected 30 worlds, got %d", cfg.Bot.Worlds)
	}
	if len(cfg.LLM.Models) == 0 {
		t.Fatalf("default models missing")
	}
}

func TestFromYAMLRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no tournament", "bot:\n  worlds: 10\n  batch_size: 5\n  workers: 2\nllm:\n  models: [m]\n  max_retries: 1\n  max_tokens: 100\n"},
		{"zero worlds", "bot:\n  tournament: t\n  worlds: 0\n  batch_size: 5\n  workers: 2\nllm:\n  models: [m]\n  max_retries: 1\n  max_tokens: 100\n"},
		{"no models", "bot:\n  tournament: t\n  worlds: 10\n  batch_size: 5\n  workers: 2\nllm:\n  models: []\n  max_retries: 1\n  max_tokens: 100\n"},
		{"empty model", "bot:\n  tournament: t\n  worlds: 10\n  batch_size: 5\n  workers: 2\nllm:\n  models: [\"\"]\n  max_retries: 1\n  max_tokens: 100\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFromYAMLRejectsBadSyntax(t *testing.T) {
	if _, err := config.FromYAML([]byte("bot: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestLoadMissingFileMentionsInit(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	if err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected helpful not-found error, got %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil for missing file, got %v, %v", cfg, err)
	}
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg == nil || cfg.Bot.Tournament == "" {
		t.Fatalf("expected parsed config")
	}
}
