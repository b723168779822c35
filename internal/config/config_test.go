package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/contextwatch/contextwatch/internal/agent"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source.Mode != "simple" {
		t.Errorf("mode = %q", cfg.Source.Mode)
	}
	if cfg.Monitor.PollInterval != time.Second {
		t.Errorf("poll interval = %s", cfg.Monitor.PollInterval)
	}
	if cfg.Limits.MaxChunkBytes != 256*1024 {
		t.Errorf("max chunk bytes = %d", cfg.Limits.MaxChunkBytes)
	}
	if th := cfg.AgentThresholds(); th != agent.DefaultThresholds() {
		t.Errorf("thresholds = %+v", th)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
source:
  mode: rollout
  path: /var/log/agents/*.jsonl
monitor:
  poll_interval: 2s
limits:
  max_sessions: 10
thresholds:
  warning_percent: 60
  critical_percent: 80
process:
  match_names: [agentd]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Source.Mode != "rollout" {
		t.Errorf("mode = %q", cfg.Source.Mode)
	}
	if cfg.Monitor.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %s", cfg.Monitor.PollInterval)
	}
	// Unset fields keep their defaults.
	if cfg.Monitor.Debounce != 100*time.Millisecond {
		t.Errorf("debounce = %s", cfg.Monitor.Debounce)
	}
	if cfg.Limits.MaxSessions != 10 {
		t.Errorf("max sessions = %d", cfg.Limits.MaxSessions)
	}
	th := cfg.AgentThresholds()
	if th.WarningPercent != 60 || th.CriticalPercent != 80 {
		t.Errorf("thresholds = %+v", th)
	}
	if len(cfg.Process.MatchNames) != 1 || cfg.Process.MatchNames[0] != "agentd" {
		t.Errorf("match names = %v", cfg.Process.MatchNames)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("source: [not: a: map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestClampPollInterval(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{"below min", "monitor:\n  poll_interval: 10ms\n", 250 * time.Millisecond},
		{"above max", "monitor:\n  poll_interval: 5m\n", 30 * time.Second},
		{"in range", "monitor:\n  poll_interval: 3s\n", 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Monitor.PollInterval != tt.want {
				t.Errorf("poll interval = %s, want %s", cfg.Monitor.PollInterval, tt.want)
			}
		})
	}
}

func TestInvalidThresholdsFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "thresholds:\n  warning_percent: 90\n  critical_percent: 20\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if th := cfg.AgentThresholds(); th != agent.DefaultThresholds() {
		t.Errorf("invalid pair should fall back to defaults, got %+v", th)
	}
}
