package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/contextwatch/contextwatch/internal/agent"
)

type Config struct {
	Source     SourceConfig     `yaml:"source"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Limits     LimitsConfig     `yaml:"limits"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Process    ProcessConfig    `yaml:"process"`
}

type SourceConfig struct {
	// Mode selects the log schema: "simple" (versioned JSON-Lines session
	// snapshots) or "rollout" (multi-kind partial-update records).
	Mode string `yaml:"mode"`
	// Path is the log file to tail. In rollout mode it may be a glob
	// pattern matching several files.
	Path string `yaml:"path"`
}

type MonitorConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MinPollInterval time.Duration `yaml:"min_poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	// Debounce coalesces filesystem change notifications so a burst of
	// writes triggers one extra poll, not one per write.
	Debounce time.Duration `yaml:"debounce"`
}

type LimitsConfig struct {
	MaxChunkBytes   int64 `yaml:"max_chunk_bytes"`
	MaxSessions     int   `yaml:"max_sessions"`
	MaxDedupKeys    int   `yaml:"max_dedup_keys"`
	MaxTrackedFiles int   `yaml:"max_tracked_files"`
}

type ThresholdsConfig struct {
	WarningPercent  float64 `yaml:"warning_percent"`
	CriticalPercent float64 `yaml:"critical_percent"`
}

type ProcessConfig struct {
	// MatchNames are executable names considered the log writer, used for
	// the optional process activity enrichment. Empty disables the scan.
	MatchNames []string `yaml:"match_names"`
}

// Load reads the YAML config at path on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.clamp()
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Mode: "simple",
		},
		Monitor: MonitorConfig{
			PollInterval:    time.Second,
			MinPollInterval: 250 * time.Millisecond,
			MaxPollInterval: 30 * time.Second,
			Debounce:        100 * time.Millisecond,
		},
		Limits: LimitsConfig{
			MaxChunkBytes: 256 * 1024,
		},
		Thresholds: ThresholdsConfig{
			WarningPercent:  agent.DefaultWarningPercent,
			CriticalPercent: agent.DefaultCriticalPercent,
		},
	}
}

// clamp forces the poll interval into the configured bounds.
func (c *Config) clamp() {
	m := &c.Monitor
	if m.MinPollInterval <= 0 {
		m.MinPollInterval = 250 * time.Millisecond
	}
	if m.MaxPollInterval < m.MinPollInterval {
		m.MaxPollInterval = m.MinPollInterval
	}
	if m.PollInterval < m.MinPollInterval {
		m.PollInterval = m.MinPollInterval
	}
	if m.PollInterval > m.MaxPollInterval {
		m.PollInterval = m.MaxPollInterval
	}
}

// AgentThresholds returns the configured risk thresholds, reverting to the
// defaults when the pair is invalid rather than silently misclassifying.
func (c *Config) AgentThresholds() agent.Thresholds {
	th := agent.Thresholds{
		WarningPercent:  c.Thresholds.WarningPercent,
		CriticalPercent: c.Thresholds.CriticalPercent,
	}
	if !th.Valid() {
		log.Printf("[config] invalid thresholds (warning=%g critical=%g), using defaults %g/%g",
			th.WarningPercent, th.CriticalPercent, agent.DefaultWarningPercent, agent.DefaultCriticalPercent)
		return agent.DefaultThresholds()
	}
	return th
}
