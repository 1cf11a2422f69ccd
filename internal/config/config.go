package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath          string
	SessionPrefix   string
	TmuxBin         string
	AgentBin        string
	WorkDir         string
	PaneWidth       int
	PaneHeight      int
	ScrollbackLines int
	SummaryLines    int
	PollInterval    time.Duration
	ResponseTimeout time.Duration
	StartupTimeout  time.Duration
	StabilityDelay  time.Duration
	LockTimeout     time.Duration
	IdleExitGrace   time.Duration
	WatcherEnabled  bool
	WatcherInterval time.Duration
	CommandTimeout  time.Duration
	RetryBackoff    []time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath(),
		SessionPrefix:   "agent-",
		TmuxBin:         "tmux",
		AgentBin:        "claude",
		PaneWidth:       200,
		PaneHeight:      50,
		ScrollbackLines: 10000,
		SummaryLines:    60,
		PollInterval:    100 * time.Millisecond,
		ResponseTimeout: 5 * time.Minute,
		StartupTimeout:  15 * time.Second,
		StabilityDelay:  1500 * time.Millisecond,
		LockTimeout:     60 * time.Second,
		IdleExitGrace:   5 * time.Minute,
		WatcherEnabled:  false,
		WatcherInterval: 5 * time.Second,
		CommandTimeout:  5 * time.Second,
		RetryBackoff:    []time.Duration{250 * time.Millisecond, 1 * time.Second},
	}
}

// fileConfig is the YAML shape. Durations are strings ("1.5s", "100ms")
// because yaml.v3 has no native time.Duration decoding. Pointer fields
// distinguish "absent" from zero values.
type fileConfig struct {
	DBPath          *string `yaml:"db_path"`
	SessionPrefix   *string `yaml:"session_prefix"`
	TmuxBin         *string `yaml:"tmux_bin"`
	AgentBin        *string `yaml:"agent_bin"`
	WorkDir         *string `yaml:"work_dir"`
	PaneWidth       *int    `yaml:"pane_width"`
	PaneHeight      *int    `yaml:"pane_height"`
	ScrollbackLines *int    `yaml:"scrollback_lines"`
	SummaryLines    *int    `yaml:"summary_lines"`
	PollInterval    *string `yaml:"poll_interval"`
	ResponseTimeout *string `yaml:"response_timeout"`
	StartupTimeout  *string `yaml:"startup_timeout"`
	StabilityDelay  *string `yaml:"stability_delay"`
	LockTimeout     *string `yaml:"lock_timeout"`
	IdleExitGrace   *string `yaml:"idle_exit_grace"`
	WatcherEnabled  *bool   `yaml:"watcher_enabled"`
	WatcherInterval *string `yaml:"watcher_interval"`
	CommandTimeout  *string `yaml:"command_timeout"`
}

// Load layers a YAML config file over the defaults. A missing file is not
// an error; callers get the defaults back.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.apply(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.SessionPrefix, fc.SessionPrefix)
	setString(&cfg.TmuxBin, fc.TmuxBin)
	setString(&cfg.AgentBin, fc.AgentBin)
	setString(&cfg.WorkDir, fc.WorkDir)
	setInt(&cfg.PaneWidth, fc.PaneWidth)
	setInt(&cfg.PaneHeight, fc.PaneHeight)
	setInt(&cfg.ScrollbackLines, fc.ScrollbackLines)
	setInt(&cfg.SummaryLines, fc.SummaryLines)
	if fc.WatcherEnabled != nil {
		cfg.WatcherEnabled = *fc.WatcherEnabled
	}
	durations := []struct {
		name string
		dst  *time.Duration
		src  *string
	}{
		{"poll_interval", &cfg.PollInterval, fc.PollInterval},
		{"response_timeout", &cfg.ResponseTimeout, fc.ResponseTimeout},
		{"startup_timeout", &cfg.StartupTimeout, fc.StartupTimeout},
		{"stability_delay", &cfg.StabilityDelay, fc.StabilityDelay},
		{"lock_timeout", &cfg.LockTimeout, fc.LockTimeout},
		{"idle_exit_grace", &cfg.IdleExitGrace, fc.IdleExitGrace},
		{"watcher_interval", &cfg.WatcherInterval, fc.WatcherInterval},
		{"command_timeout", &cfg.CommandTimeout, fc.CommandTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tmuxbridge.db"
	}
	return filepath.Join(home, ".local", "state", "tmuxbridge", "state.db")
}
