// Package daemon manages the docreview server lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/docreview/internal/api"
	"github.com/tutu-network/docreview/internal/broadcast"
	"github.com/tutu-network/docreview/internal/infra/engine"
	"github.com/tutu-network/docreview/internal/progress"
	"github.com/tutu-network/docreview/internal/runner"
)

// Engine kinds.
const (
	EngineClaude = "claude"
	EngineDemo   = "demo"
)

// Config holds all daemon configuration.
type Config struct {
	API      APIConfig           `toml:"api"`
	Engine   EngineConfig        `toml:"engine"`
	Stream   StreamConfig        `toml:"stream"`
	Progress ProgressConfig      `toml:"progress"`
	Pricing  progress.PriceTable `toml:"pricing"`
	Storage  StorageConfig       `toml:"storage"`
	Logging  LoggingConfig       `toml:"logging"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	CORS           bool   `toml:"cors"`
	Metrics        bool   `toml:"metrics"`
	RequestTimeout string `toml:"request_timeout"`
}

// EngineConfig selects and tunes the execution engine.
type EngineConfig struct {
	Kind          string `toml:"kind"` // "claude" or "demo"
	Binary        string `toml:"binary"`
	Model         string `toml:"model"`
	SearchModel   string `toml:"search_model"`
	AnalysisModel string `toml:"analysis_model"`
	MaxTurns      int    `toml:"max_turns"`
	Timeout       string `toml:"timeout"`
	DemoPace      string `toml:"demo_pace"`
}

// StreamConfig controls the progress streams.
type StreamConfig struct {
	Keepalive      string `toml:"keepalive"`
	AttachPoll     string `toml:"attach_poll"`
	AttachMaxWait  string `toml:"attach_max_wait"`
	MaxSubscribers int    `toml:"max_subscribers"`
	TeardownGrace  string `toml:"teardown_grace"`
	ClientBuffer   int    `toml:"client_buffer"`
}

// ProgressConfig controls event throttling.
type ProgressConfig struct {
	ActivityInterval string `toml:"activity_interval"`
	UsageInterval    string `toml:"usage_interval"`
}

// StorageConfig controls where state lives.
type StorageConfig struct {
	Dir          string `toml:"dir"`
	ExtractCache int    `toml:"extract_cache"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8742,
			CORS:           true,
			Metrics:        true,
			RequestTimeout: "30s",
		},
		Engine: EngineConfig{
			Kind:     EngineClaude,
			Binary:   "claude",
			MaxTurns: 60,
			Timeout:  "30m",
			DemoPace: "150ms",
		},
		Stream: StreamConfig{
			Keepalive:      "10s",
			AttachPoll:     "500ms",
			AttachMaxWait:  "2m",
			MaxSubscribers: broadcast.DefaultMaxListeners,
			TeardownGrace:  "3s",
			ClientBuffer:   64,
		},
		Progress: ProgressConfig{
			ActivityInterval: "1s",
			UsageInterval:    "5s",
		},
		Pricing: progress.DefaultPrices(),
		Storage: StorageConfig{
			Dir:          docreviewHome(),
			ExtractCache: 64,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 50,
			MaxFiles:  5,
		},
	}
}

// LoadConfig reads config from $DOCREVIEW_HOME/config.toml, falling back
// to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(docreviewHome(), "config.toml"))
}

// LoadConfigFile decodes path over the defaults. A missing file is not an
// error.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("parse config: unknown keys %v", undecoded)
	}
	if cfg.Engine.Kind != EngineClaude && cfg.Engine.Kind != EngineDemo {
		return cfg, fmt.Errorf("parse config: engine.kind must be %q or %q, got %q", EngineClaude, EngineDemo, cfg.Engine.Kind)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// ─── Derived settings ───────────────────────────────────────────────────────

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// ServerConfig converts the [api] and [stream] sections.
func (c Config) ServerConfig() api.Config {
	def := api.DefaultConfig()
	return api.Config{
		RequestTimeout: parseDuration(c.API.RequestTimeout, def.RequestTimeout),
		CORS:           c.API.CORS,
		Stream: api.StreamConfig{
			Keepalive:     parseDuration(c.Stream.Keepalive, def.Stream.Keepalive),
			AttachPoll:    parseDuration(c.Stream.AttachPoll, def.Stream.AttachPoll),
			AttachMaxWait: parseDuration(c.Stream.AttachMaxWait, def.Stream.AttachMaxWait),
			ClientBuffer:  c.Stream.ClientBuffer,
			WriteWait:     def.Stream.WriteWait,
		},
	}
}

// RunnerConfig converts the [engine], [progress] and [pricing] sections.
func (c Config) RunnerConfig() runner.Config {
	return runner.Config{
		Progress: progress.Config{
			ActivityInterval: parseDuration(c.Progress.ActivityInterval, progress.DefaultActivityInterval),
			UsageInterval:    parseDuration(c.Progress.UsageInterval, progress.DefaultUsageInterval),
			Prices:           c.Pricing,
			Now:              time.Now,
		},
		Prompt: runner.PromptConfig{
			SearchModel:   c.Engine.SearchModel,
			AnalysisModel: c.Engine.AnalysisModel,
		},
	}
}

// ClaudeConfig converts the [engine] section for the claude adapter.
func (c Config) ClaudeConfig() engine.ClaudeConfig {
	return engine.ClaudeConfig{
		Binary:   c.Engine.Binary,
		Model:    c.Engine.Model,
		MaxTurns: c.Engine.MaxTurns,
		Timeout:  parseDuration(c.Engine.Timeout, 0),
	}
}

// TeardownGrace is how long a finished run's broadcaster stays registered.
func (c Config) TeardownGrace() time.Duration {
	return parseDuration(c.Stream.TeardownGrace, broadcast.DefaultGrace)
}

// docreviewHome returns the docreview data directory.
func docreviewHome() string {
	if env := os.Getenv("DOCREVIEW_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".docreview")
}

// Home is exported for use by other packages.
func Home() string {
	return docreviewHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
