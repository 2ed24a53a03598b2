package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tutu-network/docreview/internal/domain"
	"github.com/tutu-network/docreview/internal/infra/sqlite"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8742 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8742)
	}
	if cfg.Engine.Kind != EngineClaude {
		t.Errorf("Engine.Kind = %q, want %q", cfg.Engine.Kind, EngineClaude)
	}
	if cfg.Stream.MaxSubscribers != 20 {
		t.Errorf("Stream.MaxSubscribers = %d, want 20", cfg.Stream.MaxSubscribers)
	}
	if cfg.Addr() != "127.0.0.1:8742" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("missing file did not yield defaults: %+v", cfg.API)
	}
}

func TestLoadConfigFile_Overrides(t *testing.T) {
	path := writeConfig(t, `
[api]
port = 9000
metrics = false

[engine]
kind = "demo"
demo_pace = "5ms"

[stream]
keepalive = "3s"
max_subscribers = 4

[progress]
activity_interval = "250ms"

[pricing]
input_per_mtok = 1.0
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.API.Port != 9000 || cfg.API.Metrics {
		t.Errorf("api = %+v", cfg.API)
	}
	// untouched keys keep their defaults
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want default", cfg.API.Host)
	}
	if cfg.Engine.Kind != EngineDemo {
		t.Errorf("Engine.Kind = %q", cfg.Engine.Kind)
	}
	if cfg.Stream.MaxSubscribers != 4 {
		t.Errorf("MaxSubscribers = %d", cfg.Stream.MaxSubscribers)
	}

	srv := cfg.ServerConfig()
	if srv.Stream.Keepalive != 3*time.Second {
		t.Errorf("Keepalive = %v", srv.Stream.Keepalive)
	}
	if srv.Stream.AttachMaxWait != 2*time.Minute {
		t.Errorf("AttachMaxWait = %v, want default 2m", srv.Stream.AttachMaxWait)
	}

	run := cfg.RunnerConfig()
	if run.Progress.ActivityInterval != 250*time.Millisecond {
		t.Errorf("ActivityInterval = %v", run.Progress.ActivityInterval)
	}
	if run.Progress.Prices.InputPerMTok != 1.0 || run.Progress.Prices.OutputPerMTok != 15.0 {
		t.Errorf("prices = %+v", run.Progress.Prices)
	}
}

func TestLoadConfigFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "[api]\nprot = 1\n", "unknown keys"},
		{"bad engine", "[engine]\nkind = \"gpt\"\n", "engine.kind"},
		{"bad toml", "[api\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFile(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := DefaultConfig()
	cfg.Engine.Kind = EngineDemo
	cfg.API.Port = 9100
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if got.Engine.Kind != EngineDemo || got.API.Port != 9100 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"1s", time.Second},
		{"150ms", 150 * time.Millisecond},
		{"", 7 * time.Second},
		{"soon", 7 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseDuration(tt.input, 7*time.Second); got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestDocreviewHome_Env(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DOCREVIEW_HOME", dir)
	if Home() != dir {
		t.Errorf("Home() = %q, want %q", Home(), dir)
	}
}

func TestNewWithConfig_FailsInterruptedJobs(t *testing.T) {
	dir := t.TempDir()

	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	stale := &domain.Job{
		ID:        "interrupted",
		Title:     "design.md",
		Status:    domain.JobRunning,
		RepoPaths: []string{dir},
		CreatedAt: time.Now(),
	}
	if err := db.CreateJob(stale); err != nil {
		t.Fatal(err)
	}
	db.Close()

	cfg := DefaultConfig()
	cfg.Storage.Dir = dir
	cfg.Engine.Kind = EngineDemo
	d, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer d.Close()

	job, err := d.DB.GetJob("interrupted")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobError || job.Error == "" {
		t.Errorf("job = %+v, want failed with a message", job)
	}
}
