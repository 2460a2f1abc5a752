package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearHubEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FATIGUE_DATABASE_URL", "FATIGUE_HTTP_ADDR", "FATIGUE_NATS_URL",
		"FATIGUE_AUTH_TOKEN", "FATIGUE_HEARTBEAT_INTERVAL",
		"FATIGUE_SWEEP_INTERVAL", "FATIGUE_IDLE_THRESHOLD", "FATIGUE_CACHE_DEPTH",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadHub(t *testing.T) {
	for _, tc := range []struct {
		name     string
		env      map[string]string
		wantErr  bool
		wantAddr string
		wantHB   time.Duration
	}{
		{
			name:    "MissingDatabaseURL",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name:     "Defaults",
			env:      map[string]string{"FATIGUE_DATABASE_URL": "postgres://localhost/fatigue"},
			wantAddr: ":8080",
			wantHB:   30 * time.Second,
		},
		{
			name: "Custom",
			env: map[string]string{
				"FATIGUE_DATABASE_URL":       "postgres://db:5432/fatigue",
				"FATIGUE_HTTP_ADDR":          ":3000",
				"FATIGUE_HEARTBEAT_INTERVAL": "10s",
			},
			wantAddr: ":3000",
			wantHB:   10 * time.Second,
		},
		{
			name: "BadDuration",
			env: map[string]string{
				"FATIGUE_DATABASE_URL":   "postgres://localhost/fatigue",
				"FATIGUE_SWEEP_INTERVAL": "soon",
			},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearHubEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := LoadHub()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadHub: %v", err)
			}
			if cfg.HTTPAddr != tc.wantAddr {
				t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, tc.wantAddr)
			}
			if cfg.HeartbeatInterval != tc.wantHB {
				t.Errorf("HeartbeatInterval = %v, want %v", cfg.HeartbeatInterval, tc.wantHB)
			}
		})
	}
}

func TestLoadEdge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.toml")
	content := `
participant_id = "drv-1"
name = "Ada"
queue_path = "/var/lib/fatigue/queue.jsonl"

[collector]
url = "http://collector.example.com:8080"
token = "secret"

[hub]
url = "ws://hub.example.com:8080/ws"

[sync]
interval = "45s"

[netmon]
endpoints = ["http://collector.example.com:8080/v1/health"]
probe_interval = "20s"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadEdge(path)
	if err != nil {
		t.Fatalf("LoadEdge: %v", err)
	}
	if cfg.ParticipantID != "drv-1" || cfg.Name != "Ada" {
		t.Errorf("identity = (%q, %q)", cfg.ParticipantID, cfg.Name)
	}
	if cfg.Collector.URL != "http://collector.example.com:8080" || cfg.Collector.Token != "secret" {
		t.Errorf("collector = %+v", cfg.Collector)
	}
	if cfg.SyncInterval() != 45*time.Second {
		t.Errorf("sync interval = %v, want 45s", cfg.SyncInterval())
	}
	if cfg.ProbeInterval() != 20*time.Second {
		t.Errorf("probe interval = %v, want 20s", cfg.ProbeInterval())
	}
	if len(cfg.Netmon.Endpoints) != 1 {
		t.Errorf("endpoints = %v", cfg.Netmon.Endpoints)
	}
}

func TestLoadEdgeDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.toml")
	content := `
participant_id = "drv-2"

[collector]
url = "http://localhost:8080"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadEdge(path)
	if err != nil {
		t.Fatalf("LoadEdge: %v", err)
	}
	if cfg.QueuePath != "fatigue-queue.jsonl" {
		t.Errorf("queue path = %q, want default", cfg.QueuePath)
	}
	if cfg.SyncInterval() != 30*time.Second {
		t.Errorf("sync interval = %v, want default 30s", cfg.SyncInterval())
	}
}

func TestLoadEdgeValidation(t *testing.T) {
	dir := t.TempDir()

	for _, tc := range []struct {
		name    string
		content string
	}{
		{"missing participant", "[collector]\nurl = \"http://localhost\"\n"},
		{"missing collector url", "participant_id = \"drv-1\"\n"},
		{"bad duration", "participant_id = \"drv-1\"\n[collector]\nurl = \"http://localhost\"\n[sync]\ninterval = \"whenever\"\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".toml")
			if err := os.WriteFile(path, []byte(tc.content), 0o600); err != nil {
				t.Fatalf("writing config: %v", err)
			}
			if _, err := LoadEdge(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}
