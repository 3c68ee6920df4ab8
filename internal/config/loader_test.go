package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	p := writeTempFile(t, dir, "balancerd.yaml", `log_level: debug
balancer:
  management_addr: ":9000"
  max_buffered_requests: 0
  buffered_requests_timeout: 2s
  fleet_store: sqlite:///var/lib/balancerd/fleet.db
agent:
  balancer_url: ws://localhost:9000/api/v1/agent_socket
  slots: 4
  status_interval: 1m
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Balancer.ManagementAddr != ":9000" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Balancer.MaxBufferedRequests == nil || *cfg.Balancer.MaxBufferedRequests != 0 {
		t.Fatalf("explicit zero max_buffered_requests lost: %v", cfg.Balancer.MaxBufferedRequests)
	}
	if cfg.Balancer.BufferedRequestsTimeout.Std() != 2*time.Second {
		t.Fatalf("buffered timeout: %v", cfg.Balancer.BufferedRequestsTimeout.Std())
	}
	if cfg.Agent.Slots != 4 || cfg.Agent.StatusInterval.Std() != time.Minute {
		t.Fatalf("agent section: %+v", cfg.Agent)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	p := writeTempFile(t, dir, "balancerd.json", `{"balancer":{"inference_addr":":7000","inference_token_timeout":"45s"},"agent":{"name":"gpu-1","threads":8}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.Balancer.InferenceAddr != ":7000" || cfg.Balancer.InferenceTokenTimeout.Std() != 45*time.Second {
		t.Fatalf("balancer section: %+v", cfg.Balancer)
	}
	if cfg.Agent.Name != "gpu-1" || cfg.Agent.Threads != 8 {
		t.Fatalf("agent section: %+v", cfg.Agent)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	p := writeTempFile(t, dir, "balancerd.toml", `log_format = "console"

[balancer]
cors_origins = ["https://ui.example.com"]

[agent]
models_dir = "/srv/models"
huggingface_cache_dir = "/srv/hf"
status_interval = "5s"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.LogFormat != "console" || len(cfg.Balancer.CORSOrigins) != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Agent.ModelsDir != "/srv/models" || cfg.Agent.HuggingFaceCacheDir != "/srv/hf" {
		t.Fatalf("agent section: %+v", cfg.Agent)
	}
	if cfg.Agent.StatusInterval.Std() != 5*time.Second {
		t.Fatalf("status interval: %v", cfg.Agent.StatusInterval.Std())
	}
}
