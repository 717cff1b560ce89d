package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: :9999
reserve_fraction: 0.2
status_ttl_seconds: 5
instances:
  - id: gpu1
    url: http://gpu1:11434
    type: ollama
    total_memory: 17179869184
nats:
  embedded: true
  store_dir: /var/lib/modelpool/nats
vector_store:
  url: http://qdrant:6333
  api_key: secret
worker:
  pool_size: 4
  workspaces: [ws1, ws2]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ReserveFraction != 0.2 || cfg.StatusTTLSeconds != 5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Instances) != 1 || cfg.Instances[0].ID != "gpu1" || cfg.Instances[0].TotalMemory != 17179869184 {
		t.Fatalf("instances: %+v", cfg.Instances)
	}
	if !cfg.NATS.Embedded || cfg.NATS.StoreDir != "/var/lib/modelpool/nats" {
		t.Fatalf("nats: %+v", cfg.NATS)
	}
	if cfg.VectorStore.URL != "http://qdrant:6333" || cfg.VectorStore.APIKey != "secret" {
		t.Fatalf("vector store: %+v", cfg.VectorStore)
	}
	if cfg.Worker.PoolSize != 4 || len(cfg.Worker.Workspaces) != 2 {
		t.Fatalf("worker: %+v", cfg.Worker)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json",
		`{"addr":":7070","chat_timeout_seconds":120,"openai":{"api_key":"sk-test"},"instances":[{"id":"i1","url":"http://h:11434","type":"ollama"}]}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ChatTimeoutSeconds != 120 || cfg.OpenAI.APIKey != "sk-test" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Instances) != 1 || cfg.Instances[0].URL != "http://h:11434" {
		t.Fatalf("instances: %+v", cfg.Instances)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", `addr = ":8081"
reserve_fraction = 0.1

[nats]
url = "nats://localhost:4222"

[[instances]]
id = "i1"
url = "http://gpu1:11434"
type = "ollama"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ReserveFraction != 0.1 || cfg.NATS.URL != "nats://localhost:4222" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Instances) != 1 || cfg.Instances[0].ID != "i1" {
		t.Fatalf("instances: %+v", cfg.Instances)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}
