package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Capture.Channels != 1 {
		t.Fatalf("expected mono 16kHz capture, got %d/%d", cfg.Capture.SampleRate, cfg.Capture.Channels)
	}
	if cfg.Text.TerminalEvery != 10 || cfg.Text.CommaMinWords != 4 || cfg.Text.CommaMaxWords != 6 {
		t.Fatalf("unexpected text thresholds: %+v", cfg.Text)
	}
	if cfg.STT.Streaming.Mode != "none" || cfg.STT.Light.Mode != "none" || cfg.STT.HeavyCommand != "" {
		t.Fatalf("speech backends must be opt-in, got %+v", cfg.STT)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_CAPTURE_DEVICE", "none")
	t.Setenv("LOQA_STT_PARTIAL_EVERY_MS", "250")
	t.Setenv("LOQA_MODELS_PAYLOAD_EXTENSIONS", ".bin, .gguf")
	t.Setenv("LOQA_TEXT_TERMINAL_EVERY_WORDS", "12")
	t.Setenv("LOQA_PREFERENCES_AUTO_ENHANCE", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Capture.Device != "none" {
		t.Fatalf("expected capture device override")
	}
	if cfg.STT.PartialEveryMS != 250 {
		t.Fatalf("expected partial interval override")
	}
	if len(cfg.Models.PayloadExtensions) != 2 || cfg.Models.PayloadExtensions[1] != ".gguf" {
		t.Fatalf("expected payload extensions override, got %v", cfg.Models.PayloadExtensions)
	}
	if cfg.Text.TerminalEvery != 12 {
		t.Fatalf("expected terminal threshold override")
	}
	if cfg.Preferences.AutoEnhance {
		t.Fatalf("expected auto enhance disabled")
	}
}

func TestLoadFileWithVariants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := `models:
  directory: /tmp/models
  selected: small
  variants:
    - id: small
      tier: small
      files:
        - name: ggml-small.bin
          url: https://example.invalid/ggml-small.bin
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v, ok := cfg.Models.Variant("small")
	if !ok || len(v.Files) != 1 {
		t.Fatalf("expected small variant, got %+v", cfg.Models.Variants)
	}
}

func TestValidateRejectsUnknownSelectedVariant(t *testing.T) {
	cfg := Default()
	cfg.Models.Variants = []ModelVariant{{ID: "tiny", Files: []ModelFile{{Name: "m.bin", URL: "http://x/m.bin"}}}}
	cfg.Models.Selected = "large"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unknown selected variant")
	}
}

func TestValidateRejectsUnknownEngineMode(t *testing.T) {
	cfg := Default()
	cfg.STT.Streaming.Mode = "whisper"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unknown engine mode")
	}
}

func TestValidateExecNeedsCommand(t *testing.T) {
	cfg := Default()
	cfg.STT.Light.Mode = "exec"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for exec engine without command")
	}
}
