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
	if cfg.Recognition.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.Recognition.SampleRate)
	}
	if cfg.Recognition.StopTimeoutMS != 5000 {
		t.Fatalf("expected default stop timeout 5000, got %d", cfg.Recognition.StopTimeoutMS)
	}
	if !cfg.Recognition.EnablePartialResults {
		t.Fatal("expected partial results enabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_MODELS_ROOT", "/var/lib/loqa/models")
	t.Setenv("LOQA_RECOGNITION_MODE", "exec")
	t.Setenv("LOQA_RECOGNITION_COMMAND", "vosk-stream --json")
	t.Setenv("LOQA_RECOGNITION_STOP_TIMEOUT_MS", "2500")
	t.Setenv("LOQA_RECOGNITION_MAX_ALTERNATIVES", "3")
	t.Setenv("LOQA_HISTORY_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_HISTORY_MAX_SESSIONS", "123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Models.Root != "/var/lib/loqa/models" {
		t.Fatalf("expected models root override, got %q", cfg.Models.Root)
	}
	if cfg.Recognition.Mode != "exec" || cfg.Recognition.Command != "vosk-stream --json" {
		t.Fatalf("expected exec recognition override, got %+v", cfg.Recognition)
	}
	if cfg.Recognition.StopTimeoutMS != 2500 {
		t.Fatalf("expected stop timeout override, got %d", cfg.Recognition.StopTimeoutMS)
	}
	if cfg.Recognition.MaxAlternatives != 3 {
		t.Fatalf("expected max alternatives override, got %d", cfg.Recognition.MaxAlternatives)
	}
	if cfg.History.RetentionMode != "persistent" || cfg.History.MaxSessions != 123 {
		t.Fatalf("expected history overrides, got %+v", cfg.History)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.yaml")
	data := []byte(`models:
  root: /tmp/models
recognition:
  mode: exec
  command: helper --stream
  capture:
    source: wav
    path: /tmp/sample.wav
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Recognition.Capture.Source != "wav" || cfg.Recognition.Capture.Path != "/tmp/sample.wav" {
		t.Fatalf("unexpected capture config: %+v", cfg.Recognition.Capture)
	}
	if cfg.Recognition.SampleRate != 16000 {
		t.Fatalf("expected defaults preserved for unset keys, got %d", cfg.Recognition.SampleRate)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("LOQA_RECOGNITION_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
}

func TestValidateRejectsBusCaptureWithoutBus(t *testing.T) {
	t.Setenv("LOQA_RECOGNITION_MODE", "exec")
	t.Setenv("LOQA_RECOGNITION_COMMAND", "helper")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for bus capture with bus disabled")
	}
}
