package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestModelsCommands(t *testing.T) {
	root := filepath.Join(t.TempDir(), "models")
	t.Setenv("LOQA_MODELS_ROOT", root)

	code, out, _ := runCLI(t, "list")
	if code != 0 || !strings.Contains(out, "en-US-small") || !strings.Contains(out, "absent") {
		t.Fatalf("list returned %d %q", code, out)
	}

	bundle := filepath.Join(root, "vosk-model-small-en-us-0.15", "conf")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "model.conf"), []byte("--sample-frequency=16000\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	code, out, _ = runCLI(t, "probe", "en-US-small")
	if code != 0 || !strings.HasPrefix(out, "en-US-small installed ") {
		t.Fatalf("probe returned %d %q", code, out)
	}

	if code, _, _ = runCLI(t, "delete", "en-US-small"); code != 0 {
		t.Fatalf("delete returned %d", code)
	}
	if _, out, _ = runCLI(t, "probe", "en-US-small"); !strings.HasPrefix(out, "en-US-small absent ") {
		t.Fatalf("expected absent after delete, got %q", out)
	}

	if code, _, _ = runCLI(t, "purge"); code != 0 {
		t.Fatalf("purge returned %d", code)
	}
	if entries, err := os.ReadDir(root); err != nil || len(entries) != 0 {
		t.Fatalf("expected empty root after purge, got %v %v", entries, err)
	}
}

func TestModelsCommandErrors(t *testing.T) {
	t.Setenv("LOQA_MODELS_ROOT", t.TempDir())

	if code, _, _ := runCLI(t); code != 2 {
		t.Fatalf("no command returned %d", code)
	}
	if code, _, _ := runCLI(t, "bogus"); code != 2 {
		t.Fatalf("unknown command returned %d", code)
	}
	if code, _, errOut := runCLI(t, "probe", "no-such-model"); code != 2 || !strings.Contains(errOut, "no-such-model") {
		t.Fatalf("unknown key returned %d %q", code, errOut)
	}
	if code, _, _ := runCLI(t, "probe"); code != 1 {
		t.Fatalf("missing key returned %d", code)
	}
	if code, out, _ := runCLI(t, "version"); code != 0 || strings.TrimSpace(out) != version {
		t.Fatalf("version returned %d %q", code, out)
	}
}
