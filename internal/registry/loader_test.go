package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDirFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"b.gguf",
		"a.GGUF", // case-insensitive
		"not-model.txt",
		"model.bin",
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(""), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.gguf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].Name != "a.GGUF" || models[1].Name != "b.gguf" {
		t.Fatalf("unexpected order: %+v", models)
	}
	if models[1].Path != filepath.Join(dir, "b.gguf") {
		t.Fatalf("path = %s", models[1].Path)
	}
}

func TestLoadDirExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "balancerd-registry-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	if err := os.WriteFile(filepath.Join(hTmp, "x.gguf"), []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	models, err := LoadDir("~/" + filepath.Base(hTmp))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(models) != 1 || models[0].Name != "x.gguf" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestLoadDirMissing(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
