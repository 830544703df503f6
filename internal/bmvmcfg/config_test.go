package bmvmcfg

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeManifest(t, "executable: ./guest.elf\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.VM.StackSize != defaultStackSize {
		t.Fatalf("StackSize = %d, want default %d", cfg.VM.StackSize, defaultStackSize)
	}
	if !cfg.Linker.ErrorUnusedHost {
		t.Fatalf("ErrorUnusedHost default should be true")
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeManifest(t, `
executable: ./guest.elf
vm:
  stack_size: 65536
  debug: true
linker:
  error_unused_guest: true
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.VM.StackSize != 65536 || !cfg.VM.Debug {
		t.Fatalf("unexpected VM config: %+v", cfg.VM)
	}
	if !cfg.Linker.ErrorUnusedGuest {
		t.Fatalf("expected ErrorUnusedGuest override to apply")
	}
}

func TestLoadConfigRejectsMissingExecutable(t *testing.T) {
	path := writeManifest(t, "vm:\n  debug: true\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing executable field")
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
