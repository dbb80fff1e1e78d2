package yaml

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.yaml")

	data := map[string]any{"key": "value", "count": 42}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var result map[string]any
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.yaml")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	bakContent, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}

	var bakData map[string]string
	if err := yamlv3.Unmarshal(bakContent, &bakData); err != nil {
		t.Fatalf("Unmarshal .bak failed: %v", err)
	}
	if bakData["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bakData["version"], "1")
	}
}

func TestAtomicWriteRaw_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	invalidYAML := []byte(":\n  invalid: [\n    broken")
	if err := AtomicWriteRaw(path, invalidYAML); err == nil {
		t.Fatal("expected error for invalid YAML")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should not exist after failed write")
	}
}

func TestAtomicWrite_NoTempFileLeftOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")

	_ = AtomicWriteRaw(path, []byte(":\n  broken: [\n"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".yaml" {
			t.Errorf("unexpected file remaining: %s", entry.Name())
		}
	}
}

func TestLoad_FallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.yaml")

	if err := AtomicWrite(path, map[string]string{"state": "good"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"state": "newer"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	// Corrupt the primary; Load must recover from the .bak copy.
	if err := os.WriteFile(path, []byte(":\n  broken: ["), 0644); err != nil {
		t.Fatal(err)
	}

	var out map[string]string
	if err := Load(path, &out); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out["state"] != "good" {
		t.Errorf("state: got %q, want %q", out["state"], "good")
	}
}

func TestValidateSchemaHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.yaml")

	content := []byte("schema_version: 1\nfile_type: \"store_proxies\"\nproxies: []\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateSchemaHeader(path, "store_proxies"); err != nil {
		t.Errorf("valid header rejected: %v", err)
	}
	if err := ValidateSchemaHeader(path, "store_accounts"); err == nil {
		t.Error("expected file_type mismatch error")
	}
}

func TestRecoverCorruptedFile(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "accounts.yaml")

	if err := os.WriteFile(path, []byte(":\n broken ["), 0644); err != nil {
		t.Fatal(err)
	}

	if err := RecoverCorruptedFile(base, path, "store_accounts"); err != nil {
		t.Fatalf("RecoverCorruptedFile failed: %v", err)
	}

	// No backup existed, so a skeleton must have been generated.
	if err := ValidateSchemaHeader(path, "store_accounts"); err != nil {
		t.Errorf("skeleton header invalid: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(base, "quarantine"))
	if err != nil || len(entries) != 1 {
		t.Errorf("expected 1 quarantined file, got %d (err=%v)", len(entries), err)
	}
}
