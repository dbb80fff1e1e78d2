package setup

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/tmasuda/dropherd/internal/model"
	yamlutil "github.com/tmasuda/dropherd/internal/yaml"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, DirName)

	expectedDirs := []string{
		"store",
		"queue",
		"state",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range expectedDirs {
		path := filepath.Join(base, d)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}

	if _, err := os.Stat(filepath.Join(base, "locks", "daemon.lock")); err != nil {
		t.Errorf("daemon.lock does not exist: %v", err)
	}
}

func TestRun_WritesConfigWithDefaults(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, DirName, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}

	if cfg.Project.Name != "myproject" {
		t.Errorf("project name: got %q, want %q", cfg.Project.Name, "myproject")
	}
	if cfg.Project.Created == "" {
		t.Error("project created timestamp is empty")
	}
	if cfg.Proxy.FailureThreshold != 3 {
		t.Errorf("failure_threshold: got %d, want 3", cfg.Proxy.FailureThreshold)
	}
	if cfg.Retry.Limit != 2 {
		t.Errorf("retry limit: got %d, want 2", cfg.Retry.Limit)
	}
	if cfg.Watcher.ScanIntervalSec != 30 {
		t.Errorf("scan_interval_sec: got %d, want 30", cfg.Watcher.ScanIntervalSec)
	}
}

func TestRun_ProjectNameOverride(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, "herd-alpha"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, DirName, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}
	if cfg.Project.Name != "herd-alpha" {
		t.Errorf("project name: got %q, want %q", cfg.Project.Name, "herd-alpha")
	}
}

func TestRun_SeedsStoreFilesWithHeaders(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, DirName)
	files := map[string]string{
		filepath.Join(base, "store", "proxies.yaml"):  model.FileTypeProxies,
		filepath.Join(base, "store", "accounts.yaml"): model.FileTypeAccounts,
		filepath.Join(base, "queue", "tasks.yaml"):    model.FileTypeTaskQueue,
	}
	for path, fileType := range files {
		if err := yamlutil.ValidateSchemaHeader(path, fileType); err != nil {
			t.Errorf("%s: %v", path, err)
		}
	}
}

func TestRun_RefusesExistingDir(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := Run(projectDir, ""); err == nil {
		t.Fatal("expected error for existing .dropherd directory")
	}
}
