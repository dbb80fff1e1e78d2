// Package setup handles dropherd project initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tmasuda/dropherd/internal/model"
	atomicyaml "github.com/tmasuda/dropherd/internal/yaml"
)

// DirName is the state directory created in the project root.
const DirName = ".dropherd"

// Run initializes the .dropherd/ directory structure in projectDir.
// projectName overrides the auto-detected name (defaults to directory
// basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"store",
		"queue",
		"state",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := generateConfig(absDir, projectName)
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := writeSchemaFile(filepath.Join(base, "store", "proxies.yaml"), model.FileTypeProxies, "proxies"); err != nil {
		return err
	}
	if err := writeSchemaFile(filepath.Join(base, "store", "accounts.yaml"), model.FileTypeAccounts, "accounts"); err != nil {
		return err
	}
	if err := writeSchemaFile(filepath.Join(base, "queue", "tasks.yaml"), model.FileTypeTaskQueue, "tasks"); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

func generateConfig(projectDir, projectName string) *model.Config {
	cfg := &model.Config{}
	cfg.ApplyDefaults()

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Created = time.Now().Format(time.RFC3339)
	return cfg
}

func writeSchemaFile(path, fileType, listField string) error {
	content := fmt.Sprintf("schema_version: 1\nfile_type: %q\n%s: []\n", fileType, listField)
	return atomicyaml.AtomicWriteRaw(path, []byte(content))
}
