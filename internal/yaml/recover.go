package yaml

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Quarantine moves a corrupt state file aside so the next write can
// start from a clean slate while the original is kept for inspection.
func Quarantine(baseDir, filePath string) error {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, quarantinePath)
	return nil
}

// RestoreFromBackup replaces filePath with its .bak copy from the last
// successful atomic write.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s → %s", bakPath, filePath)
	return nil
}

// RecoverCorruptedFile quarantines filePath and restores the backup,
// falling back to an empty skeleton when the backup is gone too.
func RecoverCorruptedFile(baseDir, filePath, fileType string) error {
	if err := Quarantine(baseDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := RestoreFromBackup(filePath); err == nil {
		return nil
	} else {
		log.Printf("backup restore failed for %s: %v — generating empty skeleton", filePath, err)
	}

	skeleton := skeletonForType(fileType)
	content, err := yamlv3.Marshal(skeleton)
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}
	return nil
}

func skeletonForType(fileType string) any {
	base := map[string]any{
		"schema_version": CurrentSchemaVersion,
		"file_type":      fileType,
	}
	switch fileType {
	case "store_proxies":
		base["proxies"] = []any{}
	case "store_accounts":
		base["accounts"] = []any{}
	case "queue_tasks":
		base["tasks"] = []any{}
	}
	return base
}
