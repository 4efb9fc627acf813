package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	dirMode  = 0o750
	fileMode = 0o600
)

// readYAMLFile reads and decodes a YAML file into out. It returns false
// with a nil error when the file does not exist.
func readYAMLFile(path string, out interface{}) (bool, error) {
	//nolint:gosec // Paths are derived from operator-configured storage roots
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

// writeYAMLFileAtomic marshals in and writes it to path via a uniquely
// named temp file in the same directory followed by a rename, so readers
// observe either the previous document or the new one, never a partial
// write.
func writeYAMLFileAtomic(path string, in interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
