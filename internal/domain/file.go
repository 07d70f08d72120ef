package domain

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// listFile is the on-disk shape of a persisted domain list.
type listFile struct {
	Problematic []string `yaml:"problematic"`
}

// LoadFile reads a YAML domain list. A missing file yields an empty list.
func LoadFile(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read domain list: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc listFile
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse domain list %s: %w", path, err)
	}
	return doc.Problematic, nil
}

// SaveFile writes entries to path, creating parent directories as needed.
func SaveFile(path string, entries []string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("domain list path is required")
	}
	data, err := yaml.Marshal(listFile{Problematic: entries})
	if err != nil {
		return fmt.Errorf("encode domain list: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create domain list dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write domain list: %w", err)
	}
	return nil
}
