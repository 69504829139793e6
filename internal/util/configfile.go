package util

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when a caller passes an empty config path.
const DefaultConfigPath = "config.json"

// ReadConfigSection decodes the top-level key `section` of the config file at
// path into out. JSON is the default; .yaml/.yml files are decoded with yaml.v3
// and re-encoded as JSON so every section type only needs json tags.
//
// found is false when the file or the section does not exist.
func ReadConfigSection(path string, section string, out any) (found bool, err error) {
	p := strings.TrimSpace(path)
	if p == "" {
		p = DefaultConfigPath
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	root, err := decodeConfigRoot(p, data)
	if err != nil {
		return false, err
	}
	raw, ok := root[section]
	if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("parse %s.%s: %w", filepath.Base(p), section, err)
	}
	return true, nil
}

func decodeConfigRoot(path string, data []byte) (map[string]json.RawMessage, error) {
	var root map[string]json.RawMessage
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var generic map[string]any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		encoded, err := json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		if err := json.Unmarshal(encoded, &root); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return map[string]json.RawMessage{}, nil
		}
		if err := json.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}
	if root == nil {
		root = map[string]json.RawMessage{}
	}
	return root, nil
}
