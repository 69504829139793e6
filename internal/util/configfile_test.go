package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sampleSection struct {
	Every   string `json:"every"`
	Enabled *bool  `json:"enabled"`
}

func TestReadConfigSectionJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "config.json")
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(jsonPath, []byte(`{"autonomy":{"every":"5m","enabled":true}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(yamlPath, []byte("autonomy:\n  every: 7m\n  enabled: false\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var fromJSON sampleSection
	found, err := ReadConfigSection(jsonPath, "autonomy", &fromJSON)
	if err != nil || !found {
		t.Fatalf("json: found=%v err=%v", found, err)
	}
	if fromJSON.Every != "5m" || fromJSON.Enabled == nil || !*fromJSON.Enabled {
		t.Fatalf("unexpected json section: %+v", fromJSON)
	}

	var fromYAML sampleSection
	found, err = ReadConfigSection(yamlPath, "autonomy", &fromYAML)
	if err != nil || !found {
		t.Fatalf("yaml: found=%v err=%v", found, err)
	}
	if fromYAML.Every != "7m" || fromYAML.Enabled == nil || *fromYAML.Enabled {
		t.Fatalf("unexpected yaml section: %+v", fromYAML)
	}
}

func TestReadConfigSectionMissing(t *testing.T) {
	var out sampleSection
	found, err := ReadConfigSection(filepath.Join(t.TempDir(), "nope.json"), "autonomy", &out)
	if err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
	if found {
		t.Fatalf("expected found=false for missing file")
	}
}

func TestWriteJSONAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	if err := WriteJSONAtomic(path, map[string]int{"version": 1}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("expected only state.json, got %v", entries)
	}
}

func TestPreviewTruncates(t *testing.T) {
	got := Preview("line one\nline two   with   spaces", 200)
	if got != "line one line two with spaces" {
		t.Fatalf("unexpected preview: %q", got)
	}
	long := Preview("abcdefghijklmnopqrstuvwxyz0123456789", 20)
	if !strings.HasPrefix(long, "abcdef") || !strings.HasSuffix(long, "(truncated)") {
		t.Fatalf("unexpected truncated preview: %q", long)
	}
}
