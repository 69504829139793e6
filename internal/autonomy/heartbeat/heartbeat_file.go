package heartbeat

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	reMarkdownHeaderLine = regexp.MustCompile(`^#+(\s|$)`)
	reEmptyListItem      = regexp.MustCompile(`^[-*+]\s*(\[[\sXx]?\]\s*)?$`)
)

// IsEffectivelyEmpty reports whether content has nothing but headings, blank
// lines and empty list items.
func IsEffectivelyEmpty(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if reMarkdownHeaderLine.MatchString(trimmed) {
			continue
		}
		if reEmptyListItem.MatchString(trimmed) {
			continue
		}
		return false
	}
	return true
}

func ResolveFilePath(configuredPath string, workDir string) string {
	p := strings.TrimSpace(configuredPath)
	if p == "" {
		p = "HEARTBEAT.md"
	}
	if !filepath.IsAbs(p) {
		base := strings.TrimSpace(workDir)
		if base == "" {
			base, _ = os.Getwd()
		}
		p = filepath.Join(base, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}

func ReadFile(path string) (content string, exists bool, effectivelyEmpty bool, err error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", false, true, errors.New("path is empty")
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, true, nil
		}
		return "", false, true, err
	}
	text := string(data)
	return text, true, IsEffectivelyEmpty(text), nil
}
