package heartbeat

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultOKToken = "HEARTBEAT_OK"

	maxFileChars = 12000
	ackMaxChars  = 300
)

var reTags = regexp.MustCompile(`<[^>]*>`)

// BuildPrompt wraps the HEARTBEAT.md content into the heartbeat turn prompt.
func BuildPrompt(now time.Time, reason string, path string, content string, okToken string) string {
	if now.IsZero() {
		now = time.Now()
	}
	token := strings.TrimSpace(okToken)
	if token == "" {
		token = DefaultOKToken
	}
	body := strings.TrimSpace(content)
	if len(body) > maxFileChars {
		cut := maxFileChars
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "…"
	}
	if body == "" {
		body = "(empty)"
	}
	return strings.Join([]string{
		"You are running an automated heartbeat turn.",
		"Follow HEARTBEAT.md strictly. Do not invent new tasks. Do not repeat old tasks from prior chats unless HEARTBEAT.md asks you to.",
		"If nothing needs attention, reply exactly: " + token,
		"",
		"Reason: " + strings.TrimSpace(reason),
		"Current time (Local): " + now.In(time.Local).Format(time.RFC3339),
		"Current time (UTC): " + now.UTC().Format(time.RFC3339),
		"HEARTBEAT.md path: " + strings.TrimSpace(path),
		"",
		"[HEARTBEAT.md]",
		body,
		"[/HEARTBEAT.md]",
		"",
		"Output rules:",
		"- If no action items: output only " + token,
		"- Otherwise: output concise, actionable bullets (5-15 lines).",
		"- Do not include any secrets.",
	}, "\n")
}

// StripOK removes the OK token from a heartbeat reply. skip is true when the
// reply carries nothing worth delivering.
func StripOK(raw string, okToken string) (cleaned string, skip bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", true
	}
	token := strings.TrimSpace(okToken)
	if token == "" {
		token = DefaultOKToken
	}

	normalized := strings.TrimSpace(reTags.ReplaceAllString(text, " "))
	normalized = strings.TrimSpace(strings.Trim(normalized, "*`~_"))
	if normalized == "" {
		return "", true
	}

	reOnly := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(token) + `\W{0,4}$`)
	if reOnly.MatchString(normalized) {
		return "", true
	}

	reEdge := regexp.MustCompile(`(?i)^\s*` + regexp.QuoteMeta(token) + `\s*|` + regexp.QuoteMeta(token) + `\W{0,4}\s*$`)
	stripped := strings.TrimSpace(reEdge.ReplaceAllString(normalized, ""))
	if stripped == "" {
		return "", true
	}
	// A short acknowledgement next to the token ("done. HEARTBEAT_OK") is still an OK.
	if utf8.RuneCountInString(stripped) <= ackMaxChars && strings.Contains(strings.ToUpper(normalized), strings.ToUpper(token)) {
		return "", true
	}
	return stripped, false
}
