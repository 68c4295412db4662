// Package content holds pure helpers over message text.
package content

import (
	"encoding/json"
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ExtractMentions returns the unique handles mentioned in text, in order of
// first appearance. A mention is "@" followed by one or more word characters;
// matches never overlap.
func ExtractMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	handles := make([]string, 0, len(matches))
	for _, match := range matches {
		handle := match[1]
		if _, ok := seen[handle]; ok {
			continue
		}
		seen[handle] = struct{}{}
		handles = append(handles, handle)
	}
	return handles
}

// NormalizeJSON converts a raw JSON value to message text. Strings are
// unquoted, null becomes empty and everything else keeps its JSON spelling.
func NormalizeJSON(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return trimmed
}

// IsBlank reports whether text has no visible characters.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
