package util

import (
	"regexp"
	"strings"
)

var jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON extracts a JSON value from agent output that may wrap it in
// markdown code fences or surrounding prose. Handles both arrays and objects;
// a truncated array is closed rather than rejected outright.
func ExtractJSON(s string) string {
	matches := jsonCodeBlockRegex.FindStringSubmatch(s)
	if len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	arrayStart := strings.Index(s, "[")
	objectStart := strings.Index(s, "{")

	// Prefer whichever value starts first so prose containing a stray
	// bracket after the real payload does not mislead extraction.
	if arrayStart != -1 && (objectStart == -1 || arrayStart < objectStart) {
		if end := findMatchingBracket(s, arrayStart, '[', ']'); end != -1 {
			return s[arrayStart : end+1]
		}
		// Truncated array: close it if it has any content.
		if lastQuote := strings.LastIndex(s, "\""); lastQuote > arrayStart {
			trimmed := strings.TrimRight(s[arrayStart:], " \n\t,")
			return trimmed + "]"
		}
	}

	if objectStart != -1 {
		if end := findMatchingBracket(s, objectStart, '{', '}'); end != -1 {
			return s[objectStart : end+1]
		}
	}

	return s
}

// findMatchingBracket finds the matching closing bracket for the opening
// bracket at startPos, skipping brackets inside JSON strings and escape
// sequences. Returns -1 if unbalanced.
func findMatchingBracket(s string, startPos int, openChar, closeChar rune) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := rune(s[i])

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}

	return -1
}
