package pipeline

import (
	"strings"

	"github.com/rotisserie/eris"
)

// stripFences removes markdown code fences so the balanced scan only sees the
// payload the model intended.
func stripFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return text
}

// ExtractJSONObject locates the first balanced top-level {...} in a model
// response that may be wrapped in prose or code fences. Braces inside quoted
// strings are ignored. The caller still unmarshals against a strict schema.
func ExtractJSONObject(text string) (string, error) {
	return extractBalanced(text, '{', '}')
}

// ExtractJSONArray is ExtractJSONObject for a top-level [...] payload.
func ExtractJSONArray(text string) (string, error) {
	return extractBalanced(text, '[', ']')
}

func extractBalanced(text string, open, closing byte) (string, error) {
	stripped := stripFences(text)

	start := strings.IndexByte(stripped, open)
	if start == -1 {
		return "", eris.Errorf("no JSON payload found in response: %s", snippet(text))
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(stripped); i++ {
		ch := stripped[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closing:
			depth--
			if depth == 0 {
				return stripped[start : i+1], nil
			}
		}
	}

	return "", eris.Errorf("unterminated JSON payload in response: %s", snippet(text))
}

func snippet(text string) string {
	if len(text) > 200 {
		return text[:200]
	}
	return text
}
