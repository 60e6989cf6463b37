package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoJSON is returned when a response carries no decodable JSON object.
	ErrNoJSON = errors.New("no json object found")
	// ErrMissingKeys is returned when a decoded object lacks required keys.
	ErrMissingKeys = errors.New("missing required keys")
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON pulls a JSON object out of free-form model output. It tries a fenced
// ```json block, then the span from the first '{' to the last '}', then the last
// balanced object. Every key in required must be present.
func ExtractJSON(text string, required ...string) (map[string]any, error) {
	candidates := make([]string, 0, 3)
	if m := fencedJSON.FindStringSubmatch(text); len(m) == 2 {
		candidates = append(candidates, m[1])
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		candidates = append(candidates, text[i:j+1])
	}
	if obj := lastBalancedObject(text); obj != "" {
		candidates = append(candidates, obj)
	}

	for _, c := range candidates {
		var out map[string]any
		if err := json.Unmarshal([]byte(c), &out); err != nil {
			continue
		}
		if missing := missingKeys(out, required); len(missing) > 0 {
			return out, fmt.Errorf("%w: %s", ErrMissingKeys, strings.Join(missing, ", "))
		}
		return out, nil
	}
	return nil, ErrNoJSON
}

func missingKeys(m map[string]any, required []string) []string {
	var missing []string
	for _, k := range required {
		if _, ok := m[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// lastBalancedObject scans backwards for the last complete {...} span, ignoring braces in strings.
func lastBalancedObject(text string) string {
	end := strings.LastIndex(text, "}")
	for end >= 0 {
		depth, inStr := 0, false
		for i := end; i >= 0; i-- {
			ch := text[i]
			if ch == '"' && !escapedAt(text, i) {
				inStr = !inStr
				continue
			}
			if inStr {
				continue
			}
			switch ch {
			case '}':
				depth++
			case '{':
				depth--
				if depth == 0 {
					return text[i : end+1]
				}
			}
		}
		end = strings.LastIndex(text[:end], "}")
	}
	return ""
}

// escapedAt reports whether the byte at i is preceded by an odd run of backslashes.
func escapedAt(text string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && text[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

// StringValue reads a string key from a decoded object.
func StringValue(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
