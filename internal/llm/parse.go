package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fencedBlock matches a ```json ... ``` (or bare ```) fenced code block
// and captures its body.
var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// sampleLimit bounds how much offending text a ParseError carries.
const sampleLimit = 200

// ExtractJSON pulls a JSON value out of free-form model output. Models
// wrap structured answers in prose and code fences inconsistently, so
// extraction is layered:
//
//  1. content inside a fenced code block
//  2. the whole trimmed text
//  3. the substring between the first '{' and last '}'
//  4. the substring between the first '[' and last ']'
//
// The first strategy yielding valid JSON wins.
func ExtractJSON(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)

	var candidates []string
	if m := fencedBlock.FindStringSubmatch(trimmed); len(m) == 2 {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, trimmed)
	if i, j := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); i >= 0 && j > i {
		candidates = append(candidates, trimmed[i:j+1])
	}
	if i, j := strings.Index(trimmed, "["), strings.LastIndex(trimmed, "]"); i >= 0 && j > i {
		candidates = append(candidates, trimmed[i:j+1])
	}

	for _, c := range candidates {
		if json.Valid([]byte(c)) {
			return []byte(c), nil
		}
	}

	return nil, &ParseError{
		Sample: truncate(trimmed, sampleLimit),
		Err:    fmt.Errorf("no JSON value found"),
	}
}

// ParseInto extracts a JSON value from model output and unmarshals it
// into T.
func ParseInto[T any](text string) (T, error) {
	var out T

	raw, err := ExtractJSON(text)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &ParseError{
			Sample: truncate(string(raw), sampleLimit),
			Err:    err,
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
