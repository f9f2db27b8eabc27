// Package llm defines the text generation interface used by pipeline
// workers and its concrete backends.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/forgeworks/anvil/pkg/errors"
)

// Request carries everything a worker supplies for a single generation.
// Context holds retrieved corpus snippets and is injected between the
// system and user portions of the prompt.
type Request struct {
	System  string
	User    string
	Context string
}

// Generator produces a structured JSON object for a request. Every
// worker output flows through this interface so backends can be swapped
// without touching worker code.
type Generator interface {
	// GenerateJSON returns the generated object, or an error with code
	// GenerationFailed or InvalidResponse.
	GenerateJSON(ctx context.Context, req Request) (map[string]interface{}, error)
}

// ParseJSONObject extracts a JSON object from model output. Models
// frequently wrap the object in prose or markdown fences, so parsing
// falls back to the outermost brace pair before giving up.
func ParseJSONObject(text string) (map[string]interface{}, error) {
	candidate := strings.TrimSpace(text)
	if fenced, ok := stripFence(candidate); ok {
		candidate = fenced
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &result); err == nil {
		return result, nil
	}

	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(candidate[start:end+1]), &result); err == nil {
			return result, nil
		}
	}
	return nil, errors.WithFields(
		errors.New(errors.InvalidResponse, "response is not a JSON object"),
		errors.Fields{"prefix": prefix(text, 80)})
}

func stripFence(text string) (string, bool) {
	if !strings.HasPrefix(text, "```") {
		return "", false
	}
	body := text
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body), true
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
