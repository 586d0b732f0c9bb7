package mcp

import (
	"encoding/json"
	"fmt"
)

// Unwrap removes the {"content":[{"text":"<json>"}]} envelope from a decoded
// payload. Payloads that are not enveloped, or whose text is not JSON, are
// returned unchanged. Nested envelopes are peeled until none remain, so
// Unwrap(Unwrap(x)) equals Unwrap(x).
func Unwrap(payload any) any {
	for {
		inner, ok := unwrapOnce(payload)
		if !ok {
			return payload
		}
		payload = inner
	}
}

func unwrapOnce(payload any) (any, bool) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, false
	}
	content, ok := obj["content"].([]any)
	if !ok || len(content) == 0 {
		return nil, false
	}

	var text string
	switch first := content[0].(type) {
	case map[string]any:
		s, ok := first["text"].(string)
		if !ok {
			return nil, false
		}
		text = s
	case string:
		text = first
	default:
		text = fmt.Sprint(first)
	}

	var inner any
	if err := json.Unmarshal([]byte(text), &inner); err != nil {
		return nil, false
	}
	return inner, true
}
