package mcp

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"envelope with list", `{"content":[{"text":"[{\"a\":1}]"}]}`, `[{"a":1}]`},
		{"envelope with object", `{"content":[{"type":"text","text":"{\"total_errors\":2}"}]}`, `{"total_errors":2}`},
		{"nested envelope", `{"content":[{"text":"{\"content\":[{\"text\":\"[1,2]\"}]}"}]}`, `[1,2]`},
		{"plain object", `{"notebooks":{},"total_errors":0}`, `{"notebooks":{},"total_errors":0}`},
		{"plain list", `[1,2,3]`, `[1,2,3]`},
		{"non-json text", `{"content":[{"text":"oops"}]}`, `{"content":[{"text":"oops"}]}`},
		{"empty content", `{"content":[]}`, `{"content":[]}`},
		{"content not a list", `{"content":"x"}`, `{"content":"x"}`},
		{"scalar", `7`, `7`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Unwrap(decode(t, tt.in))
			if diff := cmp.Diff(decode(t, tt.want), got); diff != "" {
				t.Errorf("Unwrap mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnwrap_Idempotent(t *testing.T) {
	inputs := []string{
		`{"content":[{"text":"[{\"session_id\":\"s1\"}]"}]}`,
		`{"content":[{"text":"{\"content\":[{\"text\":\"{}\"}]}"}]}`,
		`{"notebooks":{"/a.py":["E1"]},"total_errors":1}`,
		`[]`,
		`null`,
	}
	for _, in := range inputs {
		once := Unwrap(decode(t, in))
		twice := Unwrap(once)
		assert.Empty(t, cmp.Diff(once, twice), "input %s", in)
	}
}

func TestNotebookErrors_Strings(t *testing.T) {
	var s ErrorsSummary
	require.NoError(t, json.Unmarshal([]byte(`{"notebooks":{"a.py":["E1",{"cell":"c1"}],"b.py":"single"},"total_errors":3}`), &s))

	assert.Equal(t, []string{"E1", `{"cell":"c1"}`}, s.Notebooks["a.py"].Strings())
	assert.Equal(t, []string{"single"}, s.Notebooks["b.py"].Strings())
	assert.Equal(t, 3, s.TotalErrors)
}
