package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmonfasani/iopeer.com/pkg/capability"
)

func TestRedactDefaultRules(t *testing.T) {
	out, err := redact(context.Background(), capability.Message{Data: map[string]any{
		"note": "mail ada@example.com now",
		"from_n1": map[string]any{
			"ids": []any{"123-45-6789", 7},
		},
		"count": 3,
	}})
	require.NoError(t, err)

	res := out.(map[string]any)
	assert.Equal(t, true, res["redacted"])
	data := res["data"].(map[string]any)
	assert.Equal(t, "mail [REDACTED:email] now", data["note"])
	assert.Equal(t, []any{"[REDACTED:ssn]", 7}, data["from_n1"].(map[string]any)["ids"])
	assert.Equal(t, 3, data["count"])

	findings := res["findings"].([]finding)
	require.Len(t, findings, 2)
	assert.Equal(t, finding{Rule: "ssn", Path: "from_n1.ids.0", Action: "redact"}, findings[0])
	assert.Equal(t, finding{Rule: "email", Path: "note", Action: "redact"}, findings[1])
}

func TestRedactCustomRules(t *testing.T) {
	rules := []any{
		map[string]any{"name": "token", "pattern": `tok_[a-z0-9]+`, "replacement": "***"},
		map[string]any{"name": "card", "pattern": `\b4[0-9]{15}\b`, "action": "block"},
	}

	out, err := redact(context.Background(), capability.Message{
		Config: map[string]any{"rules": rules},
		Data:   map[string]any{"auth": "tok_abc123", "mail": "ada@example.com"},
	})
	require.NoError(t, err)
	data := out.(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "***", data["auth"])
	assert.Equal(t, "ada@example.com", data["mail"], "custom rules replace the defaults")

	_, err = redact(context.Background(), capability.Message{
		Config: map[string]any{"rules": rules},
		Data:   map[string]any{"card": "4111111111111111"},
	})
	require.ErrorIs(t, err, ErrBlocked)
}

func TestRedactRejectsBadRules(t *testing.T) {
	tests := []struct {
		name  string
		rules any
	}{
		{name: "not a list", rules: "email"},
		{name: "not a map", rules: []any{"email"}},
		{name: "no name", rules: []any{map[string]any{"pattern": "x"}}},
		{name: "no pattern", rules: []any{map[string]any{"name": "x"}}},
		{name: "bad regexp", rules: []any{map[string]any{"name": "x", "pattern": "("}}},
		{name: "bad action", rules: []any{map[string]any{"name": "x", "pattern": "x", "action": "shred"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := redact(context.Background(), capability.Message{Config: map[string]any{"rules": tt.rules}})
			require.Error(t, err)
		})
	}
}
