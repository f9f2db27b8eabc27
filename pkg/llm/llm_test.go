package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/anvil/pkg/errors"
)

func TestParseJSONObject(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected map[string]interface{}
		wantErr  bool
	}{
		{
			name:     "plain object",
			input:    `{"key": "value", "n": 2}`,
			expected: map[string]interface{}{"key": "value", "n": float64(2)},
		},
		{
			name:     "fenced object",
			input:    "```json\n{\"key\": \"value\"}\n```",
			expected: map[string]interface{}{"key": "value"},
		},
		{
			name:     "object wrapped in prose",
			input:    "Here is the result:\n{\"score\": 72.5}\nDone.",
			expected: map[string]interface{}{"score": 72.5},
		},
		{
			name:    "no object at all",
			input:   "I cannot comply",
			wantErr: true,
		},
		{
			name:    "array is not an object",
			input:   `[1, 2, 3]`,
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSONObject(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.InvalidResponse, errors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNewAnthropicGeneratorValidation(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := NewAnthropicGenerator("", "claude-sonnet-4-5")
	require.Error(t, err)
	assert.Equal(t, errors.InvalidInput, errors.CodeOf(err))

	_, err = NewAnthropicGenerator("sk-test", "")
	require.Error(t, err)
	assert.Equal(t, errors.InvalidInput, errors.CodeOf(err))

	g, err := NewAnthropicGenerator("sk-test", "claude-sonnet-4-5", WithMaxTokens(1024), WithTemperature(0.7))
	require.NoError(t, err)
	assert.Equal(t, int64(1024), g.maxTokens)
	assert.InDelta(t, 0.7, g.temperature, 1e-9)
}

func TestStaticGeneratorRouting(t *testing.T) {
	ctx := context.Background()
	gen := NewStaticGenerator(nil).
		Respond("design", map[string]interface{}{"tables": []interface{}{"users"}}).
		Fallback(map[string]interface{}{"ok": true})

	got, err := gen.GenerateJSON(ctx, Request{System: "design", User: "schema please"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"users"}, got["tables"])

	got, err = gen.GenerateJSON(ctx, Request{System: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, true, got["ok"])

	calls := gen.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "schema please", calls[0].User)
}

func TestStaticGeneratorNoMatch(t *testing.T) {
	gen := NewStaticGenerator(nil)
	_, err := gen.GenerateJSON(context.Background(), Request{System: "missing"})
	require.Error(t, err)
	assert.Equal(t, errors.GenerationFailed, errors.CodeOf(err))
}

func TestStaticGeneratorReturnsCopies(t *testing.T) {
	gen := NewStaticGenerator(nil).Respond("k", map[string]interface{}{"a": 1})

	first, err := gen.GenerateJSON(context.Background(), Request{System: "k"})
	require.NoError(t, err)
	first["a"] = 99

	second, err := gen.GenerateJSON(context.Background(), Request{System: "k"})
	require.NoError(t, err)
	assert.Equal(t, 1, second["a"])
}

func TestStaticGeneratorHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := NewStaticGenerator(nil).Fallback(map[string]interface{}{})
	_, err := gen.GenerateJSON(ctx, Request{System: "k"})
	require.Error(t, err)
	assert.Equal(t, errors.Canceled, errors.CodeOf(err))
}
