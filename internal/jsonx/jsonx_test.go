package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Duplicate  bool    `json:"duplicate"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func TestDecodePlainObject(t *testing.T) {
	var v verdict
	require.NoError(t, Decode(`{"duplicate": true, "confidence": 0.9, "reason": "same fact"}`, &v))
	assert.True(t, v.Duplicate)
	assert.InDelta(t, 0.9, v.Confidence, 0.001)
}

func TestDecodeCodeFence(t *testing.T) {
	raw := "```json\n{\"duplicate\": false, \"confidence\": 0.3}\n```"
	var v verdict
	require.NoError(t, Decode(raw, &v))
	assert.False(t, v.Duplicate)

	raw = "```\n{\"duplicate\": true}\n```"
	require.NoError(t, Decode(raw, &v))
	assert.True(t, v.Duplicate)
}

func TestDecodeSurroundingProse(t *testing.T) {
	raw := `Sure! Here is my analysis:

{"duplicate": true, "confidence": 0.85, "reason": "both mention running"}

Let me know if you need anything else.`
	var v verdict
	require.NoError(t, Decode(raw, &v))
	assert.True(t, v.Duplicate)
	assert.Equal(t, "both mention running", v.Reason)
}

func TestDecodeTrailingCommas(t *testing.T) {
	raw := `{"duplicate": true, "confidence": 0.7,}`
	var v verdict
	require.NoError(t, Decode(raw, &v))
	assert.True(t, v.Duplicate)

	var arr struct {
		Items []int `json:"items"`
	}
	require.NoError(t, Decode(`{"items": [1, 2, 3,],}`, &arr))
	assert.Equal(t, []int{1, 2, 3}, arr.Items)
}

func TestDecodeNestedBraces(t *testing.T) {
	raw := `prefix {"outer": {"inner": "value with } brace"}, "n": 2} suffix`
	var v map[string]any
	require.NoError(t, Decode(raw, &v))
	assert.Equal(t, float64(2), v["n"])
	inner := v["outer"].(map[string]any)
	assert.Equal(t, "value with } brace", inner["inner"])
}

func TestDecodeEscapedQuotes(t *testing.T) {
	raw := `{"reason": "user said \"no more cardio\""}`
	var v verdict
	require.NoError(t, Decode(raw, &v))
	assert.Equal(t, `user said "no more cardio"`, v.Reason)
}

func TestDecodeNoJSON(t *testing.T) {
	var v verdict
	assert.ErrorIs(t, Decode("I could not produce a structured answer.", &v), ErrNoJSON)
	assert.ErrorIs(t, Decode("", &v), ErrNoJSON)
	assert.ErrorIs(t, Decode("{never closed", &v), ErrNoJSON)
}

func TestDecodeInvalidJSONStillErrors(t *testing.T) {
	var v verdict
	assert.Error(t, Decode(`{"confidence": not-a-number}`, &v))
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"prose around", `text {"a":1} more`, `{"a":1}`},
		{"first of two objects", `{"a":1} {"b":2}`, `{"a":1}`},
		{"no object", "plain text", ""},
		{"unbalanced", `{"a": {"b": 1}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.raw))
		})
	}
}
