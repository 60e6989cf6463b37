package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFencedBlock(t *testing.T) {
	text := "Analysis first.\n```json\n{\"next_action\": \"fetch\", \"analysis\": \"no data\"}\n```\ntrailing {noise}"
	got, err := ExtractJSON(text, "next_action", "analysis")
	require.NoError(t, err)
	assert.Equal(t, "fetch", StringValue(got, "next_action"))
}

func TestExtractJSONFirstToLastBrace(t *testing.T) {
	got, err := ExtractJSON(`decision: {"next_action": "validate", "meta": {"n": 1}} done`, "next_action")
	require.NoError(t, err)
	assert.Equal(t, "validate", StringValue(got, "next_action"))
}

func TestExtractJSONLastBalancedObject(t *testing.T) {
	text := `draft {"broken": } then final {"next_action": "terminate", "note": "brace } in string"}`
	got, err := ExtractJSON(text, "next_action")
	require.NoError(t, err)
	assert.Equal(t, "terminate", StringValue(got, "next_action"))
}

func TestExtractJSONMissingKeys(t *testing.T) {
	_, err := ExtractJSON(`{"analysis": "x"}`, "analysis", "next_action")
	require.ErrorIs(t, err, ErrMissingKeys)
	assert.Contains(t, err.Error(), "next_action")
}

func TestExtractJSONNoObject(t *testing.T) {
	_, err := ExtractJSON("plain text answer")
	require.ErrorIs(t, err, ErrNoJSON)
}
