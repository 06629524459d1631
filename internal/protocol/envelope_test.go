package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Classification(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		protocol bool
	}{
		{name: "plain text", body: "hello there", protocol: false},
		{name: "json without type", body: `{"content":{}}`, protocol: false},
		{name: "foreign namespace", body: `{"type":"com.example.ping"}`, protocol: false},
		{name: "prefix lookalike", body: `{"type":"ai.krillx.pair.request"}`, protocol: false},
		{name: "broken json", body: `{"type":"ai.krill.pair.request"`, protocol: false},
		{name: "json array", body: `["ai.krill.pair.request"]`, protocol: false},
		{name: "pair request", body: `{"type":"ai.krill.pair.request","content":{"device_id":"d1"}}`, protocol: true},
		{name: "leading whitespace", body: "  \n{\"type\":\"ai.krill.health.ping\"}", protocol: true},
		{name: "unknown namespaced", body: `{"type":"ai.krill.nope"}`, protocol: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, ok := Parse(tt.body)
			assert.Equal(t, tt.protocol, ok)
			if ok {
				assert.NotNil(t, env)
			}
		})
	}
}

func TestEnvelope_TokenAndDecode(t *testing.T) {
	env, ok := Parse(`{"type":"ai.krill.senses.update","content":{"senses":{"location":true}},"auth":{"pairing_token":"krill_tk_v1_abc"}}`)
	require.True(t, ok)
	assert.Equal(t, "krill_tk_v1_abc", env.Token())

	var content struct {
		Senses map[string]bool `json:"senses"`
	}
	require.NoError(t, env.Decode(&content))
	assert.True(t, content.Senses["location"])

	noContent, ok := Parse(`{"type":"ai.krill.health.ping"}`)
	require.True(t, ok)
	assert.Equal(t, "", noContent.Token())
	require.NoError(t, noContent.Decode(&content))

	bad, ok := Parse(`{"type":"ai.krill.senses.update","content":"oops"}`)
	require.True(t, ok)
	err := bad.Decode(&content)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewEnvelope_Encode(t *testing.T) {
	env, err := NewEnvelope(TypeHealthAck, map[string]any{"ok": true})
	require.NoError(t, err)
	env.InReplyTo = "$event"

	body, err := env.Encode()
	require.NoError(t, err)

	parsed, ok := Parse(body)
	require.True(t, ok)
	assert.Equal(t, TypeHealthAck, parsed.Type)
	assert.Equal(t, "$event", parsed.InReplyTo)
	assert.JSONEq(t, `{"ok":true}`, string(parsed.Content))
}

func TestSenseKind(t *testing.T) {
	assert.Equal(t, "location", SenseKind(TypeSenseLocation))
	assert.Equal(t, "camera", SenseKind(TypeSenseCamera))
	assert.Equal(t, "", SenseKind(TypePairRequest))
	assert.Equal(t, TypeSenseAudio+".response", SenseResponseType(TypeSenseAudio))
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeValidation, Code(fmt.Errorf("bad lat: %w", ErrValidation)))
	assert.Equal(t, CodeNotFound, Code(fmt.Errorf("wrapped: %w", ErrNotFound)))
	assert.Equal(t, CodeCriticalRecovery, Code(ErrCriticalRecovery))
	assert.Equal(t, CodeInternal, Code(errors.New("boom")))
	assert.Equal(t, "", Code(nil))

	f := FailureFor(fmt.Errorf("rollback: %w", ErrCriticalRecovery))
	assert.False(t, f.Success)
	assert.True(t, f.Critical)
	assert.Equal(t, CodeCriticalRecovery, f.Error)
}
