package configpatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverbacking/krill/internal/protocol"
)

func mustJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	m, err := DecodePatch([]byte(s))
	require.NoError(t, err)
	return m
}

func TestMergePreservesSiblings(t *testing.T) {
	base := mustJSON(t, `{"a":{"b":0,"c":2}}`)
	got := Merge(base, mustJSON(t, `{"a":{"b":1}}`))
	assert.Equal(t, mustJSON(t, `{"a":{"b":1,"c":2}}`), got)
}

func TestMergeRules(t *testing.T) {
	base := mustJSON(t, `{
		"name": "gw",
		"port": 8080,
		"tags": ["a", "b", "c"],
		"nested": {"keep": true, "drop": 1, "deep": {"x": 1}},
		"scalar": 5
	}`)
	patch := mustJSON(t, `{
		"port": 9090,
		"tags": ["z"],
		"nested": {"drop": null, "deep": {"y": 2}},
		"scalar": {"now": "object"},
		"fresh": {"inner": null, "v": 1}
	}`)

	got := Merge(base, patch)
	assert.Equal(t, mustJSON(t, `{
		"name": "gw",
		"port": 9090,
		"tags": ["z"],
		"nested": {"keep": true, "deep": {"x": 1, "y": 2}},
		"scalar": {"now": "object"},
		"fresh": {"v": 1}
	}`), got)
}

func TestMergeDoesNotAliasPatch(t *testing.T) {
	patch := mustJSON(t, `{"list": [1, 2], "obj": {"k": "v"}}`)
	got := Merge(map[string]any{}, patch)

	got["list"].([]any)[0] = int64(99)
	got["obj"].(map[string]any)["k"] = "changed"

	assert.Equal(t, int64(1), patch["list"].([]any)[0])
	assert.Equal(t, "v", patch["obj"].(map[string]any)["k"])
}

func TestDecodePatchKeepsIntegers(t *testing.T) {
	p := mustJSON(t, `{"i": 3, "f": 2.5, "e": 1e3, "big": 9007199254740993}`)
	assert.Equal(t, int64(3), p["i"])
	assert.Equal(t, 2.5, p["f"])
	assert.Equal(t, 1000.0, p["e"])
	assert.Equal(t, int64(9007199254740993), p["big"])

	for _, raw := range []string{``, `[1,2]`, `"model"`, `{"a":`} {
		_, err := DecodePatch([]byte(raw))
		assert.ErrorIs(t, err, protocol.ErrValidation, raw)
	}
}

func TestPathHelpers(t *testing.T) {
	doc := mustJSON(t, `{"channels":{"matrix":{"allowed":["@a:x"]}}}`)

	v, ok := lookupPath(doc, "channels.matrix.allowed")
	require.True(t, ok)
	assert.Equal(t, []any{"@a:x"}, v)

	_, ok = lookupPath(doc, "channels.slack.allowed")
	assert.False(t, ok)

	patch := patchAt("channels.matrix.allowed", []any{"@b:x"})
	raw, err := json.Marshal(patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channels":{"matrix":{"allowed":["@b:x"]}}}`, string(raw))
}
