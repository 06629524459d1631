// ABOUTME: End-to-end tests for classification, auth gating and routing through the dispatcher
// ABOUTME: Uses an in-memory transport and injector with real pairing, sense and config components

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverbacking/krill/internal/configpatch"
	"github.com/silverbacking/krill/internal/health"
	"github.com/silverbacking/krill/internal/keylock"
	"github.com/silverbacking/krill/internal/pairing"
	"github.com/silverbacking/krill/internal/protocol"
	"github.com/silverbacking/krill/internal/senses"
)

const (
	alice = "@alice:example.org"
	bob   = "@bob:example.org"
	room  = "!room:example.org"
)

type sent struct {
	room string
	env  protocol.Envelope
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sent
	blanked  []string
	blankErr error
}

func (f *fakeTransport) Send(_ context.Context, roomID, body string) error {
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{room: roomID, env: env})
	return nil
}

func (f *fakeTransport) Blank(_ context.Context, _, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blanked = append(f.blanked, eventID)
	return f.blankErr
}

func (f *fakeTransport) responses() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
	f.blanked = nil
}

type fakeInjector struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeInjector) Inject(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

type harness struct {
	d         *Dispatcher
	transport *fakeTransport
	injector  *fakeInjector
	dataDir   string
	seq       int
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	dataDir := t.TempDir()
	logger := testLogger()
	locks := &keylock.Map{}
	dirs := senses.NewDirs(dataDir)

	store := pairing.NewFileStore(filepath.Join(dataDir, "pairings.json"), logger)
	svc := pairing.NewService(store, []pairing.Agent{{ID: "jarvis", DisplayName: "Jarvis"}}, "jarvis", logger)

	audio, err := senses.NewAudioSense(dirs, senses.AudioOptions{}, locks, logger)
	require.NoError(t, err)
	t.Cleanup(func() { audio.Close() })

	h := &harness{transport: &fakeTransport{}, injector: &fakeInjector{}, dataDir: dataDir}
	deps := Deps{
		Pairing:   svc,
		Location:  senses.NewLocationTracker(dirs, senses.LocationOptions{}, locks, logger),
		Audio:     audio,
		Health:    health.NewResponder(nil, nil, health.Options{}, logger),
		Transport: h.transport,
		Injector:  h.injector,
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.d, err = New(deps)
	require.NoError(t, err)
	t.Cleanup(h.d.Close)
	return h
}

// send delivers an envelope from sender and waits for background work.
func (h *harness) send(t *testing.T, sender, typ, token string, content any) (Outcome, string) {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, content)
	require.NoError(t, err)
	if token != "" {
		env.Auth = &protocol.Auth{PairingToken: token}
	}
	body, err := env.Encode()
	require.NoError(t, err)
	return h.deliver(sender, body)
}

func (h *harness) deliver(sender, body string) (Outcome, string) {
	h.seq++
	eventID := fmt.Sprintf("$ev%d", h.seq)
	out := h.d.Handle(context.Background(), Inbound{EventID: eventID, RoomID: room, Sender: sender, Body: body})
	h.d.Wait()
	return out, eventID
}

func contentOf(t *testing.T, s sent) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(s.env.Content, &m))
	return m
}

func (h *harness) pair(t *testing.T, sender, device string) string {
	t.Helper()
	h.transport.reset()
	_, _ = h.send(t, sender, protocol.TypePairRequest, "", map[string]any{"device_id": device})
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	token, _ := contentOf(t, resp[0])["pairing_token"].(string)
	require.NotEmpty(t, token)
	h.transport.reset()
	return token
}

func TestEndToEndPairingLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	out, eventID := h.send(t, alice, protocol.TypePairRequest, "", map[string]any{"device_id": "D1", "device_name": "Pixel"})
	assert.Equal(t, Handled, out)
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.TypePairResponse, resp[0].env.Type)
	assert.Equal(t, eventID, resp[0].env.InReplyTo)
	first := contentOf(t, resp[0])
	token, _ := first["pairing_token"].(string)
	require.True(t, pairing.ValidTokenShape(token))
	assert.Equal(t, "jarvis", first["agent_id"])
	assert.Equal(t, false, first["existing"])

	// An identical repeat discloses nothing new.
	h.transport.reset()
	h.send(t, alice, protocol.TypePairRequest, "", map[string]any{"device_id": "D1", "device_name": "Pixel"})
	resp = h.transport.responses()
	require.Len(t, resp, 1)
	repeat := contentOf(t, resp[0])
	assert.Equal(t, first["pairing_id"], repeat["pairing_id"])
	assert.Equal(t, true, repeat["existing"])
	assert.NotContains(t, repeat, "pairing_token")

	h.transport.reset()
	h.send(t, alice, protocol.TypeSensesUpdate, token, map[string]any{"location": true})
	resp = h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.TypeSensesUpdated, resp[0].env.Type)
	updated := contentOf(t, resp[0])
	assert.Equal(t, true, updated["success"])
	assert.Equal(t, map[string]any{"location": true}, updated["senses"])

	h.transport.reset()
	h.send(t, alice, protocol.TypePairRevoke, token, nil)
	resp = h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.TypePairRevoked, resp[0].env.Type)
	assert.Equal(t, true, contentOf(t, resp[0])["revoked"])

	// The revoked token no longer authenticates: no response at all.
	h.transport.reset()
	out, eventID = h.send(t, alice, protocol.TypeVerifyRequest, token, nil)
	assert.Equal(t, Dropped, out)
	assert.Empty(t, h.transport.responses())
	assert.Contains(t, h.transport.blanked, eventID)
}

func TestVerifyAndWrappedSensesUpdate(t *testing.T) {
	h := newHarness(t, nil)
	token := h.pair(t, alice, "D1")

	h.send(t, alice, protocol.TypeSensesUpdate, token, map[string]any{"senses": map[string]bool{"audio": true, "camera": false}})
	require.Len(t, h.transport.responses(), 1)

	h.transport.reset()
	h.send(t, alice, protocol.TypeVerifyRequest, token, nil)
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.TypeVerifyResponse, resp[0].env.Type)
	c := contentOf(t, resp[0])
	assert.Equal(t, true, c["valid"])
	assert.Equal(t, "D1", c["device_id"])
	assert.Equal(t, map[string]any{"audio": true, "camera": false}, c["senses"])

	h.transport.reset()
	h.send(t, alice, protocol.TypeSensesUpdate, token, map[string]any{"smell": true})
	resp = h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.CodeValidation, contentOf(t, resp[0])["error"])
}

func TestTokenBoundToSender(t *testing.T) {
	h := newHarness(t, nil)
	token := h.pair(t, alice, "D1")

	out, _ := h.send(t, bob, protocol.TypeVerifyRequest, token, nil)
	assert.Equal(t, Dropped, out)
	assert.Empty(t, h.transport.responses())

	out, _ = h.send(t, alice, protocol.TypeVerifyRequest, "", nil)
	assert.Equal(t, Dropped, out)
	assert.Empty(t, h.transport.responses())
	assert.Empty(t, h.transport.blanked)
}

func TestUnauthenticatedTrafficLeftUntouched(t *testing.T) {
	h := newHarness(t, nil)

	for _, typ := range []string{protocol.TypeVerifyRequest, protocol.TypeSensesUpdate, protocol.SensePrefix + "location"} {
		out, _ := h.send(t, bob, typ, "", map[string]any{})
		assert.Equal(t, Dropped, out, typ)
	}
	out, _ := h.send(t, bob, protocol.Namespace+"telepathy.request", "", map[string]any{})
	assert.Equal(t, Swallowed, out)

	assert.Empty(t, h.transport.blanked, "no redaction may reveal that the bridge saw the message")
	assert.Empty(t, h.transport.responses())
	assert.Empty(t, h.injector.texts)
}

func TestPassthroughMarksActivity(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, h.d.deps.Health.Activity().Last().IsZero())

	for _, body := range []string{
		"hello there",
		`{"type":"m.custom","content":{}}`,
		`{"type": "ai.krill.pair.request"`,
		`["ai.krill.pair.request"]`,
	} {
		out, _ := h.deliver(alice, body)
		assert.Equal(t, Passthrough, out, body)
	}
	assert.False(t, h.d.deps.Health.Activity().Last().IsZero())
	assert.Empty(t, h.transport.blanked)
	assert.Empty(t, h.transport.responses())
}

func TestUnknownProtocolTypeSwallowed(t *testing.T) {
	h := newHarness(t, nil)
	token := h.pair(t, alice, "D1")

	out, _ := h.send(t, alice, protocol.Namespace+"telepathy.request", token, map[string]any{})
	assert.Equal(t, Swallowed, out)
	assert.Empty(t, h.transport.responses())
	assert.Empty(t, h.transport.blanked)
	assert.Empty(t, h.injector.texts)

	out, _ = h.send(t, alice, protocol.SensePrefix+"smell", token, map[string]any{})
	assert.Equal(t, Swallowed, out)
	assert.Empty(t, h.transport.responses())

	// Protocol traffic never counts as agent activity.
	assert.True(t, h.d.deps.Health.Activity().Last().IsZero())
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	h := newHarness(t, nil)
	env, err := protocol.NewEnvelope(protocol.TypePairRequest, map[string]any{"device_id": "D1"})
	require.NoError(t, err)
	body, err := env.Encode()
	require.NoError(t, err)

	in := Inbound{EventID: "$dup", RoomID: room, Sender: alice, Body: body}
	assert.Equal(t, Handled, h.d.Handle(context.Background(), in))
	assert.Equal(t, Duplicate, h.d.Handle(context.Background(), in))
	assert.Len(t, h.transport.responses(), 1)
}

func TestBlankFailureDoesNotBlockResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.blankErr = errors.New("M_FORBIDDEN")

	out, eventID := h.send(t, alice, protocol.TypePairRequest, "", map[string]any{"device_id": "D1"})
	assert.Equal(t, Handled, out)
	assert.Equal(t, []string{eventID}, h.transport.blanked)
	assert.Len(t, h.transport.responses(), 1)
}

func TestPairRequestValidation(t *testing.T) {
	h := newHarness(t, nil)

	h.send(t, alice, protocol.TypePairRequest, "", map[string]any{"device_name": "no id"})
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.TypePairResponse, resp[0].env.Type)
	c := contentOf(t, resp[0])
	assert.Equal(t, false, c["success"])
	assert.Equal(t, protocol.CodeValidation, c["error"])
}

func TestSenseDisabledUntilGranted(t *testing.T) {
	h := newHarness(t, nil)
	token := h.pair(t, alice, "D1")
	fix := map[string]any{"lat": 41.3874, "lon": 2.1686}

	h.send(t, alice, protocol.TypeSenseLocation, token, fix)
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.SenseResponseType(protocol.TypeSenseLocation), resp[0].env.Type)
	assert.Equal(t, protocol.CodeSenseDisabled, contentOf(t, resp[0])["error"])

	h.send(t, alice, protocol.TypeSensesUpdate, token, map[string]any{"location": true})
	h.transport.reset()
	h.send(t, alice, protocol.TypeSenseLocation, token, fix)
	resp = h.transport.responses()
	require.Len(t, resp, 1)
	c := contentOf(t, resp[0])
	assert.Equal(t, true, c["success"])
	assert.Equal(t, true, c["significant"])
}

func TestLocationGeofenceInjectsDerivedText(t *testing.T) {
	h := newHarness(t, nil)
	token := h.pair(t, alice, "D1")
	h.send(t, alice, protocol.TypeSensesUpdate, token, map[string]any{"location": true})
	require.NoError(t, h.d.deps.Location.SetGeofences("jarvis", []senses.Geofence{
		{ID: "home", Name: "Home", Lat: 41.3874, Lon: 2.1686, RadiusM: 100},
	}))

	h.send(t, alice, protocol.TypeSenseLocation, token, map[string]any{"lat": 41.3875, "lon": 2.1687})
	assert.Equal(t, []string{"📍 Arrived at Home"}, h.injector.texts)

	// A small move inside the fence injects nothing.
	h.send(t, alice, protocol.TypeSenseLocation, token, map[string]any{"lat": 41.38751, "lon": 2.16871})
	assert.Len(t, h.injector.texts, 1)

	h.send(t, alice, protocol.TypeSenseLocation, token, map[string]any{"lat": 41.40, "lon": 2.20})
	require.Len(t, h.injector.texts, 2)
	assert.Contains(t, h.injector.texts[1], "📍 Left Home")
}

func TestAudioWakeWordInjectsQuery(t *testing.T) {
	h := newHarness(t, nil)
	token := h.pair(t, alice, "D1")
	h.send(t, alice, protocol.TypeSensesUpdate, token, map[string]any{"audio": true})

	h.send(t, alice, protocol.TypeSenseAudio, token, map[string]any{"event": "transcript_chunk", "text": "the meeting moved to friday"})
	assert.Empty(t, h.injector.texts)

	h.transport.reset()
	h.send(t, alice, protocol.TypeSenseAudio, token, map[string]any{"event": "wake_word", "wake_word": "krill", "query": "remind me"})
	require.Len(t, h.injector.texts, 1)
	assert.Equal(t, "🎙️ Voice query (wake word \"krill\")\nContext: \"the meeting moved to friday\"\nQuery: remind me", h.injector.texts[0])

	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.TypeSenseAudio+".response", resp[0].env.Type)
}

func TestCameraNotConfigured(t *testing.T) {
	h := newHarness(t, nil)
	token := h.pair(t, alice, "D1")
	h.send(t, alice, protocol.TypeSensesUpdate, token, map[string]any{"camera": true})

	h.transport.reset()
	h.send(t, alice, protocol.TypeSenseCamera, token, map[string]any{"event": "motion", "media_url": "mxc://x/y"})
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.CodeSenseDisabled, contentOf(t, resp[0])["error"])
	assert.Empty(t, h.injector.texts)
}

func newConfigHarness(t *testing.T) (*harness, string) {
	t.Helper()
	target := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(target, []byte(`{"model":"small","channels":{"matrix":{"allow_from":["@alice:example.org"]}}}`), 0600))
	engine, err := configpatch.New(configpatch.Options{
		TargetPath:     target,
		AllowedSenders: []string{alice},
		AllowlistPath:  "channels.matrix.allow_from",
	}, testLogger())
	require.NoError(t, err)
	return newHarness(t, func(d *Deps) { d.Config = engine }), target
}

func TestConfigUpdateRunsInBackground(t *testing.T) {
	h, target := newConfigHarness(t)
	token := h.pair(t, alice, "D1")

	h.send(t, alice, protocol.TypeConfigUpdate, token, map[string]any{"patch": map[string]any{"model": "large"}})
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.TypeConfigResponse, resp[0].env.Type)
	c := contentOf(t, resp[0])
	assert.Equal(t, true, c["success"])
	assert.Equal(t, string(configpatch.StateCommitted), c["state"])

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"large"`)
}

func TestConfigUpdateMalformedPatch(t *testing.T) {
	h, target := newConfigHarness(t)
	before, err := os.ReadFile(target)
	require.NoError(t, err)
	token := h.pair(t, alice, "D1")

	for name, content := range map[string]map[string]any{
		"missing": {},
		"null":    {"patch": nil},
		"array":   {"patch": []any{1, 2}},
		"string":  {"patch": "model=large"},
	} {
		h.transport.reset()
		h.send(t, alice, protocol.TypeConfigUpdate, token, content)
		resp := h.transport.responses()
		require.Len(t, resp, 1, name)
		c := contentOf(t, resp[0])
		assert.Equal(t, false, c["success"], name)
		assert.Equal(t, protocol.CodeValidation, c["error"], name)
	}

	after, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestConfigUpdateUnauthorizedSender(t *testing.T) {
	h, target := newConfigHarness(t)
	before, err := os.ReadFile(target)
	require.NoError(t, err)
	token := h.pair(t, bob, "D9")

	h.send(t, bob, protocol.TypeConfigUpdate, token, map[string]any{"patch": map[string]any{"model": "evil"}})
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.CodeUnauthorized, contentOf(t, resp[0])["error"])

	after, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAllowlistGetAndUpdate(t *testing.T) {
	h, _ := newConfigHarness(t)
	token := h.pair(t, alice, "D1")

	h.send(t, alice, protocol.TypeAllowlistUpdate, token, map[string]any{"action": "add", "user_id": bob})
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.TypeAllowlistResponse, resp[0].env.Type)
	assert.Equal(t, true, contentOf(t, resp[0])["success"])

	h.transport.reset()
	h.send(t, alice, protocol.TypeAllowlistGet, token, nil)
	resp = h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, []any{alice, bob}, contentOf(t, resp[0])["allowlist"])
}

func TestConfigWithoutEngine(t *testing.T) {
	h := newHarness(t, nil)
	token := h.pair(t, alice, "D1")

	h.send(t, alice, protocol.TypeAllowlistGet, token, nil)
	resp := h.transport.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, protocol.CodeValidation, contentOf(t, resp[0])["error"])
}

func TestHealthPingAckThenPong(t *testing.T) {
	h := newHarness(t, nil)

	out, eventID := h.send(t, bob, protocol.TypeHealthPing, "", map[string]any{"nonce": "n1", "skip_probe": true})
	assert.Equal(t, Handled, out)
	resp := h.transport.responses()
	require.Len(t, resp, 2)

	assert.Equal(t, protocol.TypeHealthAck, resp[0].env.Type)
	assert.Equal(t, eventID, resp[0].env.InReplyTo)
	assert.Equal(t, "n1", contentOf(t, resp[0])["nonce"])

	assert.Equal(t, protocol.TypeHealthPong, resp[1].env.Type)
	pong := contentOf(t, resp[1])
	assert.Equal(t, health.StatusOnline, pong["status"])
	assert.Equal(t, health.ProbeSkipped, pong["probe"])
	assert.Equal(t, eventID, resp[1].env.InReplyTo)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{Transport: &fakeTransport{}})
	assert.Error(t, err)

	svc := pairing.NewService(pairing.NewFileStore(filepath.Join(t.TempDir(), "p.json"), testLogger()), nil, "", testLogger())
	_, err = New(Deps{Pairing: svc})
	assert.Error(t, err)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "passthrough", Passthrough.String())
	assert.Equal(t, "swallowed", Swallowed.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
