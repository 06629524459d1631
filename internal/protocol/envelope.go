// ABOUTME: Protocol envelope types and classification for krill messages
// ABOUTME: A message is protocol iff its body is a JSON object whose type carries the ai.krill. prefix

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Namespace is the reserved type prefix for protocol messages.
const Namespace = "ai.krill."

// Request types consumed by the dispatcher.
const (
	TypePairRequest     = Namespace + "pair.request"
	TypePairRevoke      = Namespace + "pair.revoke"
	TypeVerifyRequest   = Namespace + "verify.request"
	TypeSensesUpdate    = Namespace + "senses.update"
	TypeConfigUpdate    = Namespace + "config.update"
	TypeAllowlistGet    = Namespace + "allowlist.get"
	TypeAllowlistUpdate = Namespace + "allowlist.update"
	TypeHealthPing      = Namespace + "health.ping"

	// SensePrefix routes the namespaced sense family by prefix.
	SensePrefix = Namespace + "sense."

	TypeSenseLocation = SensePrefix + "location"
	TypeSenseAudio    = SensePrefix + "audio"
	TypeSenseCamera   = SensePrefix + "camera"
)

// Response types emitted by the dispatcher.
const (
	TypePairResponse      = Namespace + "pair.response"
	TypePairRevoked       = Namespace + "pair.revoked"
	TypeVerifyResponse    = Namespace + "verify.response"
	TypeSensesUpdated     = Namespace + "senses.updated"
	TypeConfigResponse    = Namespace + "config.response"
	TypeAllowlistResponse = Namespace + "allowlist.response"
	TypeHealthAck         = Namespace + "health.ack"
	TypeHealthPong        = Namespace + "health.pong"
)

// Auth is the optional inline authentication block of an envelope.
type Auth struct {
	PairingToken string `json:"pairing_token,omitempty"`
}

// Envelope is the JSON document carried as a transport message body.
type Envelope struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content,omitempty"`
	Auth      *Auth           `json:"auth,omitempty"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
}

// IsProtocolType reports whether t lives in the reserved namespace.
func IsProtocolType(t string) bool {
	return strings.HasPrefix(t, Namespace)
}

// Parse classifies a message body. It returns the envelope and true only when
// the body is a JSON object whose type starts with Namespace.
func Parse(body string) (*Envelope, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}

	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, false
	}
	if !IsProtocolType(env.Type) {
		return nil, false
	}
	return &env, true
}

// Token returns the inline pairing token, or "" when absent.
func (e *Envelope) Token() string {
	if e.Auth == nil {
		return ""
	}
	return e.Auth.PairingToken
}

// Decode unmarshals the envelope content into v.
// A missing content block decodes as an empty object.
func (e *Envelope) Decode(v any) error {
	raw := e.Content
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decoding %s content: %v", ErrValidation, e.Type, err)
	}
	return nil
}

// NewEnvelope builds an outbound envelope with the given content.
func NewEnvelope(typ string, content any) (*Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s content: %w", typ, err)
	}
	return &Envelope{Type: typ, Content: raw}, nil
}

// Encode renders the envelope as a transport message body.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	return string(data), nil
}

// SenseKind returns the sense name of a sense.* type ("location" for
// ai.krill.sense.location), or "" for other types.
func SenseKind(t string) string {
	if !strings.HasPrefix(t, SensePrefix) {
		return ""
	}
	return strings.TrimPrefix(t, SensePrefix)
}

// SenseResponseType returns the response type for a sense request type.
func SenseResponseType(t string) string {
	return t + ".response"
}
