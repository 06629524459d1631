// ABOUTME: Pairing bearer token minting, shape validation and hashing
// ABOUTME: Tokens are prefix + 32 random bytes in URL-safe base64; only SHA-256 hashes are stored

package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenPrefix is the fixed literal prefix of every pairing token.
const TokenPrefix = "krill_tk_v1_"

// tokenBytes is the amount of randomness in a token (256 bits).
const tokenBytes = 32

// encodedTokenLen is the unpadded base64url length of tokenBytes.
var encodedTokenLen = base64.RawURLEncoding.EncodedLen(tokenBytes)

// GenerateToken mints a new pairing token.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidTokenShape reports whether token looks like a pairing token.
// It does not consult any store.
func ValidTokenShape(token string) bool {
	if !strings.HasPrefix(token, TokenPrefix) {
		return false
	}
	payload := strings.TrimPrefix(token, TokenPrefix)
	if len(payload) != encodedTokenLen {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	return err == nil && len(decoded) == tokenBytes
}

// HashToken returns the hex SHA-256 digest used to index pairings.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
