// Package auth provides Home Assistant long-lived access token handling.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/voice-bridge/internal/model"
)

// MinTokenLength is the shortest token accepted by ValidateTokenFormat.
const MinTokenLength = 10

var tokenCharset = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Credentials holds an access token and the result of its last validation.
type Credentials struct {
	token string

	mu          sync.RWMutex
	validated   bool
	invalid     bool
	validatedAt time.Time
}

// NewCredentials creates credentials for token.
func NewCredentials(token string) (*Credentials, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("access token is required")
	}
	return &Credentials{token: token}, nil
}

// LoadCredentials uses token when set, otherwise reads it from tokenPath.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if token != "" {
		return NewCredentials(token)
	}
	if tokenPath == "" {
		return nil, fmt.Errorf("access token or token file is required")
	}

	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return NewCredentials(string(data))
}

// Token returns the raw access token.
func (c *Credentials) Token() string {
	return c.token
}

// AuthHeader returns the Authorization header value for REST requests.
func (c *Credentials) AuthHeader() string {
	return "Bearer " + c.token
}

// WebSocketAuthMessage returns the reply to the auth_required challenge.
func (c *Credentials) WebSocketAuthMessage() model.AuthMessage {
	return model.NewAuthMessage(c.token)
}

// MarkValidated records that the peer accepted the token.
func (c *Credentials) MarkValidated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validated = true
	c.invalid = false
	c.validatedAt = time.Now()
}

// MarkInvalid records that the peer rejected the token.
func (c *Credentials) MarkInvalid() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validated = false
	c.invalid = true
	c.validatedAt = time.Time{}
}

// IsValidated reports whether the token was accepted by the peer.
func (c *Credentials) IsValidated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validated
}

// IsInvalid reports whether the token was rejected by the peer.
func (c *Credentials) IsInvalid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invalid
}

// ValidatedAt returns when the token was last accepted.
func (c *Credentials) ValidatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validatedAt
}

// Identifier returns a stable, non-secret identifier for the token.
func (c *Credentials) Identifier() string {
	return TokenIdentifier(c.token)
}

// String masks the token so credentials can be logged.
func (c *Credentials) String() string {
	return MaskToken(c.token)
}

// TokenIdentifier returns "token_" followed by the first 12 hex chars of the token's SHA-256.
func TokenIdentifier(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "token_" + hex.EncodeToString(sum[:])[:12]
}

// ValidateTokenFormat checks that token is plausibly a Home Assistant access token.
func ValidateTokenFormat(token string) error {
	switch {
	case token == "":
		return fmt.Errorf("token is empty")
	case len(token) < MinTokenLength:
		return fmt.Errorf("token is shorter than %d characters", MinTokenLength)
	case !tokenCharset.MatchString(token):
		return fmt.Errorf("token contains invalid characters")
	}
	return nil
}

// SecureCompare compares two tokens in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskToken keeps the first and last four characters of token.
// Tokens of eight characters or fewer are fully masked.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}
