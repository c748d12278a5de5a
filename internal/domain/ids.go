package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// ClientID identifies the application registered with Twitch. Every stored
// record is scoped to one.
type ClientID string

// ClientSecret is the application secret used for the client-credentials grant.
type ClientSecret string

func (ClientSecret) String() string { return "[redacted]" }

// Secret is the per-subscription HMAC key shared with Twitch at creation time.
type Secret string

func (Secret) String() string { return "[redacted]" }

// NewSecret returns 32 random bytes hex encoded.
func NewSecret() (Secret, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate subscription secret: %w", err)
	}
	return Secret(hex.EncodeToString(b)), nil
}

// AccessToken is an app access token with its absolute expiry.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t AccessToken) Expired(now time.Time) bool {
	return t.Value == "" || !now.Before(t.ExpiresAt)
}
