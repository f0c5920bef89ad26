package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrTokenFormat    = errors.New("invalid token format")
	ErrTokenSignature = errors.New("invalid token signature")
)

// GuestCredits is the client-held credit state of an anonymous visitor.
// ResetAt is a unix timestamp in milliseconds.
type GuestCredits struct {
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"resetAt"`
}

// GuestTokenCodec signs and verifies guest credit tokens. The token format is
// base64url(json) + "." + base64url(hmac-sha256).
type GuestTokenCodec struct {
	key []byte
}

// NewGuestTokenCodec derives a dedicated signing key from the application secret.
func NewGuestTokenCodec(secret string) (*GuestTokenCodec, error) {
	if secret == "" {
		return nil, errors.New("secret is required for guest tokens")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("kogflow guest credits v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive guest token key: %w", err)
	}
	return &GuestTokenCodec{key: key}, nil
}

func (c *GuestTokenCodec) Encode(credits GuestCredits) (string, error) {
	payload, err := json.Marshal(credits)
	if err != nil {
		return "", err
	}
	token := fmt.Sprintf("%s.%s",
		base64.RawURLEncoding.EncodeToString(payload),
		base64.RawURLEncoding.EncodeToString(c.sign(payload)))
	return token, nil
}

// Decode verifies the signature and returns the carried state. Expiry is a
// ledger decision and is not checked here.
func (c *GuestTokenCodec) Decode(token string) (GuestCredits, error) {
	var credits GuestCredits
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return credits, ErrTokenFormat
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return credits, ErrTokenFormat
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return credits, ErrTokenFormat
	}
	if !hmac.Equal(sig, c.sign(payload)) {
		return credits, ErrTokenSignature
	}
	if err := json.Unmarshal(payload, &credits); err != nil {
		return credits, ErrTokenFormat
	}
	return credits, nil
}

func (c *GuestTokenCodec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(payload)
	return mac.Sum(nil)
}
