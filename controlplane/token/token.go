package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendezchat/rendez/internal/base64url"
)

// Prefix identifies the rendezvous chat token format.
const Prefix = "RCT1"

// MinSecretLen is the minimum HMAC secret length in bytes.
const MinSecretLen = 32

// DefaultTTL is the lifetime of a freshly minted session token.
const DefaultTTL = 15 * time.Minute

// RefreshTTL is the lifetime of the long-lived refresh variant.
const RefreshTTL = 7 * 24 * time.Hour

// Payload carries the signed claims of a chat bearer token.
type Payload struct {
	UserID      string `json:"user_id"`
	Fingerprint string `json:"fingerprint"`
	Refresh     bool   `json:"refresh,omitempty"`
	Iat         int64  `json:"iat"`
	Exp         int64  `json:"exp"`
}

var (
	ErrSecretTooShort = errors.New("token secret too short")
	ErrInvalidFormat  = errors.New("token invalid format")
	ErrInvalidB64     = errors.New("token invalid base64url")
	ErrInvalidJSON    = errors.New("token invalid json")
	ErrInvalidSig     = errors.New("token invalid signature")
	ErrExpired        = errors.New("token expired")
	ErrIATInFuture    = errors.New("token iat in future")
)

// VerifyOptions bound token validity checks.
type VerifyOptions struct {
	Now       time.Time
	ClockSkew time.Duration
}

func sign(secret []byte, signed string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signed))
	return mac.Sum(nil)
}

// Sign serializes and signs a payload with HMAC-SHA256.
func Sign(secret []byte, payload Payload) (string, error) {
	if len(secret) < MinSecretLen {
		return "", ErrSecretTooShort
	}
	if strings.TrimSpace(payload.UserID) == "" {
		return "", fmt.Errorf("missing user_id: %w", ErrInvalidFormat)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	signed := Prefix + "." + base64url.Encode(b)
	return signed + "." + base64url.Encode(sign(secret, signed)), nil
}

// Mint signs a short-lived session token for a user and fingerprint.
func Mint(secret []byte, userID string, fingerprint string, now time.Time) (string, error) {
	return Sign(secret, Payload{
		UserID:      userID,
		Fingerprint: fingerprint,
		Iat:         now.Unix(),
		Exp:         now.Add(DefaultTTL).Unix(),
	})
}

// MintRefresh signs the long-TTL refresh variant.
func MintRefresh(secret []byte, userID string, fingerprint string, now time.Time) (string, error) {
	return Sign(secret, Payload{
		UserID:      userID,
		Fingerprint: fingerprint,
		Refresh:     true,
		Iat:         now.Unix(),
		Exp:         now.Add(RefreshTTL).Unix(),
	})
}

// Parse splits a token into payload, signed data, and signature without verifying.
func Parse(tokenStr string) (payload Payload, signed []byte, sig []byte, err error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 || parts[0] != Prefix {
		return Payload{}, nil, nil, ErrInvalidFormat
	}
	payloadBytes, err := base64url.Decode(parts[1])
	if err != nil {
		return Payload{}, nil, nil, ErrInvalidB64
	}
	sigBytes, err := base64url.Decode(parts[2])
	if err != nil {
		return Payload{}, nil, nil, ErrInvalidB64
	}
	var p Payload
	if err := json.Unmarshal(payloadBytes, &p); err != nil {
		return Payload{}, nil, nil, ErrInvalidJSON
	}
	return p, []byte(Prefix + "." + parts[1]), sigBytes, nil
}

// Verify checks the signature and expiry of a token.
func Verify(tokenStr string, secret []byte, opts VerifyOptions) (Payload, error) {
	if len(secret) < MinSecretLen {
		return Payload{}, ErrSecretTooShort
	}
	p, signed, sig, err := Parse(tokenStr)
	if err != nil {
		return Payload{}, err
	}
	want := sign(secret, string(signed))
	if subtle.ConstantTimeCompare(want, sig) != 1 {
		return Payload{}, ErrInvalidSig
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	skew := opts.ClockSkew
	if skew < 0 {
		skew = 0
	}

	if time.Unix(p.Iat, 0).After(now.Add(skew)) {
		return Payload{}, ErrIATInFuture
	}
	if time.Unix(p.Exp, 0).Before(now.Add(-skew)) {
		return Payload{}, ErrExpired
	}
	return p, nil
}
