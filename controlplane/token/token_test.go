package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestMintVerify_RoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := Mint(testSecret, "u1", "fp1", now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	p, err := Verify(tok, testSecret, VerifyOptions{Now: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.UserID != "u1" || p.Fingerprint != "fp1" || p.Refresh {
		t.Fatalf("payload: %+v", p)
	}
	if p.Exp != now.Add(DefaultTTL).Unix() {
		t.Fatalf("exp = %d", p.Exp)
	}
}

func TestMintRefresh_LongTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := MintRefresh(testSecret, "u1", "fp1", now)
	if err != nil {
		t.Fatalf("MintRefresh: %v", err)
	}
	p, err := Verify(tok, testSecret, VerifyOptions{Now: now.Add(6 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("Verify after 6 days: %v", err)
	}
	if !p.Refresh {
		t.Fatalf("refresh flag not set")
	}
}

func TestVerify_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := Mint(testSecret, "u1", "fp1", now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	_, err = Verify(tok, testSecret, VerifyOptions{Now: now.Add(DefaultTTL + time.Minute)})
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := Mint(testSecret, "u1", "fp1", now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	other := []byte("ffffffffffffffffffffffffffffffff")
	_, err = Verify(tok, other, VerifyOptions{Now: now})
	if !errors.Is(err, ErrInvalidSig) {
		t.Fatalf("want ErrInvalidSig, got %v", err)
	}
}

func TestVerify_TamperedPayload(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := Mint(testSecret, "u1", "fp1", now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	parts := strings.Split(tok, ".")
	forged, err := Mint(testSecret, "u2", "fp1", now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	forgedParts := strings.Split(forged, ".")
	mixed := parts[0] + "." + forgedParts[1] + "." + parts[2]
	if _, err := Verify(mixed, testSecret, VerifyOptions{Now: now}); !errors.Is(err, ErrInvalidSig) {
		t.Fatalf("want ErrInvalidSig for spliced token, got %v", err)
	}
}

func TestVerify_MalformedTokens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := map[string]error{
		"":                ErrInvalidFormat,
		"RCT1.onlyone":    ErrInvalidFormat,
		"NOPE.a.b":        ErrInvalidFormat,
		"RCT1.!!bad!!.ab": ErrInvalidB64,
	}
	for tok, want := range cases {
		if _, err := Verify(tok, testSecret, VerifyOptions{Now: now}); !errors.Is(err, want) {
			t.Fatalf("Verify(%q) = %v, want %v", tok, err, want)
		}
	}
}

func TestSign_ShortSecretRejected(t *testing.T) {
	_, err := Mint([]byte("short"), "u1", "fp1", time.Now())
	if !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("want ErrSecretTooShort, got %v", err)
	}
}

func TestVerify_IATInFuture(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok, err := Mint(testSecret, "u1", "fp1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	_, err = Verify(tok, testSecret, VerifyOptions{Now: now})
	if !errors.Is(err, ErrIATInFuture) {
		t.Fatalf("want ErrIATInFuture, got %v", err)
	}
}
