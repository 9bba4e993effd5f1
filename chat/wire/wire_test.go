package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParse_Identify(t *testing.T) {
	f, err := Parse([]byte(`{"type":"identify","userId":"u1","fingerprint":"fp1"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Type != TypeIdentify || f.UserID != "u1" || f.Fingerprint != "fp1" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestParse_RejectsOversizedFrame(t *testing.T) {
	big := `{"type":"text-message","userId":"u1","targetId":"u2","message":"` +
		strings.Repeat("a", 11*1024) + `"}`
	_, err := Parse([]byte(big))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("want ErrFrameTooLarge, got %v", err)
	}
}

func TestParse_FrameAtExactLimitAccepted(t *testing.T) {
	prefix := `{"type":"ping","x":"`
	suffix := `"}`
	pad := DefaultConstraints().MaxFrameBytes - len(prefix) - len(suffix)
	b := []byte(prefix + strings.Repeat("a", pad) + suffix)
	if len(b) != DefaultConstraints().MaxFrameBytes {
		t.Fatalf("test frame is %d bytes", len(b))
	}
	if _, err := Parse(b); err != nil {
		t.Fatalf("Parse at limit: %v", err)
	}
	over := []byte(prefix + strings.Repeat("a", pad+1) + suffix)
	if _, err := Parse(over); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("want ErrFrameTooLarge one byte over")
	}
}

func TestParse_RejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"type":`))
	if !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("want ErrInvalidJSON, got %v", err)
	}
}

func TestParse_RejectsMissingAndUnknownType(t *testing.T) {
	if _, err := Parse([]byte(`{"userId":"u1"}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("want ErrMissingType, got %v", err)
	}
	if _, err := Parse([]byte(`{"type":"warp"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
}

func TestParse_RequiredFieldMissing(t *testing.T) {
	_, err := Parse([]byte(`{"type":"text-message","userId":"u1","message":"hi"}`))
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("want ErrMissingField, got %v", err)
	}
}

func TestParse_EmptyIdentifierRejected(t *testing.T) {
	_, err := Parse([]byte(`{"type":"identify","userId":"","fingerprint":"fp"}`))
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("want ErrMissingField for empty userId, got %v", err)
	}
}

func TestParse_EmptyMessageBodyPassesSchema(t *testing.T) {
	// Content policy, not the schema, judges empty messages.
	f, err := Parse([]byte(`{"type":"text-message","userId":"u1","targetId":"u2","message":""}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Message != "" {
		t.Fatalf("message = %q", f.Message)
	}
}

func TestParse_PayloadFieldPresenceOnly(t *testing.T) {
	f, err := Parse([]byte(`{"type":"offer","userId":"u1","targetId":"u2","offer":{"sdp":"v=0"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := f.Raw["offer"]; !ok {
		t.Fatalf("offer payload not retained")
	}
	if _, err := Parse([]byte(`{"type":"offer","userId":"u1","targetId":"u2"}`)); !errors.Is(err, ErrMissingField) {
		t.Fatalf("want ErrMissingField for absent payload")
	}
}

func TestRelay_StripsRoutingAndSetsFrom(t *testing.T) {
	f, err := Parse([]byte(`{"type":"ice-candidate","userId":"u1","targetId":"u2","candidate":{"c":1},"sdpMid":"0"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out := Relay(f, "u1")
	if out["type"] != "ice-candidate" || out["from"] != "u1" {
		t.Fatalf("relay envelope: %+v", out)
	}
	for _, k := range []string{"userId", "targetId"} {
		if _, ok := out[k]; ok {
			t.Fatalf("routing field %q leaked", k)
		}
	}
	if _, ok := out["candidate"]; !ok {
		t.Fatalf("payload dropped")
	}
	if _, ok := out["sdpMid"]; !ok {
		t.Fatalf("extra field dropped")
	}
}

func TestPaired_OffererOmittedForText(t *testing.T) {
	b, err := json.Marshal(NewPaired("u2", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "isOfferer") {
		t.Fatalf("isOfferer present for text pairing: %s", b)
	}
	yes := true
	b, err = json.Marshal(NewPaired("u2", &yes))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"isOfferer":true`) {
		t.Fatalf("isOfferer missing for video pairing: %s", b)
	}
}

func TestJoinMode(t *testing.T) {
	for typ, want := range map[Type]Mode{TypeJoinText: ModeText, TypeJoinVideo: ModeVideo, TypeJoinVoice: ModeVoice} {
		got, ok := JoinMode(typ)
		if !ok || got != want {
			t.Fatalf("JoinMode(%s) = %s, %v", typ, got, ok)
		}
	}
	if _, ok := JoinMode(TypePing); ok {
		t.Fatalf("ping is not a join type")
	}
}
