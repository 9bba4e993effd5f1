package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates chat protocol frames. Every frame on the wire is a JSON
// object with a string "type" field; the remaining fields depend on the type.
type Type string

// Client-to-server frame types.
const (
	TypeIdentify          Type = "identify"
	TypeJoinText          Type = "join-text"
	TypeJoinVideo         Type = "join-video"
	TypeJoinVoice         Type = "join-voice"
	TypeTextMessage       Type = "text-message"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
	TypeDisconnect        Type = "disconnect"
	TypeTypingStart       Type = "typing-start"
	TypeTypingStop        Type = "typing-stop"
	TypeReportUser        Type = "report-user"
	TypeVideoRequest      Type = "video-request"
	TypeVideoAccept       Type = "video-accept"
	TypeVideoDecline      Type = "video-decline"
	TypeVideoCancel       Type = "video-cancel"
	TypeModeSwitchToVideo Type = "mode-switch-to-video"
	TypePing              Type = "ping"
)

// Server-to-client frame types.
const (
	TypeWaiting             Type = "waiting"
	TypePaired              Type = "paired"
	TypePartnerDisconnected Type = "partner-disconnected"
	TypeUserCount           Type = "user-count"
	TypeVideoModeReady      Type = "video-mode-ready"
	TypeWarning             Type = "warning"
	TypeError               Type = "error"
)

// Mode selects which queue a user joins and a session's interaction mode.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVideo Mode = "video"
	ModeVoice Mode = "voice"
)

// ParseMode validates a mode string against the fixed mode set.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeText, ModeVideo, ModeVoice:
		return Mode(s), true
	default:
		return "", false
	}
}

// JoinMode maps a join-* frame type to its queue mode.
func JoinMode(t Type) (Mode, bool) {
	switch t {
	case TypeJoinText:
		return ModeText, true
	case TypeJoinVideo:
		return ModeVideo, true
	case TypeJoinVoice:
		return ModeVoice, true
	default:
		return "", false
	}
}

// Constraints caps inbound frame sizes to prevent abuse.
type Constraints struct {
	MaxFrameBytes int // Maximum total frame JSON bytes.
}

// DefaultConstraints returns safe defaults for frame validation.
func DefaultConstraints() Constraints {
	return Constraints{MaxFrameBytes: 10 * 1024}
}

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidJSON   = errors.New("frame invalid json")
	ErrMissingType   = errors.New("frame missing type")
	ErrUnknownType   = errors.New("frame unknown type")
	ErrMissingField  = errors.New("frame missing required field")
)

// requiredFields lists the string fields each client frame type must carry.
// Payload keys for signaling relays are checked for presence only; the server
// never inspects their contents.
var requiredFields = map[Type][]string{
	TypeIdentify:          {"userId", "fingerprint"},
	TypeJoinText:          {"userId"},
	TypeJoinVideo:         {"userId"},
	TypeJoinVoice:         {"userId"},
	TypeTextMessage:       {"userId", "targetId", "message"},
	TypeOffer:             {"userId", "targetId", "offer"},
	TypeAnswer:            {"userId", "targetId", "answer"},
	TypeICECandidate:      {"userId", "targetId", "candidate"},
	TypeDisconnect:        {"userId"},
	TypeTypingStart:       {"userId", "targetId"},
	TypeTypingStop:        {"userId", "targetId"},
	TypeReportUser:        {"userId", "reportedId", "reason"},
	TypeVideoRequest:      {"to", "from"},
	TypeVideoAccept:       {"to", "from"},
	TypeVideoDecline:      {"to", "from"},
	TypeVideoCancel:       {"to", "from"},
	TypeModeSwitchToVideo: {"userId", "partnerId"},
	TypePing:              {},
}

// Frame is a decoded inbound message: the discriminant plus the string fields
// the router validates. Raw retains the full object so signaling relays can
// copy opaque payload fields through untouched.
type Frame struct {
	Type        Type
	UserID      string
	TargetID    string
	PartnerID   string
	ReportedID  string
	Fingerprint string
	Message     string
	Reason      string
	To          string
	From        string

	Raw map[string]json.RawMessage
}

// stringField decodes a raw JSON member as a string; non-string values count
// as absent for schema purposes.
func stringField(raw map[string]json.RawMessage, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// Parse validates and decodes an inbound frame using DefaultConstraints.
func Parse(b []byte) (*Frame, error) {
	return ParseWithConstraints(b, DefaultConstraints())
}

// ParseWithConstraints validates and decodes an inbound frame.
//
// Zero-valued fields in c are filled from DefaultConstraints to keep a safe default.
func ParseWithConstraints(b []byte, c Constraints) (*Frame, error) {
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultConstraints().MaxFrameBytes
	}
	if c.MaxFrameBytes > 0 && len(b) > c.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, ErrInvalidJSON
	}
	typ, ok := stringField(raw, "type")
	if !ok || typ == "" {
		return nil, ErrMissingType
	}
	required, ok := requiredFields[Type(typ)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", typ, ErrUnknownType)
	}
	f := &Frame{Type: Type(typ), Raw: raw}
	for _, field := range required {
		v, ok := stringField(raw, field)
		if !ok {
			// Opaque payload keys only need to be present.
			if _, present := raw[field]; present && isPayloadField(f.Type, field) {
				continue
			}
			return nil, fmt.Errorf("%s.%s: %w", typ, field, ErrMissingField)
		}
		// Identifier fields must be non-empty; message bodies may be any
		// string and are judged by content validation instead.
		if v == "" && isIdentifierField(field) {
			return nil, fmt.Errorf("%s.%s: %w", typ, field, ErrMissingField)
		}
		switch field {
		case "userId":
			f.UserID = v
		case "targetId":
			f.TargetID = v
		case "partnerId":
			f.PartnerID = v
		case "reportedId":
			f.ReportedID = v
		case "fingerprint":
			f.Fingerprint = v
		case "message":
			f.Message = v
		case "reason":
			f.Reason = v
		case "to":
			f.To = v
		case "from":
			f.From = v
		}
	}
	return f, nil
}

// isIdentifierField reports whether a field routes or names a user.
func isIdentifierField(field string) bool {
	switch field {
	case "userId", "targetId", "partnerId", "reportedId", "fingerprint", "to", "from":
		return true
	default:
		return false
	}
}

// isPayloadField reports whether a required field is an opaque signaling
// payload rather than a routing identifier.
func isPayloadField(t Type, field string) bool {
	switch t {
	case TypeOffer:
		return field == "offer"
	case TypeAnswer:
		return field == "answer"
	case TypeICECandidate:
		return field == "candidate"
	default:
		return false
	}
}

// Relay builds the pass-through copy of a signaling frame addressed to the
// target: every extra field is copied verbatim, routing identifiers are
// stripped, and "from" identifies the sender.
func Relay(f *Frame, from string) map[string]any {
	out := make(map[string]any, len(f.Raw)+1)
	for k, v := range f.Raw {
		switch k {
		case "userId", "targetId", "type", "from":
			continue
		}
		out[k] = v
	}
	out["type"] = string(f.Type)
	out["from"] = from
	return out
}
