package wire

// Server-to-client notification payloads. Each marshals to a JSON object with
// the "type" discriminant and exactly the fields the protocol defines.

// Notice is a bare notification carrying only a type (waiting,
// partner-disconnected).
type Notice struct {
	Type Type `json:"type"`
}

// Waiting tells a user they are enqueued with no match yet.
func Waiting() Notice { return Notice{Type: TypeWaiting} }

// PartnerDisconnected tells a user their partner is gone.
func PartnerDisconnected() Notice { return Notice{Type: TypePartnerDisconnected} }

// Paired announces a match. IsOfferer is present for video pairings only.
type Paired struct {
	Type      Type   `json:"type"`
	PartnerID string `json:"partnerId"`
	IsOfferer *bool  `json:"isOfferer,omitempty"`
}

// NewPaired builds a paired notification; offerer is nil for non-video modes.
func NewPaired(partnerID string, offerer *bool) Paired {
	return Paired{Type: TypePaired, PartnerID: partnerID, IsOfferer: offerer}
}

// TextMessage is a relayed chat message.
type TextMessage struct {
	Type    Type   `json:"type"`
	From    string `json:"from"`
	Message string `json:"message"`
}

// NewTextMessage builds a relayed chat message notification.
func NewTextMessage(from string, message string) TextMessage {
	return TextMessage{Type: TypeTextMessage, From: from, Message: message}
}

// FromNotice is a relayed notification identified only by its sender
// (typing-start, typing-stop, video-request and friends).
type FromNotice struct {
	Type Type   `json:"type"`
	From string `json:"from"`
}

// NewFromNotice builds a sender-identified relay notification.
func NewFromNotice(t Type, from string) FromNotice {
	return FromNotice{Type: t, From: from}
}

// UserCount reports the active connection count.
type UserCount struct {
	Type  Type `json:"type"`
	Count int  `json:"count"`
}

// NewUserCount builds a user-count notification.
func NewUserCount(n int) UserCount { return UserCount{Type: TypeUserCount, Count: n} }

// VideoModeReady completes the mode-switch handshake on both sides.
type VideoModeReady struct {
	Type      Type   `json:"type"`
	IsOfferer bool   `json:"isOfferer"`
	PartnerID string `json:"partnerId"`
}

// NewVideoModeReady builds a video-mode-ready notification.
func NewVideoModeReady(isOfferer bool, partnerID string) VideoModeReady {
	return VideoModeReady{Type: TypeVideoModeReady, IsOfferer: isOfferer, PartnerID: partnerID}
}

// ServerMessage carries a warning or error text to the client.
type ServerMessage struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// NewError builds an error notification.
func NewError(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}

// NewWarning builds a warning notification.
func NewWarning(message string) ServerMessage {
	return ServerMessage{Type: TypeWarning, Message: message}
}
