package observability

import "time"

type AdmissionResult string

const (
	AdmissionResultOK   AdmissionResult = "ok"
	AdmissionResultFail AdmissionResult = "fail"
)

type AdmissionReason string

const (
	AdmissionReasonOK            AdmissionReason = "ok"
	AdmissionReasonIPBanned      AdmissionReason = "ip_banned"
	AdmissionReasonIPRateLimited AdmissionReason = "ip_rate_limited"
	AdmissionReasonUpgradeError  AdmissionReason = "upgrade_error"
)

type FrameResult string

const (
	FrameResultOK             FrameResult = "ok"
	FrameResultTooLarge       FrameResult = "too_large"
	FrameResultInvalidJSON    FrameResult = "invalid_json"
	FrameResultUnknownType    FrameResult = "unknown_type"
	FrameResultMissingField   FrameResult = "missing_field"
	FrameResultRateLimited    FrameResult = "rate_limited"
	FrameResultInvalidContent FrameResult = "invalid_content"
	FrameResultNotPaired      FrameResult = "not_paired"
	FrameResultQueueFull      FrameResult = "queue_full"
	FrameResultHandlerError   FrameResult = "handler_error"
)

type CloseReason string

const (
	CloseReasonClientClosed     CloseReason = "client_closed"
	CloseReasonHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseReasonReplaced         CloseReason = "replaced"
	CloseReasonReportThreshold  CloseReason = "report_threshold"
	CloseReasonAbuseBan         CloseReason = "abuse_ban"
	CloseReasonProtocolError    CloseReason = "protocol_error"
	CloseReasonServerShutdown   CloseReason = "server_shutdown"
)

type EnforcementKind string

const (
	EnforcementIPBan           EnforcementKind = "ip_ban"
	EnforcementWarning         EnforcementKind = "warning"
	EnforcementForceDisconnect EnforcementKind = "force_disconnect"
	EnforcementReportAccepted  EnforcementKind = "report_accepted"
)

// ChatObserver receives rendezvous-level metric events.
type ChatObserver interface {
	ConnCount(n int64)
	PairCount(n int)
	QueueLen(mode string, n int)
	QueueTimeout(mode string)
	Admission(result AdmissionResult, reason AdmissionReason)
	Frame(frameType string, result FrameResult)
	Match(mode string, wait time.Duration)
	Close(reason CloseReason)
	Enforcement(kind EnforcementKind)
}

type noopChatObserver struct{}

func (noopChatObserver) ConnCount(int64)                            {}
func (noopChatObserver) PairCount(int)                              {}
func (noopChatObserver) QueueLen(string, int)                       {}
func (noopChatObserver) QueueTimeout(string)                        {}
func (noopChatObserver) Admission(AdmissionResult, AdmissionReason) {}
func (noopChatObserver) Frame(string, FrameResult)                  {}
func (noopChatObserver) Match(string, time.Duration)                {}
func (noopChatObserver) Close(CloseReason)                          {}
func (noopChatObserver) Enforcement(EnforcementKind)                {}

// NoopChatObserver is a zero-cost observer used when metrics are disabled.
var NoopChatObserver ChatObserver = noopChatObserver{}
