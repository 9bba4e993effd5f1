package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rendezchat/rendez/chat/connection"
	"github.com/rendezchat/rendez/chat/pairing"
	"github.com/rendezchat/rendez/chat/queue"
	"github.com/rendezchat/rendez/chat/security"
	"github.com/rendezchat/rendez/chat/wire"
	"github.com/rendezchat/rendez/observability"
)

// ErrCloseConnection tells the read loop the transport must be closed with a
// protocol-error code. Every other handler failure is answered in-band.
var ErrCloseConnection = errors.New("close connection")

type Config struct {
	Logger   *slog.Logger               // Structured logger.
	Observer observability.ChatObserver // Optional metrics observer.

	Constraints wire.Constraints // Frame size limits.

	ReportBanThreshold int           // Reports against one user before an IP ban.
	ReportBanDuration  time.Duration // Ban length on the report threshold.
	SpamBanDuration    time.Duration // Ban length for detected spammers.
}

// DefaultConfig returns the production enforcement thresholds.
func DefaultConfig() Config {
	return Config{
		Constraints:        wire.DefaultConstraints(),
		ReportBanThreshold: 5,
		ReportBanDuration:  24 * time.Hour,
		SpamBanDuration:    time.Hour,
	}
}

// Router validates inbound frames and sequences every cross-manager state
// change. It is the only component that touches more than one manager.
type Router struct {
	cfg Config
	log *slog.Logger
	obs observability.ChatObserver

	conns *connection.Manager
	queue *queue.Manager
	pairs *pairing.Manager
	sec   *security.Manager

	// matchMu spans enqueue, match, pair creation, and the paired
	// notifications so no client observes a match before the pairing maps are
	// updated. Disconnect takes it for the same reason.
	matchMu sync.Mutex
}

// New wires the router to the four managers.
func New(cfg Config, conns *connection.Manager, qm *queue.Manager, pm *pairing.Manager, sm *security.Manager) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopChatObserver
	}
	def := DefaultConfig()
	if cfg.Constraints.MaxFrameBytes <= 0 {
		cfg.Constraints = def.Constraints
	}
	if cfg.ReportBanThreshold <= 0 {
		cfg.ReportBanThreshold = def.ReportBanThreshold
	}
	if cfg.ReportBanDuration <= 0 {
		cfg.ReportBanDuration = def.ReportBanDuration
	}
	if cfg.SpamBanDuration <= 0 {
		cfg.SpamBanDuration = def.SpamBanDuration
	}
	return &Router{
		cfg:   cfg,
		log:   cfg.Logger,
		obs:   cfg.Observer,
		conns: conns,
		queue: qm,
		pairs: pm,
		sec:   sm,
	}
}

// HandleFrame processes one inbound frame from a client. A non-nil error
// means the transport must be closed; recoverable failures are answered with
// in-band error frames and return nil.
func (r *Router) HandleFrame(c *connection.Client, data []byte) error {
	f, err := wire.ParseWithConstraints(data, r.cfg.Constraints)
	if err != nil {
		return r.handleParseError(c, err)
	}

	switch f.Type {
	case wire.TypeIdentify:
		r.handleIdentify(c, f)
	case wire.TypeJoinText, wire.TypeJoinVideo, wire.TypeJoinVoice:
		r.handleJoin(c, f)
	case wire.TypeTextMessage:
		r.handleTextMessage(c, f)
	case wire.TypeOffer, wire.TypeAnswer, wire.TypeICECandidate:
		r.handleSignalRelay(f)
	case wire.TypeTypingStart, wire.TypeTypingStop:
		r.handleTypingRelay(f)
	case wire.TypeReportUser:
		r.handleReport(c, f)
	case wire.TypeVideoRequest, wire.TypeVideoAccept, wire.TypeVideoDecline, wire.TypeVideoCancel:
		r.handleVideoRelay(f)
	case wire.TypeModeSwitchToVideo:
		r.handleModeSwitch(c, f)
	case wire.TypeDisconnect:
		r.obs.Frame(string(f.Type), observability.FrameResultOK)
		r.Disconnect(f.UserID)
	case wire.TypePing:
		// Transport-level pong keeps the heartbeat alive; nothing to do here.
		r.obs.Frame(string(f.Type), observability.FrameResultOK)
	}
	return nil
}

func (r *Router) handleParseError(c *connection.Client, err error) error {
	switch {
	case errors.Is(err, wire.ErrFrameTooLarge):
		r.obs.Frame("", observability.FrameResultTooLarge)
		r.conns.Send(c, wire.NewError("message too large"))
		return nil
	case errors.Is(err, wire.ErrInvalidJSON):
		// Undecodable bytes mean the peer is not speaking the protocol.
		r.obs.Frame("", observability.FrameResultInvalidJSON)
		r.obs.Close(observability.CloseReasonProtocolError)
		return fmt.Errorf("%w: %w", ErrCloseConnection, err)
	case errors.Is(err, wire.ErrMissingType), errors.Is(err, wire.ErrUnknownType):
		r.obs.Frame("", observability.FrameResultUnknownType)
		r.conns.Send(c, wire.NewError("unknown message type"))
		return nil
	case errors.Is(err, wire.ErrMissingField):
		r.obs.Frame("", observability.FrameResultMissingField)
		r.conns.Send(c, wire.NewError("missing required field"))
		return nil
	default:
		r.obs.Frame("", observability.FrameResultHandlerError)
		r.conns.Send(c, wire.NewError("invalid message"))
		return nil
	}
}

// handleIdentify binds the connection to the claimed user id and records the
// fingerprint sighting.
func (r *Router) handleIdentify(c *connection.Client, f *wire.Frame) {
	r.conns.Register(f.UserID, c)
	status := r.sec.TrackFingerprint(f.Fingerprint, f.UserID)
	if status.Suspicious {
		r.obs.Enforcement(observability.EnforcementWarning)
		r.conns.Send(c, wire.NewWarning(status.Reason))
		r.log.Warn("suspicious fingerprint identified", "userId", f.UserID)
	}
	r.obs.Frame(string(f.Type), observability.FrameResultOK)
	r.NotifyUserCount()
}

// handleJoin enqueues the user and tries to match, all under the matching
// critical section so the paired event is atomic.
func (r *Router) handleJoin(c *connection.Client, f *wire.Frame) {
	mode, _ := wire.JoinMode(f.Type)

	r.matchMu.Lock()
	defer r.matchMu.Unlock()

	if r.pairs.IsPaired(f.UserID) {
		r.obs.Frame(string(f.Type), observability.FrameResultHandlerError)
		r.conns.Send(c, wire.NewError("already paired"))
		return
	}
	if err := r.queue.Add(f.UserID, mode, 0); err != nil {
		r.obs.Frame(string(f.Type), observability.FrameResultQueueFull)
		r.conns.Send(c, wire.NewError("queue full, try again later"))
		return
	}
	match, ok := r.queue.Match(mode)
	if !ok {
		r.obs.Frame(string(f.Type), observability.FrameResultOK)
		r.conns.Send(c, wire.Waiting())
		return
	}
	if err := r.pairs.CreatePair(match.User1, match.User2, mode); err != nil {
		r.obs.Frame(string(f.Type), observability.FrameResultHandlerError)
		r.log.Error("pair creation failed", "user1", match.User1, "user2", match.User2, "error", err)
		r.conns.Send(c, wire.NewError("matching failed, try again"))
		return
	}

	// The longer waiter is the offerer; the role only matters for video.
	var offerer1, offerer2 *bool
	if mode == wire.ModeVideo {
		t, f2 := true, false
		offerer1, offerer2 = &t, &f2
	}
	r.conns.SendToUser(match.User1, wire.NewPaired(match.User2, offerer1))
	r.conns.SendToUser(match.User2, wire.NewPaired(match.User1, offerer2))
	r.obs.Frame(string(f.Type), observability.FrameResultOK)
	r.log.Info("pair created", "user1", match.User1, "user2", match.User2, "mode", mode, "wait", match.WaitTime)
}

func (r *Router) handleTextMessage(c *connection.Client, f *wire.Frame) {
	if !r.sec.CheckRateLimit(f.UserID, security.ActionMessage) {
		r.obs.Frame(string(f.Type), observability.FrameResultRateLimited)
		r.conns.Send(c, wire.NewError("rate limit exceeded, slow down"))
		return
	}
	filtered, err := r.sec.ValidateMessage(f.Message)
	if err != nil {
		r.obs.Frame(string(f.Type), observability.FrameResultInvalidContent)
		r.conns.Send(c, wire.NewError(messageRejection(err)))
		return
	}
	if !r.relayAllowed(f.UserID, f.TargetID) {
		r.obs.Frame(string(f.Type), observability.FrameResultNotPaired)
		r.log.Debug("dropping message to non-partner", "userId", f.UserID, "targetId", f.TargetID)
		return
	}
	r.sec.TrackUserAction(f.UserID, security.ActionMessage)
	r.pairs.IncrementMessageCount(f.UserID)
	r.conns.SendToUser(f.TargetID, wire.NewTextMessage(f.UserID, filtered))
	r.obs.Frame(string(f.Type), observability.FrameResultOK)
}

// handleSignalRelay copies an opaque offer/answer/candidate frame through to
// the sender's partner.
func (r *Router) handleSignalRelay(f *wire.Frame) {
	if !r.relayAllowed(f.UserID, f.TargetID) {
		r.obs.Frame(string(f.Type), observability.FrameResultNotPaired)
		r.log.Debug("dropping signal to non-partner", "type", f.Type, "userId", f.UserID, "targetId", f.TargetID)
		return
	}
	r.conns.SendToUser(f.TargetID, wire.Relay(f, f.UserID))
	r.obs.Frame(string(f.Type), observability.FrameResultOK)
}

func (r *Router) handleTypingRelay(f *wire.Frame) {
	if !r.relayAllowed(f.UserID, f.TargetID) {
		r.obs.Frame(string(f.Type), observability.FrameResultNotPaired)
		return
	}
	r.conns.SendToUser(f.TargetID, wire.NewFromNotice(f.Type, f.UserID))
	r.obs.Frame(string(f.Type), observability.FrameResultOK)
}

// handleReport records a report against a user and escalates to an IP ban at
// the threshold.
func (r *Router) handleReport(c *connection.Client, f *wire.Frame) {
	if !r.sec.CheckRateLimit(f.UserID, security.ActionReport) {
		r.obs.Frame(string(f.Type), observability.FrameResultRateLimited)
		r.conns.Send(c, wire.NewError("report limit exceeded"))
		return
	}
	r.sec.TrackUserAction(f.ReportedID, security.ActionReport)
	reports, attributed := r.sec.NoteReport(f.ReportedID)
	if !attributed {
		if snap, ok := r.sec.AbuseSnapshot(f.ReportedID); ok {
			reports = snap.ReportCount
		}
	}
	r.obs.Enforcement(observability.EnforcementReportAccepted)
	r.obs.Frame(string(f.Type), observability.FrameResultOK)
	r.log.Info("report accepted", "reporter", f.UserID, "reported", f.ReportedID, "reason", f.Reason, "count", reports)

	if reports < r.cfg.ReportBanThreshold {
		return
	}
	if info, ok := r.conns.InfoFor(f.ReportedID); ok {
		r.sec.BanIP(info.IP, r.cfg.ReportBanDuration, "Excessive reports")
	}
	r.sec.NoteBan(f.ReportedID)
	r.Disconnect(f.ReportedID)
	if r.conns.CloseWith(f.ReportedID, websocket.ClosePolicyViolation, "banned") {
		r.obs.Close(observability.CloseReasonReportThreshold)
		r.obs.Enforcement(observability.EnforcementForceDisconnect)
	}
	r.NotifyUserCount()
}

// handleVideoRelay passes the in-chat video negotiation messages through, but
// only between users that are actually paired with each other.
func (r *Router) handleVideoRelay(f *wire.Frame) {
	if !r.relayAllowed(f.From, f.To) {
		r.obs.Frame(string(f.Type), observability.FrameResultNotPaired)
		r.log.Debug("dropping video negotiation to non-partner", "type", f.Type, "from", f.From, "to", f.To)
		return
	}
	r.conns.SendToUser(f.To, wire.NewFromNotice(f.Type, f.From))
	r.obs.Frame(string(f.Type), observability.FrameResultOK)
}

// handleModeSwitch advances the two-step switch handshake; when both sides
// have opted in, each receives video-mode-ready with its elected role.
func (r *Router) handleModeSwitch(c *connection.Client, f *wire.Frame) {
	res, err := r.pairs.SwitchMode(f.UserID, f.PartnerID, wire.ModeVideo)
	if err != nil {
		r.obs.Frame(string(f.Type), observability.FrameResultNotPaired)
		r.log.Debug("mode switch rejected", "userId", f.UserID, "partnerId", f.PartnerID, "error", err)
		r.conns.Send(c, wire.NewError("mode switch unavailable"))
		return
	}
	r.obs.Frame(string(f.Type), observability.FrameResultOK)
	if !res.BothReady {
		return
	}
	// The initiator offered first and keeps the offerer role.
	r.conns.Send(c, wire.NewVideoModeReady(false, res.PartnerID))
	r.conns.SendToUser(res.PartnerID, wire.NewVideoModeReady(true, f.UserID))
}

// Disconnect runs the teardown sequence for a user: dequeue, abuse
// accounting, pair break, partner notification, and partner requeue. Safe to
// call whether the user's transport is still open or already gone.
func (r *Router) Disconnect(userID string) {
	r.matchMu.Lock()
	defer r.matchMu.Unlock()

	r.queue.Remove(userID)

	wasPaired := r.pairs.IsPaired(userID)
	if wasPaired {
		r.sec.TrackUserAction(userID, security.ActionSkip)
	}
	r.enforcePatterns(userID)

	res, ok := r.pairs.BreakPair(userID)
	if !ok {
		return
	}
	r.conns.SendToUser(res.PartnerID, wire.PartnerDisconnected())

	// Requeue the surviving partner in the session's mode.
	if _, alive := r.conns.Get(res.PartnerID); alive && res.Session.Mode != "" {
		if err := r.queue.Add(res.PartnerID, res.Session.Mode, 0); err != nil {
			r.log.Warn("partner requeue failed", "userId", res.PartnerID, "error", err)
			r.conns.SendToUser(res.PartnerID, wire.NewError("queue full, try again later"))
			return
		}
		r.conns.SendToUser(res.PartnerID, wire.Waiting())
	}
}

// enforcePatterns applies the escalation policy for detected abuse.
func (r *Router) enforcePatterns(userID string) {
	patterns := r.sec.DetectAbusePatterns(userID)
	if len(patterns) == 0 {
		return
	}
	ip := ""
	if info, ok := r.conns.InfoFor(userID); ok {
		ip = info.IP
	}
	for _, p := range patterns {
		switch p {
		case security.PatternHarasser:
			if ip != "" {
				r.sec.BanIP(ip, r.cfg.ReportBanDuration, "Harassment")
			}
			r.sec.NoteBan(userID)
			r.log.Warn("harasser detected", "userId", userID, "ip", ip)
		case security.PatternSpammer:
			if ip != "" {
				r.sec.BanIP(ip, r.cfg.SpamBanDuration, "Spamming")
			}
			r.sec.NoteBan(userID)
			if r.conns.CloseWith(userID, websocket.ClosePolicyViolation, "banned") {
				r.obs.Close(observability.CloseReasonAbuseBan)
				r.obs.Enforcement(observability.EnforcementForceDisconnect)
			}
			r.log.Warn("spammer detected", "userId", userID, "ip", ip)
		case security.PatternSkipAbuser:
			r.obs.Enforcement(observability.EnforcementWarning)
			r.conns.SendToUser(userID, wire.NewWarning("You are skipping partners too frequently"))
			r.log.Info("skip abuse detected", "userId", userID)
		}
	}
}

// NotifyUserCount broadcasts the live connection count to everyone.
func (r *Router) NotifyUserCount() {
	r.conns.Broadcast(wire.NewUserCount(r.conns.Count()))
}

// relayAllowed reports whether from and to are currently paired with each
// other, the guard for every pass-through message.
func (r *Router) relayAllowed(from, to string) bool {
	partner, ok := r.pairs.Partner(from)
	return ok && partner == to
}

func messageRejection(err error) string {
	switch {
	case errors.Is(err, security.ErrEmptyMessage):
		return "message empty"
	case errors.Is(err, security.ErrMessageTooLong):
		return "message too long"
	case errors.Is(err, security.ErrDangerousContent):
		return "message rejected"
	default:
		return "invalid message"
	}
}
