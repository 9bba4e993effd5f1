package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rendezchat/rendez/chat/connection"
	"github.com/rendezchat/rendez/chat/pairing"
	"github.com/rendezchat/rendez/chat/queue"
	"github.com/rendezchat/rendez/chat/router"
	"github.com/rendezchat/rendez/chat/security"
	"github.com/rendezchat/rendez/chat/wire"
	"github.com/rendezchat/rendez/observability"
	"github.com/rendezchat/rendez/realtime/ws"
)

type Config struct {
	Clock    clockwork.Clock            // Time source for uptime reporting.
	Logger   *slog.Logger               // Structured logger.
	Observer observability.ChatObserver // Optional metrics observer.

	AllowedOrigins []string // Origin allow-list for upgrades; empty allows all.
	MaxFrameBytes  int      // Inbound frame cap enforced by the router.

	ReadBufferSize  int // Websocket upgrader read buffer.
	WriteBufferSize int // Websocket upgrader write buffer.
}

// DefaultConfig returns the production admission settings.
func DefaultConfig() Config {
	return Config{MaxFrameBytes: wire.DefaultConstraints().MaxFrameBytes}
}

// Server is the admission front: it screens upgrade attempts against the
// security manager, upgrades admitted ones, and pumps frames into the router.
type Server struct {
	cfg   Config
	log   *slog.Logger
	obs   observability.ChatObserver
	clock clockwork.Clock

	conns  *connection.Manager
	queues *queue.Manager
	pairs  *pairing.Manager
	sec    *security.Manager
	router *router.Router

	checkOrigin func(r *http.Request) bool
	startedAt   time.Time
	closed      atomic.Bool
}

// New composes the admission front over the managers and the router.
func New(cfg Config, conns *connection.Manager, qm *queue.Manager, pm *pairing.Manager, sm *security.Manager, rt *router.Router) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopChatObserver
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = wire.DefaultConstraints().MaxFrameBytes
	}
	var checkOrigin func(r *http.Request) bool
	if len(cfg.AllowedOrigins) > 0 {
		checkOrigin = ws.NewOriginChecker(cfg.AllowedOrigins, true)
	} else {
		// Anonymous public service: any origin, including non-browser clients.
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg:         cfg,
		log:         cfg.Logger,
		obs:         cfg.Observer,
		clock:       cfg.Clock,
		conns:       conns,
		queues:      qm,
		pairs:       pm,
		sec:         sm,
		router:      rt,
		checkOrigin: checkOrigin,
		startedAt:   cfg.Clock.Now(),
	}
}

// Register mounts the websocket endpoint and the health endpoint.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
}

// Shutdown stops admitting upgrades and closes every live connection.
func (s *Server) Shutdown() {
	s.closed.Store(true)
	s.conns.Shutdown()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ip := clientIP(r)
	if banned, reason := s.sec.IsIPBanned(ip); banned {
		s.obs.Admission(observability.AdmissionResultFail, observability.AdmissionReasonIPBanned)
		s.log.Info("rejecting banned ip", "ip", ip, "reason", reason)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.sec.TrackIPConnection(ip) {
		s.obs.Admission(observability.AdmissionResultFail, observability.AdmissionReasonIPRateLimited)
		s.log.Info("rejecting ip over connection rate", "ip", ip)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	})
	if err != nil {
		s.obs.Admission(observability.AdmissionResultFail, observability.AdmissionReasonUpgradeError)
		s.log.Debug("upgrade failed", "ip", ip, "error", err)
		return
	}
	s.obs.Admission(observability.AdmissionResultOK, observability.AdmissionReasonOK)

	// Double the frame cap so an oversized frame is read, answered with an
	// in-band error, and the connection survives; only grossly oversized
	// frames kill the read.
	conn.SetReadLimit(int64(2 * s.cfg.MaxFrameBytes))

	client := s.conns.NewClient(conn, ip)
	go s.readLoop(client, conn)
}

// readLoop pumps frames for one connection until it closes, then runs the
// disconnect sequence if this connection is still the registered one for its
// user. Replaced and evicted connections are torn down elsewhere.
func (s *Server) readLoop(client *connection.Client, conn *ws.Conn) {
	ctx := context.Background()
	for {
		_, data, err := conn.ReadMessage(ctx)
		if err != nil {
			break
		}
		s.conns.NoteInbound(client, len(data))
		if err := s.router.HandleFrame(client, data); err != nil {
			s.log.Debug("closing connection", "ip", client.IP(), "error", err)
			_ = conn.CloseWithStatus(websocket.CloseProtocolError, "malformed frame")
			break
		}
	}

	userID := client.UserID()
	if userID == "" {
		_ = conn.Close()
		return
	}
	if cur, ok := s.conns.Get(userID); ok && cur == client {
		s.router.Disconnect(userID)
		s.conns.Remove(userID, client)
		s.obs.Close(observability.CloseReasonClientClosed)
		s.router.NotifyUserCount()
	}
}

type healthResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Connections   int            `json:"connections"`
	Pairs         int            `json:"pairs"`
	Queues        map[string]int `json:"queues"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.queues.Stats()
	queues := make(map[string]int, len(stats.Lengths))
	for mode, n := range stats.Lengths {
		queues[string(mode)] = n
	}
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: s.clock.Now().Sub(s.startedAt).Seconds(),
		Connections:   s.conns.Count(),
		Pairs:         s.pairs.PairCount(),
		Queues:        queues,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// clientIP extracts the remote IP, honoring proxy headers in order: the first
// X-Forwarded-For entry, then X-Real-IP, then the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
