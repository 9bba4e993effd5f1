package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rendezchat/rendez/observability"
	"github.com/rendezchat/rendez/realtime/ws"
)

type Config struct {
	Clock    clockwork.Clock            // Time source for liveness bookkeeping.
	Logger   *slog.Logger               // Structured logger.
	Observer observability.ChatObserver // Optional metrics observer.

	HeartbeatInterval time.Duration // Liveness probe cadence.
	ConnectionTimeout time.Duration // Evict after this long without a pong.
	WriteTimeout      time.Duration // Per-frame write deadline.

	// OnEvict is invoked (in its own goroutine) after the heartbeat evicts a
	// bound connection, so the router can run its disconnect sequence.
	OnEvict func(userID string)
}

// DefaultConfig returns conservative defaults for the connection registry.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Client is one live websocket connection, bound to a user id after a valid
// identify frame. Writes are serialized through the client's write mutex.
type Client struct {
	conn *ws.Conn
	ip   string

	connectedAt time.Time

	mu         sync.Mutex
	userID     string
	lastPongAt time.Time
	alive      bool
	sentMsgs   int64
	recvMsgs   int64
	sentBytes  int64
	recvBytes  int64

	writeMu sync.Mutex
}

// IP reports the admission-time remote IP of the client.
func (c *Client) IP() string { return c.ip }

// UserID reports the bound user id, or "" before identify.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) bind(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *Client) markAlive(now time.Time) {
	c.mu.Lock()
	c.alive = true
	c.lastPongAt = now
	c.mu.Unlock()
}

// Info is a point-in-time view of one connection's metadata.
type Info struct {
	UserID      string
	IP          string
	ConnectedAt time.Time
	LastPongAt  time.Time
	Alive       bool
	SentMsgs    int64
	RecvMsgs    int64
	SentBytes   int64
	RecvBytes   int64
}

// Metrics aggregates delivery counters across the registry lifetime.
type Metrics struct {
	Active        int
	MessagesSent  int64
	MessagesRecvd int64
	BytesSent     int64
	BytesRecvd    int64
	Evictions     int64
}

// Manager owns every live client connection keyed by user id and runs the
// heartbeat that evicts silent peers.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock
	obs   observability.ChatObserver

	mu    sync.Mutex
	conns map[string]*Client

	sentMsgs  atomic.Int64
	recvMsgs  atomic.Int64
	sentBytes atomic.Int64
	recvBytes atomic.Int64
	evictions atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates config and starts the heartbeat loop.
func New(cfg Config) (*Manager, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopChatObserver
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		clock:  cfg.Clock,
		obs:    cfg.Observer,
		conns:  make(map[string]*Client),
		stopCh: make(chan struct{}),
	}
	go m.heartbeatLoop()
	return m, nil
}

// Close stops the heartbeat loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// NewClient wraps an upgraded websocket that has not yet identified. The pong
// handler keeps liveness fresh for the heartbeat.
func (m *Manager) NewClient(conn *ws.Conn, ip string) *Client {
	now := m.clock.Now()
	c := &Client{
		conn:        conn,
		ip:          ip,
		connectedAt: now,
		lastPongAt:  now,
		alive:       true,
	}
	conn.SetPongHandler(func(string) error {
		c.markAlive(m.clock.Now())
		return nil
	})
	return c
}

// Register binds a client to a user id. An existing connection for the same
// user is closed with a normal-closure code before the new one is installed.
func (m *Manager) Register(userID string, c *Client) {
	c.bind(userID)
	m.mu.Lock()
	prev := m.conns[userID]
	m.conns[userID] = c
	count := len(m.conns)
	m.mu.Unlock()

	if prev != nil && prev != c {
		_ = prev.conn.CloseWithStatus(websocket.CloseNormalClosure, "replaced by new connection")
		m.obs.Close(observability.CloseReasonReplaced)
	}
	m.obs.ConnCount(int64(count))
}

// Remove drops the user's connection from the registry and closes it if the
// given client is still the registered one. Passing nil removes whatever
// connection is registered.
func (m *Manager) Remove(userID string, c *Client) bool {
	m.mu.Lock()
	cur, ok := m.conns[userID]
	if !ok || (c != nil && cur != c) {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, userID)
	count := len(m.conns)
	m.mu.Unlock()

	_ = cur.conn.Close()
	m.obs.ConnCount(int64(count))
	return true
}

// Get returns the live connection for a user.
func (m *Manager) Get(userID string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[userID]
	return c, ok
}

// Count reports the number of registered connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Send serializes a payload and writes it to the client as one text frame.
// This is the single writer for the connection.
func (m *Manager) Send(c *Client, payload any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		m.log.Error("marshal outbound payload", "error", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(ctx, websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		return false
	}
	c.mu.Lock()
	c.sentMsgs++
	c.sentBytes += int64(len(b))
	c.mu.Unlock()
	m.sentMsgs.Add(1)
	m.sentBytes.Add(int64(len(b)))
	return true
}

// SendToUser delivers a payload to the user's registered connection; false
// when the connection is gone or the write fails.
func (m *Manager) SendToUser(userID string, payload any) bool {
	c, ok := m.Get(userID)
	if !ok {
		return false
	}
	return m.Send(c, payload)
}

// Broadcast best-effort delivers a payload to every registered connection.
func (m *Manager) Broadcast(payload any, exclude ...string) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	m.mu.Lock()
	targets := make([]*Client, 0, len(m.conns))
	for id, c := range m.conns {
		if _, ok := skip[id]; ok {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.Unlock()
	for _, c := range targets {
		m.Send(c, payload)
	}
}

// NoteInbound records one received frame and refreshes liveness; any inbound
// traffic counts as evidence the peer is alive.
func (m *Manager) NoteInbound(c *Client, n int) {
	now := m.clock.Now()
	c.mu.Lock()
	c.recvMsgs++
	c.recvBytes += int64(n)
	c.alive = true
	c.lastPongAt = now
	c.mu.Unlock()
	m.recvMsgs.Add(1)
	m.recvBytes.Add(int64(n))
}

// InfoFor snapshots one connection's metadata.
func (m *Manager) InfoFor(userID string) (Info, bool) {
	c, ok := m.Get(userID)
	if !ok {
		return Info{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		UserID:      c.userID,
		IP:          c.ip,
		ConnectedAt: c.connectedAt,
		LastPongAt:  c.lastPongAt,
		Alive:       c.alive,
		SentMsgs:    c.sentMsgs,
		RecvMsgs:    c.recvMsgs,
		SentBytes:   c.sentBytes,
		RecvBytes:   c.recvBytes,
	}, true
}

// MetricsSnapshot aggregates registry counters.
func (m *Manager) MetricsSnapshot() Metrics {
	return Metrics{
		Active:        m.Count(),
		MessagesSent:  m.sentMsgs.Load(),
		MessagesRecvd: m.recvMsgs.Load(),
		BytesSent:     m.sentBytes.Load(),
		BytesRecvd:    m.recvBytes.Load(),
		Evictions:     m.evictions.Load(),
	}
}

// CloseWith closes the user's connection with the given close code and drops
// it from the registry.
func (m *Manager) CloseWith(userID string, code int, reason string) bool {
	m.mu.Lock()
	c, ok := m.conns[userID]
	if ok {
		delete(m.conns, userID)
	}
	count := len(m.conns)
	m.mu.Unlock()
	if !ok {
		return false
	}
	_ = c.conn.CloseWithStatus(code, reason)
	m.obs.ConnCount(int64(count))
	return true
}

// Shutdown closes every registered connection with a going-away code.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Client, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Client)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.CloseWithStatus(websocket.CloseGoingAway, "server shutting down")
		m.obs.Close(observability.CloseReasonServerShutdown)
	}
	m.obs.ConnCount(0)
}

// heartbeatLoop probes every connection and evicts the silent ones.
func (m *Manager) heartbeatLoop() {
	t := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.Chan():
			m.heartbeat()
		}
	}
}

func (m *Manager) heartbeat() {
	now := m.clock.Now()

	type probe struct {
		userID string
		c      *Client
	}
	var toEvict []probe
	var toPing []probe

	m.mu.Lock()
	for id, c := range m.conns {
		c.mu.Lock()
		stale := !c.alive || now.Sub(c.lastPongAt) > m.cfg.ConnectionTimeout
		if !stale {
			c.alive = false
		}
		c.mu.Unlock()
		if stale {
			toEvict = append(toEvict, probe{userID: id, c: c})
		} else {
			toPing = append(toPing, probe{userID: id, c: c})
		}
	}
	for _, p := range toEvict {
		delete(m.conns, p.userID)
	}
	count := len(m.conns)
	m.mu.Unlock()

	for _, p := range toPing {
		if err := p.c.conn.Ping(now.Add(m.cfg.WriteTimeout)); err != nil {
			m.log.Debug("heartbeat ping failed", "userId", p.userID, "error", err)
		}
	}
	for _, p := range toEvict {
		m.evictions.Add(1)
		m.obs.Close(observability.CloseReasonHeartbeatTimeout)
		m.log.Info("evicting silent connection", "userId", p.userID, "ip", p.c.ip)
		_ = p.c.conn.Close()
		if m.cfg.OnEvict != nil {
			go m.cfg.OnEvict(p.userID)
		}
	}
	if len(toEvict) > 0 {
		m.obs.ConnCount(int64(count))
	}
}
