package pairing

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/rendezchat/rendez/chat/wire"
	"github.com/rendezchat/rendez/observability"
)

var (
	ErrSelfPair      = errors.New("cannot pair user with itself")
	ErrAlreadyPaired = errors.New("user already paired")
	ErrInvalidMode   = errors.New("invalid mode")
	ErrNotPaired     = errors.New("user not paired")
	ErrWrongPartner  = errors.New("partner mismatch")
)

type Config struct {
	Clock    clockwork.Clock            // Time source for session stamps.
	Logger   *slog.Logger               // Structured logger.
	Observer observability.ChatObserver // Optional metrics observer.

	ModeSwitchTimeout time.Duration // Pending mode-switch entries expire after this.
}

// DefaultConfig returns conservative defaults for the pairing manager.
func DefaultConfig() Config {
	return Config{ModeSwitchTimeout: 30 * time.Second}
}

// SwitchRecord captures one completed mode transition of a session.
type SwitchRecord struct {
	From wire.Mode
	To   wire.Mode
	At   time.Time
}

// Session is the record attached to a pair: mode, timing, counters, and the
// history of mode switches.
type Session struct {
	PairID        string
	User1         string
	User2         string
	Mode          wire.Mode
	StartedAt     time.Time
	MessageCount  int64
	SwitchHistory []SwitchRecord
}

// SwitchResult describes the outcome of one side of the mode-switch handshake.
type SwitchResult struct {
	IsOfferer bool
	BothReady bool
	Waiting   bool
	PartnerID string
}

// BreakResult returns what a broken pair looked like, for cleanup and metrics.
type BreakResult struct {
	PartnerID string
	Session   Session
}

// Manager owns the authoritative pair relation and per-pair sessions.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock
	obs   observability.ChatObserver

	mu       sync.Mutex
	pairs    map[string]string    // userID -> partnerID, symmetric.
	modes    map[string]wire.Mode // userID -> current mode.
	sessions map[string]*Session  // pairID -> session.

	// pending maps partnerID -> initiatorID for the two-step mode-switch
	// handshake; entries expire after ModeSwitchTimeout.
	pending *ttlcache.Cache[string, string]
}

// PairID forms the stable session identifier from the sorted pair of user ids.
func PairID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// New validates config and starts the pending-entry expirer.
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
	if cfg.ModeSwitchTimeout <= 0 {
		cfg.ModeSwitchTimeout = 30 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		obs:      cfg.Observer,
		pairs:    make(map[string]string),
		modes:    make(map[string]wire.Mode),
		sessions: make(map[string]*Session),
		pending: ttlcache.New(
			ttlcache.WithTTL[string, string](cfg.ModeSwitchTimeout),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
	go m.pending.Start()
	return m, nil
}

// Close stops the pending-entry expirer.
func (m *Manager) Close() {
	m.pending.Stop()
}

// CreatePair establishes the symmetric relation between two distinct users
// and opens their session.
func (m *Manager) CreatePair(user1, user2 string, mode wire.Mode) error {
	if user1 == user2 {
		return ErrSelfPair
	}
	if _, ok := wire.ParseMode(string(mode)); !ok {
		return ErrInvalidMode
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[user1]; ok {
		return ErrAlreadyPaired
	}
	if _, ok := m.pairs[user2]; ok {
		return ErrAlreadyPaired
	}
	m.pairs[user1] = user2
	m.pairs[user2] = user1
	m.modes[user1] = mode
	m.modes[user2] = mode
	pairID := PairID(user1, user2)
	m.sessions[pairID] = &Session{
		PairID:    pairID,
		User1:     user1,
		User2:     user2,
		Mode:      mode,
		StartedAt: m.clock.Now(),
	}
	m.obs.PairCount(len(m.sessions))
	return nil
}

// Partner returns the current partner of a user.
func (m *Manager) Partner(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[userID]
	return p, ok
}

// IsPaired reports whether a user is currently paired.
func (m *Manager) IsPaired(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pairs[userID]
	return ok
}

// UserMode returns the user's current session mode.
func (m *Manager) UserMode(userID string) (wire.Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[userID]
	return mode, ok
}

// SessionData snapshots the session of the user's current pair.
func (m *Manager) SessionData(userID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessionForLocked(userID)
	if !ok {
		return Session{}, false
	}
	return snapshot(s), true
}

// IncrementMessageCount bumps the message counter on the user's session.
func (m *Manager) IncrementMessageCount(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessionForLocked(userID); ok {
		s.MessageCount++
	}
}

// PairCount reports the number of active pairs.
func (m *Manager) PairCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// BreakPair atomically removes both sides of a relation, drops the session,
// and clears any mode-switch handshake touching either side.
func (m *Manager) BreakPair(userID string) (BreakResult, bool) {
	m.mu.Lock()
	partner, ok := m.pairs[userID]
	if !ok {
		m.mu.Unlock()
		return BreakResult{}, false
	}
	delete(m.pairs, userID)
	delete(m.pairs, partner)
	delete(m.modes, userID)
	delete(m.modes, partner)
	pairID := PairID(userID, partner)
	s := m.sessions[pairID]
	delete(m.sessions, pairID)
	pairCount := len(m.sessions)
	m.mu.Unlock()

	m.pending.Delete(userID)
	m.pending.Delete(partner)
	m.obs.PairCount(pairCount)

	res := BreakResult{PartnerID: partner}
	if s != nil {
		res.Session = snapshot(s)
	}
	return res, true
}

// SwitchMode advances the two-step mode-switch handshake.
//
// The first arrival records a pending entry keyed by the partner and becomes
// the offerer; the second arrival consumes the entry, flips to answerer, and
// completes the switch. A pending entry that expires before the second call
// simply restarts the handshake with roles swapped.
func (m *Manager) SwitchMode(userID, partnerID string, newMode wire.Mode) (SwitchResult, error) {
	if _, ok := wire.ParseMode(string(newMode)); !ok {
		return SwitchResult{}, ErrInvalidMode
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	actual, ok := m.pairs[userID]
	if !ok {
		return SwitchResult{}, ErrNotPaired
	}
	if actual != partnerID {
		return SwitchResult{}, ErrWrongPartner
	}

	if item := m.pending.Get(userID); item != nil && item.Value() == partnerID {
		// Second arrival: the partner already initiated this switch.
		m.pending.Delete(userID)
		s, ok := m.sessionForLocked(userID)
		if !ok {
			return SwitchResult{}, ErrNotPaired
		}
		from := s.Mode
		m.modes[userID] = newMode
		s.Mode = newMode
		s.SwitchHistory = append(s.SwitchHistory, SwitchRecord{From: from, To: newMode, At: m.clock.Now()})
		return SwitchResult{IsOfferer: false, BothReady: true, PartnerID: partnerID}, nil
	}

	// First arrival: record the handshake and wait for the partner.
	m.pending.Set(partnerID, userID, ttlcache.DefaultTTL)
	m.modes[userID] = newMode
	return SwitchResult{IsOfferer: true, BothReady: false, Waiting: true, PartnerID: partnerID}, nil
}

// SwitchPending reports whether a handshake is waiting on the given user.
func (m *Manager) SwitchPending(userID string) bool {
	return m.pending.Get(userID) != nil
}

func (m *Manager) sessionForLocked(userID string) (*Session, bool) {
	partner, ok := m.pairs[userID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[PairID(userID, partner)]
	return s, ok
}

func snapshot(s *Session) Session {
	out := *s
	out.SwitchHistory = append([]SwitchRecord(nil), s.SwitchHistory...)
	return out
}
