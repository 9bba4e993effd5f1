package security

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/rendezchat/rendez/controlplane/token"
	"github.com/rendezchat/rendez/observability"
)

// Action classifies rate-limited user activity.
type Action string

const (
	ActionMessage Action = "message"
	ActionSkip    Action = "skip"
	ActionReport  Action = "report"
)

// Pattern names one detected abuse behavior.
type Pattern string

const (
	PatternSpammer    Pattern = "spammer"
	PatternSkipAbuser Pattern = "skip_abuser"
	PatternHarasser   Pattern = "harasser"
)

// ErrTokenDisabled is returned from the token surface when no secret is set.
var ErrTokenDisabled = errors.New("token minting disabled")

// RateLimit is one sliding-window budget.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	Clock    clockwork.Clock            // Time source for every window and expiry.
	Logger   *slog.Logger               // Structured logger.
	Observer observability.ChatObserver // Optional metrics observer.

	TokenSecret []byte // Enables the token mint/verify surface when >= token.MinSecretLen bytes.

	MaxConnectionsPerIP int           // Admitted connections per IP per IPWindow.
	IPWindow            time.Duration // Sliding window for IP admission.
	BanDuration         time.Duration // Default ban length.

	MessageLimit RateLimit // Chat messages per user.
	SkipLimit    RateLimit // Skips per user.
	ReportLimit  RateLimit // Reports per user.

	MaxMessageLen int // Character cap on one chat message.

	FingerprintCapacity uint64        // Bound on the reputation store.
	FingerprintTTL      time.Duration // Reputation records expire this long after last touch.

	EncryptionKey []byte // Enables the AEAD helper when 32 bytes; nil = pass-through.

	CleanupInterval   time.Duration // Background sweep cadence.
	IPWindowIdleMax   time.Duration // Drop IP windows idle longer than this.
	AbuseRecordMaxAge time.Duration // Drop abuse records older than this.
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerIP: 20,
		IPWindow:            time.Minute,
		BanDuration:         24 * time.Hour,
		MessageLimit:        RateLimit{Limit: 30, Window: time.Minute},
		SkipLimit:           RateLimit{Limit: 10, Window: time.Minute},
		ReportLimit:         RateLimit{Limit: 3, Window: time.Hour},
		MaxMessageLen:       MaxMessageLen,
		FingerprintCapacity: 100_000,
		FingerprintTTL:      7 * 24 * time.Hour,
		CleanupInterval:     5 * time.Minute,
		IPWindowIdleMax:     time.Hour,
		AbuseRecordMaxAge:   24 * time.Hour,
	}
}

// BanRecord is one active IP ban.
type BanRecord struct {
	Until  time.Time
	Reason string
}

// FingerprintRecord aggregates reputation across user-id churn.
type FingerprintRecord struct {
	UserIDs   map[string]struct{}
	Reports   int
	Bans      int
	FirstSeen time.Time
}

// FingerprintStatus is the reputation verdict returned on each sighting.
type FingerprintStatus struct {
	Suspicious bool
	Reason     string
}

// AbuseRecord tracks one user's rolling session behavior.
type AbuseRecord struct {
	MessageCount int
	SkipCount    int
	ReportCount  int
	SessionStart time.Time
}

type ipWindow struct {
	times    []time.Time
	lastSeen time.Time
}

const rateShardCount = 16

type rateShard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// Manager is the admission and abuse enforcement surface. Rate windows are
// sharded by key so hot users do not serialize unrelated traffic.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock
	obs   observability.ChatObserver

	bans *ttlcache.Cache[string, BanRecord]

	ipMu      sync.Mutex
	ipWindows map[string]*ipWindow

	rateShards [rateShardCount]*rateShard

	fpMu         sync.Mutex
	fingerprints *ttlcache.Cache[string, *FingerprintRecord]
	userFp       map[string]string // userID -> fingerprint, for report/ban attribution.

	abuseMu sync.Mutex
	abuse   map[string]*AbuseRecord

	crypter *Crypter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates config, builds the stores, and starts the cleanup loop.
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
	def := DefaultConfig()
	if cfg.MaxConnectionsPerIP <= 0 {
		cfg.MaxConnectionsPerIP = def.MaxConnectionsPerIP
	}
	if cfg.IPWindow <= 0 {
		cfg.IPWindow = def.IPWindow
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = def.BanDuration
	}
	if cfg.MessageLimit.Limit <= 0 || cfg.MessageLimit.Window <= 0 {
		cfg.MessageLimit = def.MessageLimit
	}
	if cfg.SkipLimit.Limit <= 0 || cfg.SkipLimit.Window <= 0 {
		cfg.SkipLimit = def.SkipLimit
	}
	if cfg.ReportLimit.Limit <= 0 || cfg.ReportLimit.Window <= 0 {
		cfg.ReportLimit = def.ReportLimit
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = def.MaxMessageLen
	}
	if cfg.FingerprintCapacity == 0 {
		cfg.FingerprintCapacity = def.FingerprintCapacity
	}
	if cfg.FingerprintTTL <= 0 {
		cfg.FingerprintTTL = def.FingerprintTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.IPWindowIdleMax <= 0 {
		cfg.IPWindowIdleMax = def.IPWindowIdleMax
	}
	if cfg.AbuseRecordMaxAge <= 0 {
		cfg.AbuseRecordMaxAge = def.AbuseRecordMaxAge
	}

	m := &Manager{
		cfg:   cfg,
		log:   cfg.Logger,
		clock: cfg.Clock,
		obs:   cfg.Observer,
		bans: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, BanRecord](),
		),
		ipWindows: make(map[string]*ipWindow),
		fingerprints: ttlcache.New(
			ttlcache.WithTTL[string, *FingerprintRecord](cfg.FingerprintTTL),
			ttlcache.WithCapacity[string, *FingerprintRecord](cfg.FingerprintCapacity),
		),
		userFp: make(map[string]string),
		abuse:  make(map[string]*AbuseRecord),
		stopCh: make(chan struct{}),
	}
	for i := range m.rateShards {
		m.rateShards[i] = &rateShard{windows: make(map[string][]time.Time)}
	}
	if len(cfg.EncryptionKey) > 0 {
		c, err := NewCrypter(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		m.crypter = c
	}
	go m.bans.Start()
	go m.fingerprints.Start()
	go m.cleanupLoop()
	return m, nil
}

// Close stops the background stores and the cleanup loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.bans.Stop()
		m.fingerprints.Stop()
	})
}

// IsIPBanned reports whether the IP is under an active ban. Expiry is checked
// against the manager's clock in addition to the store's own TTL.
func (m *Manager) IsIPBanned(ip string) (bool, string) {
	item := m.bans.Get(ip)
	if item == nil {
		return false, ""
	}
	rec := item.Value()
	if !m.clock.Now().Before(rec.Until) {
		m.bans.Delete(ip)
		return false, ""
	}
	return true, rec.Reason
}

// BanIP bans the IP for the given duration, or BanDuration when zero.
func (m *Manager) BanIP(ip string, duration time.Duration, reason string) {
	if duration <= 0 {
		duration = m.cfg.BanDuration
	}
	until := m.clock.Now().Add(duration)
	m.bans.Set(ip, BanRecord{Until: until, Reason: reason}, duration)
	m.obs.Enforcement(observability.EnforcementIPBan)
	m.log.Info("ip banned", "ip", ip, "until", until, "reason", reason)
}

// UnbanIP lifts a ban.
func (m *Manager) UnbanIP(ip string) {
	m.bans.Delete(ip)
}

// TrackIPConnection admits or rejects one connection attempt against the
// sliding per-IP window. Admitted attempts are recorded.
func (m *Manager) TrackIPConnection(ip string) bool {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.IPWindow)

	m.ipMu.Lock()
	defer m.ipMu.Unlock()
	w := m.ipWindows[ip]
	if w == nil {
		w = &ipWindow{}
		m.ipWindows[ip] = w
	}
	w.times = trimWindow(w.times, cutoff)
	w.lastSeen = now
	if len(w.times) >= m.cfg.MaxConnectionsPerIP {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// CheckRateLimit trims the (user, action) window and admits the action when
// under budget, recording it. Returns false when the budget is exhausted.
func (m *Manager) CheckRateLimit(userID string, action Action) bool {
	limit := m.limitFor(action)
	now := m.clock.Now()
	cutoff := now.Add(-limit.Window)
	key := userID + "|" + string(action)

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	w := trimWindow(s.windows[key], cutoff)
	if len(w) >= limit.Limit {
		s.windows[key] = w
		return false
	}
	s.windows[key] = append(w, now)
	return true
}

// TrackFingerprint records a sighting of the fingerprint by a user id and
// returns the reputation verdict.
func (m *Manager) TrackFingerprint(fp, userID string) FingerprintStatus {
	m.fpMu.Lock()
	defer m.fpMu.Unlock()
	rec := m.fingerprintLocked(fp)
	rec.UserIDs[userID] = struct{}{}
	m.userFp[userID] = fp
	return verdict(rec)
}

// NoteReport increments the report count on the fingerprint seen for the
// user, returning the new count.
func (m *Manager) NoteReport(userID string) (int, bool) {
	m.fpMu.Lock()
	defer m.fpMu.Unlock()
	fp, ok := m.userFp[userID]
	if !ok {
		return 0, false
	}
	rec := m.fingerprintLocked(fp)
	rec.Reports++
	return rec.Reports, true
}

// NoteBan increments the ban count on the fingerprint seen for the user.
func (m *Manager) NoteBan(userID string) {
	m.fpMu.Lock()
	defer m.fpMu.Unlock()
	fp, ok := m.userFp[userID]
	if !ok {
		return
	}
	m.fingerprintLocked(fp).Bans++
}

// FingerprintFor returns the last fingerprint seen for a user id.
func (m *Manager) FingerprintFor(userID string) (string, bool) {
	m.fpMu.Lock()
	defer m.fpMu.Unlock()
	fp, ok := m.userFp[userID]
	return fp, ok
}

// ForgetUser drops the user's fingerprint attribution entry. Reputation
// records survive; only the userID mapping goes.
func (m *Manager) ForgetUser(userID string) {
	m.fpMu.Lock()
	delete(m.userFp, userID)
	m.fpMu.Unlock()
}

// TrackUserAction bumps the user's rolling abuse counters.
func (m *Manager) TrackUserAction(userID string, action Action) {
	m.abuseMu.Lock()
	defer m.abuseMu.Unlock()
	rec := m.abuse[userID]
	if rec == nil {
		rec = &AbuseRecord{SessionStart: m.clock.Now()}
		m.abuse[userID] = rec
	}
	switch action {
	case ActionMessage:
		rec.MessageCount++
	case ActionSkip:
		rec.SkipCount++
	case ActionReport:
		rec.ReportCount++
	}
}

// NoteReported bumps the reported-against counter used by harasser detection.
func (m *Manager) NoteReported(userID string) {
	m.TrackUserAction(userID, ActionReport)
}

// DetectAbusePatterns evaluates the user's rolling record.
func (m *Manager) DetectAbusePatterns(userID string) []Pattern {
	m.abuseMu.Lock()
	rec := m.abuse[userID]
	var snapshot AbuseRecord
	if rec != nil {
		snapshot = *rec
	}
	m.abuseMu.Unlock()
	if rec == nil {
		return nil
	}

	var out []Pattern
	dur := m.clock.Now().Sub(snapshot.SessionStart)
	if dur > 10*time.Second && float64(snapshot.MessageCount)/dur.Seconds() > 2 {
		out = append(out, PatternSpammer)
	}
	if snapshot.SkipCount > 15 {
		out = append(out, PatternSkipAbuser)
	}
	if snapshot.ReportCount >= 3 {
		out = append(out, PatternHarasser)
	}
	return out
}

// AbuseSnapshot returns a copy of the user's abuse record.
func (m *Manager) AbuseSnapshot(userID string) (AbuseRecord, bool) {
	m.abuseMu.Lock()
	defer m.abuseMu.Unlock()
	rec := m.abuse[userID]
	if rec == nil {
		return AbuseRecord{}, false
	}
	return *rec, true
}

// Encrypt wraps a message with the AEAD helper; pass-through when disabled.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if m.crypter == nil {
		return plaintext, nil
	}
	return m.crypter.Encrypt(plaintext)
}

// Decrypt unwraps an AEAD-sealed message; pass-through when disabled.
func (m *Manager) Decrypt(sealed string) (string, error) {
	if m.crypter == nil {
		return sealed, nil
	}
	return m.crypter.Decrypt(sealed)
}

// MintToken signs a short-lived bearer token for the user and fingerprint.
func (m *Manager) MintToken(userID, fingerprint string) (string, error) {
	if len(m.cfg.TokenSecret) == 0 {
		return "", ErrTokenDisabled
	}
	return token.Mint(m.cfg.TokenSecret, userID, fingerprint, m.clock.Now())
}

// MintRefreshToken signs the long-TTL refresh variant.
func (m *Manager) MintRefreshToken(userID, fingerprint string) (string, error) {
	if len(m.cfg.TokenSecret) == 0 {
		return "", ErrTokenDisabled
	}
	return token.MintRefresh(m.cfg.TokenSecret, userID, fingerprint, m.clock.Now())
}

// VerifyToken checks signature and expiry of a bearer token.
func (m *Manager) VerifyToken(tokenStr string) (token.Payload, error) {
	if len(m.cfg.TokenSecret) == 0 {
		return token.Payload{}, ErrTokenDisabled
	}
	return token.Verify(tokenStr, m.cfg.TokenSecret, token.VerifyOptions{Now: m.clock.Now()})
}

func (m *Manager) limitFor(action Action) RateLimit {
	switch action {
	case ActionSkip:
		return m.cfg.SkipLimit
	case ActionReport:
		return m.cfg.ReportLimit
	default:
		return m.cfg.MessageLimit
	}
}

func (m *Manager) shardFor(key string) *rateShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.rateShards[h.Sum32()%rateShardCount]
}

// fingerprintLocked returns the record for fp, creating it on first sight.
// Callers hold fpMu.
func (m *Manager) fingerprintLocked(fp string) *FingerprintRecord {
	if item := m.fingerprints.Get(fp); item != nil {
		return item.Value()
	}
	rec := &FingerprintRecord{
		UserIDs:   make(map[string]struct{}),
		FirstSeen: m.clock.Now(),
	}
	m.fingerprints.Set(fp, rec, ttlcache.DefaultTTL)
	return rec
}

func verdict(rec *FingerprintRecord) FingerprintStatus {
	if rec.Reports >= 5 || rec.Bans >= 3 {
		return FingerprintStatus{Suspicious: true, Reason: "Multiple violations"}
	}
	return FingerprintStatus{}
}

func trimWindow(w []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return w
	}
	return append(w[:0], w[i:]...)
}

// cleanupLoop drops idle IP windows, stale abuse records, and empty rate
// windows. Bans and fingerprints expire through their own stores.
func (m *Manager) cleanupLoop() {
	t := m.clock.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.Chan():
			m.cleanup()
		}
	}
}

func (m *Manager) cleanup() {
	now := m.clock.Now()

	m.ipMu.Lock()
	for ip, w := range m.ipWindows {
		if now.Sub(w.lastSeen) > m.cfg.IPWindowIdleMax {
			delete(m.ipWindows, ip)
		}
	}
	m.ipMu.Unlock()

	m.abuseMu.Lock()
	for id, rec := range m.abuse {
		if now.Sub(rec.SessionStart) > m.cfg.AbuseRecordMaxAge {
			delete(m.abuse, id)
		}
	}
	m.abuseMu.Unlock()

	maxWindow := m.cfg.MessageLimit.Window
	if m.cfg.SkipLimit.Window > maxWindow {
		maxWindow = m.cfg.SkipLimit.Window
	}
	if m.cfg.ReportLimit.Window > maxWindow {
		maxWindow = m.cfg.ReportLimit.Window
	}
	cutoff := now.Add(-maxWindow)
	for _, s := range m.rateShards {
		s.mu.Lock()
		for key, w := range s.windows {
			if len(w) == 0 || !w[len(w)-1].After(cutoff) {
				delete(s.windows, key)
			}
		}
		s.mu.Unlock()
	}
}
