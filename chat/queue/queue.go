package queue

import (
	"container/list"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rendezchat/rendez/chat/wire"
	"github.com/rendezchat/rendez/observability"
)

// ErrQueueFull signals that a tier reached MaxQueueSize.
var ErrQueueFull = errors.New("queue full")

type Config struct {
	Clock    clockwork.Clock            // Time source for enqueue stamps and sweeps.
	Logger   *slog.Logger               // Structured logger.
	Observer observability.ChatObserver // Optional metrics observer.

	MaxQueueSize    int           // Maximum entries per tier.
	QueueTimeout    time.Duration // Entries older than this are swept.
	SweepInterval   time.Duration // Background sweep cadence.
	PriorityEnabled bool          // Whether priority>0 routes to the priority tier.
}

// DefaultConfig returns conservative defaults for the matching queues.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:    10_000,
		QueueTimeout:    5 * time.Minute,
		SweepInterval:   time.Minute,
		PriorityEnabled: true,
	}
}

type entry struct {
	userID     string
	mode       wire.Mode
	priority   int
	enqueuedAt time.Time
}

type modeQueues struct {
	normal   *list.List // FIFO of *entry.
	priority *list.List // FIFO of *entry.
}

type indexRef struct {
	mode     wire.Mode
	priority bool
	elem     *list.Element
}

// Manager owns the per-mode FIFO matching queues with an optional priority
// tier. All operations run under one mutex so match decisions are serialized
// with adds and removes.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock
	obs   observability.ChatObserver

	mu       sync.Mutex
	queues   map[wire.Mode]*modeQueues
	index    map[string]indexRef
	timedOut int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Match describes a successful pairing decision. User1 is the longer waiter
// and becomes the offerer for modes that need one.
type Match struct {
	User1    string
	User2    string
	Mode     wire.Mode
	WaitTime time.Duration
}

// Status describes a user's current queue position.
type Status struct {
	Mode     wire.Mode
	Priority bool
	WaitTime time.Duration
}

// Stats is a point-in-time snapshot of queue sizes.
type Stats struct {
	Lengths  map[wire.Mode]int
	TimedOut int64
}

// New validates config and starts the timeout sweeper.
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
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10_000
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	m := &Manager{
		cfg:    cfg,
		log:    cfg.Logger,
		clock:  cfg.Clock,
		obs:    cfg.Observer,
		queues: make(map[wire.Mode]*modeQueues, 3),
		index:  make(map[string]indexRef),
		stopCh: make(chan struct{}),
	}
	for _, mode := range []wire.Mode{wire.ModeText, wire.ModeVideo, wire.ModeVoice} {
		m.queues[mode] = &modeQueues{normal: list.New(), priority: list.New()}
	}
	go m.sweepLoop()
	return m, nil
}

// Close stops the background sweeper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Add enqueues a user in the given mode. A user already present in any queue
// is moved rather than duplicated. Priority>0 routes to the priority tier
// when the tier is enabled.
func (m *Manager) Add(userID string, mode wire.Mode, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[userID]; ok {
		m.removeLocked(userID)
	}
	q := m.queues[mode]
	tier := q.normal
	usePriority := m.cfg.PriorityEnabled && priority > 0
	if usePriority {
		tier = q.priority
	}
	if tier.Len() >= m.cfg.MaxQueueSize {
		return ErrQueueFull
	}
	e := &entry{userID: userID, mode: mode, priority: priority, enqueuedAt: m.clock.Now()}
	elem := tier.PushBack(e)
	m.index[userID] = indexRef{mode: mode, priority: usePriority, elem: elem}
	m.obs.QueueLen(string(mode), m.lenLocked(mode))
	return nil
}

// Match pops the next two queued users for a mode, priority tier first.
// Returns false when fewer than two users are waiting.
func (m *Manager) Match(mode wire.Mode) (Match, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[mode]
	var e1, e2 *entry
	switch {
	case q.priority.Len() >= 2:
		e1 = m.popLocked(q.priority)
		e2 = m.popLocked(q.priority)
	case q.priority.Len() >= 1 && q.normal.Len() >= 1:
		e1 = m.popLocked(q.priority)
		e2 = m.popLocked(q.normal)
	case q.normal.Len() >= 2:
		e1 = m.popLocked(q.normal)
		e2 = m.popLocked(q.normal)
	default:
		return Match{}, false
	}

	if e1.userID == e2.userID {
		// Self-match is only possible after a buggy duplicate enqueue; put one
		// entry back at the head and surface the anomaly.
		m.pushFrontLocked(e1)
		m.log.Warn("self-match averted", "userId", e1.userID, "mode", mode)
		m.obs.QueueLen(string(mode), m.lenLocked(mode))
		return Match{}, false
	}

	now := m.clock.Now()
	wait := now.Sub(e1.enqueuedAt)
	if w2 := now.Sub(e2.enqueuedAt); w2 > wait {
		wait = w2
	}
	m.obs.QueueLen(string(mode), m.lenLocked(mode))
	m.obs.Match(string(mode), wait)
	return Match{User1: e1.userID, User2: e2.userID, Mode: mode, WaitTime: wait}, true
}

// Remove drops a user from whichever queue holds them.
func (m *Manager) Remove(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.index[userID]
	if !ok {
		return false
	}
	m.removeLocked(userID)
	m.obs.QueueLen(string(ref.mode), m.lenLocked(ref.mode))
	return true
}

// Lookup reports the queue position of a user, if any.
func (m *Manager) Lookup(userID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.index[userID]
	if !ok {
		return Status{}, false
	}
	e := ref.elem.Value.(*entry)
	return Status{
		Mode:     e.mode,
		Priority: ref.priority,
		WaitTime: m.clock.Now().Sub(e.enqueuedAt),
	}, true
}

// Len reports the combined length of both tiers for a mode.
func (m *Manager) Len(mode wire.Mode) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lenLocked(mode)
}

// Stats snapshots queue lengths and the timeout counter.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	lengths := make(map[wire.Mode]int, len(m.queues))
	for mode := range m.queues {
		lengths[mode] = m.lenLocked(mode)
	}
	return Stats{Lengths: lengths, TimedOut: m.timedOut}
}

func (m *Manager) lenLocked(mode wire.Mode) int {
	q := m.queues[mode]
	return q.normal.Len() + q.priority.Len()
}

func (m *Manager) popLocked(tier *list.List) *entry {
	elem := tier.Front()
	e := elem.Value.(*entry)
	tier.Remove(elem)
	delete(m.index, e.userID)
	return e
}

func (m *Manager) pushFrontLocked(e *entry) {
	q := m.queues[e.mode]
	tier := q.normal
	usePriority := m.cfg.PriorityEnabled && e.priority > 0
	if usePriority {
		tier = q.priority
	}
	elem := tier.PushFront(e)
	m.index[e.userID] = indexRef{mode: e.mode, priority: usePriority, elem: elem}
}

func (m *Manager) removeLocked(userID string) {
	ref, ok := m.index[userID]
	if !ok {
		return
	}
	q := m.queues[ref.mode]
	if ref.priority {
		q.priority.Remove(ref.elem)
	} else {
		q.normal.Remove(ref.elem)
	}
	delete(m.index, userID)
}

// sweepLoop periodically drops entries that outlived the queue timeout.
func (m *Manager) sweepLoop() {
	t := m.clock.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.Chan():
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []*entry
	for mode, q := range m.queues {
		for _, tier := range []*list.List{q.priority, q.normal} {
			for elem := tier.Front(); elem != nil; {
				next := elem.Next()
				e := elem.Value.(*entry)
				if now.Sub(e.enqueuedAt) > m.cfg.QueueTimeout {
					tier.Remove(elem)
					delete(m.index, e.userID)
					m.timedOut++
					expired = append(expired, e)
				}
				elem = next
			}
		}
		m.obs.QueueLen(string(mode), m.lenLocked(mode))
	}
	m.mu.Unlock()
	for _, e := range expired {
		m.obs.QueueTimeout(string(e.mode))
		m.log.Debug("queue entry timed out", "userId", e.userID, "mode", e.mode)
	}
}
