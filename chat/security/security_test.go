package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.Clock = clock
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, clock
}

func TestBanIP_LazyExpiry(t *testing.T) {
	m, clock := newTestManager(t, nil)
	m.BanIP("10.0.0.1", time.Hour, "testing")

	banned, reason := m.IsIPBanned("10.0.0.1")
	require.True(t, banned)
	assert.Equal(t, "testing", reason)

	clock.Advance(time.Hour + time.Second)
	banned, _ = m.IsIPBanned("10.0.0.1")
	assert.False(t, banned)
}

func TestUnbanIP(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.BanIP("10.0.0.1", time.Hour, "testing")
	m.UnbanIP("10.0.0.1")
	banned, _ := m.IsIPBanned("10.0.0.1")
	assert.False(t, banned)
}

func TestTrackIPConnection_WindowBoundary(t *testing.T) {
	m, clock := newTestManager(t, nil)
	for i := 0; i < 20; i++ {
		require.True(t, m.TrackIPConnection("10.0.0.2"), "connection %d", i+1)
	}
	assert.False(t, m.TrackIPConnection("10.0.0.2"), "21st connection in window")

	// Other IPs are unaffected.
	assert.True(t, m.TrackIPConnection("10.0.0.3"))

	// The window slides: after 60s the budget is back.
	clock.Advance(61 * time.Second)
	assert.True(t, m.TrackIPConnection("10.0.0.2"))
}

func TestCheckRateLimit_MessageBoundary(t *testing.T) {
	m, clock := newTestManager(t, nil)
	for i := 0; i < 30; i++ {
		require.True(t, m.CheckRateLimit("u1", ActionMessage), "message %d", i+1)
	}
	assert.False(t, m.CheckRateLimit("u1", ActionMessage), "31st message in window")
	assert.True(t, m.CheckRateLimit("u2", ActionMessage), "other user unaffected")

	clock.Advance(61 * time.Second)
	assert.True(t, m.CheckRateLimit("u1", ActionMessage))
}

func TestCheckRateLimit_PerActionBudgets(t *testing.T) {
	m, _ := newTestManager(t, nil)
	for i := 0; i < 3; i++ {
		require.True(t, m.CheckRateLimit("u1", ActionReport))
	}
	assert.False(t, m.CheckRateLimit("u1", ActionReport))

	// Report exhaustion does not touch the skip budget.
	assert.True(t, m.CheckRateLimit("u1", ActionSkip))
}

func TestTrackFingerprint_SuspiciousOnReports(t *testing.T) {
	m, _ := newTestManager(t, nil)
	status := m.TrackFingerprint("fp1", "u1")
	assert.False(t, status.Suspicious)

	for i := 0; i < 5; i++ {
		_, ok := m.NoteReport("u1")
		require.True(t, ok)
	}
	status = m.TrackFingerprint("fp1", "u2")
	assert.True(t, status.Suspicious)
	assert.Equal(t, "Multiple violations", status.Reason)
}

func TestTrackFingerprint_SuspiciousOnBans(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.TrackFingerprint("fp1", "u1")
	for i := 0; i < 3; i++ {
		m.NoteBan("u1")
	}
	status := m.TrackFingerprint("fp1", "u1")
	assert.True(t, status.Suspicious)
}

func TestNoteReport_SharedAcrossUserIDs(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.TrackFingerprint("fp1", "u1")
	m.TrackFingerprint("fp1", "u2")

	n, ok := m.NoteReport("u1")
	require.True(t, ok)
	assert.Equal(t, 1, n)
	n, ok = m.NoteReport("u2")
	require.True(t, ok)
	assert.Equal(t, 2, n, "reports aggregate on the shared fingerprint")
}

func TestDetectAbusePatterns_Spammer(t *testing.T) {
	m, clock := newTestManager(t, nil)
	for i := 0; i < 50; i++ {
		m.TrackUserAction("u1", ActionMessage)
	}
	// Under 10s of session the rate is not judged yet.
	assert.Empty(t, m.DetectAbusePatterns("u1"))

	clock.Advance(11 * time.Second)
	assert.Contains(t, m.DetectAbusePatterns("u1"), PatternSpammer)
}

func TestDetectAbusePatterns_SkipAbuserAndHarasser(t *testing.T) {
	m, _ := newTestManager(t, nil)
	for i := 0; i < 16; i++ {
		m.TrackUserAction("u1", ActionSkip)
	}
	for i := 0; i < 3; i++ {
		m.TrackUserAction("u1", ActionReport)
	}
	patterns := m.DetectAbusePatterns("u1")
	assert.Contains(t, patterns, PatternSkipAbuser)
	assert.Contains(t, patterns, PatternHarasser)
	assert.NotContains(t, patterns, PatternSpammer)
}

func TestCleanup_DropsStaleState(t *testing.T) {
	m, clock := newTestManager(t, func(c *Config) { c.CleanupInterval = time.Second })
	// Wait for the cleanup loop to register its ticker before advancing the clock.
	clock.BlockUntil(1)
	m.TrackIPConnection("10.0.0.9")
	m.TrackUserAction("u1", ActionMessage)

	clock.Advance(25 * time.Hour)
	require.Eventually(t, func() bool {
		_, ok := m.AbuseSnapshot("u1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	m.ipMu.Lock()
	_, ok := m.ipWindows["10.0.0.9"]
	m.ipMu.Unlock()
	assert.False(t, ok)
}

func TestTokenSurface(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	m, _ := newTestManager(t, func(c *Config) { c.TokenSecret = secret })

	tok, err := m.MintToken("u1", "fp1")
	require.NoError(t, err)
	p, err := m.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)

	disabled, _ := newTestManager(t, nil)
	_, err = disabled.MintToken("u1", "fp1")
	assert.ErrorIs(t, err, ErrTokenDisabled)
}

func TestEncrypt_PassThroughWhenDisabled(t *testing.T) {
	m, _ := newTestManager(t, nil)
	out, err := m.Encrypt("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestEncrypt_RoundTripWhenEnabled(t *testing.T) {
	key, err := NewRandomKey()
	require.NoError(t, err)
	m, _ := newTestManager(t, func(c *Config) { c.EncryptionKey = key })

	sealed, err := m.Encrypt("hello")
	require.NoError(t, err)
	assert.NotEqual(t, "hello", sealed)

	plain, err := m.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)
}

func TestRateShards_IndependentKeys(t *testing.T) {
	m, _ := newTestManager(t, nil)
	for i := 0; i < 100; i++ {
		user := fmt.Sprintf("user-%d", i)
		assert.True(t, m.CheckRateLimit(user, ActionMessage))
	}
}
