package pairing

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rendezchat/rendez/chat/wire"
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

func TestCreatePair_Symmetric(t *testing.T) {
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.CreatePair("a", "b", wire.ModeText))

	pa, ok := m.Partner("a")
	require.True(t, ok)
	pb, ok2 := m.Partner("b")
	require.True(t, ok2)
	assert.Equal(t, "b", pa)
	assert.Equal(t, "a", pb)
	assert.Equal(t, 1, m.PairCount())

	mode, ok := m.UserMode("a")
	require.True(t, ok)
	assert.Equal(t, wire.ModeText, mode)
}

func TestCreatePair_Rejections(t *testing.T) {
	m, _ := newTestManager(t, nil)
	assert.ErrorIs(t, m.CreatePair("a", "a", wire.ModeText), ErrSelfPair)
	assert.ErrorIs(t, m.CreatePair("a", "b", wire.Mode("smoke")), ErrInvalidMode)

	require.NoError(t, m.CreatePair("a", "b", wire.ModeText))
	assert.ErrorIs(t, m.CreatePair("a", "c", wire.ModeText), ErrAlreadyPaired)
	assert.ErrorIs(t, m.CreatePair("c", "b", wire.ModeText), ErrAlreadyPaired)
}

func TestBreakPair_RestoresUnpairedState(t *testing.T) {
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.CreatePair("a", "b", wire.ModeVoice))

	res, ok := m.BreakPair("a")
	require.True(t, ok)
	assert.Equal(t, "b", res.PartnerID)
	assert.Equal(t, wire.ModeVoice, res.Session.Mode)

	assert.False(t, m.IsPaired("a"))
	assert.False(t, m.IsPaired("b"))
	_, ok = m.UserMode("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.PairCount())

	// Both users can pair again immediately.
	require.NoError(t, m.CreatePair("a", "b", wire.ModeText))
}

func TestBreakPair_NotPaired(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, ok := m.BreakPair("ghost")
	assert.False(t, ok)
}

func TestSessionData_TracksMessages(t *testing.T) {
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.CreatePair("a", "b", wire.ModeText))
	m.IncrementMessageCount("a")
	m.IncrementMessageCount("b")
	m.IncrementMessageCount("a")

	s, ok := m.SessionData("b")
	require.True(t, ok)
	assert.EqualValues(t, 3, s.MessageCount)
	assert.Equal(t, PairID("a", "b"), s.PairID)
}

func TestPairID_Sorted(t *testing.T) {
	assert.Equal(t, PairID("a", "b"), PairID("b", "a"))
}

func TestSwitchMode_TwoStepHandshake(t *testing.T) {
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.CreatePair("a", "b", wire.ModeText))

	res, err := m.SwitchMode("a", "b", wire.ModeVideo)
	require.NoError(t, err)
	assert.True(t, res.IsOfferer)
	assert.True(t, res.Waiting)
	assert.False(t, res.BothReady)
	assert.True(t, m.SwitchPending("b"))

	res, err = m.SwitchMode("b", "a", wire.ModeVideo)
	require.NoError(t, err)
	assert.False(t, res.IsOfferer)
	assert.True(t, res.BothReady)
	assert.Equal(t, "a", res.PartnerID)
	assert.False(t, m.SwitchPending("b"))

	s, ok := m.SessionData("a")
	require.True(t, ok)
	assert.Equal(t, wire.ModeVideo, s.Mode)
	require.Len(t, s.SwitchHistory, 1)
	assert.Equal(t, wire.ModeText, s.SwitchHistory[0].From)
	assert.Equal(t, wire.ModeVideo, s.SwitchHistory[0].To)
}

func TestSwitchMode_Rejections(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.SwitchMode("a", "b", wire.ModeVideo)
	assert.ErrorIs(t, err, ErrNotPaired)

	require.NoError(t, m.CreatePair("a", "b", wire.ModeText))
	_, err = m.SwitchMode("a", "c", wire.ModeVideo)
	assert.ErrorIs(t, err, ErrWrongPartner)

	_, err = m.SwitchMode("a", "b", wire.Mode("smoke"))
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestSwitchMode_PendingExpires(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.ModeSwitchTimeout = 20 * time.Millisecond })
	require.NoError(t, m.CreatePair("a", "b", wire.ModeText))

	_, err := m.SwitchMode("a", "b", wire.ModeVideo)
	require.NoError(t, err)

	// The pending store expires on wall-clock time.
	require.Eventually(t, func() bool { return !m.SwitchPending("b") }, time.Second, 5*time.Millisecond)

	// A later call from b starts a fresh handshake with roles swapped.
	res, err := m.SwitchMode("b", "a", wire.ModeVideo)
	require.NoError(t, err)
	assert.True(t, res.IsOfferer)
	assert.True(t, res.Waiting)
}

func TestBreakPair_ClearsPendingSwitch(t *testing.T) {
	m, _ := newTestManager(t, nil)
	require.NoError(t, m.CreatePair("a", "b", wire.ModeText))
	_, err := m.SwitchMode("a", "b", wire.ModeVideo)
	require.NoError(t, err)
	require.True(t, m.SwitchPending("b"))

	_, ok := m.BreakPair("a")
	require.True(t, ok)
	assert.False(t, m.SwitchPending("b"))
}
