package led

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFaultChecker struct {
	faulty map[string]bool
}

func (f fakeFaultChecker) AnyFaulty(pciAddr string) bool { return f.faulty[pciAddr] }

func TestGetDefaultsToNA(t *testing.T) {
	m := NewManager(nil)
	require.Equal(t, StateNA, m.Get("0000:01:00.0"))
}

func TestSetThenGet(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Set("0000:01:00.0", StateOn, 0))
	require.Equal(t, StateOn, m.Get("0000:01:00.0"))
}

func TestSetRejectsExplicitNA(t *testing.T) {
	m := NewManager(nil)
	require.Error(t, m.Set("0000:01:00.0", StateNA, 0))
}

func TestResetResolvesToOnWhenFaulty(t *testing.T) {
	m := NewManager(fakeFaultChecker{faulty: map[string]bool{"0000:01:00.0": true}})
	require.NoError(t, m.Reset("0000:01:00.0"))
	require.Equal(t, StateOn, m.Get("0000:01:00.0"))
}

func TestResetResolvesToOffWhenHealthy(t *testing.T) {
	m := NewManager(fakeFaultChecker{faulty: map[string]bool{}})
	require.NoError(t, m.Reset("0000:01:00.0"))
	require.Equal(t, StateOff, m.Get("0000:01:00.0"))
}

func TestDoDispatchesActions(t *testing.T) {
	m := NewManager(fakeFaultChecker{faulty: map[string]bool{}})
	_, err := m.Do(ActionSet, "0000:01:00.0", StateSlowBlink, 0)
	require.NoError(t, err)
	got, err := m.Do(ActionGet, "0000:01:00.0", StateNA, 0)
	require.NoError(t, err)
	require.Equal(t, StateSlowBlink, got)

	_, err = m.Do(ActionReset, "0000:01:00.0", StateNA, 0)
	require.NoError(t, err)
	require.Equal(t, StateOff, m.Get("0000:01:00.0"))
}

func TestSweepClearsExpiredQuickBlink(t *testing.T) {
	m := NewManager(fakeFaultChecker{faulty: map[string]bool{}})
	require.NoError(t, m.Set("0000:01:00.0", StateQuickBlink, time.Millisecond))

	touched := m.sweepOnce(time.Now().Add(time.Hour))
	require.Equal(t, []string{"0000:01:00.0"}, touched)
	require.Equal(t, StateOff, m.Get("0000:01:00.0"), "expired quick-blink resets to off when healthy")
}

func TestSweepLeavesUnexpiredQuickBlinkAlone(t *testing.T) {
	m := NewManager(fakeFaultChecker{faulty: map[string]bool{}})
	require.NoError(t, m.Set("0000:01:00.0", StateQuickBlink, time.Hour))

	touched := m.sweepOnce(time.Now())
	require.Empty(t, touched)
	require.Equal(t, StateQuickBlink, m.Get("0000:01:00.0"))
}

func TestIndefiniteQuickBlinkNeverExpires(t *testing.T) {
	m := NewManager(fakeFaultChecker{faulty: map[string]bool{}})
	require.NoError(t, m.Set("0000:01:00.0", StateQuickBlink, 0))

	touched := m.sweepOnce(time.Now().Add(24 * time.Hour))
	require.Empty(t, touched, "zero duration means indefinite, not immediately expired")
}
