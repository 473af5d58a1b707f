// Package led implements the operator-facing device-LED management
// surface (spec.md §6 "Device LED management"): GET/SET/RESET actions
// over per-PCI-address VMD LED states, plus a periodic sweep that
// clears expired QUICK_BLINK identify requests. Grounded on the
// teacher's StartHealthPoller/StopHealthPoller periodic-goroutine idiom
// in internal/blobstore, generalized from a per-device health tick to a
// single sweep shared across every tracked PCI address.
package led

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/daos-stack/bioengine/internal/logging"
)

// Action is one of the three operator-facing LED verbs.
type Action int

const (
	ActionGet Action = iota
	ActionSet
	ActionReset
)

// State is a VMD LED state.
type State int

const (
	StateOff State = iota
	StateQuickBlink
	StateOn
	StateSlowBlink
	StateNA
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateQuickBlink:
		return "quick_blink"
	case StateOn:
		return "on"
	case StateSlowBlink:
		return "slow_blink"
	case StateNA:
		return "n/a"
	default:
		return "unknown"
	}
}

// FaultChecker reports whether any bdev behind a PCI address is
// currently FAULTY, used to resolve RESET. Wired to internal/smd's
// device table by whatever assembles the engine, kept as an interface
// here so this package never imports smd.
type FaultChecker interface {
	AnyFaulty(pciAddr string) bool
}

// Manager tracks one LED state per PCI address and sweeps expired
// QUICK_BLINK identify requests back to RESET.
type Manager struct {
	faults FaultChecker
	log    zerolog.Logger

	mu     sync.Mutex
	states map[string]State
	expiry map[string]time.Time

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

// NewManager creates a Manager with no PCI addresses tracked yet; a
// device appears the first time Get or Set is called for its address.
func NewManager(faults FaultChecker) *Manager {
	return &Manager{
		faults: faults,
		log:    logging.WithComponent("led"),
		states: map[string]State{},
		expiry: map[string]time.Time{},
	}
}

// Get returns pciAddr's current LED state, StateNA if never set.
func (m *Manager) Get(pciAddr string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pciAddr]
	if !ok {
		return StateNA
	}
	return s
}

// Set assigns pciAddr's LED state. duration is only meaningful for
// StateQuickBlink: a non-zero duration records an expiry deadline the
// sweep goroutine clears via an implicit Reset; zero means "indefinite."
func (m *Manager) Set(pciAddr string, state State, duration time.Duration) error {
	if state == StateNA {
		return fmt.Errorf("led: cannot explicitly set state n/a for %s", pciAddr)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[pciAddr] = state
	if state == StateQuickBlink && duration > 0 {
		m.expiry[pciAddr] = time.Now().Add(duration)
	} else {
		delete(m.expiry, pciAddr)
	}
	m.log.Debug().Str("pci_addr", pciAddr).Str("state", state.String()).Dur("duration", duration).Msg("led set")
	return nil
}

// Reset resolves to SET(ON) if any bdev behind pciAddr is FAULTY, else
// SET(OFF), per spec.md §6.
func (m *Manager) Reset(pciAddr string) error {
	if m.faults != nil && m.faults.AnyFaulty(pciAddr) {
		return m.Set(pciAddr, StateOn, 0)
	}
	return m.Set(pciAddr, StateOff, 0)
}

// Do dispatches a generic (action, state, duration) request the way an
// operator CLI or RPC handler receives it.
func (m *Manager) Do(action Action, pciAddr string, state State, duration time.Duration) (State, error) {
	switch action {
	case ActionGet:
		return m.Get(pciAddr), nil
	case ActionSet:
		return state, m.Set(pciAddr, state, duration)
	case ActionReset:
		return m.Get(pciAddr), m.Reset(pciAddr)
	default:
		return StateNA, fmt.Errorf("led: unknown action %d", action)
	}
}

// sweepOnce clears every expired QUICK_BLINK deadline via an implicit
// Reset, returning the addresses it touched (for tests).
func (m *Manager) sweepOnce(now time.Time) []string {
	m.mu.Lock()
	var expired []string
	for addr, deadline := range m.expiry {
		if !now.Before(deadline) {
			expired = append(expired, addr)
		}
	}
	m.mu.Unlock()

	for _, addr := range expired {
		if err := m.Reset(addr); err != nil {
			m.log.Warn().Err(err).Str("pci_addr", addr).Msg("implicit reset after quick-blink expiry failed")
		}
	}
	return expired
}

// StartSweep runs sweepOnce on interval until StopSweep is called or ctx
// is cancelled.
func (m *Manager) StartSweep(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel
	m.sweepWG.Add(1)
	go func() {
		defer m.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.sweepOnce(now)
			}
		}
	}()
}

// StopSweep stops the sweep goroutine and waits for it to exit.
func (m *Manager) StopSweep() {
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
	m.sweepWG.Wait()
}
