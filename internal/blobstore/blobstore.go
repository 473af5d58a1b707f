// Package blobstore implements the per-device blobstore state machine:
// NORMAL/FAULTY/TEARDOWN/OUT/SETUP, driven by an owner-worker message
// loop, plus the auto-faulty detector and health poller that feed it.
// Grounded on the teacher's Runner.ioLoop single-goroutine-per-resource
// model: every state transition and health tick runs as a closure
// submitted to one Owner inbox, so nothing here needs its own locking
// beyond the guard around reading the current state.
package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/daos-stack/bioengine/internal/config"
	"github.com/daos-stack/bioengine/internal/iostat"
	"github.com/daos-stack/bioengine/internal/logging"
)

// State is one node of the blobstore lifecycle.
type State int

const (
	StateSetup State = iota
	StateNormal
	StateFaulty
	StateTeardown
	StateOut
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateNormal:
		return "normal"
	case StateFaulty:
		return "faulty"
	case StateTeardown:
		return "teardown"
	case StateOut:
		return "out"
	default:
		return "unknown"
	}
}

// Owner is a single-goroutine message loop: every state transition and
// health-poll tick for the blobstores it owns runs serialized, in
// submission order, on this one goroutine.
type Owner struct {
	inbox chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewOwner starts the owner's message loop.
func NewOwner() *Owner {
	o := &Owner{inbox: make(chan func(), 64), done: make(chan struct{})}
	o.wg.Add(1)
	go o.loop()
	return o
}

func (o *Owner) loop() {
	defer o.wg.Done()
	for {
		select {
		case fn := <-o.inbox:
			fn()
		case <-o.done:
			// Drain anything already queued before exiting.
			for {
				select {
				case fn := <-o.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues fn to run on the owner goroutine and returns
// immediately (async, matching "message-passes to the owner worker").
func (o *Owner) Submit(fn func()) { o.inbox <- fn }

// SubmitWait enqueues fn and blocks until it has run.
func (o *Owner) SubmitWait(fn func()) {
	done := make(chan struct{})
	o.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// Shutdown stops accepting new work once everything already queued has
// drained.
func (o *Owner) Shutdown() {
	close(o.done)
	o.wg.Wait()
}

// Reaction is a drain/reattach callback invoked during a transition; it
// returns once its dependents have finished reacting.
type Reaction func() error

// PersistStateFunc records a state transition durably (normally
// internal/smd's DevSetState); optional.
type PersistStateFunc func(State) error

// Blobstore is one device's state machine plus the counters that drive
// its auto-faulty detector and health poller.
type Blobstore struct {
	Name   string
	owner  *Owner
	log    zerolog.Logger
	stats  *iostat.Stats
	telem  stateGauge
	config config.AutoFaulty

	mu           sync.Mutex
	state        State
	holdings     int
	triggerReint bool

	faultyReaction Reaction
	reintReaction  Reaction
	persist        PersistStateFunc
	faultInjector  func() bool

	baseReadErrs, baseWriteErrs, baseCsumErrs uint64

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

// stateGauge is the narrow subset of telemetry.Collector blobstore
// depends on, so tests need not construct a Prometheus registry.
type stateGauge interface {
	SetBlobstoreState(device string, state int)
}

// Options configures a new Blobstore.
type Options struct {
	Stats            *iostat.Stats
	AutoFaulty       config.AutoFaulty
	Telemetry        stateGauge
	FaultyReaction   Reaction
	ReintReaction    Reaction
	PersistState     PersistStateFunc
	FaultInjector    func() bool
}

// New creates a Blobstore in SETUP state, owned by owner.
func New(owner *Owner, name string, opts Options) *Blobstore {
	return &Blobstore{
		Name:           name,
		owner:          owner,
		log:            logging.WithComponent("blobstore").With().Str("device", name).Logger(),
		stats:          opts.Stats,
		telem:          opts.Telemetry,
		config:         opts.AutoFaulty,
		state:          StateSetup,
		faultyReaction: opts.FaultyReaction,
		reintReaction:  opts.ReintReaction,
		persist:        opts.PersistState,
		faultInjector:  opts.FaultInjector,
	}
}

// State returns the current state.
func (b *Blobstore) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Blobstore) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	if s == StateNormal {
		b.resetAutoFaultyBaseline()
	}
	if b.telem != nil {
		b.telem.SetBlobstoreState(b.Name, int(s))
	}
	if b.persist != nil {
		if err := b.persist(s); err != nil {
			b.log.Warn().Err(err).Str("state", s.String()).Msg("failed to persist blobstore state")
		}
	}
	b.log.Info().Str("state", s.String()).Msg("blobstore state transition")
}

// Hold/Release track dependents that must drain before TEARDOWN can
// proceed to OUT ("proceeds only when holdings == 0").
func (b *Blobstore) Hold() {
	b.mu.Lock()
	b.holdings++
	b.mu.Unlock()
}

func (b *Blobstore) Release() {
	b.mu.Lock()
	if b.holdings > 0 {
		b.holdings--
	}
	b.mu.Unlock()
}

func (b *Blobstore) holdingsZero() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holdings == 0
}

// TriggerFault posts a NORMAL->FAULTY transition to the owner, then
// chains FAULTY->TEARDOWN->OUT once the registered reactions finish.
// reason is logged as the RAS-equivalent event description.
func (b *Blobstore) TriggerFault(reason string) {
	b.owner.Submit(func() {
		if b.State() != StateNormal {
			return
		}
		b.setState(StateFaulty)
		b.log.Error().Str("reason", reason).Msg("device declared faulty")
		b.runFaultyReaction()
	})
}

func (b *Blobstore) runFaultyReaction() {
	var err error
	if b.faultyReaction != nil {
		err = b.faultyReaction()
	}
	if err != nil {
		b.log.Warn().Err(err).Msg("faulty reaction did not complete cleanly; state machine will not advance")
		return
	}
	b.setState(StateTeardown)
	b.runTeardown()
}

func (b *Blobstore) runTeardown() {
	// "Proceeds only when holdings == 0" — dependents release
	// asynchronously from arbitrary goroutines, so re-post the check to
	// the owner instead of sleeping inline: the owner loop is shared by
	// every blobstore and must never be parked waiting on one of them.
	if !b.holdingsZero() {
		time.AfterFunc(time.Millisecond, func() { b.owner.Submit(b.runTeardown) })
		return
	}
	b.setState(StateOut)
}

// Revive posts an OUT->SETUP->NORMAL transition, as triggered by a
// device hot-plug or an admin revive request. replaced indicates the
// underlying SSD was swapped, which routes through reintReaction
// instead of eagerly reopening blobs.
func (b *Blobstore) Revive(replaced bool) {
	b.owner.Submit(func() {
		if b.State() != StateOut {
			return
		}
		b.setState(StateSetup)
		if replaced && b.reintReaction != nil {
			if err := b.reintReaction(); err != nil {
				b.log.Warn().Err(err).Msg("reint reaction failed, staying in setup")
				return
			}
		}
		b.setState(StateNormal)
		if b.triggerReint && b.reintReaction != nil {
			if err := b.reintReaction(); err != nil {
				b.log.Warn().Err(err).Msg("post-normal reint reaction failed")
			}
			b.triggerReint = false
		}
	})
}

// SetTriggerReint arms a one-shot reint reaction to fire the next time
// this blobstore reaches NORMAL.
func (b *Blobstore) SetTriggerReint(v bool) {
	b.mu.Lock()
	b.triggerReint = v
	b.mu.Unlock()
}

// MarkNormal is used by the initial SETUP->NORMAL transition at
// startup (no revive involved).
func (b *Blobstore) MarkNormal() {
	b.owner.Submit(func() {
		if b.State() != StateSetup {
			return
		}
		b.setState(StateNormal)
	})
}

// CheckAutoFaulty runs the detector: declares FAULTY if read+write
// errors or checksum errors since the last NORMAL transition exceed
// the configured thresholds, or the fault injector matches.
func (b *Blobstore) CheckAutoFaulty() {
	if !b.config.Enable {
		return
	}
	var ioErrs, csumErrs uint64
	if b.stats != nil {
		snap := b.stats.Snapshot()
		ioErrs = (snap.ReadErrors - b.baseReadErrs) + (snap.WriteErrors - b.baseWriteErrs)
		csumErrs = snap.ChecksumErrors - b.baseCsumErrs
	}

	injected := b.faultInjector != nil && b.faultInjector()
	switch {
	case ioErrs > uint64(b.config.MaxIOErrs):
		b.TriggerFault(fmt.Sprintf("io error count %d exceeds threshold %d", ioErrs, b.config.MaxIOErrs))
	case csumErrs > uint64(b.config.MaxCsumErrs):
		b.TriggerFault(fmt.Sprintf("checksum error count %d exceeds threshold %d", csumErrs, b.config.MaxCsumErrs))
	case injected:
		b.TriggerFault("fault injection point matched")
	}
}

// resetAutoFaultyBaseline is called whenever the blobstore re-enters
// NORMAL, so error counts accumulated before this point don't
// immediately re-trip the detector.
func (b *Blobstore) resetAutoFaultyBaseline() {
	if b.stats == nil {
		return
	}
	snap := b.stats.Snapshot()
	b.baseReadErrs = snap.ReadErrors
	b.baseWriteErrs = snap.WriteErrors
	b.baseCsumErrs = snap.ChecksumErrors
}

// StartHealthPoller runs the owner-worker periodic health/auto-faulty
// tick: 60s while NORMAL/OUT, 3s in any other (transitional) state,
// skipped entirely when bypassHealthCollect is set.
func (b *Blobstore) StartHealthPoller(ctx context.Context, bypassHealthCollect bool) {
	if bypassHealthCollect {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollWG.Add(1)
	go func() {
		defer b.pollWG.Done()
		for {
			interval := 3 * time.Second
			if s := b.State(); s == StateNormal || s == StateOut {
				interval = 60 * time.Second
			}
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				b.owner.Submit(b.CheckAutoFaulty)
			}
		}
	}()
}

// StopHealthPoller stops the poller goroutine and waits for it to exit.
func (b *Blobstore) StopHealthPoller() {
	if b.pollCancel != nil {
		b.pollCancel()
	}
	b.pollWG.Wait()
}
