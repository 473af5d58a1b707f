package blobstore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daos-stack/bioengine/internal/config"
	"github.com/daos-stack/bioengine/internal/iostat"
)

func waitForState(t *testing.T, b *Blobstore, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("blobstore never reached state %s, stuck at %s", want, b.State())
}

func TestFullLifecycleTransitions(t *testing.T) {
	owner := NewOwner()
	defer owner.Shutdown()

	var faultyCalls, reintCalls atomic.Int32
	bs := New(owner, "dev0", Options{
		AutoFaulty: config.AutoFaulty{Enable: false},
		FaultyReaction: func() error {
			faultyCalls.Add(1)
			return nil
		},
		ReintReaction: func() error {
			reintCalls.Add(1)
			return nil
		},
	})

	require.Equal(t, StateSetup, bs.State())
	bs.MarkNormal()
	waitForState(t, bs, StateNormal)

	bs.TriggerFault("manual test fault")
	waitForState(t, bs, StateOut)
	require.Equal(t, int32(1), faultyCalls.Load())

	bs.Revive(true)
	waitForState(t, bs, StateNormal)
	require.Equal(t, int32(1), reintCalls.Load(), "replaced=true only runs the setup-phase reint reaction")

	bs.TriggerFault("second fault")
	waitForState(t, bs, StateOut)
	bs.SetTriggerReint(true)
	bs.Revive(false)
	waitForState(t, bs, StateNormal)
	require.Equal(t, int32(2), reintCalls.Load(), "armed triggerReint runs the post-normal reint reaction")
}

func TestTeardownWaitsForHoldingsToDrain(t *testing.T) {
	owner := NewOwner()
	defer owner.Shutdown()

	bs := New(owner, "dev1", Options{AutoFaulty: config.AutoFaulty{Enable: false}})
	bs.MarkNormal()
	waitForState(t, bs, StateNormal)

	bs.Hold()
	bs.TriggerFault("held dependent")

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateTeardown, bs.State(), "must not reach OUT while a dependent still holds it")

	bs.Release()
	waitForState(t, bs, StateOut)
}

func TestAutoFaultyTriggersOnErrorThreshold(t *testing.T) {
	owner := NewOwner()
	defer owner.Shutdown()

	stats := iostat.New()
	bs := New(owner, "dev2", Options{
		Stats:      stats,
		AutoFaulty: config.AutoFaulty{Enable: true, MaxIOErrs: 2, MaxCsumErrs: ^uint32(0)},
	})
	bs.MarkNormal()
	waitForState(t, bs, StateNormal)

	stats.RecordRead(0, false)
	stats.RecordRead(0, false)
	stats.RecordRead(0, false)

	bs.owner.SubmitWait(bs.CheckAutoFaulty)
	waitForState(t, bs, StateOut)
}

func TestFaultInjectorTriggersFault(t *testing.T) {
	owner := NewOwner()
	defer owner.Shutdown()

	bs := New(owner, "dev3", Options{
		AutoFaulty:    config.AutoFaulty{Enable: true, MaxIOErrs: ^uint32(0), MaxCsumErrs: ^uint32(0)},
		FaultInjector: func() bool { return true },
	})
	bs.MarkNormal()
	waitForState(t, bs, StateNormal)

	bs.owner.SubmitWait(bs.CheckAutoFaulty)
	waitForState(t, bs, StateOut)
}
