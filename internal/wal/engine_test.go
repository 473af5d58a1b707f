package wal

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daos-stack/bioengine/internal/blobio"
	"github.com/daos-stack/bioengine/internal/device"
	"github.com/daos-stack/bioengine/internal/device/filedev"
	"github.com/daos-stack/bioengine/internal/dma"
	"github.com/daos-stack/bioengine/internal/iod"
	"github.com/daos-stack/bioengine/internal/iostat"
)

const testBlockBytes = 4096

var errTestInjected = errors.New("test injected failure")

func newTestEngineSized(t *testing.T, opts Options, blobBytes uint64) (*Engine, *blobio.Context) {
	t.Helper()
	drv := filedev.New(testBlockBytes, 32*1024*1024, 2)
	t.Cleanup(drv.Shutdown)

	id, err := drv.CreateBlob(context.Background(), blobBytes, 0)
	require.NoError(t, err)

	pool, err := dma.New(dma.Options{MaxChunks: 8})
	require.NoError(t, err)

	stats := iostat.New()
	bc, err := blobio.Open(context.Background(), drv, id, blobio.Options{Pool: pool, ChunkType: dma.TypeIO, Stats: stats})
	require.NoError(t, err)
	t.Cleanup(func() { bc.Close(context.Background()) })

	if opts.Stats == nil {
		opts.Stats = stats
	}
	e := NewEngine(bc, opts)
	// totBlks must leave e.totBlks (totBlks-1, header block excluded) safely
	// above WalMaxTransBlks or Reserve/Commit deadlock waiting for headroom.
	require.NoError(t, e.Format(context.Background(), 0xdeadbeef, blobBytes/testBlockBytes, false))
	return e, bc
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *blobio.Context) {
	// The blob must comfortably clear WalMaxTransBlks blocks of headroom
	// (Reserve/Commit block until free_blks >= WalMaxTransBlks), so size
	// it well above that regardless of block count used by any one test.
	return newTestEngineSized(t, opts, 16*1024*1024)
}

// reopen builds a second engine over the same WAL blob and loads the
// flushed on-disk header, the same view a process restart would see.
func reopen(t *testing.T, bc *blobio.Context, opts Options) *Engine {
	t.Helper()
	e := NewEngine(bc, opts)
	require.NoError(t, e.Open(context.Background()))
	return e
}

func mkActions() []Action {
	return []Action{
		{Type: ActionCopy, Off: 10, Len: 5, Payload: []byte("hello")},
		{Type: ActionCopyPtr, Off: 20, Len: 4, Payload: []byte("ptrv")},
		{Type: ActionAssign, Off: 30, Len: 4, Data: 0xcafef00d},
		{Type: ActionMove, Off: 40, Payload: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
		{Type: ActionSet, Off: 50, Len: 8, Data: 0xaa},
		{Type: ActionSetBits, Off: 60, Data: PackBits(2, 3)},
		{Type: ActionClrBits, Off: 60, Data: PackBits(5, 1)},
	}
}

func TestCommitThenReplayRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	actions := mkActions()
	id, err := e.Commit(ctx, ActionList(actions), nil)
	require.NoError(t, err)

	var replayed []Action
	require.NoError(t, e.Replay(ctx, func(gotID TxID, a Action) error {
		require.Equal(t, id, gotID)
		replayed = append(replayed, a)
		return nil
	}))

	require.Len(t, replayed, len(actions))
	for i, a := range actions {
		want := a
		if want.Type == ActionCopyPtr {
			want.Type = ActionCopy
		}
		require.Equal(t, want.Type, replayed[i].Type)
		require.Equal(t, want.Off, replayed[i].Off)
		if want.Type == ActionCopy || want.Type == ActionMove {
			require.Equal(t, want.Payload, replayed[i].Payload)
		} else {
			require.Equal(t, want.Data, replayed[i].Data)
		}
	}
}

func TestCommitManyActionsSpansMultipleBlocks(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	actions := make([]Action, 425)
	for i := range actions {
		actions[i] = Action{Type: ActionSet, Off: uint64(i), Len: 1, Data: uint32(i % 251)}
	}
	// 18-byte packed entries after a 24-byte block head: 226 per block,
	// so 425 entries spill into a second entry block. SET carries no
	// payload and the 4-byte tail fits in that block's remainder, so no
	// extra block is added.
	layout := ComputeLayout(testBlockBytes, len(actions), payloadBytes(actions))
	require.Equal(t, 2, layout.EntryBlks)
	require.Equal(t, layout.EntryBlks, layout.Blks)

	id, err := e.Commit(ctx, ActionList(actions), nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), id.Off(), "first commit in a freshly formatted WAL starts at data offset 0")

	count := 0
	require.NoError(t, e.Replay(ctx, func(_ TxID, a Action) error {
		count++
		return nil
	}))
	require.Equal(t, len(actions), count)
}

// TestDrainForcesWholeSuccessorChain exercises §4.G.4's skip-on-failure
// rule directly against drainPendingLocked, four commits deep: when the
// second of four outstanding commits fails, the error must cascade
// through every reserved successor in order — a forced completion
// re-forces its own immediate successor — regardless of each
// successor's own I/O outcome, commit_id must not advance past the last
// good transaction, and the failure freeze lifts only once the whole
// chain has drained.
func TestDrainForcesWholeSuccessorChain(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	addPending := func(blks uint32) *pendingTx {
		e.mu.Lock()
		defer e.mu.Unlock()
		id := deriveID(TxID(e.hdr.CkpID), e.usedBlks, e.totBlks)
		ptx := &pendingTx{id: id, blks: blks, done: make(chan error, 1)}
		e.usedBlks += uint64(blks)
		e.pending = append(e.pending, ptx)
		return ptx
	}

	good := addPending(1)
	e.completeTx(good, nil)
	require.NoError(t, <-good.done)

	failing := addPending(1)
	succ2 := addPending(1) // own I/O will complete successfully
	succ3 := addPending(1) // own I/O never completes before the cascade
	e.mu.Lock()
	usedBefore := e.usedBlks
	e.mu.Unlock()

	wantErr := errTestInjected
	e.completeTx(succ2, nil) // out-of-order success behind the failure
	e.completeTx(failing, wantErr)

	require.ErrorIs(t, <-failing.done, wantErr)
	require.ErrorIs(t, <-succ2.done, wantErr, "first successor inherits the error despite its own successful I/O")
	require.ErrorIs(t, <-succ3.done, wantErr, "the cascade must re-force each new head, all the way down the chain")

	e.mu.Lock()
	commitID := TxID(e.hdr.CommitID)
	usedAfter := e.usedBlks
	txFailed := e.txFailed
	pendingLeft := len(e.pending)
	e.mu.Unlock()
	require.Equal(t, good.id, commitID, "commit_id must not advance past the last good transaction")
	require.Equal(t, usedBefore-3, usedAfter, "the failed tx and both force-failed successors roll back")
	require.Zero(t, pendingLeft)
	require.False(t, txFailed, "failure freeze clears only once the whole chain has drained")

	// succ3's real I/O completing afterward is a no-op: it already
	// drained as forced and is off the pending list.
	e.completeTx(succ3, nil)
	e.mu.Lock()
	require.Equal(t, uint64(good.id), e.hdr.CommitID)
	e.mu.Unlock()
}

func TestCheckpointThenReplayStartsAfterCheckpoint(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	id1, err := e.Commit(ctx, ActionList{{Type: ActionSet, Off: 1, Len: 1, Data: 1}}, nil)
	require.NoError(t, err)
	_, err = e.Commit(ctx, ActionList{{Type: ActionSet, Off: 2, Len: 1, Data: 2}}, nil)
	require.NoError(t, err)

	require.NoError(t, e.Checkpoint(ctx, id1))

	var seen []TxID
	require.NoError(t, e.Replay(ctx, func(id TxID, a Action) error {
		seen = append(seen, id)
		return nil
	}))
	require.Len(t, seen, 1, "only the post-checkpoint transaction should replay")
}

func TestReplayStopsAtHoleWithoutKnownCommit(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	_, err := e.Commit(ctx, ActionList{{Type: ActionSet, Off: 1, Len: 1, Data: 1}}, nil)
	require.NoError(t, err)

	holeInjected := false
	e.inject = func(fp FaultPoint) bool {
		if fp == FaultTxLost && !holeInjected {
			holeInjected = true
			return true
		}
		return false
	}
	_, err2 := e.Commit(ctx, ActionList{{Type: ActionSet, Off: 2, Len: 1, Data: 2}}, nil)
	require.Error(t, err2)
	e.inject = nil

	// After the failed-and-forced pair drains, usedBlks rolled back so
	// the "lost" tx's blocks were never actually written: a fresh commit
	// now reuses that same id and replay should only ever see it once,
	// cleanly, with no corruption fatal error.
	id3, err3 := e.Commit(ctx, ActionList{{Type: ActionSet, Off: 3, Len: 1, Data: 3}}, nil)
	require.NoError(t, err3)

	var seen []TxID
	require.NoError(t, e.Replay(ctx, func(id TxID, a Action) error {
		seen = append(seen, id)
		return nil
	}))
	require.Len(t, seen, 2)
	require.Equal(t, id3, seen[len(seen)-1])
}

func TestFlushHeaderIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	require.NoError(t, e.FlushHeader(ctx))
	e.mu.Lock()
	flushedBefore := e.flushedHdr
	e.mu.Unlock()

	require.NoError(t, e.FlushHeader(ctx))
	e.mu.Lock()
	flushedAfter := e.flushedHdr
	e.mu.Unlock()
	require.Equal(t, flushedBefore, flushedAfter)
}

// TestLargePayloadCommitReplay commits a transaction whose two
// megabyte-sized COPY_PTR payloads span hundreds of blocks, then
// replays it through a reopened engine: both payloads must come back
// byte-identical, delivered as COPY.
func TestLargePayloadCommitReplay(t *testing.T) {
	e, bc := newTestEngine(t, Options{})
	ctx := context.Background()

	big1 := make([]byte, 1<<20)
	big2 := make([]byte, 1<<20)
	for i := range big1 {
		big1[i] = byte(i % 251)
		big2[i] = byte((i * 7) % 253)
	}
	actions := []Action{
		{Type: ActionAssign, Off: 8, Len: 4, Data: 0x11223344},
		{Type: ActionCopyPtr, Off: 4096, Len: uint32(len(big1)), Payload: big1},
		{Type: ActionCopy, Off: 16, Len: 8, Payload: []byte("8 bytes!")},
		{Type: ActionCopyPtr, Off: 2 << 20, Len: uint32(len(big2)), Payload: big2},
		{Type: ActionSet, Off: 24, Len: 16, Data: 0xAB},
	}
	id, err := e.Commit(ctx, ActionList(actions), nil)
	require.NoError(t, err)
	e.Close()

	var replayed []Action
	e2 := reopen(t, bc, Options{})
	require.NoError(t, e2.Replay(ctx, func(gotID TxID, a Action) error {
		require.Equal(t, id, gotID)
		replayed = append(replayed, a)
		return nil
	}))
	require.Len(t, replayed, len(actions))
	require.Equal(t, ActionCopy, replayed[1].Type)
	require.Equal(t, big1, replayed[1].Payload)
	require.Equal(t, ActionCopy, replayed[3].Type)
	require.Equal(t, big2, replayed[3].Payload)
}

// TestCheckpointMidStreamReplaysOnlyTail runs twenty commits,
// checkpoints at the tenth, and verifies a reopened engine replays
// exactly the last ten in order.
func TestCheckpointMidStreamReplaysOnlyTail(t *testing.T) {
	e, bc := newTestEngine(t, Options{})
	ctx := context.Background()

	var ids []TxID
	for i := 0; i < 20; i++ {
		id, err := e.Commit(ctx, ActionList(mkActions()), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, e.Checkpoint(ctx, ids[9]))
	e.Close()

	var seen []TxID
	e2 := reopen(t, bc, Options{})
	require.NoError(t, e2.Replay(ctx, func(id TxID, a Action) error {
		if len(seen) == 0 || seen[len(seen)-1] != id {
			seen = append(seen, id)
		}
		return nil
	}))
	require.Equal(t, ids[10:], seen)
	require.Equal(t, uint64(ids[9]), e2.Header().CkpID)
}

// TestWrapAroundReplay pushes enough checkpointed batches through a
// small WAL that the log wraps, then verifies a reopened engine replays
// exactly the final (uncheckpointed) batch with an advanced sequence
// number, and nothing from the stale laps before it.
func TestWrapAroundReplay(t *testing.T) {
	e, bc := newTestEngineSized(t, Options{}, 32*1024*1024)
	ctx := context.Background()

	payload := make([]byte, 800*1024)
	for i := range payload {
		payload[i] = byte(i % 249)
	}
	batch := func() []TxID {
		var ids []TxID
		for i := 0; i < 22; i++ {
			id, err := e.Commit(ctx, ActionList{{Type: ActionCopy, Off: uint64(i), Len: uint32(len(payload)), Payload: payload}}, nil)
			require.NoError(t, err)
			ids = append(ids, id)
		}
		return ids
	}

	for round := 0; round < 4; round++ {
		ids := batch()
		require.NoError(t, e.Checkpoint(ctx, ids[len(ids)-1]))
	}
	final := batch()
	// Flush so the reopened engine sees the current checkpoint state;
	// the final batch itself stays uncheckpointed.
	require.NoError(t, e.FlushHeader(ctx))
	e.Close()

	var seen []TxID
	e2 := reopen(t, bc, Options{})
	require.NoError(t, e2.Replay(ctx, func(id TxID, a Action) error {
		if len(seen) == 0 || seen[len(seen)-1] != id {
			seen = append(seen, id)
		}
		return nil
	}))
	require.Equal(t, final, seen)
	require.Greater(t, final[len(final)-1].Seq(), uint32(0), "five 22-transaction batches must lap a 8191-block log at least once")
}

// readDataBlob synchronously reads length bytes at byte offset off from
// an open blob, for the data-csum verifier below.
func readDataBlob(drv *filedev.Driver, h device.BlobHandle, ch device.IOChannel, off uint64, length uint32) ([]byte, error) {
	unit := uint64(drv.IOUnitSize())
	lenUnits := (uint64(length) + unit - 1) / unit
	buf := make([]byte, lenUnits*unit)
	done := make(chan error, 1)
	drv.ReadAsync(h, ch, buf, off/unit, lenUnits, func(err error) { done <- err })
	if err := <-done; err != nil {
		return nil, err
	}
	return buf[:length], nil
}

// TestCommitWithDataIODGeneratesCSumFence commits a transaction fenced
// by an in-flight data-blob write: the engine must drive the data write
// to completion, append a synthetic CSUM action covering it, verify
// that action against the live data blob on replay of the (not yet
// known-committed) transaction, and never deliver it to the callback.
func TestCommitWithDataIODGeneratesCSumFence(t *testing.T) {
	e, bc := newTestEngine(t, Options{})
	ctx := context.Background()

	dataDrv := filedev.New(4096, 32*1024*1024, 2)
	t.Cleanup(dataDrv.Shutdown)
	dataID, err := dataDrv.CreateBlob(ctx, 8*1024*1024, 0)
	require.NoError(t, err)
	h, err := dataDrv.Open(ctx, dataID)
	require.NoError(t, err)
	ch, err := dataDrv.AllocIOChannel()
	require.NoError(t, err)
	t.Cleanup(func() { dataDrv.FreeIOChannel(ch) })

	pool, err := dma.New(dma.Options{MaxChunks: 4})
	require.NoError(t, err)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 239)
	}
	target := iod.Target{Driver: dataDrv, Handle: h, Channel: ch}
	d := iod.New(target, []iod.SGList{{Biovs: []iod.Biov{{Media: iod.MediaNVMe, Addr: 0, ReqLen: 4096}}}}, iod.TypeUpdate, dma.TypeIO, pool, nil)
	require.NoError(t, d.Prep(ctx))
	require.NoError(t, d.Copy(0, nil, payload))

	_, err = e.Commit(ctx, ActionList{{Type: ActionCopy, Off: 0, Len: 8, Payload: []byte("userdata")}}, d)
	require.NoError(t, err)
	e.Close()

	got, err := readDataBlob(dataDrv, h, ch, 0, 4096)
	require.NoError(t, err)
	require.Equal(t, payload, got, "data-blob write must be durable once commit returns")

	// The header was last flushed at format time (commit_blks == 0), so
	// the reopened engine treats the transaction as not-yet-committed and
	// must re-verify its CSUM action against the data blob.
	verifies := 0
	verify := func(off uint64, length uint32, want uint32) error {
		verifies++
		buf, rerr := readDataBlob(dataDrv, h, ch, off, length)
		if rerr != nil {
			return rerr
		}
		if crc := crc32.ChecksumIEEE(buf); crc != want {
			return fmt.Errorf("data csum mismatch: %08x != %08x", crc, want)
		}
		return nil
	}
	e2 := reopen(t, bc, Options{CSumVerify: verify})
	var replayed []Action
	require.NoError(t, e2.Replay(ctx, func(_ TxID, a Action) error {
		replayed = append(replayed, a)
		return nil
	}))
	require.Equal(t, 1, verifies)
	require.Len(t, replayed, 1, "the synthetic CSUM action is consumed by verification, not delivered")
	require.Equal(t, ActionCopy, replayed[0].Type)
	e2.Close()

	// Corrupt the data blob: replay must now stop cleanly before the
	// transaction instead of delivering actions whose data was lost.
	done := make(chan error, 1)
	dataDrv.WriteAsync(h, ch, make([]byte, 4096), 0, 1, func(err error) { done <- err })
	require.NoError(t, <-done)

	e3 := reopen(t, bc, Options{CSumVerify: verify})
	count := 0
	require.NoError(t, e3.Replay(ctx, func(TxID, Action) error {
		count++
		return nil
	}))
	require.Zero(t, count, "committed-WAL-but-lost-data window must stop replay cleanly")
}

// TestHoleUnmapPreventsStaleReplay is the two-restart hole scenario: a
// lost first transaction leaves a hole that stops replay before a
// perfectly valid second transaction; the post-replay unmap must erase
// that second transaction so a later same-sized transaction filling the
// hole can never resurrect it on the following restart.
func TestHoleUnmapPreventsStaleReplay(t *testing.T) {
	e, bc := newTestEngine(t, Options{})
	ctx := context.Background()

	mk := func(tag byte) ActionList {
		return ActionList{{Type: ActionCopy, Off: uint64(tag), Len: 8, Payload: []byte{tag, tag, tag, tag, tag, tag, tag, tag}}}
	}
	id1, err := e.Commit(ctx, mk(1), nil)
	require.NoError(t, err)
	id2, err := e.Commit(ctx, mk(2), nil)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	e.Close()

	// Lose transaction 1 after the fact: punch out its blocks, leaving
	// transaction 2 intact behind the hole.
	layout := ComputeLayout(testBlockBytes, 1, 8)
	holeOff := (uint64(id1.Off()) + 1) * testBlockBytes
	require.NoError(t, bc.Unmap(ctx, holeOff, uint64(layout.Blks)*testBlockBytes, 0))

	e2 := reopen(t, bc, Options{})
	count := 0
	require.NoError(t, e2.Replay(ctx, func(TxID, Action) error {
		count++
		return nil
	}))
	require.Zero(t, count, "the hole at transaction 1 stops replay before transaction 2")

	// A new commit now fills transaction 1's slot exactly.
	id3, err := e2.Commit(ctx, mk(3), nil)
	require.NoError(t, err)
	require.Equal(t, id1, id3)
	e2.Close()

	e3 := reopen(t, bc, Options{})
	var seen []TxID
	require.NoError(t, e3.Replay(ctx, func(id TxID, a Action) error {
		seen = append(seen, id)
		require.Equal(t, []byte{3, 3, 3, 3, 3, 3, 3, 3}, a.Payload)
		return nil
	}))
	require.Equal(t, []TxID{id3}, seen, "transaction 2 was unmapped by the first replay and must not resurrect")
}
