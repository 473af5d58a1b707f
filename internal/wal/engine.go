package wal

import (
	"context"
	"fmt"
	"hash/crc32"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	bioengine "github.com/daos-stack/bioengine/internal/bioerr"
	"github.com/daos-stack/bioengine/internal/blobio"
	"github.com/daos-stack/bioengine/internal/iod"
	"github.com/daos-stack/bioengine/internal/iostat"
	"github.com/daos-stack/bioengine/internal/logging"
)

// WalMaxTransBlks bounds how many blocks a single transaction may span,
// and is also the headroom Reserve insists on before handing out a new
// id, so any future transaction (however large) is always admissible
// once reserved.
const WalMaxTransBlks = 2048

// replayYieldEvery mirrors "yield cooperatively every ~20 applied txs".
const replayYieldEvery = 20

// FaultPoint names a fault-injection hook a test can arm to synthesize
// one of the classes of hardware/media failure this layer must handle.
type FaultPoint int

const (
	FaultTxLost FaultPoint = iota
	FaultWriteErr
	FaultReadErr
	FaultAllocBufErr
)

// Injector decides whether a fault point should fire for the commit or
// replay currently in flight.
type Injector func(FaultPoint) bool

// DataCSumVerifier re-reads a data-blob region and compares its CRC32
// against the value recorded in a CSUM action, used during replay of
// transactions not yet known-committed ("committed WAL, lost data").
// Optional: the engine doesn't own the data blob, so a caller that never
// supplies one simply skips this cross-check.
type DataCSumVerifier func(off uint64, length uint32, want uint32) error

// Options configures a new Engine.
type Options struct {
	Stats      *iostat.Stats
	Inject     Injector
	CSumVerify DataCSumVerifier
}

type pendingTx struct {
	id        TxID
	blks      uint32
	ioDone    bool
	ioErr     error
	forced    bool
	forcedErr error
	done      chan error
}

// Engine is one blobstore's WAL: the block-layout calculator plus the
// reservation/commit/replay/checkpoint state machine driving one WAL
// blob. Grounded on internal/blobstore's single-owner inbox idea, but
// inlined as a plain mutex-guarded struct rather than a message-passing
// Owner, since every WAL mutation here is already synchronous from the
// caller's task (matching §5's "commit tasks... coordinate via its
// mutex" rather than routing through the owner worker).
type Engine struct {
	wal        *blobio.Context
	blockBytes int
	stats      *iostat.Stats
	inject     Injector
	csumVerify DataCSumVerifier
	log        zerolog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	hdr        Header
	flushedHdr Header
	hdrValid   bool
	totBlks    uint64
	usedBlks   uint64
	pending    []*pendingTx
	txFailed   bool
	closed     bool
}

// NewEngine binds an Engine to an already-opened WAL blob context. Call
// Format on first use or Open (then Replay) on every subsequent mount.
func NewEngine(wal *blobio.Context, opts Options) *Engine {
	e := &Engine{
		wal:        wal,
		blockBytes: int(wal.UnitSize()),
		stats:      opts.Stats,
		inject:     opts.Inject,
		csumVerify: opts.CSumVerify,
		log:        logging.WithComponent("wal"),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Format initializes a fresh WAL header. totBlks is the blob's full
// block count including block 0 (the header itself), so the usable
// circular-log capacity tracked internally is totBlks-1; every tx-id
// offset is relative to that data region, with block 0 never addressed
// by Commit/Replay/Checkpoint. gen is the 32-bit generation nonce (a
// hash of pool-uuid, target and wall-clock, per the caller); noTail
// opts this WAL out of per-tx tail checksums at format time only
// (WAL_HDR_FL_NO_TAIL is read-only to the replay path afterward).
func (e *Engine) Format(ctx context.Context, gen uint32, totBlks uint64, noTail bool) error {
	flags := uint16(0)
	if noTail {
		flags = FlagNoTail
	}
	e.mu.Lock()
	e.hdr = Header{
		Magic: headerMagic, Version: headerVers, Gen: gen,
		BlkBytes: uint16(e.blockBytes), Flags: flags, TotBlks: totBlks,
	}
	e.hdrValid = true
	e.totBlks = totBlks - 1
	e.usedBlks = 0
	e.mu.Unlock()
	return e.FlushHeader(ctx)
}

// Open reads and validates the existing WAL header. Callers must follow
// with Replay before issuing new commits, since the on-disk header's
// commit_id can lag the true durable frontier (it is only flushed at
// checkpoint, not on every commit).
func (e *Engine) Open(ctx context.Context) error {
	buf, err := e.readRaw(ctx, 0, e.blockBytes)
	if err != nil {
		return bioengine.Wrap("wal.open", err)
	}
	var hdr Header
	if err := hdr.UnmarshalBinary(buf); err != nil {
		return bioengine.New("wal.open", codeForHeaderErr(err), err.Error())
	}
	e.mu.Lock()
	e.hdr = hdr
	e.flushedHdr = hdr
	e.hdrValid = true
	e.totBlks = hdr.TotBlks - 1
	e.usedBlks = 0
	e.mu.Unlock()
	return nil
}

func codeForHeaderErr(err error) bioengine.Code {
	switch err {
	case errNotFormatted:
		return bioengine.CodeUninit
	case errWrongVersion:
		return bioengine.CodeIncompat
	case errHeaderCSum:
		return bioengine.CodeCSum
	default:
		return bioengine.CodeInval
	}
}

// Close marks the engine closed: Reserve waiters still blocked observe
// a shutdown error instead of hanging forever.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Reserve returns the current free tx-id, blocking until no prior tx
// has failed and free_blks >= WalMaxTransBlks (§4.G.1). It does not
// consume the id; Commit re-derives and attaches it atomically so a
// concurrent failure's rollback is immediately visible.
func (e *Engine) Reserve(ctx context.Context) (TxID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.waitHeadroomLocked(ctx); err != nil {
		return 0, err
	}
	return deriveID(e.baseIDLocked(), e.usedBlks, e.totBlks), nil
}

// baseIDLocked is the id immediately after the last checkpointed
// transaction's own blocks. Checkpointing id means id (and everything
// before it) is durably applied elsewhere, so its WAL space is reclaimed
// too; new commits resume right after it, at the same id Replay would
// resume at on the next mount.
func (e *Engine) baseIDLocked() TxID {
	return nextID(TxID(e.hdr.CkpID), e.hdr.CkpBlks, e.totBlks)
}

// recordUsedLocked mirrors usedBlks into the telemetry gauge.
func (e *Engine) recordUsedLocked() {
	if e.stats != nil {
		e.stats.WalBlocksUsed.Store(e.usedBlks)
	}
}

// seqWrappedLocked reports the one window where plain id comparison
// misleads: the checkpoint's sequence number sits at its maximum while
// the unused frontier has wrapped back to sequence 0.
func (e *Engine) seqWrappedLocked() bool {
	unused := deriveID(e.baseIDLocked(), e.usedBlks, e.totBlks)
	return TxID(e.hdr.CkpID).Seq() == ^uint32(0) && unused.Seq() == 0
}

func (e *Engine) waitHeadroomLocked(ctx context.Context) error {
	if ctx != nil && ctx.Done() != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				e.mu.Lock()
				e.cond.Broadcast()
				e.mu.Unlock()
			case <-stop:
			}
		}()
	}
	for {
		if e.closed {
			return bioengine.New("wal.reserve", bioengine.CodeShutdown, errShutdown.Error())
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !e.txFailed && e.totBlks-e.usedBlks >= uint64(WalMaxTransBlks) {
			return nil
		}
		e.cond.Wait()
	}
}

// Commit runs §4.G.3 end to end: optionally fences dataIOD's NVMe
// regions with synthetic CSUM actions, computes the layout, reserves
// and attaches a tx-id, serializes and writes the WAL blocks, drives
// dataIOD's own write, and waits for FIFO-ordered completion — which
// may report a different (inherited) error than this tx's own I/O, per
// §4.G.4's skip-on-failure propagation.
func (e *Engine) Commit(ctx context.Context, tx Transaction, dataIOD *iod.IOD) (TxID, error) {
	actions := append([]Action{}, tx.Actions()...)
	if dataIOD != nil {
		for _, r := range dataIOD.Regions() {
			if r.Media != iod.MediaNVMe {
				continue
			}
			actions = append(actions, Action{
				Type: ActionCSum,
				Off:  r.MediaOff,
				Len:  uint32(r.MediaLen),
				Data: crc32.ChecksumIEEE(r.Bytes()),
			})
		}
	}

	layout := ComputeLayout(e.blockBytes, len(actions), payloadBytes(actions))
	if layout.Blks > WalMaxTransBlks {
		return 0, bioengine.New("wal.commit", bioengine.CodeInval, errTooManyBlocks.Error())
	}

	e.mu.Lock()
	if err := e.waitHeadroomLocked(ctx); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	id := deriveID(e.baseIDLocked(), e.usedBlks, e.totBlks)
	e.usedBlks += uint64(layout.Blks)
	e.recordUsedLocked()
	ptx := &pendingTx{id: id, blks: uint32(layout.Blks), done: make(chan error, 1)}
	e.pending = append(e.pending, ptx)
	noTail := e.hdr.Flags&FlagNoTail != 0
	gen := e.hdr.Gen
	e.mu.Unlock()

	buf := serializeTx(actions, id, gen, e.blockBytes, layout, noTail)

	var walErr error
	if e.inject != nil && e.inject(FaultTxLost) {
		walErr = bioengine.New("wal.commit", bioengine.CodeIO, "fault injected: wal tx lost")
	} else {
		walErr = e.writeBlocks(ctx, id, layout.Blks, buf)
	}

	var dataErr error
	if dataIOD != nil {
		if e.inject != nil && e.inject(FaultWriteErr) {
			dataErr = bioengine.New("wal.commit", bioengine.CodeIO, "fault injected: data write error")
		} else {
			dataErr = dataIOD.Post(ctx)
		}
	}

	combined := walErr
	if combined == nil {
		combined = dataErr
	}

	e.completeTx(ptx, combined)
	finalErr := <-ptx.done
	if e.stats != nil {
		e.stats.RecordCommit(finalErr == nil)
	}
	return id, finalErr
}

func (e *Engine) completeTx(ptx *pendingTx, err error) {
	e.mu.Lock()
	ptx.ioDone = true
	ptx.ioErr = err
	e.drainPendingLocked()
	e.mu.Unlock()
}

// drainPendingLocked implements §4.G.4: finalize ready-in-order pending
// txs, advancing commit_id on success or rolling back usedBlks on
// failure. A failure forces the immediate successor with the same
// error, and a forced completion re-applies that same branch, so the
// error cascades through every reserved successor in order — commit_id
// must never advance past the hole a failed tx leaves behind. txFailed
// keeps Reserve blocked until the whole affected chain has drained,
// clearing only once the pending list is empty.
func (e *Engine) drainPendingLocked() {
	for len(e.pending) > 0 {
		head := e.pending[0]
		var err error
		switch {
		case head.forced:
			err = head.forcedErr
		case head.ioDone:
			err = head.ioErr
		default:
			return
		}
		e.pending = e.pending[1:]

		if err != nil {
			if e.usedBlks >= uint64(head.blks) {
				e.usedBlks -= uint64(head.blks)
			}
			e.recordUsedLocked()
			e.txFailed = true
			if len(e.pending) > 0 {
				e.pending[0].forced = true
				e.pending[0].forcedErr = err
			} else {
				e.txFailed = false
			}
		} else {
			e.hdr.CommitID = uint64(head.id)
			e.hdr.CommitBlks = head.blks
		}

		head.done <- err
		e.cond.Broadcast()
	}
}

// biovsFor splits a transaction's [id, id+blks) block range into one or
// two byte-offset biovs, two when the range wraps the end of the data
// region. Block 0 is the header and is never part of this range: a
// data-relative offset of o lands at physical block o+1.
func (e *Engine) biovsFor(id TxID, blks int) ([]iod.Biov, []int) {
	blockBytes := uint64(e.blockBytes)
	e.mu.Lock()
	dataBlks := e.totBlks
	e.mu.Unlock()
	rawTot := dataBlks + 1
	startPhys := uint64(id.Off()) + 1

	if startPhys+uint64(blks) <= rawTot {
		n := blks * e.blockBytes
		return []iod.Biov{{Addr: startPhys * blockBytes, ReqLen: uint32(n), Media: iod.MediaNVMe}}, []int{n}
	}
	blks1 := int(rawTot - startPhys)
	len1 := blks1 * e.blockBytes
	len2 := (blks - blks1) * e.blockBytes
	return []iod.Biov{
		{Addr: startPhys * blockBytes, ReqLen: uint32(len1), Media: iod.MediaNVMe},
		{Addr: blockBytes, ReqLen: uint32(len2), Media: iod.MediaNVMe},
	}, []int{len1, len2}
}

func (e *Engine) writeBlocks(ctx context.Context, id TxID, blks int, buf []byte) error {
	biovs, segLens := e.biovsFor(id, blks)
	srcs := make([][]byte, len(segLens))
	pos := 0
	for i, n := range segLens {
		srcs[i] = buf[pos : pos+n]
		pos += n
	}
	if err := e.wal.WriteV(ctx, biovs, srcs); err != nil {
		return bioengine.Wrap("wal.write", err)
	}
	return nil
}

func (e *Engine) readBlocks(ctx context.Context, id TxID, blks int) ([]byte, error) {
	biovs, segLens := e.biovsFor(id, blks)
	total := 0
	for _, n := range segLens {
		total += n
	}
	buf := make([]byte, total)
	dsts := make([][]byte, len(segLens))
	pos := 0
	for i, n := range segLens {
		dsts[i] = buf[pos : pos+n]
		pos += n
	}
	if err := e.wal.ReadV(ctx, biovs, dsts); err != nil {
		return nil, bioengine.Wrap("wal.read", err)
	}
	return buf, nil
}

func (e *Engine) readRaw(ctx context.Context, blockOff uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	biov := iod.Biov{Addr: blockOff * uint64(e.blockBytes), ReqLen: uint32(n), Media: iod.MediaNVMe}
	if err := e.wal.ReadV(ctx, []iod.Biov{biov}, [][]byte{buf}); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *Engine) writeRaw(ctx context.Context, blockOff uint64, buf []byte) error {
	biov := iod.Biov{Addr: blockOff * uint64(e.blockBytes), ReqLen: uint32(len(buf)), Media: iod.MediaNVMe}
	return e.wal.WriteV(ctx, []iod.Biov{biov}, [][]byte{buf})
}

// Header returns a snapshot of the current in-memory superblock, for
// operator inspection; it may be ahead of what FlushHeader last wrote.
func (e *Engine) Header() Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hdr
}

// FlushHeader writes ckp_id/ckp_blks/commit_id/commit_blks to block 0,
// skipped when nothing has changed since the last flush (§4.G.7).
func (e *Engine) FlushHeader(ctx context.Context) error {
	e.mu.Lock()
	if e.hdr == e.flushedHdr {
		e.mu.Unlock()
		return nil
	}
	hdr := e.hdr
	e.mu.Unlock()

	buf, _ := hdr.MarshalBinary(e.blockBytes)
	if err := e.writeRaw(ctx, 0, buf); err != nil {
		return bioengine.Wrap("wal.flush_header", err)
	}
	e.mu.Lock()
	e.flushedHdr = hdr
	e.mu.Unlock()
	return nil
}

// Checkpoint implements §4.G.6: verify the block at id, unmap the now
// reclaimable range, advance ckp_id/ckp_blks, and flush the header. Per
// the "report both outcomes" open-question resolution, an unmap
// failure does not suppress the header flush; both errors are surfaced.
func (e *Engine) Checkpoint(ctx context.Context, id TxID) error {
	e.mu.Lock()
	commitTx := TxID(e.hdr.CommitID)
	gen := e.hdr.Gen
	prevCkp := TxID(e.hdr.CkpID)
	prevCkpBlks := e.hdr.CkpBlks
	totBlks := e.totBlks
	seqWrapped := e.seqWrappedLocked()
	e.mu.Unlock()

	if idLess(commitTx, id, seqWrapped) {
		return bioengine.New("wal.checkpoint", bioengine.CodeInval, "checkpoint id is ahead of commit_id")
	}
	// ckp_blks == 0 means nothing has been checkpointed yet; after that,
	// re-checkpointing at or before ckp_id would alias an empty unmap
	// range into the equal-offsets full-region case.
	if prevCkpBlks != 0 && !idLess(prevCkp, id, seqWrapped) {
		return bioengine.New("wal.checkpoint", bioengine.CodeInval, "checkpoint id does not advance ckp_id")
	}

	hdrBlk, err := e.readBlocks(ctx, id, 1)
	if err != nil {
		return err
	}
	bh := unmarshalBlockHead(hdrBlk[:blockHeadSize])
	if err := verifyBlockHead(bh, gen, id); err != nil {
		return bioengine.New("wal.checkpoint", bioengine.CodeInval, err.Error())
	}
	layout := ComputeLayout(e.blockBytes, int(bh.TotEnts), int(bh.TotPayload))

	unmapStart := nextID(prevCkp, prevCkpBlks, totBlks)
	unmapEnd := nextID(id, uint32(layout.Blks), totBlks)
	unmapErr := e.unmapOff(ctx, unmapStart.Off(), unmapEnd.Off(), totBlks)

	e.mu.Lock()
	delta := blocksBetween(prevCkp, prevCkpBlks, id, uint32(layout.Blks), totBlks)
	if delta > e.usedBlks {
		delta = e.usedBlks
	}
	e.usedBlks -= delta
	e.hdr.CkpID = uint64(id)
	e.hdr.CkpBlks = uint32(layout.Blks)
	e.recordUsedLocked()
	e.cond.Broadcast()
	e.mu.Unlock()
	if e.stats != nil {
		e.stats.RecordCheckpoint()
	}

	flushErr := e.FlushHeader(ctx)
	if unmapErr != nil {
		if flushErr != nil {
			return fmt.Errorf("wal: checkpoint unmap failed (%v); header flush also failed (%w)", unmapErr, flushErr)
		}
		return fmt.Errorf("wal: checkpoint unmap failed (%w); header flush succeeded", unmapErr)
	}
	return flushErr
}

// unmapOff punches holes over the circular data-region offset range
// [from, to): a single extent when from < to, a wrapping pair when
// from > to, and the entire data region when the offsets are equal
// (everything in flight has been reclaimed, or replay applied nothing
// and must scrub the whole free region). Physical addresses are shifted
// by one block to skip the header.
func (e *Engine) unmapOff(ctx context.Context, from, to uint32, dataBlks uint64) error {
	blockBytes := uint64(e.blockBytes)
	physOff := func(off uint32) uint64 { return (uint64(off) + 1) * blockBytes }
	switch {
	case from == to:
		return e.wal.Unmap(ctx, physOff(0), dataBlks*blockBytes, 0)
	case from < to:
		return e.wal.Unmap(ctx, physOff(from), uint64(to-from)*blockBytes, 0)
	}
	n1 := dataBlks - uint64(from)
	if err := e.wal.Unmap(ctx, physOff(from), n1*blockBytes, 0); err != nil {
		return err
	}
	if to == 0 {
		return nil
	}
	return e.wal.Unmap(ctx, physOff(0), uint64(to)*blockBytes, 0)
}

// verifyBlockHead checks one block's replicated header against the
// generation and tx-id it's expected to carry, returning the specific
// sentinel for whichever field first disagrees.
func verifyBlockHead(bh blockHead, gen uint32, id TxID) error {
	switch {
	case bh.Magic != blockMagic:
		return errBlockMagic
	case bh.Gen != gen:
		return errBlockGen
	case bh.TxID != uint64(id):
		return errBlockTxID
	}
	return nil
}

func blocksBetween(fromID TxID, fromBlks uint32, toID TxID, toBlks uint32, totBlks uint64) uint64 {
	fromOff := uint64(fromID.Seq())*totBlks + uint64(fromID.Off()) + uint64(fromBlks)
	toOff := uint64(toID.Seq())*totBlks + uint64(toID.Off()) + uint64(toBlks)
	if toOff < fromOff {
		return 0
	}
	return toOff - fromOff
}

// Replay implements §4.G.5: starting at wal_next_id(ckp_id, ckp_blks),
// walks forward applying every valid transaction's actions to cb in
// order, stopping cleanly at the first invalid header (unless that
// header's tx-id was already known-committed, which is fatal), then
// unmaps the stale range behind the final position.
func (e *Engine) Replay(ctx context.Context, cb func(TxID, Action) error) error {
	e.mu.Lock()
	startID := nextID(TxID(e.hdr.CkpID), e.hdr.CkpBlks, e.totBlks)
	commitTx := TxID(e.hdr.CommitID)
	commitBlks := e.hdr.CommitBlks
	gen := e.hdr.Gen
	noTail := e.hdr.Flags&FlagNoTail != 0
	totBlks := e.totBlks
	seqWrapped := e.seqWrappedLocked()
	e.mu.Unlock()

	cur := startID
	applied := 0

	for {
		// A full lap back to the start offset means the log has no end
		// marker at all; replaying it again would never terminate.
		if cur.Seq() != startID.Seq() && cur.Off() >= startID.Off() {
			return bioengine.New("wal.replay", bioengine.CodeInval, "whole WAL replayed without finding end of log")
		}

		if e.inject != nil && e.inject(FaultReadErr) {
			return bioengine.New("wal.replay", bioengine.CodeIO, "fault injected: replay read error")
		}

		// commit_blks == 0 means a freshly formatted WAL with no commits
		// at all; id 0 is then a legitimate frontier, not known-committed.
		known := commitBlks != 0 && !idLess(commitTx, cur, seqWrapped) // cur <= commit_id

		hdrBlk, err := e.readBlocks(ctx, cur, 1)
		if err != nil {
			return err
		}
		bh := unmarshalBlockHead(hdrBlk[:blockHeadSize])
		if err := verifyBlockHead(bh, gen, cur); err != nil {
			if known {
				return bioengine.New("wal.replay", bioengine.CodeInval, errKnownTxFatal.Error()+": "+err.Error())
			}
			break
		}
		if bh.TotEnts == 0 {
			return bioengine.New("wal.replay", bioengine.CodeInval, "transaction header with zero entries")
		}

		layout := ComputeLayout(e.blockBytes, int(bh.TotEnts), int(bh.TotPayload))
		full, err := e.readBlocks(ctx, cur, layout.Blks)
		if err != nil {
			return err
		}

		valid := true
		if !noTail {
			cursor := newPayloadCursor(full, e.blockBytes, layout)
			// Step past the payload so the tail is found where serializeTx wrote it.
			cursor.read(int(bh.TotPayload))
			tailOff := cursor.tailOffset()
			want := leUint32(full[tailOff : tailOff+4])
			got := crc32.ChecksumIEEE(full[:tailOff])
			valid = want == got
		} else {
			valid = verifyBlockHeaders(full, e.blockBytes, layout.Blks, gen, cur)
		}
		if !valid {
			if known {
				return bioengine.New("wal.replay", bioengine.CodeCSum, errKnownTxFatal.Error()+": "+errTailCSum.Error())
			}
			break
		}

		actions := parseActions(full, e.blockBytes, layout, int(bh.TotEnts))
		csumErr := false
		if !known && e.csumVerify != nil {
			for _, a := range actions {
				if a.Type != ActionCSum {
					continue
				}
				if err := e.csumVerify(a.Off, a.Len, a.Data); err != nil {
					csumErr = true
					break
				}
			}
		}
		if csumErr {
			e.log.Debug().Err(errCSumAction).Msg("replay stopped: uncommitted tx failed data checksum verification")
			break
		}

		for _, a := range actions {
			if a.Type == ActionCSum {
				continue
			}
			if a.Type == ActionCopyPtr {
				a.Type = ActionCopy
			}
			if err := cb(cur, a); err != nil {
				return err
			}
		}

		applied++
		e.mu.Lock()
		e.hdr.CommitID = uint64(cur)
		e.hdr.CommitBlks = uint32(layout.Blks)
		e.usedBlks += uint64(layout.Blks)
		e.recordUsedLocked()
		e.mu.Unlock()

		cur = nextID(cur, uint32(layout.Blks), totBlks)
		if applied%replayYieldEvery == 0 {
			runtime.Gosched()
		}
	}

	if err := e.unmapOff(ctx, cur.Off(), startID.Off(), totBlks); err != nil {
		e.log.Warn().Err(err).Msg("post-replay unmap of stale generation range failed")
	}
	return nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
