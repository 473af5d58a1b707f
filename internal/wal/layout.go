// Package wal implements the write-ahead log engine: a wrapping circular
// log of metadata transactions committed ahead of their target blobs,
// replayed on restart to reconstruct the actions a crash may have left
// un-applied. The wire format, block-layout calculator, reservation,
// commit, replay and checkpoint state machine are all grounded on the
// same single-goroutine-owner pattern internal/blobstore uses, since a
// WAL's pending list and reserve waitqueue need exactly the same kind of
// serialized, FIFO-ordered mutation.
package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// Wire-format magic numbers and field sizes. All integers are
// little-endian on the wire, matching the source format's memory layout.
const (
	headerMagic = 0xaf202209
	headerVers  = 1
	blockMagic  = 0xc01d2019

	// headerSize is the on-disk superblock: magic,version,gen (4 each),
	// blk_bytes,flags (2 each), tot_blks,ckp_id,commit_id (8 each),
	// ckp_blks,commit_blks (4 each), two padding fields (8+4), csum (4).
	headerSize = 4 + 4 + 4 + 2 + 2 + 8 + 8 + 8 + 4 + 4 + 8 + 4 + 4

	// blockHeadSize is the per-block duplicated head: magic,gen (4
	// each), tx_id (8), tot_ents,tot_payload (4 each).
	blockHeadSize = 4 + 4 + 8 + 4 + 4

	// entrySize is one packed action entry: off (8), len,data (4 each),
	// type (2).
	entrySize = 8 + 4 + 4 + 2

	tailSize = 4

	// FlagNoTail opts a formatted WAL out of the per-tx tail checksum,
	// relying on per-block header verification instead. Set only at
	// format time; read-only to the replay path.
	FlagNoTail uint16 = 1 << 0
)

// Header is the WAL superblock, stored in block 0.
type Header struct {
	Magic      uint32
	Version    uint32
	Gen        uint32
	BlkBytes   uint16
	Flags      uint16
	TotBlks    uint64
	CkpID      uint64
	CommitID   uint64
	CkpBlks    uint32
	CommitBlks uint32
}

// MarshalBinary encodes the header into a zero-padded blkBytes-sized
// block with a trailing CRC32 over every preceding byte.
func (h Header) MarshalBinary(blkBytes int) ([]byte, error) {
	buf := make([]byte, blkBytes)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.Gen)
	binary.LittleEndian.PutUint16(buf[12:14], h.BlkBytes)
	binary.LittleEndian.PutUint16(buf[14:16], h.Flags)
	binary.LittleEndian.PutUint64(buf[16:24], h.TotBlks)
	binary.LittleEndian.PutUint64(buf[24:32], h.CkpID)
	binary.LittleEndian.PutUint64(buf[32:40], h.CommitID)
	binary.LittleEndian.PutUint32(buf[40:44], h.CkpBlks)
	binary.LittleEndian.PutUint32(buf[44:48], h.CommitBlks)
	// bytes [48:60] are the two padding fields, left zero.
	csum := crc32.ChecksumIEEE(buf[:headerSize-4])
	binary.LittleEndian.PutUint32(buf[headerSize-4:headerSize], csum)
	return buf, nil
}

// UnmarshalBinary decodes and CRC-validates a header block.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < headerSize {
		return errShortHeader
	}
	want := binary.LittleEndian.Uint32(buf[headerSize-4 : headerSize])
	got := crc32.ChecksumIEEE(buf[:headerSize-4])
	if want != got {
		return errHeaderCSum
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != headerMagic {
		return errNotFormatted
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	if h.Version != headerVers {
		return errWrongVersion
	}
	h.Gen = binary.LittleEndian.Uint32(buf[8:12])
	h.BlkBytes = binary.LittleEndian.Uint16(buf[12:14])
	h.Flags = binary.LittleEndian.Uint16(buf[14:16])
	h.TotBlks = binary.LittleEndian.Uint64(buf[16:24])
	h.CkpID = binary.LittleEndian.Uint64(buf[24:32])
	h.CommitID = binary.LittleEndian.Uint64(buf[32:40])
	h.CkpBlks = binary.LittleEndian.Uint32(buf[40:44])
	h.CommitBlks = binary.LittleEndian.Uint32(buf[44:48])
	return nil
}

// blockHead is the per-block duplicated head, written identically into
// every block a transaction spans so a single block can be verified in
// isolation.
type blockHead struct {
	Magic      uint32
	Gen        uint32
	TxID       uint64
	TotEnts    uint32
	TotPayload uint32
}

func (bh blockHead) marshalInto(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], bh.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], bh.Gen)
	binary.LittleEndian.PutUint64(buf[8:16], bh.TxID)
	binary.LittleEndian.PutUint32(buf[16:20], bh.TotEnts)
	binary.LittleEndian.PutUint32(buf[20:24], bh.TotPayload)
}

func unmarshalBlockHead(buf []byte) blockHead {
	return blockHead{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Gen:        binary.LittleEndian.Uint32(buf[4:8]),
		TxID:       binary.LittleEndian.Uint64(buf[8:16]),
		TotEnts:    binary.LittleEndian.Uint32(buf[16:20]),
		TotPayload: binary.LittleEndian.Uint32(buf[20:24]),
	}
}

func marshalEntry(buf []byte, off uint64, length, data uint32, typ ActionType) {
	binary.LittleEndian.PutUint64(buf[0:8], off)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint32(buf[12:16], data)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(typ))
}

func unmarshalEntry(buf []byte) (off uint64, length, data uint32, typ ActionType) {
	off = binary.LittleEndian.Uint64(buf[0:8])
	length = binary.LittleEndian.Uint32(buf[8:12])
	data = binary.LittleEndian.Uint32(buf[12:16])
	typ = ActionType(binary.LittleEndian.Uint16(buf[16:18]))
	return
}

// Layout is the result of the block-layout calculator: where a
// transaction's entries, payload and tail land within its blocks. It is
// computed identically by commit (to size and populate the write
// buffer) and by replay (to locate block boundaries from the header
// alone), so both paths must call ComputeLayout and nothing else.
type Layout struct {
	EntryBlks  int // blocks occupied by the entry array
	PayloadIdx int // block index (0-based) where payload starts
	PayloadOff int // byte offset within that block's content area
	Blks       int // total blocks, including the tail
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// perBlockEntryCap is how many fixed-size entries fit in one block's
// content area (after its duplicated header), floor-divided since an
// entry is never split across a block boundary.
func perBlockEntryCap(blockBytes int) int {
	avail := blockBytes - blockHeadSize
	cap := avail / entrySize
	if cap < 1 {
		cap = 1
	}
	return cap
}

// ComputeLayout implements §4.G.2's block-layout calculator: entries are
// packed per-block, never split across a block boundary (a partial
// entry's block is topped up with zero bytes and the next block starts
// fresh, per the commit-path serialization rule), so entry_blks is
// computed from the exact per-block entry capacity rather than a
// continuous byte-stream division — the two are usually equal but the
// byte-stream formula can undercount once per-block zero-fill waste
// accumulates over many blocks, which would desync the declared layout
// from what serialization actually writes.
func ComputeLayout(blockBytes, nrActions, payloadBytes int) Layout {
	avail := blockBytes - blockHeadSize
	perBlockCap := perBlockEntryCap(blockBytes)

	entryBlks := ceilDiv(nrActions, perBlockCap)
	if entryBlks == 0 {
		entryBlks = 1
	}
	entsInLastBlock := nrActions - (entryBlks-1)*perBlockCap
	usedInLastEntryBlock := entsInLastBlock * entrySize
	remainder := avail - usedInLastEntryBlock

	var payloadIdx, payloadOff int
	if remainder > 0 {
		payloadIdx = entryBlks - 1
		payloadOff = usedInLastEntryBlock
	} else {
		payloadIdx = entryBlks
		payloadOff = 0
	}

	firstBlockCap := avail - payloadOff
	blks := payloadIdx + 1
	remainingPayload := payloadBytes - firstBlockCap

	usedInLastBlock := payloadOff + payloadBytes
	if remainingPayload > 0 {
		extra := ceilDiv(remainingPayload, avail)
		blks += extra
		usedInLastBlock = remainingPayload - (extra-1)*avail
	}

	if usedInLastBlock+tailSize > avail {
		blks++
	}

	return Layout{EntryBlks: entryBlks, PayloadIdx: payloadIdx, PayloadOff: payloadOff, Blks: blks}
}
