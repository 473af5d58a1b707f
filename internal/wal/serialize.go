package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// payloadCursor walks the payload region of a transaction's blocks in
// the same order both serializeTx and parseActions use: sequential
// bytes within a block's content area, skipping over each block's
// duplicated header when a write/read crosses a boundary.
type payloadCursor struct {
	buf        []byte
	blockBytes int
	blockIdx   int
	offInBlock int
}

func newPayloadCursor(buf []byte, blockBytes int, layout Layout) *payloadCursor {
	return &payloadCursor{buf: buf, blockBytes: blockBytes, blockIdx: layout.PayloadIdx, offInBlock: blockHeadSize + layout.PayloadOff}
}

func (c *payloadCursor) advanceIfAtBoundary() {
	if c.offInBlock >= c.blockBytes {
		c.blockIdx++
		c.offInBlock = blockHeadSize
	}
}

func (c *payloadCursor) write(data []byte) {
	for len(data) > 0 {
		c.advanceIfAtBoundary()
		base := c.blockIdx*c.blockBytes + c.offInBlock
		n := copy(c.buf[base:(c.blockIdx+1)*c.blockBytes], data)
		c.offInBlock += n
		data = data[n:]
	}
}

func (c *payloadCursor) read(n int) []byte {
	out := make([]byte, n)
	pos := 0
	for pos < n {
		c.advanceIfAtBoundary()
		base := c.blockIdx*c.blockBytes + c.offInBlock
		k := copy(out[pos:], c.buf[base:(c.blockIdx+1)*c.blockBytes])
		c.offInBlock += k
		pos += k
	}
	return out
}

// tailOffset returns the absolute byte offset the tail checksum lands
// at, which is also the byte count covered by the checksum.
func (c *payloadCursor) tailOffset() int {
	c.advanceIfAtBoundary()
	if c.offInBlock+tailSize > c.blockBytes {
		c.blockIdx++
		c.offInBlock = blockHeadSize
	}
	return c.blockIdx*c.blockBytes + c.offInBlock
}

// serializeTx writes one transaction's blocks (headers, entries,
// payload, tail) into a freshly allocated buffer of layout.Blks *
// blockBytes bytes, per §4.G.3 step 6.
func serializeTx(actions []Action, id TxID, gen uint32, blockBytes int, layout Layout, noTail bool) []byte {
	buf := make([]byte, layout.Blks*blockBytes)
	bh := blockHead{Magic: blockMagic, Gen: gen, TxID: uint64(id), TotEnts: uint32(len(actions)), TotPayload: uint32(payloadBytes(actions))}
	for b := 0; b < layout.Blks; b++ {
		bh.marshalInto(buf[b*blockBytes : b*blockBytes+blockHeadSize])
	}

	perBlockCap := perBlockEntryCap(blockBytes)
	for i, a := range actions {
		blk := i / perBlockCap
		off := blockHeadSize + (i%perBlockCap)*entrySize
		abs := blk*blockBytes + off
		marshalEntry(buf[abs:abs+entrySize], a.Off, a.Len, a.Data, a.Type)
	}

	cur := newPayloadCursor(buf, blockBytes, layout)
	for _, a := range actions {
		if n := a.payloadLen(); n > 0 {
			cur.write(a.Payload[:n])
		}
	}

	if !noTail {
		tailOff := cur.tailOffset()
		csum := crc32.ChecksumIEEE(buf[:tailOff])
		binary.LittleEndian.PutUint32(buf[tailOff:tailOff+4], csum)
	}
	return buf
}

// parseActions is serializeTx's inverse: given a transaction's raw
// block bytes and the entry/payload counts from its (already verified)
// header, reconstructs the action list in original order.
func parseActions(buf []byte, blockBytes int, layout Layout, nrActions int) []Action {
	actions := make([]Action, nrActions)
	perBlockCap := perBlockEntryCap(blockBytes)
	for i := 0; i < nrActions; i++ {
		blk := i / perBlockCap
		off := blockHeadSize + (i%perBlockCap)*entrySize
		abs := blk*blockBytes + off
		o, l, d, t := unmarshalEntry(buf[abs : abs+entrySize])
		actions[i] = Action{Type: t, Off: o, Len: l, Data: d}
	}

	cur := newPayloadCursor(buf, blockBytes, layout)
	for i := range actions {
		n := actions[i].payloadLen()
		if n > 0 {
			actions[i].Payload = cur.read(n)
		}
	}
	return actions
}

// verifyBlockHeaders checks every block of a transaction's span carries
// the same valid replicated header, used when tail checksums are
// disabled (WAL_HDR_FL_NO_TAIL format-time opt-in).
func verifyBlockHeaders(buf []byte, blockBytes int, blks int, gen uint32, id TxID) bool {
	for b := 0; b < blks; b++ {
		bh := unmarshalBlockHead(buf[b*blockBytes : b*blockBytes+blockHeadSize])
		if bh.Magic != blockMagic || bh.Gen != gen || bh.TxID != uint64(id) {
			return false
		}
	}
	return true
}
