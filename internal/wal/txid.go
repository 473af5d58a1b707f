package wal

// TxID is a 64-bit transaction identifier: a sequence number (the
// number of times the circular log has wrapped) packed with the block
// offset the transaction starts at, so ids remain totally ordered
// across wraps as long as the wrap count doesn't itself overflow.
type TxID uint64

func seqoff2id(seq, off uint32) TxID { return TxID(uint64(seq)<<32 | uint64(off)) }

// Seq returns the wrap count.
func (id TxID) Seq() uint32 { return uint32(id >> 32) }

// Off returns the starting block offset within one generation of the
// circular log.
func (id TxID) Off() uint32 { return uint32(id) }

// Less reports whether a precedes b in commit order. Ordering compares
// sequence numbers first (so a later wrap always sorts after an earlier
// one) and falls back to the block offset within the same sequence.
func (id TxID) Less(other TxID) bool {
	if id.Seq() != other.Seq() {
		return id.Seq() < other.Seq()
	}
	return id.Off() < other.Off()
}

// idLess reports whether a precedes b in commit order, accounting for
// the one state where the plain comparison misleads: the checkpoint
// sitting at the final sequence number while new commits have wrapped
// to sequence 0 (seqWrapped). There a seq-0 id sorts after every
// non-zero-seq id.
func idLess(a, b TxID, seqWrapped bool) bool {
	if seqWrapped && a.Seq() != b.Seq() && (a.Seq() == 0 || b.Seq() == 0) {
		return b.Seq() == 0
	}
	return a.Less(b)
}

// nextID returns the id immediately following a transaction starting at
// id and spanning blks blocks of a totBlks-block circular log.
func nextID(id TxID, blks uint32, totBlks uint64) TxID {
	offset := uint64(id.Off()) + uint64(blks)
	wraps := offset / totBlks
	return seqoff2id(id.Seq()+uint32(wraps), uint32(offset%totBlks))
}

// deriveID computes the next free id given a checkpoint id and the
// number of blocks currently in use since that checkpoint (pending plus
// committed-but-not-yet-checkpointed). This is the single source of
// truth both Reserve (to hand out an id) and Commit (to attach one) use,
// so a failed commit's rollback of usedBlks is immediately visible to
// the next Reserve call as the freed id.
func deriveID(ckpID TxID, usedBlks, totBlks uint64) TxID {
	offset := uint64(ckpID.Off()) + usedBlks
	wraps := offset / totBlks
	return seqoff2id(ckpID.Seq()+uint32(wraps), uint32(offset%totBlks))
}
