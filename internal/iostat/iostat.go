// Package iostat implements the low-overhead, atomic-counter hot-path
// recorder that every I/O-issuing component (blobio, wal) updates
// directly. It intentionally avoids Prometheus's label-matching cost on
// the hot path; internal/telemetry periodically drains a Stats snapshot
// into real Prometheus gauges/counters instead.
package iostat

import "sync/atomic"

// Stats accumulates per-blobstore I/O counters.
type Stats struct {
	ReadOps        atomic.Uint64
	WriteOps       atomic.Uint64
	UnmapOps       atomic.Uint64
	ReadBytes      atomic.Uint64
	WriteBytes     atomic.Uint64
	ReadErrors     atomic.Uint64
	WriteErrors    atomic.Uint64
	UnmapErrors    atomic.Uint64
	MediaErrors    atomic.Uint64 // checksum + io errors that count toward auto-faulty
	ChecksumErrors atomic.Uint64

	WalCommits      atomic.Uint64
	WalCommitErrors atomic.Uint64
	WalCheckpoints  atomic.Uint64
	WalBlocksUsed   atomic.Uint64
}

// New returns a zero-valued Stats.
func New() *Stats { return &Stats{} }

func (s *Stats) RecordRead(bytes uint64, ok bool) {
	s.ReadOps.Add(1)
	if ok {
		s.ReadBytes.Add(bytes)
	} else {
		s.ReadErrors.Add(1)
	}
}

func (s *Stats) RecordWrite(bytes uint64, ok bool) {
	s.WriteOps.Add(1)
	if ok {
		s.WriteBytes.Add(bytes)
	} else {
		s.WriteErrors.Add(1)
	}
}

func (s *Stats) RecordUnmap(ok bool) {
	s.UnmapOps.Add(1)
	if !ok {
		s.UnmapErrors.Add(1)
	}
}

func (s *Stats) RecordMediaError()    { s.MediaErrors.Add(1) }
func (s *Stats) RecordChecksumError() { s.ChecksumErrors.Add(1) }

func (s *Stats) RecordCommit(ok bool) {
	s.WalCommits.Add(1)
	if !ok {
		s.WalCommitErrors.Add(1)
	}
}

func (s *Stats) RecordCheckpoint() { s.WalCheckpoints.Add(1) }

// Snapshot is an immutable point-in-time copy, safe to hand to the
// telemetry collector or a test assertion.
type Snapshot struct {
	ReadOps, WriteOps, UnmapOps                 uint64
	ReadBytes, WriteBytes                       uint64
	ReadErrors, WriteErrors, UnmapErrors        uint64
	MediaErrors, ChecksumErrors                 uint64
	WalCommits, WalCommitErrors, WalCheckpoints uint64
	WalBlocksUsed                               uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ReadOps:         s.ReadOps.Load(),
		WriteOps:        s.WriteOps.Load(),
		UnmapOps:        s.UnmapOps.Load(),
		ReadBytes:       s.ReadBytes.Load(),
		WriteBytes:      s.WriteBytes.Load(),
		ReadErrors:      s.ReadErrors.Load(),
		WriteErrors:     s.WriteErrors.Load(),
		UnmapErrors:     s.UnmapErrors.Load(),
		MediaErrors:     s.MediaErrors.Load(),
		ChecksumErrors:  s.ChecksumErrors.Load(),
		WalCommits:      s.WalCommits.Load(),
		WalCommitErrors: s.WalCommitErrors.Load(),
		WalCheckpoints:  s.WalCheckpoints.Load(),
		WalBlocksUsed:   s.WalBlocksUsed.Load(),
	}
}
