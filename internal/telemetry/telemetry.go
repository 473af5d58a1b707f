// Package telemetry drains iostat.Stats and blobstore health readings
// into Prometheus gauges/counters. Kept separate from the hot I/O path
// (internal/iostat) so label lookups and registry locking never sit on
// the commit critical path — only the periodic health-poller tick pays
// for them.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/daos-stack/bioengine/internal/iostat"
)

// Collector registers and updates the engine's Prometheus metrics for
// one target (pool, vos target id).
type Collector struct {
	readOps, writeOps, unmapOps       *prometheus.CounterVec
	readBytes, writeBytes             *prometheus.CounterVec
	readErrors, writeErrors           *prometheus.CounterVec
	mediaErrors, checksumErrors       *prometheus.CounterVec
	walCommits, walCommitErrors       *prometheus.CounterVec
	walCheckpoints                    *prometheus.CounterVec
	walBlocksUsed                     *prometheus.GaugeVec
	blobstoreState                    *prometheus.GaugeVec
}

// NewCollector creates and registers the metric families against reg. A
// nil registry is permitted and yields an unregistered (test-only)
// collector so unit tests don't need a live Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		readOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_read_ops_total", Help: "Total blob read operations.",
		}, []string{"target"}),
		writeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_write_ops_total", Help: "Total blob write operations.",
		}, []string{"target"}),
		unmapOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_unmap_ops_total", Help: "Total blob unmap operations.",
		}, []string{"target"}),
		readBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_read_bytes_total", Help: "Total bytes read from blobs.",
		}, []string{"target"}),
		writeBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_write_bytes_total", Help: "Total bytes written to blobs.",
		}, []string{"target"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_read_errors_total", Help: "Total blob read errors.",
		}, []string{"target"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_write_errors_total", Help: "Total blob write errors.",
		}, []string{"target"}),
		mediaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_media_errors_total", Help: "Total media (I/O) errors counted toward auto-faulty.",
		}, []string{"target"}),
		checksumErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_checksum_errors_total", Help: "Total checksum errors counted toward auto-faulty.",
		}, []string{"target"}),
		walCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_wal_commits_total", Help: "Total WAL transaction commits.",
		}, []string{"target"}),
		walCommitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_wal_commit_errors_total", Help: "Total failed WAL transaction commits.",
		}, []string{"target"}),
		walCheckpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bio_wal_checkpoints_total", Help: "Total WAL checkpoint operations.",
		}, []string{"target"}),
		walBlocksUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bio_wal_blocks_used", Help: "WAL blocks currently in use (between checkpoint and unused watermark).",
		}, []string{"target"}),
		blobstoreState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bio_blobstore_state", Help: "Current blobstore state (enum value, see blobstore.State).",
		}, []string{"device"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.readOps, c.writeOps, c.unmapOps, c.readBytes, c.writeBytes,
			c.readErrors, c.writeErrors, c.mediaErrors, c.checksumErrors,
			c.walCommits, c.walCommitErrors, c.walCheckpoints, c.walBlocksUsed,
			c.blobstoreState,
		)
	}
	return c
}

// Drain adds the delta between snapshots to the Prometheus counters for
// target. Counters only move forward, so Drain expects prev to be the
// last snapshot it was called with for the same target.
func (c *Collector) Drain(target string, prev, cur iostat.Snapshot) {
	c.readOps.WithLabelValues(target).Add(float64(cur.ReadOps - prev.ReadOps))
	c.writeOps.WithLabelValues(target).Add(float64(cur.WriteOps - prev.WriteOps))
	c.unmapOps.WithLabelValues(target).Add(float64(cur.UnmapOps - prev.UnmapOps))
	c.readBytes.WithLabelValues(target).Add(float64(cur.ReadBytes - prev.ReadBytes))
	c.writeBytes.WithLabelValues(target).Add(float64(cur.WriteBytes - prev.WriteBytes))
	c.readErrors.WithLabelValues(target).Add(float64(cur.ReadErrors - prev.ReadErrors))
	c.writeErrors.WithLabelValues(target).Add(float64(cur.WriteErrors - prev.WriteErrors))
	c.mediaErrors.WithLabelValues(target).Add(float64(cur.MediaErrors - prev.MediaErrors))
	c.checksumErrors.WithLabelValues(target).Add(float64(cur.ChecksumErrors - prev.ChecksumErrors))
	c.walCommits.WithLabelValues(target).Add(float64(cur.WalCommits - prev.WalCommits))
	c.walCommitErrors.WithLabelValues(target).Add(float64(cur.WalCommitErrors - prev.WalCommitErrors))
	c.walCheckpoints.WithLabelValues(target).Add(float64(cur.WalCheckpoints - prev.WalCheckpoints))
	c.walBlocksUsed.WithLabelValues(target).Set(float64(cur.WalBlocksUsed))
}

// SetBlobstoreState records the current enum value of a device's
// blobstore state machine for dashboards/alerting.
func (c *Collector) SetBlobstoreState(device string, state int) {
	c.blobstoreState.WithLabelValues(device).Set(float64(state))
}
