package bioengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/daos-stack/bioengine/internal/blobstore"
	"github.com/daos-stack/bioengine/internal/bulk"
	"github.com/daos-stack/bioengine/internal/config"
	"github.com/daos-stack/bioengine/internal/device"
	"github.com/daos-stack/bioengine/internal/dma"
	"github.com/daos-stack/bioengine/internal/iod"
	"github.com/daos-stack/bioengine/internal/iostat"
	"github.com/daos-stack/bioengine/internal/led"
	"github.com/daos-stack/bioengine/internal/logging"
	"github.com/daos-stack/bioengine/internal/metactx"
	"github.com/daos-stack/bioengine/internal/smd"
	"github.com/daos-stack/bioengine/internal/telemetry"
	"github.com/daos-stack/bioengine/internal/wal"
)

// Options configures a new Engine.
type Options struct {
	Config     config.EngineConfig
	SMDPath    string // path to the persistent device/target table snapshot
	Registerer prometheus.Registerer
	PoolOpts   dma.Options
	Logging    logging.Config
}

// Engine is the top-level facade gluing the whole per-engine block I/O
// layer together: one shared DMA pool and bulk-handle cache, one
// owner-worker message loop driving every device's blobstore state
// machine, the persistent device/target table, the LED manager, and the
// per-target meta-contexts and WAL engines built on top of them.
// Grounded on the teacher's top-level wiring (one ublk device owning
// its queues/runners/backend), generalized to bioengine's (devices,
// targets, WAL) shape.
type Engine struct {
	cfg   config.EngineConfig
	smd   *smd.JSONTable
	leds  *led.Manager
	tel   *telemetry.Collector
	stats *iostat.Stats
	pool  *dma.Pool
	bulk  *bulk.Cache
	owner *blobstore.Owner

	mu         sync.Mutex
	devices    map[uuid.UUID]device.Driver
	devicePCI  map[uuid.UUID]string
	pciDevices map[string][]uuid.UUID
	blobstores map[uuid.UUID]*blobstore.Blobstore
	targets    map[targetKey]*Target
}

type targetKey struct {
	pool uuid.UUID
	id   uint32
}

// Target is one (pool, vos-target) assembly: its meta-context (data,
// meta and WAL blob contexts) and the WAL engine driving commits
// against it.
type Target struct {
	Pool uuid.UUID
	ID   uint32
	Ctx  *metactx.Context
	WAL  *wal.Engine
}

// New wires up one engine instance: the SMD table, LED manager,
// telemetry collector, DMA pool, bulk cache and blobstore owner loop.
// No devices or targets are registered yet; call AddDevice and
// CreateTarget/OpenTarget to populate them.
func New(opts Options) (*Engine, error) {
	logging.Init(opts.Logging)

	table, err := smd.Open(opts.SMDPath)
	if err != nil {
		return nil, Wrap("engine.new", err)
	}

	pool, err := dma.New(opts.PoolOpts)
	if err != nil {
		return nil, Wrap("engine.new", err)
	}

	e := &Engine{
		cfg:        opts.Config,
		smd:        table,
		tel:        telemetry.NewCollector(opts.Registerer),
		stats:      iostat.New(),
		pool:       pool,
		bulk:       bulk.NewCache(pool),
		owner:      blobstore.NewOwner(),
		devices:    make(map[uuid.UUID]device.Driver),
		devicePCI:  make(map[uuid.UUID]string),
		pciDevices: make(map[string][]uuid.UUID),
		blobstores: make(map[uuid.UUID]*blobstore.Blobstore),
		targets:    make(map[targetKey]*Target),
	}
	e.leds = led.NewManager(faultChecker{e})
	return e, nil
}

// faultChecker adapts Engine's own blobstore states into led.FaultChecker
// without internal/led importing internal/blobstore or internal/smd.
type faultChecker struct{ e *Engine }

func (f faultChecker) AnyFaulty(pciAddr string) bool {
	f.e.mu.Lock()
	defer f.e.mu.Unlock()
	for _, dev := range f.e.pciDevices[pciAddr] {
		if bs, ok := f.e.blobstores[dev]; ok && bs.State() == blobstore.StateFaulty {
			return true
		}
	}
	return false
}

func smdStateFrom(s blobstore.State) smd.DeviceState {
	switch s {
	case blobstore.StateNormal:
		return smd.DeviceNormal
	case blobstore.StateFaulty:
		return smd.DeviceFaulty
	case blobstore.StateTeardown:
		return smd.DeviceTeardown
	case blobstore.StateOut:
		return smd.DeviceOut
	default:
		return smd.DeviceSetup
	}
}

// AddDevice registers a physical (or file-backed stand-in) driver under
// dev's uuid and PCI address, records it in the persistent table,
// creates its blobstore state machine in SETUP and then posts the
// SETUP→NORMAL transition. role is the combined
// role mask this device serves (per spec.md §6's "_N" suffix decoding).
func (e *Engine) AddDevice(ctx context.Context, dev uuid.UUID, pciAddr string, role config.Role, drv device.Driver) (*blobstore.Blobstore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.devices[dev]; exists {
		return nil, New("engine.add_device", CodeInval, fmt.Sprintf("device %s already registered", dev))
	}

	bs := blobstore.New(e.owner, dev.String(), blobstore.Options{
		Stats:      e.stats,
		AutoFaulty: e.cfg.AutoFaulty,
		Telemetry:  e.tel,
		PersistState: func(s blobstore.State) error {
			return e.smd.DevSetState(dev, smdStateFrom(s))
		},
		FaultyReaction: func() error {
			e.leds.Reset(pciAddr)
			return nil
		},
	})

	e.devices[dev] = drv
	e.devicePCI[dev] = pciAddr
	e.pciDevices[pciAddr] = append(e.pciDevices[pciAddr], dev)
	e.blobstores[dev] = bs

	if err := e.smd.DevRegister(dev); err != nil {
		return nil, Wrap("engine.add_device", err)
	}

	bs.MarkNormal()
	return bs, nil
}

// LEDs exposes the device-LED manager for operator tooling.
func (e *Engine) LEDs() *led.Manager { return e.leds }

// SMD exposes the persistent device/target table for operator tooling.
func (e *Engine) SMD() smd.Table { return e.smd }

// driverFor looks up a registered device's driver, or an error naming
// the unknown device.
func (e *Engine) driverFor(dev uuid.UUID) (device.Driver, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	drv, ok := e.devices[dev]
	if !ok {
		return nil, New("engine.driver_for", CodeNoHandle, fmt.Sprintf("unknown device %s", dev))
	}
	return drv, nil
}

// TargetSpec names the devices and sizes backing a new target, and the
// sizes to allocate on each. MetaDev is always required; WalDev and
// DataDev are optional (omit WalDev for a shared meta+WAL device,
// DataDev for an RDB-only context), per internal/metactx.DriverSet.
type TargetSpec struct {
	MetaDev   uuid.UUID
	MetaBytes uint64
	WalDev    uuid.UUID
	WalBytes  uint64
	DataDev   uuid.UUID
	DataBytes uint64
}

func (e *Engine) driverSetFor(spec TargetSpec) (metactx.DriverSet, error) {
	var ds metactx.DriverSet

	metaDrv, err := e.driverFor(spec.MetaDev)
	if err != nil {
		return ds, err
	}
	ds.MetaDriver = metaDrv
	ds.MetaOpts.Stats = e.stats
	ds.MetaOpts.Pool = e.pool
	ds.MetaOpts.ChunkType = dma.TypeLocal
	ds.MetaUUID = spec.MetaDev
	ds.MetaBytes = spec.MetaBytes

	if spec.WalDev != uuid.Nil {
		walDrv, werr := e.driverFor(spec.WalDev)
		if werr != nil {
			return ds, werr
		}
		ds.WalDriver = walDrv
		ds.WalOpts.Stats = e.stats
		ds.WalOpts.Pool = e.pool
		ds.WalOpts.ChunkType = dma.TypeLocal
		ds.WalUUID = spec.WalDev
		ds.WalBytes = spec.WalBytes
	}

	if spec.DataDev != uuid.Nil {
		dataDrv, derr := e.driverFor(spec.DataDev)
		if derr != nil {
			return ds, derr
		}
		ds.DataDriver = dataDrv
		ds.DataOpts.Stats = e.stats
		ds.DataOpts.Pool = e.pool
		ds.DataOpts.ChunkType = dma.TypeIO
		ds.DataOpts.BulkCache = e.bulk
		ds.DataUUID = spec.DataDev
		ds.DataBytes = spec.DataBytes
	}

	return ds, nil
}

// CreateTarget formats a brand-new (pool, target): allocates its blobs
// via metactx.Create, formats its WAL, and records every blob in the
// persistent table.
func (e *Engine) CreateTarget(ctx context.Context, pool uuid.UUID, targetID uint32, spec TargetSpec) (*Target, error) {
	ds, err := e.driverSetFor(spec)
	if err != nil {
		return nil, err
	}

	mc, err := metactx.Create(ctx, pool, targetID, ds)
	if err != nil {
		return nil, Wrap("engine.create_target", err)
	}

	t := &Target{Pool: pool, ID: targetID, Ctx: mc}
	if mc.Wal != nil {
		walEng := wal.NewEngine(mc.Wal, wal.Options{Stats: e.stats})
		totBlks := spec.WalBytes / uint64(mc.Wal.UnitSize())
		if err := walEng.Format(ctx, walGeneration(pool, targetID), totBlks, false); err != nil {
			_ = mc.Close(ctx)
			return nil, Wrap("engine.create_target", err)
		}
		t.WAL = walEng
	}

	if err := e.recordTargetBlobs(mc, spec); err != nil {
		_ = mc.Close(ctx)
		return nil, err
	}

	e.mu.Lock()
	e.targets[targetKey{pool, targetID}] = t
	e.mu.Unlock()
	return t, nil
}

// OpenTarget reopens an existing target from its meta blob id, replaying
// its WAL so commit_id/usedBlks reflect everything actually durable.
func (e *Engine) OpenTarget(ctx context.Context, pool uuid.UUID, targetID uint32, metaDev uuid.UUID, metaBlob device.BlobID, spec TargetSpec, replay func(wal.TxID, wal.Action) error) (*Target, error) {
	ds, err := e.driverSetFor(spec)
	if err != nil {
		return nil, err
	}

	mc, err := metactx.Open(ctx, pool, targetID, metaBlob, ds)
	if err != nil {
		return nil, Wrap("engine.open_target", err)
	}

	t := &Target{Pool: pool, ID: targetID, Ctx: mc}
	if mc.Wal != nil {
		walEng := wal.NewEngine(mc.Wal, wal.Options{Stats: e.stats})
		if err := walEng.Open(ctx); err != nil {
			_ = mc.Close(ctx)
			return nil, Wrap("engine.open_target", err)
		}
		if replay != nil {
			if err := walEng.Replay(ctx, replay); err != nil {
				_ = mc.Close(ctx)
				return nil, Wrap("engine.open_target", err)
			}
		}
		t.WAL = walEng
	}

	e.mu.Lock()
	e.targets[targetKey{pool, targetID}] = t
	e.mu.Unlock()
	return t, nil
}

func (e *Engine) recordTargetBlobs(mc *metactx.Context, spec TargetSpec) error {
	if err := e.smd.PoolAddTarget(mc.Pool, mc.Target, mc.Header.MetaBlobID, config.RoleMeta, spec.MetaBytes); err != nil {
		return Wrap("engine.create_target", err)
	}
	if err := e.smd.DevAddTarget(spec.MetaDev, mc.Target, mc.Header.MetaBlobID, config.RoleMeta); err != nil {
		return Wrap("engine.create_target", err)
	}

	if mc.Header.WalBlobID != 0 {
		if err := e.smd.PoolAddTarget(mc.Pool, mc.Target, mc.Header.WalBlobID, config.RoleWAL, spec.WalBytes); err != nil {
			return Wrap("engine.create_target", err)
		}
		if err := e.smd.DevAddTarget(spec.WalDev, mc.Target, mc.Header.WalBlobID, config.RoleWAL); err != nil {
			return Wrap("engine.create_target", err)
		}
	}
	if mc.Header.DataBlobID != 0 {
		if err := e.smd.PoolAddTarget(mc.Pool, mc.Target, mc.Header.DataBlobID, config.RoleData, spec.DataBytes); err != nil {
			return Wrap("engine.create_target", err)
		}
		if err := e.smd.DevAddTarget(spec.DataDev, mc.Target, mc.Header.DataBlobID, config.RoleData); err != nil {
			return Wrap("engine.create_target", err)
		}
	}
	return nil
}

// walGeneration derives the format-time WAL generation nonce: a 32-bit
// hash over the pool uuid, target id and the wall clock, so records
// left behind by a destroyed pool's WAL can never verify against a
// newly formatted one occupying the same blob.
func walGeneration(pool uuid.UUID, targetID uint32) uint32 {
	var buf [16 + 4 + 8]byte
	copy(buf[:16], pool[:])
	binary.LittleEndian.PutUint32(buf[16:20], targetID)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(time.Now().UnixNano()))
	return crc32.ChecksumIEEE(buf[:])
}

// Target looks up a previously created or opened target.
func (e *Engine) Target(pool uuid.UUID, targetID uint32) (*Target, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.targets[targetKey{pool, targetID}]
	return t, ok
}

// Commit appends actions to t's WAL. dataIOD, when non-nil, is the
// in-flight data-blob descriptor fenced by this commit: the WAL engine
// appends one synthetic CSUM action per NVMe region and drives the
// data write alongside the log write, so the commit is observed
// complete only once both are durable.
func (e *Engine) Commit(ctx context.Context, t *Target, tx wal.Transaction, dataIOD *iod.IOD) (wal.TxID, error) {
	if t.WAL == nil {
		return 0, New("engine.commit", CodeUninit, "target has no WAL (RDB-only context)")
	}
	return t.WAL.Commit(ctx, tx, dataIOD)
}

// Checkpoint advances t's WAL checkpoint to id.
func (e *Engine) Checkpoint(ctx context.Context, t *Target, id wal.TxID) error {
	if t.WAL == nil {
		return New("engine.checkpoint", CodeUninit, "target has no WAL (RDB-only context)")
	}
	return t.WAL.Checkpoint(ctx, id)
}

// CloseTarget closes a target's meta-context (and with it its data/meta/
// WAL blob contexts) and forgets it.
func (e *Engine) CloseTarget(ctx context.Context, t *Target) error {
	e.mu.Lock()
	delete(e.targets, targetKey{t.Pool, t.ID})
	e.mu.Unlock()
	if t.WAL != nil {
		t.WAL.Close()
	}
	if err := t.Ctx.Close(ctx); err != nil {
		return Wrap("engine.close_target", err)
	}
	return nil
}

// Close shuts down the owner-worker loop and the DMA pool. Targets must
// be closed individually first.
func (e *Engine) Close() {
	e.owner.Shutdown()
	e.pool.Shutdown()
}
