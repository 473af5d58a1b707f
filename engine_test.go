package bioengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/bioengine/internal/blobstore"
	"github.com/daos-stack/bioengine/internal/config"
	"github.com/daos-stack/bioengine/internal/device/filedev"
	"github.com/daos-stack/bioengine/internal/dma"
	"github.com/daos-stack/bioengine/internal/logging"
	"github.com/daos-stack/bioengine/internal/wal"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{
		Config:     config.Default(),
		SMDPath:    filepath.Join(t.TempDir(), "smd.json"),
		Registerer: prometheus.NewRegistry(),
		PoolOpts:   dma.Options{MaxChunks: 16},
		Logging:    logging.DefaultConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func addTestDevice(t *testing.T, e *Engine, pciAddr string, role config.Role) uuid.UUID {
	t.Helper()
	drv := filedev.New(4096, 32*1024*1024, 2)
	t.Cleanup(drv.Shutdown)
	dev := uuid.New()
	_, err := e.AddDevice(context.Background(), dev, pciAddr, role, drv)
	require.NoError(t, err)
	return dev
}

func TestEngineCreateTargetCommitCheckpointClose(t *testing.T) {
	e := newTestEngine(t)

	metaDev := addTestDevice(t, e, "0000:01:00.0", config.RoleMeta)
	walDev := addTestDevice(t, e, "0000:02:00.0", config.RoleWAL)
	dataDev := addTestDevice(t, e, "0000:03:00.0", config.RoleData)

	pool := uuid.New()
	// The WAL must clear WalMaxTransBlks blocks of reserve headroom or
	// Commit parks forever waiting for free space.
	spec := TargetSpec{
		MetaDev: metaDev, MetaBytes: 4 * 1024 * 1024,
		WalDev: walDev, WalBytes: 16 * 1024 * 1024,
		DataDev: dataDev, DataBytes: 8 * 1024 * 1024,
	}

	target, err := e.CreateTarget(context.Background(), pool, 0, spec)
	require.NoError(t, err)
	require.NotNil(t, target.WAL)

	tx := wal.ActionList{{Type: wal.ActionAssign, Off: 0, Len: 4, Data: 42}}
	id, err := e.Commit(context.Background(), target, tx, nil)
	require.NoError(t, err)

	require.NoError(t, e.Checkpoint(context.Background(), target, id))

	got, ok := e.Target(pool, 0)
	require.True(t, ok)
	require.Equal(t, target, got)

	require.NoError(t, e.CloseTarget(context.Background(), target))
	_, ok = e.Target(pool, 0)
	require.False(t, ok, "closed target no longer resolvable")
}

func TestEngineCommitWithoutWALFails(t *testing.T) {
	e := newTestEngine(t)
	target := &Target{Pool: uuid.New(), ID: 0}
	_, err := e.Commit(context.Background(), target, wal.ActionList{}, nil)
	require.Error(t, err)
}

func TestEngineCreateTargetRecordsSMDAssignments(t *testing.T) {
	e := newTestEngine(t)

	metaDev := addTestDevice(t, e, "0000:01:00.0", config.RoleMeta)
	dataDev := addTestDevice(t, e, "0000:02:00.0", config.RoleData)

	pool := uuid.New()
	spec := TargetSpec{
		MetaDev: metaDev, MetaBytes: 4 * 1024 * 1024,
		DataDev: dataDev, DataBytes: 4 * 1024 * 1024,
	}

	_, err := e.CreateTarget(context.Background(), pool, 7, spec)
	require.NoError(t, err)

	metaBlob, err := e.SMD().PoolGetBlob(pool, 7, config.RoleMeta)
	require.NoError(t, err)
	require.NotZero(t, metaBlob)

	recs, err := e.SMD().DevGetByTarget(7)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestEngineFaultTriggersLEDReset(t *testing.T) {
	e := newTestEngine(t)
	pciAddr := "0000:04:00.0"
	dev := addTestDevice(t, e, pciAddr, config.RoleData)

	bs := e.blobstores[dev]

	bs.TriggerFault("injected test fault")
	waitForEngineState(t, bs, blobstore.StateOut)

	require.Equal(t, "on", e.LEDs().Get(pciAddr).String(), "fault on the only device behind this PCI address resolves RESET to ON")
}

func waitForEngineState(t *testing.T, bs *blobstore.Blobstore, want blobstore.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bs.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("blobstore never reached state %s, stuck at %s", want, bs.State())
}
