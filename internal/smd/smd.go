// Package smd implements the persistent device/target table: the
// mapping from (pool, target, role) to blob id and from (device, target)
// to blob id and device health state. The original keeps this table in
// an RDB-replicated VOS tree; absent an RDB client this expansion
// persists it as a JSON snapshot written atomically on every mutation,
// grounded in the absence of any real replicated-KV client in the pack
// (see DESIGN.md).
package smd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/daos-stack/bioengine/internal/config"
	"github.com/daos-stack/bioengine/internal/device"
)

// Role identifies a single device role a lookup is made against.
type Role = config.Role

// RoleMask is the bitmask of roles a blob or device target serves;
// same underlying bits as Role (DATA=1, META=2, WAL=4), named
// separately because PoolAddTarget/DevAddTarget take a combined mask
// while PoolGetBlob takes a single role to resolve against it.
type RoleMask = config.Role

// DeviceState mirrors internal/blobstore's lifecycle states but is its
// own type: the table is the durable side of a transition, not a
// participant in the in-memory state machine, so the two packages stay
// decoupled (blobstore.PersistStateFunc is adapted into DevSetState by
// whatever wires them together, not by a shared import).
type DeviceState int

const (
	DeviceSetup DeviceState = iota
	DeviceNormal
	DeviceFaulty
	DeviceTeardown
	DeviceOut
)

func (s DeviceState) String() string {
	switch s {
	case DeviceSetup:
		return "setup"
	case DeviceNormal:
		return "normal"
	case DeviceFaulty:
		return "faulty"
	case DeviceTeardown:
		return "teardown"
	case DeviceOut:
		return "out"
	default:
		return "unknown"
	}
}

// poolTarget is one pool's claim on a blob, serving the roles in Role.
type poolTarget struct {
	Pool   uuid.UUID     `json:"pool"`
	Target uint32        `json:"target"`
	Blob   device.BlobID `json:"blob"`
	Role   RoleMask      `json:"role"`
	Size   uint64        `json:"size"`
}

// devTarget is one device's claim on a blob serving a target.
type devTarget struct {
	Device uuid.UUID     `json:"device"`
	Target uint32        `json:"target"`
	Blob   device.BlobID `json:"blob"`
	Role   RoleMask      `json:"role"`
}

// DeviceRecord is the caller-facing view of a device's assignment to a
// target, joined with its current persisted state.
type DeviceRecord struct {
	Device uuid.UUID
	Target uint32
	Blob   device.BlobID
	Role   RoleMask
	State  DeviceState
}

// Table is the persistent device/target mapping, per spec.md §6
// ("Persistent table (SMD)").
type Table interface {
	PoolAddTarget(pool uuid.UUID, target uint32, blob device.BlobID, role RoleMask, size uint64) error
	PoolGetBlob(pool uuid.UUID, target uint32, role Role) (device.BlobID, error)
	PoolDelTarget(pool uuid.UUID, target uint32) error
	DevAddTarget(dev uuid.UUID, target uint32, blob device.BlobID, role RoleMask) error
	DevGetByTarget(target uint32) ([]DeviceRecord, error)
	DevSetState(dev uuid.UUID, state DeviceState) error
	DevReplace(oldDev, newDev uuid.UUID, roles RoleMask) error
	DevList() ([]DeviceRecord, error)
}

// snapshot is the on-disk JSON shape persisted on every mutation.
type snapshot struct {
	PoolTargets []poolTarget              `json:"pool_targets"`
	DevTargets  []devTarget               `json:"dev_targets"`
	DevStates   map[uuid.UUID]DeviceState `json:"dev_states"`
}

// JSONTable is a Table backed by an in-memory snapshot written to path
// as JSON after every mutation (write-then-rename, so a crash mid-write
// never leaves a torn file behind).
type JSONTable struct {
	path string

	mu          sync.Mutex
	poolTargets []poolTarget
	devTargets  []devTarget
	devStates   map[uuid.UUID]DeviceState
}

// Open loads path if it exists, or starts an empty table if it
// doesn't. path's parent directory must already exist.
func Open(path string) (*JSONTable, error) {
	t := &JSONTable{path: path, devStates: map[uuid.UUID]DeviceState{}}

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("smd: reading %s: %w", path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(buf, &snap); err != nil {
		return nil, fmt.Errorf("smd: parsing %s: %w", path, err)
	}
	t.poolTargets = snap.PoolTargets
	t.devTargets = snap.DevTargets
	if snap.DevStates != nil {
		t.devStates = snap.DevStates
	}
	return t, nil
}

func (t *JSONTable) persistLocked() error {
	snap := snapshot{PoolTargets: t.poolTargets, DevTargets: t.devTargets, DevStates: t.devStates}
	buf, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("smd: encoding snapshot: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("smd: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("smd: renaming %s to %s: %w", tmp, t.path, err)
	}
	return nil
}

func (t *JSONTable) PoolAddTarget(pool uuid.UUID, target uint32, blob device.BlobID, role RoleMask, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pt := range t.poolTargets {
		if pt.Pool == pool && pt.Target == target && pt.Role&role != 0 {
			return fmt.Errorf("smd: pool %s target %d already has a blob serving role %s", pool, target, role&pt.Role)
		}
	}
	t.poolTargets = append(t.poolTargets, poolTarget{Pool: pool, Target: target, Blob: blob, Role: role, Size: size})
	return t.persistLocked()
}

func (t *JSONTable) PoolGetBlob(pool uuid.UUID, target uint32, role Role) (device.BlobID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pt := range t.poolTargets {
		if pt.Pool == pool && pt.Target == target && pt.Role.Has(role) {
			return pt.Blob, nil
		}
	}
	return 0, fmt.Errorf("smd: no blob for pool %s target %d role %s", pool, target, role)
}

func (t *JSONTable) PoolDelTarget(pool uuid.UUID, target uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.poolTargets[:0]
	found := false
	for _, pt := range t.poolTargets {
		if pt.Pool == pool && pt.Target == target {
			found = true
			continue
		}
		kept = append(kept, pt)
	}
	if !found {
		return fmt.Errorf("smd: no target %d for pool %s", target, pool)
	}
	t.poolTargets = kept
	return t.persistLocked()
}

// DevRegister ensures dev has a state entry (defaulting to DeviceSetup)
// without yet assigning it to any target, so DevSetState can track a
// device's lifecycle from the moment it's attached, before its first
// blob is carved out.
func (t *JSONTable) DevRegister(dev uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.devStates[dev]; ok {
		return nil
	}
	t.devStates[dev] = DeviceSetup
	return t.persistLocked()
}

func (t *JSONTable) DevAddTarget(dev uuid.UUID, target uint32, blob device.BlobID, role RoleMask) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.devTargets = append(t.devTargets, devTarget{Device: dev, Target: target, Blob: blob, Role: role})
	if _, ok := t.devStates[dev]; !ok {
		t.devStates[dev] = DeviceSetup
	}
	return t.persistLocked()
}

func (t *JSONTable) DevGetByTarget(target uint32) ([]DeviceRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []DeviceRecord
	for _, dt := range t.devTargets {
		if dt.Target == target {
			out = append(out, DeviceRecord{Device: dt.Device, Target: dt.Target, Blob: dt.Blob, Role: dt.Role, State: t.devStates[dt.Device]})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("smd: no device assigned to target %d", target)
	}
	return out, nil
}

func (t *JSONTable) DevSetState(dev uuid.UUID, state DeviceState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.devStates[dev]; !ok {
		return fmt.Errorf("smd: unknown device %s", dev)
	}
	t.devStates[dev] = state
	return t.persistLocked()
}

// DevReplace reassigns every devTarget entry for oldDev whose role
// overlaps roles to newDev, carrying newDev's state over from oldDev's
// if newDev is unseen (a hot-plug replacement inherits nothing; a
// pre-existing spare keeps its own state).
func (t *JSONTable) DevReplace(oldDev, newDev uuid.UUID, roles RoleMask) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	matched := false
	for i := range t.devTargets {
		dt := &t.devTargets[i]
		if dt.Device == oldDev && dt.Role&roles != 0 {
			dt.Device = newDev
			matched = true
		}
	}
	if !matched {
		return fmt.Errorf("smd: device %s has no target serving role %s", oldDev, roles)
	}
	if _, ok := t.devStates[newDev]; !ok {
		t.devStates[newDev] = DeviceSetup
	}
	return t.persistLocked()
}

func (t *JSONTable) DevList() ([]DeviceRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]DeviceRecord, 0, len(t.devTargets))
	for _, dt := range t.devTargets {
		out = append(out, DeviceRecord{Device: dt.Device, Target: dt.Target, Blob: dt.Blob, Role: dt.Role, State: t.devStates[dt.Device]})
	}
	return out, nil
}

var _ Table = (*JSONTable)(nil)

// PathFor builds the conventional snapshot path for a control-plane
// directory: <dir>/smd.json.
func PathFor(dir string) string { return filepath.Join(dir, "smd.json") }
