// Package config parses the engine's JSON configuration into an
// immutable EngineConfig, plumbed through constructors rather than
// held in package-level globals.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Role is a bit in the per-device role bitmask.
type Role uint8

const (
	RoleData Role = 1 << 0
	RoleMeta Role = 1 << 1
	RoleWAL  Role = 1 << 2
)

func (r Role) Has(bit Role) bool { return r&bit != 0 }

// String renders the mask as e.g. "data|meta|wal".
func (r Role) String() string {
	if r == 0 {
		return "data" // role=0 is treated as DATA-only
	}
	var parts []string
	if r.Has(RoleData) {
		parts = append(parts, "data")
	}
	if r.Has(RoleMeta) {
		parts = append(parts, "meta")
	}
	if r.Has(RoleWAL) {
		parts = append(parts, "wal")
	}
	return strings.Join(parts, "|")
}

// BusIDRange is an inclusive PCI bus-address filter used for hot-plug
// detection scope.
type BusIDRange struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

// AccelProps selects the acceleration engine used for checksum/copy
// offload (e.g. "spdk", "dpdk", "none") and its optional feature mask.
type AccelProps struct {
	Engine  string `json:"engine"`
	OptMask uint32 `json:"opt_mask"`
}

// SPDKRPCServer controls the optional SPDK JSON-RPC admin socket.
type SPDKRPCServer struct {
	Enable   bool   `json:"enable"`
	SockAddr string `json:"sock_addr"`
}

// AutoFaulty controls the auto-faulty detector thresholds.
type AutoFaulty struct {
	Enable      bool   `json:"enable"`
	MaxIOErrs   uint32 `json:"max_io_errs"`
	MaxCsumErrs uint32 `json:"max_csum_errs"`
}

// DefaultAutoFaulty returns the out-of-the-box thresholds: 10 io errors,
// effectively unlimited checksum errors.
func DefaultAutoFaulty() AutoFaulty {
	return AutoFaulty{Enable: true, MaxIOErrs: 10, MaxCsumErrs: ^uint32(0)}
}

// AttachController describes one `subsystems.bdev.config[]` entry of
// method "attach_controller": a PCI-attached NVMe controller plus the
// role bitmask encoded in the trailing "_N" of its name.
type AttachController struct {
	TrAddr string `json:"traddr"`
	Name   string `json:"name"`
}

// RoleMask decodes the role bitmask (0-7) from the suffix of Name after
// the last underscore, e.g. "Nvme0n1_6" -> META|WAL.
func (a AttachController) RoleMask() (Role, error) {
	idx := strings.LastIndex(a.Name, "_")
	if idx < 0 || idx == len(a.Name)-1 {
		return 0, fmt.Errorf("attach_controller name %q has no role suffix", a.Name)
	}
	n, err := strconv.ParseUint(a.Name[idx+1:], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("attach_controller name %q: invalid role suffix: %w", a.Name, err)
	}
	if n > 7 {
		return 0, fmt.Errorf("attach_controller name %q: role mask %d out of range 0-7", a.Name, n)
	}
	return Role(n), nil
}

// entry mirrors one element of daos_data.config[], tagged by Method so
// only the fields relevant to that method are populated.
type entry struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// EngineConfig is the fully-parsed, immutable configuration for one
// engine instance. Construct it once at startup via Parse and pass it
// down to constructors; nothing in this package is mutated afterward.
type EngineConfig struct {
	HotplugRange      *BusIDRange
	Accel             AccelProps
	RPCServer         SPDKRPCServer
	AutoFaulty        AutoFaulty
	AttachControllers []AttachController

	// ChunkPageCount/PageSize default the DMA chunk size to 8 MiB
	// (2048 x 4 KiB pages); configurable for tests.
	ChunkPageCount int
	PageSize       int

	BypassHealthCollect bool
}

// Default returns the out-of-the-box defaults for everything not
// present in a JSON config.
func Default() EngineConfig {
	return EngineConfig{
		Accel:          AccelProps{Engine: "none"},
		AutoFaulty:     DefaultAutoFaulty(),
		ChunkPageCount: 2048,
		PageSize:       4096,
	}
}

// Parse reads daos_data.config[] from r and overlays it onto Default().
func Parse(r io.Reader) (EngineConfig, error) {
	cfg := Default()

	var doc struct {
		DaosData struct {
			Config []entry `json:"config"`
		} `json:"daos_data"`
		Subsystems []struct {
			Name   string  `json:"name"`
			Config []entry `json:"config"`
		} `json:"subsystems"`
	}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return cfg, fmt.Errorf("config: decode: %w", err)
	}

	for _, e := range doc.DaosData.Config {
		switch e.Method {
		case "hotplug_busid_range":
			var v BusIDRange
			if err := json.Unmarshal(e.Params, &v); err != nil {
				return cfg, fmt.Errorf("config: hotplug_busid_range: %w", err)
			}
			cfg.HotplugRange = &v
		case "accel_props":
			if err := json.Unmarshal(e.Params, &cfg.Accel); err != nil {
				return cfg, fmt.Errorf("config: accel_props: %w", err)
			}
		case "spdk_rpc_server":
			if err := json.Unmarshal(e.Params, &cfg.RPCServer); err != nil {
				return cfg, fmt.Errorf("config: spdk_rpc_server: %w", err)
			}
		case "auto_faulty":
			if err := json.Unmarshal(e.Params, &cfg.AutoFaulty); err != nil {
				return cfg, fmt.Errorf("config: auto_faulty: %w", err)
			}
		}
	}

	for _, sub := range doc.Subsystems {
		if sub.Name != "bdev" {
			continue
		}
		for _, e := range sub.Config {
			if e.Method != "attach_controller" {
				continue
			}
			var v AttachController
			if err := json.Unmarshal(e.Params, &v); err != nil {
				return cfg, fmt.Errorf("config: attach_controller: %w", err)
			}
			cfg.AttachControllers = append(cfg.AttachControllers, v)
		}
	}

	return cfg, nil
}
