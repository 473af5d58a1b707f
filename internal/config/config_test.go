package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "daos_data": {
    "config": [
      {"method": "hotplug_busid_range", "params": {"begin": "0000:80:00.0", "end": "0000:8f:00.0"}},
      {"method": "accel_props", "params": {"engine": "spdk", "opt_mask": 3}},
      {"method": "spdk_rpc_server", "params": {"enable": true, "sock_addr": "/var/run/daos_spdk.sock"}},
      {"method": "auto_faulty", "params": {"enable": true, "max_io_errs": 5, "max_csum_errs": 2}}
    ]
  },
  "subsystems": [
    {
      "name": "bdev",
      "config": [
        {"method": "attach_controller", "params": {"traddr": "0000:81:00.0", "name": "Nvme0n1_6"}}
      ]
    }
  ]
}`

func TestParseConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	require.NotNil(t, cfg.HotplugRange)
	assert.Equal(t, "0000:80:00.0", cfg.HotplugRange.Begin)
	assert.Equal(t, "spdk", cfg.Accel.Engine)
	assert.True(t, cfg.RPCServer.Enable)
	assert.EqualValues(t, 5, cfg.AutoFaulty.MaxIOErrs)

	require.Len(t, cfg.AttachControllers, 1)
	role, err := cfg.AttachControllers[0].RoleMask()
	require.NoError(t, err)
	assert.Equal(t, RoleMeta|RoleWAL, role)
	assert.Equal(t, "meta|wal", role.String())
}

func TestRoleMaskBadSuffix(t *testing.T) {
	ac := AttachController{Name: "Nvme0n1"}
	_, err := ac.RoleMask()
	assert.Error(t, err)
}

func TestDefaultAutoFaulty(t *testing.T) {
	d := DefaultAutoFaulty()
	assert.EqualValues(t, 10, d.MaxIOErrs)
	assert.Equal(t, ^uint32(0), d.MaxCsumErrs)
}

func TestRoleZeroIsData(t *testing.T) {
	assert.Equal(t, "data", Role(0).String())
}
