//go:build linux

package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/daos-stack/bioengine/internal/config"
	"github.com/daos-stack/bioengine/internal/smd"
)

var smdCmd = &cobra.Command{
	Use:   "smd",
	Short: "Inspect the persistent device/target table",
}

var smdListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every device-target assignment",
	RunE:  runSMDList,
}

var smdGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Resolve the blob backing one (pool, target, role)",
	RunE:  runSMDGet,
}

func init() {
	smdCmd.PersistentFlags().String("path", "smd.json", "Path to the SMD snapshot file")

	smdGetCmd.Flags().String("pool", "", "Pool UUID (required)")
	smdGetCmd.Flags().Uint32("target", 0, "Target id")
	smdGetCmd.Flags().String("role", "data", "Role to resolve: data, meta, or wal")
	_ = smdGetCmd.MarkFlagRequired("pool")

	smdCmd.AddCommand(smdListCmd, smdGetCmd)
}

func openSMD(cmd *cobra.Command) (*smd.JSONTable, error) {
	path, _ := cmd.Flags().GetString("path")
	return smd.Open(path)
}

func runSMDList(cmd *cobra.Command, args []string) error {
	table, err := openSMD(cmd)
	if err != nil {
		return err
	}
	recs, err := table.DevList()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no devices registered")
		return nil
	}
	fmt.Printf("%-36s  %-8s  %-20s  %-6s  %s\n", "DEVICE", "TARGET", "BLOB", "ROLE", "STATE")
	for _, r := range recs {
		fmt.Printf("%-36s  %-8d  %-20d  %-6s  %s\n", r.Device, r.Target, r.Blob, r.Role, r.State)
	}
	return nil
}

func roleFromFlag(name string) (config.Role, error) {
	switch name {
	case "data":
		return config.RoleData, nil
	case "meta":
		return config.RoleMeta, nil
	case "wal":
		return config.RoleWAL, nil
	default:
		return 0, fmt.Errorf("unknown role %q (want data, meta, or wal)", name)
	}
}

func runSMDGet(cmd *cobra.Command, args []string) error {
	table, err := openSMD(cmd)
	if err != nil {
		return err
	}
	poolStr, _ := cmd.Flags().GetString("pool")
	pool, err := uuid.Parse(poolStr)
	if err != nil {
		return fmt.Errorf("invalid pool uuid: %w", err)
	}
	target, _ := cmd.Flags().GetUint32("target")
	roleStr, _ := cmd.Flags().GetString("role")
	role, err := roleFromFlag(roleStr)
	if err != nil {
		return err
	}

	blob, err := table.PoolGetBlob(pool, target, role)
	if err != nil {
		return err
	}
	fmt.Printf("blob=%d\n", blob)
	return nil
}
