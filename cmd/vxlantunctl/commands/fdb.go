package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vxlantun/vxlantund/internal/control"
)

// errMACRequired is returned when the mac argument is missing from fdb add/del.
var errMACRequired = errors.New("mac argument is required")

func fdbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fdb",
		Short: "Manage a VXLAN endpoint's forwarding database",
	}

	cmd.AddCommand(fdbAddCmd())
	cmd.AddCommand(fdbDelCmd())
	cmd.AddCommand(fdbDumpCmd())

	return cmd
}

// --- fdb add ---

func fdbAddCmd() *cobra.Command {
	var req control.AddFDBRequest

	cmd := &cobra.Command{
		Use:   "add <mac>",
		Short: "Add or update a forwarding database entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if args[0] == "" {
				return errMACRequired
			}
			req.MAC = args[0]

			if err := client.addFDB(context.Background(), req); err != nil {
				return fmt.Errorf("add fdb entry: %w", err)
			}

			fmt.Printf("FDB entry %s -> %s added.\n", req.MAC, req.RemoteIP)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint32Var(&req.VNI, "vni", 0, "VXLAN network identifier (required)")
	flags.StringVar(&req.Namespace, "namespace", "", "network namespace")
	flags.Uint16Var(&req.Port, "port", 0, "endpoint's destination UDP port; 0 defaults to 4789")
	flags.StringVar(&req.RemoteIP, "remote", "", "remote destination IP (required)")
	flags.Uint16Var(&req.RemotePort, "remote-port", 0, "remote destination UDP port override")
	flags.Uint32Var(&req.RemoteVNI, "remote-vni", 0, "remote VNI override")
	flags.BoolVar(&req.Permanent, "permanent", false, "create a permanent entry, exempt from ageing")
	flags.BoolVar(&req.Append, "append", false, "append instead of replacing an existing entry")

	return cmd
}

// --- fdb del ---

func fdbDelCmd() *cobra.Command {
	var req control.DelFDBRequest

	cmd := &cobra.Command{
		Use:   "del <mac>",
		Short: "Delete a forwarding database entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if args[0] == "" {
				return errMACRequired
			}
			req.MAC = args[0]

			if err := client.delFDB(context.Background(), req); err != nil {
				return fmt.Errorf("delete fdb entry: %w", err)
			}

			fmt.Printf("FDB entry %s deleted.\n", req.MAC)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint32Var(&req.VNI, "vni", 0, "VXLAN network identifier (required)")
	flags.StringVar(&req.Namespace, "namespace", "", "network namespace")
	flags.Uint16Var(&req.Port, "port", 0, "endpoint's destination UDP port; 0 defaults to 4789")
	flags.StringVar(&req.RemoteIP, "remote", "", "only delete the entry matching this remote IP")

	return cmd
}

// --- fdb dump ---

func fdbDumpCmd() *cobra.Command {
	var (
		vni       uint32
		port      uint16
		namespace string
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump (or flush, with --all) a VXLAN endpoint's forwarding database",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			records, err := client.dumpFDB(context.Background(), vni, port, namespace, all)
			if err != nil {
				return fmt.Errorf("dump fdb: %w", err)
			}
			if all {
				fmt.Printf("FDB for vni=%d flushed.\n", vni)
				return nil
			}

			out, err := formatFDBRecords(records, outputFormat)
			if err != nil {
				return fmt.Errorf("format fdb records: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint32Var(&vni, "vni", 0, "VXLAN network identifier (required)")
	flags.Uint16Var(&port, "port", 0, "endpoint's destination UDP port; 0 defaults to 4789")
	flags.StringVar(&namespace, "namespace", "", "network namespace")
	flags.BoolVar(&all, "all", false, "flush every entry except the all-zero default instead of dumping")

	return cmd
}

func parseVNIPortArgs(vniArg, portArg string) (vni uint32, port uint16, err error) {
	v, err := strconv.ParseUint(vniArg, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse vni %q: %w", vniArg, err)
	}
	p, err := strconv.ParseUint(portArg, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("parse port %q: %w", portArg, err)
	}
	return uint32(v), uint16(p), nil
}
