package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vxlantun/vxlantund/internal/control"
)

func endpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage VXLAN endpoints",
	}

	cmd.AddCommand(endpointListCmd())
	cmd.AddCommand(endpointStatsCmd())
	cmd.AddCommand(endpointAddCmd())
	cmd.AddCommand(endpointDeleteCmd())

	return cmd
}

// --- endpoint list ---

func endpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all VXLAN endpoints",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			views, err := client.listEndpoints(context.Background())
			if err != nil {
				return fmt.Errorf("list endpoints: %w", err)
			}

			out, err := formatEndpoints(views, outputFormat)
			if err != nil {
				return fmt.Errorf("format endpoints: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- endpoint stats ---

func endpointStatsCmd() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "stats <vni> <port>",
		Short: "Show counters for a VXLAN endpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			vni, port, err := parseVNIPortArgs(args[0], args[1])
			if err != nil {
				return err
			}

			view, err := client.endpointStats(context.Background(), vni, port, namespace)
			if err != nil {
				return fmt.Errorf("endpoint stats: %w", err)
			}

			out, err := formatCounters(view, outputFormat)
			if err != nil {
				return fmt.Errorf("format counters: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "network namespace")
	return cmd
}

// --- endpoint add ---

func endpointAddCmd() *cobra.Command {
	var req control.CreateEndpointRequest

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a new VXLAN endpoint",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			view, err := client.createEndpoint(context.Background(), req)
			if err != nil {
				return fmt.Errorf("create endpoint: %w", err)
			}

			out, err := formatEndpoint(view, outputFormat)
			if err != nil {
				return fmt.Errorf("format endpoint: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint32Var(&req.VNI, "vni", 0, "VXLAN network identifier, 24-bit (required)")
	flags.StringVar(&req.Namespace, "namespace", "", "network namespace")
	flags.StringVar(&req.DefaultRemote, "remote", "", "default remote destination IP (unicast or multicast group)")
	flags.Uint32Var(&req.LinkIndex, "link", 0, "lower device interface index")
	flags.StringVar(&req.LocalSourceIP, "local", "", "local source IP for encapsulation")
	flags.Uint8Var(&req.TOS, "tos", 0, "outer IP TOS; 1 inherits the inner DSCP")
	flags.Uint8Var(&req.TTL, "ttl", 0, "outer IP TTL; 0 defaults to 64 (1 for multicast)")
	flags.BoolVar(&req.Learning, "learning", true, "learn remote MACs from received traffic")
	flags.BoolVar(&req.Proxy, "proxy", false, "answer ARP requests from the neighbour cache")
	flags.BoolVar(&req.RSC, "rsc", false, "enable route short-circuit for local delivery")
	flags.BoolVar(&req.L2Miss, "l2miss", false, "notify on FDB miss")
	flags.BoolVar(&req.L3Miss, "l3miss", false, "notify on neighbour miss")
	flags.Uint32Var(&req.AgeIntervalSec, "age-interval", 300, "FDB ageing interval in seconds; 0 disables ageing")
	flags.IntVar(&req.FDBMaxEntries, "fdb-limit", 0, "maximum FDB entries; 0 is unlimited")
	flags.Uint16Var(&req.SrcPortLo, "src-port-lo", 0, "low end of the source UDP port range")
	flags.Uint16Var(&req.SrcPortHi, "src-port-hi", 0, "high end of the source UDP port range")
	flags.Uint16Var(&req.DstPort, "port", 0, "destination UDP port; 0 defaults to 4789")
	flags.StringVar(&req.LocalMAC, "mac", "", "this endpoint's own MAC, for loop suppression")
	flags.StringVar(&req.MulticastIface, "mcast-iface", "", "outgoing interface for a multicast default remote")

	return cmd
}

// --- endpoint delete ---

func endpointDeleteCmd() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:   "delete <vni> <port>",
		Short: "Delete a VXLAN endpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			vni, port, err := parseVNIPortArgs(args[0], args[1])
			if err != nil {
				return err
			}

			if err := client.deleteEndpoint(context.Background(), vni, port, namespace); err != nil {
				return fmt.Errorf("delete endpoint: %w", err)
			}

			fmt.Printf("Endpoint vni=%d port=%d deleted.\n", vni, port)
			return nil
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "network namespace")
	return cmd
}
