package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client is the control API client, initialized in PersistentPreRunE.
	client *apiClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's control API address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for vxlantunctl.
var rootCmd = &cobra.Command{
	Use:   "vxlantunctl",
	Short: "CLI client for the vxlantund daemon",
	Long:  "vxlantunctl communicates with the vxlantund daemon's control API to manage VXLAN endpoints and forwarding databases.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newAPIClient(serverAddr)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8472",
		"vxlantund control API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(endpointCmd())
	rootCmd.AddCommand(fdbCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
