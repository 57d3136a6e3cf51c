package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/vxlantun/vxlantund/internal/control"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatEndpoints renders a slice of endpoints in the requested format.
func formatEndpoints(views []control.EndpointView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(views)
	case formatTable:
		return formatEndpointsTable(views), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEndpoint renders a single endpoint in the requested format.
func formatEndpoint(view control.EndpointView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(view)
	case formatTable:
		return formatEndpointsTable([]control.EndpointView{view}), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatCounters renders an endpoint's counters in the requested format.
func formatCounters(view control.CountersView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(view)
	case formatTable:
		return formatCountersTable(view), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatFDBRecords renders a slice of FDB records in the requested format.
func formatFDBRecords(records []control.FDBRecordView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(records)
	case formatTable:
		return formatFDBRecordsTable(records), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

func formatEndpointsTable(views []control.EndpointView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VNI\tNAMESPACE\tPORT\tSTATE\tRX-PACKETS\tTX-PACKETS")

	for _, v := range views {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%d\n",
			v.VNI, v.Namespace, v.DstPort, v.State,
			v.Counters.RxPackets, v.Counters.TxPackets,
		)
	}

	_ = w.Flush()
	return buf.String()
}

func formatCountersTable(c control.CountersView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "RX Packets:\t%d\n", c.RxPackets)
	fmt.Fprintf(w, "RX Bytes:\t%d\n", c.RxBytes)
	fmt.Fprintf(w, "TX Packets:\t%d\n", c.TxPackets)
	fmt.Fprintf(w, "TX Bytes:\t%d\n", c.TxBytes)
	fmt.Fprintf(w, "RX Frame Errors:\t%d\n", c.RxFrameErrors)
	fmt.Fprintf(w, "RX Dropped:\t%d\n", c.RxDropped)
	fmt.Fprintf(w, "TX Dropped:\t%d\n", c.TxDropped)
	fmt.Fprintf(w, "TX Errors:\t%d\n", c.TxErrors)
	fmt.Fprintf(w, "TX Carrier Errors:\t%d\n", c.TxCarrierErrors)
	fmt.Fprintf(w, "TX Aborted Errors:\t%d\n", c.TxAbortedErrors)
	fmt.Fprintf(w, "Collisions:\t%d\n", c.Collisions)

	_ = w.Flush()
	return buf.String()
}

func formatFDBRecordsTable(records []control.FDBRecordView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MAC\tREMOTE-IP\tREMOTE-PORT\tREMOTE-VNI\tSTATE\tSELF\tROUTER")

	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%t\t%t\n",
			r.MAC, r.RemoteIP, r.RemotePort, r.RemoteVNI, r.State, r.Self, r.Router,
		)
	}

	_ = w.Flush()
	return buf.String()
}
