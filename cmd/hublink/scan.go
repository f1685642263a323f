package main

import (
	"cmp"
	"fmt"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/hublink/internal/ble"
)

func newScanCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List hubs advertising the Pybricks service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout <= 0 {
				timeout = a.cfg.Hub.ScanTimeout
			}
			filter := a.cfg.HubOptions().Filter
			devices, err := ble.ScanForDevices(cmd.Context(), a.newAdapter(), ble.PybricksServiceUUID, filter, timeout)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(out, "No hubs found.")
				return nil
			}
			slices.SortFunc(devices, func(x, y ble.Device) int { return cmp.Compare(y.RSSI, x.RSSI) })
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI")
			for _, d := range devices {
				name := d.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d dBm\n", name, d.Address, d.RSSI)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "scan duration (default: hub.scan_timeout)")
	return cmd
}
