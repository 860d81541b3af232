package commands

import (
	"context"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/benmcmorran/usbipd-win/enumerate"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List present and shared USB devices",
	RunE:  runList,
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}

	shares, err := reg.AllShared(ctx)
	if err != nil {
		return fmt.Errorf("failed to list shared devices: %w", err)
	}
	shareByBusID := make(map[string]string, len(shares))
	for _, s := range shares {
		shareByBusID[s.BusID] = s.GUID
	}

	devices, err := newEnumerator(nil).Enumerate()
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"BUSID", "VID:PID", "STATE", "GUID"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	seen := make(map[string]bool, len(devices))
	for _, dev := range devices {
		seen[dev.BusID] = true
		state, guid := "not shared", ""
		if guid2, shared := shareByBusID[dev.BusID]; shared {
			guid = guid2
			if addr, attached := reg.AttachedTo(dev.BusID); attached {
				state = "attached to " + addr
			} else {
				state = "shared"
			}
		}
		table.Append([]string{dev.BusID, vidPid(dev), state, guid})
	}
	// Persisted shares for devices no longer physically present.
	for _, s := range shares {
		if seen[s.BusID] {
			continue
		}
		table.Append([]string{s.BusID, "-", "shared (not present)", s.GUID})
	}

	table.Render()
	return nil
}

func vidPid(dev enumerate.Device) string {
	return fmt.Sprintf("%04x:%04x", dev.VendorID, dev.ProductID)
}
