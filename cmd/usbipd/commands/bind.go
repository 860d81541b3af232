package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/benmcmorran/usbipd-win/enumerate"
)

var (
	bindBusID string
	bindAll   bool
)

var bindCmd = &cobra.Command{
	Use:   "bind",
	Short: "Share a USB device over USB/IP",
	RunE:  runBind,
}

func init() {
	bindCmd.Flags().StringVarP(&bindBusID, "busid", "b", "", "bus id of the device to share")
	bindCmd.Flags().BoolVarP(&bindAll, "all", "a", false, "share every device currently present")
}

func runBind(cmd *cobra.Command, _ []string) error {
	if bindBusID == "" && !bindAll {
		return fmt.Errorf("one of -b/--busid or -a/--all is required")
	}

	devices, err := newEnumerator(nil).Enumerate()
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}
	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	ctx := context.Background()

	if bindAll {
		for _, dev := range devices {
			if err := bindOne(ctx, reg, dev); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed to bind %s: %v\n", dev.BusID, err)
			}
		}
		return nil
	}

	for _, dev := range devices {
		if dev.BusID == bindBusID {
			return bindOne(ctx, reg, dev)
		}
	}
	exitf("device with bus id %q not found", bindBusID)
	return nil
}

func bindOne(ctx context.Context, reg interface {
	Bind(ctx context.Context, busID, friendlyName string) error
}, dev enumerate.Device) error {
	friendlyName := fmt.Sprintf("%04x:%04x", dev.VendorID, dev.ProductID)
	if errs := validation.IsValidLabelValue(friendlyName); len(errs) > 0 {
		friendlyName = dev.BusID
	}
	return reg.Bind(ctx, dev.BusID, friendlyName)
}
