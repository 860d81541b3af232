package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benmcmorran/usbipd-win/registry"
)

var (
	unbindBusID string
	unbindGUID  string
	unbindAll   bool
)

var unbindCmd = &cobra.Command{
	Use:   "unbind",
	Short: "Stop sharing a USB device",
	RunE:  runUnbind,
}

func init() {
	unbindCmd.Flags().StringVarP(&unbindBusID, "busid", "b", "", "bus id of the device to unshare")
	unbindCmd.Flags().StringVarP(&unbindGUID, "guid", "g", "", "GUID of the share to remove")
	unbindCmd.Flags().BoolVarP(&unbindAll, "all", "a", false, "unshare every device")
}

func runUnbind(cmd *cobra.Command, _ []string) error {
	if unbindBusID == "" && unbindGUID == "" && !unbindAll {
		return fmt.Errorf("one of -b/--busid, -g/--guid, or -a/--all is required")
	}

	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	ctx := context.Background()

	switch {
	case unbindAll:
		shares, err := reg.AllShared(ctx)
		if err != nil {
			return fmt.Errorf("failed to list shared devices: %w", err)
		}
		for _, s := range shares {
			if _, attached := reg.AttachedTo(s.BusID); attached {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: currently attached\n", s.BusID)
				continue
			}
			if err := reg.Unbind(ctx, s.BusID); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed to unbind %s: %v\n", s.BusID, err)
			}
		}
		return nil
	case unbindGUID != "":
		return unbindByGUID(ctx, reg)
	default:
		return unbindByBusID(ctx, reg)
	}
}

func unbindByBusID(ctx context.Context, reg *registry.Registry) error {
	if _, attached := reg.AttachedTo(unbindBusID); attached {
		exitf("device %s is currently attached", unbindBusID)
	}
	if err := reg.Unbind(ctx, unbindBusID); err != nil {
		if err == registry.ErrShareNotFound {
			exitf("bus id %q is not shared", unbindBusID)
		}
		return err
	}
	return nil
}

func unbindByGUID(ctx context.Context, reg *registry.Registry) error {
	shares, err := reg.AllShared(ctx)
	if err != nil {
		return fmt.Errorf("failed to list shared devices: %w", err)
	}
	for _, s := range shares {
		if s.GUID != unbindGUID {
			continue
		}
		if _, attached := reg.AttachedTo(s.BusID); attached {
			exitf("device %s is currently attached", s.BusID)
		}
	}
	if err := reg.UnbindByGUID(ctx, unbindGUID); err != nil {
		if err == registry.ErrShareNotFound {
			exitf("no share found with GUID %q", unbindGUID)
		}
		return err
	}
	return nil
}
