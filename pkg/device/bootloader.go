package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nabu-linux/lon-deployer/pkg/adb"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// Verify checks the bootloader's product name. A foreign device is rebooted
// and reported as ErrDeviceMismatch.
func (d *Device) Verify(ctx context.Context) error {
	if err := d.require("verify", Bootloader); err != nil {
		return err
	}
	out, err := d.fb.GetVar(ctx, d.serial, "product")
	if err != nil {
		return err
	}
	if !strings.Contains(out, d.opts.Product) {
		slog.Error("device_product_mismatch", "serial", d.serial, "want", d.opts.Product, "output", strings.TrimSpace(out))
		d.Reboot(ctx)
		return fmt.Errorf("%w: expected product %q", errors.ErrDeviceMismatch, d.opts.Product)
	}
	slog.Info("device_verified", "serial", d.serial, "product", d.opts.Product)
	return nil
}

// PartitionsCompatible reports whether the linux and esp partitions exist.
func (d *Device) PartitionsCompatible(ctx context.Context) (bool, error) {
	if err := d.require("probe partitions", Bootloader); err != nil {
		return false, err
	}
	compatible := true
	for _, part := range []string{"linux", "esp"} {
		ok, err := d.hasPartition(ctx, part)
		if err != nil {
			return false, err
		}
		slog.Debug("partition_probe", "serial", d.serial, "partition", part, "present", ok)
		compatible = compatible && ok
	}
	return compatible, nil
}

func (d *Device) hasPartition(ctx context.Context, name string) (bool, error) {
	out, err := d.fb.GetVar(ctx, d.serial, "partition-type:"+name)
	if err != nil {
		var de *errors.DeviceError
		if errors.As(err, &de) && de.Cause == errors.CauseCommandFailed && strings.Contains(de.Output, "FAILED") {
			return false, nil
		}
		return false, err
	}
	return !strings.Contains(out, "FAILED"), nil
}

// RestoreStockLayout flashes the stock partition table and an empty userdata.
func (d *Device) RestoreStockLayout(ctx context.Context, gpt, userdata []byte) error {
	if err := d.require("restore stock layout", Bootloader); err != nil {
		return err
	}
	slog.Info("restore_stock_layout", "serial", d.serial)
	if err := d.fb.Flash(ctx, d.serial, "partition:0", gpt); err != nil {
		return err
	}
	return d.fb.Flash(ctx, d.serial, "userdata", userdata)
}

// Clean erases the linux and esp partitions.
func (d *Device) Clean(ctx context.Context) error {
	if err := d.require("clean", Bootloader); err != nil {
		return err
	}
	for _, part := range []string{"linux", "esp"} {
		if err := d.fb.Erase(ctx, d.serial, part); err != nil {
			return err
		}
	}
	return nil
}

// BootRecovery boots the recovery image and waits for the device to attach
// in recovery mode. A rejected image reboots the device.
func (d *Device) BootRecovery(ctx context.Context, image string) error {
	if err := d.require("boot recovery", Bootloader); err != nil {
		return err
	}
	if err := d.fb.Boot(ctx, d.serial, image); err != nil {
		if errors.Is(err, errors.ErrUnauthorizedBootImage) {
			d.Reboot(ctx)
		}
		return err
	}

	if err := d.bridge.WaitFor(ctx, d.serial, adb.StateRecovery); err != nil {
		if errors.Is(err, errors.ErrWaitTimeout) {
			d.setMode(Absent)
		}
		return err
	}
	d.setMode(Recovery)
	return nil
}

// FlashBoot writes the image at path to the boot partition and reboots into
// the system.
func (d *Device) FlashBoot(ctx context.Context, path string) error {
	if err := d.require("flash boot", Recovery, Bootloader); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read boot image")
	}
	if err := d.EnterBootloader(ctx); err != nil {
		return err
	}
	slog.Info("flash_boot", "serial", d.serial, "image", path, "size", len(data))
	if err := d.fb.Flash(ctx, d.serial, "boot", data); err != nil {
		return err
	}
	return d.Reboot(ctx)
}
