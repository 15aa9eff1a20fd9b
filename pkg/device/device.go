// Package device tracks which mode a nabu tablet is in and performs the
// transitions between normal, bootloader and recovery modes.
//
// Every operation checks the mode it needs before talking to the device.
// An operation on an Absent device fails with ErrDeviceNotFound without
// any transport call.
package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/nabu-linux/lon-deployer/pkg/adb"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// Mode is the device's current operating mode.
type Mode int

const (
	Absent Mode = iota
	Normal
	Bootloader
	Recovery
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Bootloader:
		return "bootloader"
	case Recovery:
		return "recovery"
	}
	return "absent"
}

// Fastboot is the bootloader channel.
type Fastboot interface {
	ListDevices(ctx context.Context) ([]string, error)
	GetVar(ctx context.Context, serial, name string) (string, error)
	WaitForBootloader(ctx context.Context, serial string) error
	Boot(ctx context.Context, serial, path string) error
	Flash(ctx context.Context, serial, partition string, data []byte) error
	Erase(ctx context.Context, serial, partition string) error
	Reboot(ctx context.Context, serial string) error
}

// Bridge is the adb channel used in normal and recovery modes.
type Bridge interface {
	Devices(ctx context.Context) ([]adb.Device, error)
	RebootBootloader(ctx context.Context, serial string) error
	Reboot(ctx context.Context, serial string) error
	WaitFor(ctx context.Context, serial, state string) error
	Shell(ctx context.Context, serial, cmd string) (string, error)
	Run(ctx context.Context, serial, cmd string) (string, int, error)
	OpenStream(ctx context.Context, serial string, port int) (net.Conn, error)
	Push(ctx context.Context, serial, local, remote string) error
	Pull(ctx context.Context, serial, remote string) (io.ReadCloser, error)
	Stat(ctx context.Context, serial, remote string) (adb.FileInfo, error)
}

// Options tunes device timing and identity.
type Options struct {
	// Product is the substring "getvar product" must contain.
	Product string
	// WaitAttempts bounds bootloader polling after a reboot.
	WaitAttempts int
	// PollInterval separates bootloader polls.
	PollInterval time.Duration
	// Settle is the pause after repartitioning and before connecting to the
	// on-device listener.
	Settle time.Duration
	// TransferTimeout bounds the wait for the on-device listener after the
	// host finished sending.
	TransferTimeout time.Duration
	// FreePort picks the listener port.
	FreePort func() (int, error)
}

// DefaultOptions returns the stock nabu settings.
func DefaultOptions() Options {
	return Options{
		Product:         "nabu",
		WaitAttempts:    3,
		PollInterval:    time.Second,
		Settle:          3 * time.Second,
		TransferTimeout: 30 * time.Minute,
		FreePort:        adb.FreePort,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Product == "" {
		o.Product = def.Product
	}
	if o.WaitAttempts <= 0 {
		o.WaitAttempts = def.WaitAttempts
	}
	if o.TransferTimeout <= 0 {
		o.TransferTimeout = def.TransferTimeout
	}
	if o.FreePort == nil {
		o.FreePort = def.FreePort
	}
	return o
}

// Device is one attached tablet.
type Device struct {
	serial string
	mode   Mode
	fb     Fastboot
	bridge Bridge
	opts   Options
}

// New returns a device known to be in mode.
func New(serial string, mode Mode, fb Fastboot, bridge Bridge, opts Options) *Device {
	return &Device{serial: serial, mode: mode, fb: fb, bridge: bridge, opts: opts.withDefaults()}
}

// Serial returns the device serial.
func (d *Device) Serial() string {
	return d.serial
}

// Mode returns the last known mode.
func (d *Device) Mode() Mode {
	return d.mode
}

func (d *Device) setMode(m Mode) {
	if d.mode != m {
		slog.Info("device_mode_change", "serial", d.serial, "from", d.mode.String(), "to", m.String())
	}
	d.mode = m
}

// require checks that the device is in one of the allowed modes.
func (d *Device) require(op string, allowed ...Mode) error {
	if d.mode == Absent {
		return fmt.Errorf("%s: %w", op, errors.ErrDeviceNotFound)
	}
	if !slices.Contains(allowed, d.mode) {
		return fmt.Errorf("%s: %w: in %s mode", op, errors.ErrWrongMode, d.mode)
	}
	return nil
}

// Discover finds the device on either channel. A non-empty serial must be
// attached; otherwise exactly one device must be attached overall.
func Discover(ctx context.Context, fb Fastboot, bridge Bridge, serial string, opts Options) (*Device, error) {
	fbSerials, err := fb.ListDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list fastboot devices")
	}
	var adbDevices []adb.Device
	if bridge != nil {
		adbDevices, err = bridge.Devices(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list adb devices")
		}
	}
	slog.Info("device_discovery", "fastboot", len(fbSerials), "adb", len(adbDevices), "requested", serial)

	adbMode := func(dev adb.Device) Mode {
		if dev.State == adb.StateRecovery {
			return Recovery
		}
		return Normal
	}

	if serial != "" {
		if slices.Contains(fbSerials, serial) {
			return New(serial, Bootloader, fb, bridge, opts), nil
		}
		for _, dev := range adbDevices {
			if dev.Serial == serial {
				return New(serial, adbMode(dev), fb, bridge, opts), nil
			}
		}
		return nil, fmt.Errorf("%w: serial %s", errors.ErrDeviceNotFound, serial)
	}

	switch {
	case len(fbSerials)+len(adbDevices) == 0:
		return nil, errors.ErrDeviceNotFound
	case len(fbSerials) == 1 && len(adbDevices) == 0:
		return New(fbSerials[0], Bootloader, fb, bridge, opts), nil
	case len(adbDevices) == 1 && len(fbSerials) == 0:
		return New(adbDevices[0].Serial, adbMode(adbDevices[0]), fb, bridge, opts), nil
	}
	return nil, errors.ErrAmbiguousDevice
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// waitBootloader polls fastboot until the device answers. Exhaustion marks
// the device Absent.
func (d *Device) waitBootloader(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= d.opts.WaitAttempts; attempt++ {
		if err = d.fb.WaitForBootloader(ctx, d.serial); err == nil {
			d.setMode(Bootloader)
			return nil
		}
		if errors.Is(err, errors.ErrToolMissing) || ctx.Err() != nil {
			return err
		}
		slog.Debug("bootloader_poll", "serial", d.serial, "attempt", attempt, "error", err)
		if serr := sleep(ctx, d.opts.PollInterval); serr != nil {
			return serr
		}
	}
	slog.Error("bootloader_wait_exhausted", "serial", d.serial, "attempts", d.opts.WaitAttempts)
	d.setMode(Absent)
	return err
}

// EnterBootloader reboots a device in normal or recovery mode into its
// bootloader and waits for it.
func (d *Device) EnterBootloader(ctx context.Context) error {
	if d.mode == Bootloader {
		return nil
	}
	if err := d.require("enter bootloader", Normal, Recovery); err != nil {
		return err
	}
	slog.Info("device_enter_bootloader", "serial", d.serial, "from", d.mode.String())
	if err := d.bridge.RebootBootloader(ctx, d.serial); err != nil {
		return err
	}
	return d.waitBootloader(ctx)
}

// ReturnToBootloader is the Recovery to Bootloader transition.
func (d *Device) ReturnToBootloader(ctx context.Context) error {
	if err := d.require("return to bootloader", Recovery); err != nil {
		return err
	}
	return d.EnterBootloader(ctx)
}

// Reboot restarts the device into normal mode from whichever mode it is in.
func (d *Device) Reboot(ctx context.Context) error {
	if err := d.require("reboot", Normal, Bootloader, Recovery); err != nil {
		return err
	}
	var err error
	if d.mode == Bootloader {
		err = d.fb.Reboot(ctx, d.serial)
	} else {
		err = d.bridge.Reboot(ctx, d.serial)
	}
	if err != nil {
		slog.Warn("device_reboot_failed", "serial", d.serial, "mode", d.mode.String(), "error", err)
		return err
	}
	d.setMode(Normal)
	return nil
}
