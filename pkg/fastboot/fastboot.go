// Package fastboot drives a device in bootloader mode through the fastboot
// binary. Every call is bounded by a per-call timeout; failures are reported
// as *errors.DeviceError tagged with their cause.
package fastboot

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// DefaultTimeout bounds a single fastboot invocation.
const DefaultTimeout = 60 * time.Second

const unauthorizedMarker = "Failed to load/authenticate boot image: Device Error"

// Client runs fastboot commands.
type Client struct {
	bin     string
	timeout time.Duration
}

// NewClient returns a client invoking bin, "fastboot" from PATH when empty.
func NewClient(bin string, timeout time.Duration) *Client {
	if bin == "" {
		bin = "fastboot"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{bin: bin, timeout: timeout}
}

// run executes fastboot with optional "-s serial" and returns combined output.
func (c *Client) run(ctx context.Context, serial string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	full := args
	if serial != "" {
		full = append([]string{"-s", serial}, args...)
	}
	slog.Debug("fastboot_cmd", "args", full)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, c.bin, full...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	output := out.String()
	slog.Debug("fastboot_out", "args", full, "output", output)

	if err == nil {
		return output, nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		slog.Error("fastboot_binary_missing", "bin", c.bin)
		return "", errors.Wrap(errors.ErrToolMissing, "fastboot binary "+c.bin)
	}

	op := "fastboot " + strings.Join(args, " ")
	if ctx.Err() == context.DeadlineExceeded {
		slog.Warn("fastboot_timeout", "op", op, "serial", serial)
		return output, &errors.DeviceError{Op: op, Serial: serial, Cause: errors.CauseTimeout, Output: output, Err: err}
	}
	slog.Warn("fastboot_failed", "op", op, "serial", serial, "error", err)
	return output, &errors.DeviceError{Op: op, Serial: serial, Cause: errors.CauseCommandFailed, Output: output, Err: err}
}

// ListDevices returns the serials fastboot reports.
func (c *Client) ListDevices(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "", "devices")
	if err != nil {
		return nil, err
	}
	return parseDevices(out), nil
}

func parseDevices(out string) []string {
	var serials []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		serials = append(serials, fields[0])
	}
	return serials
}

// GetVar returns the raw output of "getvar name". fastboot prints the value
// as "name: value" on stderr, sometimes followed by a timing line.
func (c *Client) GetVar(ctx context.Context, serial, name string) (string, error) {
	return c.run(ctx, serial, "getvar", name)
}

// WaitForBootloader probes the device once.
func (c *Client) WaitForBootloader(ctx context.Context, serial string) error {
	_, err := c.run(ctx, serial, "getvar", "product")
	return err
}

// Boot boots an image without flashing it. A locked bootloader rejecting the
// image yields an *errors.OutputError of kind ErrUnauthorizedBootImage.
func (c *Client) Boot(ctx context.Context, serial, path string) error {
	slog.Info("fastboot_boot", "serial", serial, "image", path)
	out, err := c.run(ctx, serial, "boot", path)
	if strings.Contains(out, unauthorizedMarker) {
		slog.Error("boot_image_rejected", "serial", serial, "image", path)
		return &errors.OutputError{Kind: errors.ErrUnauthorizedBootImage, Output: out}
	}
	return err
}

// Flash writes data to partition through a temporary image file.
func (c *Client) Flash(ctx context.Context, serial, partition string, data []byte) error {
	f, err := os.CreateTemp("", "lon-deployer-*.img")
	if err != nil {
		return errors.Wrap(err, "failed to create temp image")
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write temp image")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp image")
	}

	slog.Info("fastboot_flash", "serial", serial, "partition", partition, "size", len(data))
	_, err = c.run(ctx, serial, "flash", partition, f.Name())
	return err
}

// Erase wipes a partition.
func (c *Client) Erase(ctx context.Context, serial, partition string) error {
	slog.Info("fastboot_erase", "serial", serial, "partition", partition)
	_, err := c.run(ctx, serial, "erase", partition)
	return err
}

// Reboot restarts the device into normal mode.
func (c *Client) Reboot(ctx context.Context, serial string) error {
	slog.Info("fastboot_reboot", "serial", serial)
	_, err := c.run(ctx, serial, "reboot")
	return err
}
