// Package adb talks to the adb server over its host protocol.
//
// Every request opens a fresh connection to the server, sends a
// length-prefixed service name and reads a four byte status ("OKAY" or
// "FAIL" followed by a length-prefixed message). Device services are reached
// by first switching the connection to a device with host:transport:<serial>.
package adb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

const (
	// DefaultAddr is where the adb server listens by default.
	DefaultAddr = "127.0.0.1:5037"
	// DefaultWaitTimeout bounds WaitFor.
	DefaultWaitTimeout = 120 * time.Second

	dialTimeout = 5 * time.Second
	exitMarker  = "__LON_EXIT:"
)

// Device states as reported by host:devices.
const (
	StateDevice   = "device"
	StateRecovery = "recovery"
)

// Device is one entry of the server's device list.
type Device struct {
	Serial string
	State  string
}

// Client is an adb host protocol client.
type Client struct {
	addr        string
	bin         string
	waitTimeout time.Duration
}

// NewClient returns a client for the server at addr. bin is the adb binary
// used to start the server when it is not running.
func NewClient(addr, bin string, waitTimeout time.Duration) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	if bin == "" {
		bin = "adb"
	}
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Client{addr: addr, bin: bin, waitTimeout: waitTimeout}
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrBridgeUnavailable, err)
	}
	return conn, nil
}

// request opens a connection and issues service, returning the connection
// positioned after the OKAY status.
func (c *Client) request(ctx context.Context, service string) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := sendService(conn, service); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readStatus(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// transport switches a new connection to serial and issues service on it.
func (c *Client) transport(ctx context.Context, serial, service string) (net.Conn, error) {
	conn, err := c.request(ctx, "host:transport:"+serial)
	if err != nil {
		return nil, deviceError("transport", serial, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := sendService(conn, service); err != nil {
		conn.Close()
		return nil, deviceError(service, serial, err)
	}
	if err := readStatus(conn); err != nil {
		conn.Close()
		return nil, deviceError(service, serial, err)
	}
	return conn, nil
}

// deviceError tags server FAIL replies as device errors and leaves bridge
// errors untouched.
func deviceError(op, serial string, err error) error {
	if errors.Is(err, errors.ErrBridgeUnavailable) {
		return err
	}
	var fail *FailError
	if errors.As(err, &fail) {
		return &errors.DeviceError{Op: op, Serial: serial, Cause: errors.CauseCommandFailed, Output: fail.Message, Err: err}
	}
	return &errors.DeviceError{Op: op, Serial: serial, Cause: errors.CauseCommandFailed, Err: err}
}

// Devices lists the devices attached to the server.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	conn, err := c.request(ctx, "host:devices")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read device list")
	}
	return parseDevices(payload), nil
}

func parseDevices(payload string) []Device {
	var devices []Device
	for _, line := range strings.Split(payload, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{Serial: fields[0], State: fields[1]})
	}
	return devices
}

// WaitFor blocks until serial is attached in state, bounded by the client's
// wait timeout. Expiry yields ErrWaitTimeout.
func (c *Client) WaitFor(ctx context.Context, serial, state string) error {
	slog.Info("adb_wait_for", "serial", serial, "state", state, "timeout", c.waitTimeout)

	ctx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	defer cancel()

	service := "host:wait-for-any-" + state
	if serial != "" {
		service = "host-serial:" + serial + ":wait-for-any-" + state
	}

	conn, err := c.request(ctx, service)
	if err == nil {
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = readStatus(conn)
		stop()
		conn.Close()
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			slog.Warn("adb_wait_timeout", "serial", serial, "state", state)
			return fmt.Errorf("%w: %s did not reach %s", errors.ErrWaitTimeout, serial, state)
		}
		return deviceError("wait-for-"+state, serial, err)
	}

	slog.Info("adb_device_ready", "serial", serial, "state", state)
	return nil
}

// Shell runs cmd on the device and returns its output.
func (c *Client) Shell(ctx context.Context, serial, cmd string) (string, error) {
	slog.Debug("adb_shell", "serial", serial, "cmd", cmd)
	conn, err := c.transport(ctx, serial, "shell:"+cmd)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	out, err := io.ReadAll(conn)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return string(out), &errors.DeviceError{Op: "shell", Serial: serial, Cause: errors.CauseTimeout, Output: string(out), Err: ctx.Err()}
		}
		return string(out), deviceError("shell", serial, err)
	}
	return strings.ReplaceAll(string(out), "\r\n", "\n"), nil
}

// Run runs cmd and returns its output and exit status.
func (c *Client) Run(ctx context.Context, serial, cmd string) (string, int, error) {
	out, err := c.Shell(ctx, serial, cmd+`; echo "`+exitMarker+`$?"`)
	if err != nil {
		return out, -1, err
	}
	output, code, ok := splitExitMarker(out)
	if !ok {
		return out, -1, &errors.DeviceError{Op: "shell", Serial: serial, Cause: errors.CauseCommandFailed, Output: out, Err: fmt.Errorf("missing exit status")}
	}
	slog.Debug("adb_run", "serial", serial, "cmd", cmd, "exit_code", code)
	return output, code, nil
}

func splitExitMarker(out string) (string, int, bool) {
	idx := strings.LastIndex(out, exitMarker)
	if idx < 0 {
		return out, 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(out[idx+len(exitMarker):]))
	if err != nil {
		return out, 0, false
	}
	return out[:idx], code, true
}

// RebootBootloader restarts the device into its bootloader.
func (c *Client) RebootBootloader(ctx context.Context, serial string) error {
	return c.reboot(ctx, serial, "bootloader")
}

// Reboot restarts the device into the normal system.
func (c *Client) Reboot(ctx context.Context, serial string) error {
	return c.reboot(ctx, serial, "")
}

func (c *Client) reboot(ctx context.Context, serial, target string) error {
	slog.Info("adb_reboot", "serial", serial, "target", target)
	conn, err := c.transport(ctx, serial, "reboot:"+target)
	if err != nil {
		return err
	}
	defer conn.Close()
	// The device drops the connection while it restarts.
	io.Copy(io.Discard, conn)
	return nil
}

// OpenStream connects to a TCP port on the device.
func (c *Client) OpenStream(ctx context.Context, serial string, port int) (net.Conn, error) {
	slog.Info("adb_open_stream", "serial", serial, "port", port)
	return c.transport(ctx, serial, "tcp:"+strconv.Itoa(port))
}

// FailError is a FAIL reply from the server.
type FailError struct {
	Message string
}

func (e *FailError) Error() string {
	return "adb: " + e.Message
}

func sendService(w io.Writer, service string) error {
	if _, err := fmt.Fprintf(w, "%04x%s", len(service), service); err != nil {
		return errors.Wrap(err, "failed to send service request")
	}
	return nil
}

func readStatus(r io.Reader) error {
	var status [4]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return errors.Wrap(err, "failed to read status")
	}
	switch string(status[:]) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := readLengthPrefixed(r)
		if err != nil {
			return errors.Wrap(err, "failed to read failure message")
		}
		return &FailError{Message: msg}
	default:
		return fmt.Errorf("unexpected status %q", status[:])
	}
}

func readLengthPrefixed(r io.Reader) (string, error) {
	var hexLen [4]byte
	if _, err := io.ReadFull(r, hexLen[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(hexLen[:]), 16, 32)
	if err != nil {
		return "", fmt.Errorf("invalid length %q", hexLen[:])
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
