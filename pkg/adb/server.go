package adb

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os/exec"
	"strconv"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// Connect makes sure the adb server is reachable, starting it with
// "adb start-server" when it is not.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err == nil {
		conn.Close()
		slog.Info("adb_server_connected", "addr", c.addr)
		return nil
	}

	slog.Info("adb_server_start", "bin", c.bin, "addr", c.addr)
	out, err := exec.CommandContext(ctx, c.bin, "start-server").CombinedOutput()
	if err != nil {
		slog.Error("adb_server_start_failed", "bin", c.bin, "error", err, "output", string(out))
		return fmt.Errorf("%w: failed to start adb server: %v", errors.ErrBridgeUnavailable, err)
	}

	conn, err = c.dial(ctx)
	if err != nil {
		slog.Error("adb_server_unreachable", "addr", c.addr, "error", err)
		return err
	}
	conn.Close()
	slog.Info("adb_server_connected", "addr", c.addr)
	return nil
}

// KillServer asks the adb server to exit.
func (c *Client) KillServer(ctx context.Context) error {
	slog.Info("adb_server_kill", "addr", c.addr)
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return sendService(conn, "host:kill")
}

const (
	minPort = 10000
	maxPort = 60000
)

// FreePort picks a random unbound local port in [10000, 60000].
func FreePort() (int, error) {
	for range 100 {
		port := minPort + rand.IntN(maxPort-minPort+1)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in [%d, %d]", minPort, maxPort)
}
