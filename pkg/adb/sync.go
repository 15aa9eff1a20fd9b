package adb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// maxSyncChunk is the largest DATA frame the sync protocol accepts.
const maxSyncChunk = 64 * 1024

// FileInfo is the result of a sync STAT request.
type FileInfo struct {
	Mode    uint32
	Size    uint32
	ModTime time.Time
}

// Exists reports whether the stat found anything at the path.
func (fi FileInfo) Exists() bool {
	return fi.Mode != 0
}

func (c *Client) syncConn(ctx context.Context, serial string) (net.Conn, error) {
	return c.transport(ctx, serial, "sync:")
}

func writeSyncRequest(w io.Writer, id string, arg []byte) error {
	buf := make([]byte, 8+len(arg))
	copy(buf, id)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(arg)))
	copy(buf[8:], arg)
	_, err := w.Write(buf)
	return err
}

func readSyncHeader(r io.Reader) (string, uint32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", 0, err
	}
	return string(hdr[:4]), binary.LittleEndian.Uint32(hdr[4:]), nil
}

func readSyncFail(r io.Reader, n uint32) error {
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return errors.Wrap(err, "failed to read sync failure")
	}
	return &FailError{Message: string(msg)}
}

// Stat returns metadata for a path on the device. A missing path yields a
// zero FileInfo.
func (c *Client) Stat(ctx context.Context, serial, remote string) (FileInfo, error) {
	conn, err := c.syncConn(ctx, serial)
	if err != nil {
		return FileInfo{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := writeSyncRequest(conn, "STAT", []byte(remote)); err != nil {
		return FileInfo{}, deviceError("stat", serial, err)
	}
	var resp [16]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return FileInfo{}, deviceError("stat", serial, err)
	}
	if string(resp[:4]) != "STAT" {
		return FileInfo{}, deviceError("stat", serial, fmt.Errorf("unexpected sync reply %q", resp[:4]))
	}
	return FileInfo{
		Mode:    binary.LittleEndian.Uint32(resp[4:8]),
		Size:    binary.LittleEndian.Uint32(resp[8:12]),
		ModTime: time.Unix(int64(binary.LittleEndian.Uint32(resp[12:16])), 0),
	}, nil
}

// Push copies a local file to remote on the device.
func (c *Client) Push(ctx context.Context, serial, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return errors.Wrap(err, "failed to open push source")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat push source")
	}

	slog.Info("adb_push", "serial", serial, "local", local, "remote", remote, "size", info.Size())

	conn, err := c.syncConn(ctx, serial)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := push(conn, f, remote, 0644, info.ModTime()); err != nil {
		return deviceError("push "+remote, serial, err)
	}
	return nil
}

func push(rw io.ReadWriter, src io.Reader, remote string, mode os.FileMode, mtime time.Time) error {
	if err := writeSyncRequest(rw, "SEND", []byte(fmt.Sprintf("%s,%d", remote, mode.Perm()|0100000))); err != nil {
		return err
	}

	buf := make([]byte, maxSyncChunk)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeSyncRequest(rw, "DATA", buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	var done [8]byte
	copy(done[:], "DONE")
	binary.LittleEndian.PutUint32(done[4:], uint32(mtime.Unix()))
	if _, err := rw.Write(done[:]); err != nil {
		return err
	}

	id, n, err := readSyncHeader(rw)
	if err != nil {
		return err
	}
	switch id {
	case "OKAY":
		return nil
	case "FAIL":
		return readSyncFail(rw, n)
	}
	return fmt.Errorf("unexpected sync reply %q", id)
}

// Pull opens remote on the device for reading. Data frames are read as the
// caller consumes them.
func (c *Client) Pull(ctx context.Context, serial, remote string) (io.ReadCloser, error) {
	slog.Info("adb_pull", "serial", serial, "remote", remote)

	conn, err := c.syncConn(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := writeSyncRequest(conn, "RECV", []byte(remote)); err != nil {
		conn.Close()
		return nil, deviceError("pull "+remote, serial, err)
	}
	return &pullReader{conn: conn}, nil
}

// pullReader decodes DATA frames until DONE.
type pullReader struct {
	conn      net.Conn
	remaining uint32
	done      bool
}

func (p *pullReader) Read(b []byte) (int, error) {
	for p.remaining == 0 {
		if p.done {
			return 0, io.EOF
		}
		id, n, err := readSyncHeader(p.conn)
		if err != nil {
			return 0, err
		}
		switch id {
		case "DATA":
			p.remaining = n
		case "DONE":
			p.done = true
		case "FAIL":
			return 0, readSyncFail(p.conn, n)
		default:
			return 0, fmt.Errorf("unexpected sync reply %q", id)
		}
	}

	if uint32(len(b)) > p.remaining {
		b = b[:p.remaining]
	}
	n, err := p.conn.Read(b)
	p.remaining -= uint32(n)
	if err == io.EOF && p.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (p *pullReader) Close() error {
	return p.conn.Close()
}
