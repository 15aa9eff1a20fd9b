package adb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const runSuffix = `; echo "` + exitMarker + `$?"`

// fakeServer is an in-process adb server speaking enough of the host and
// sync protocols for the client tests.
type fakeServer struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	devices  map[string]string // serial -> state
	ready    map[string]bool   // serial -> wait-for completes
	shell    func(cmd string) (string, int)
	files    map[string][]byte
	streams  map[int]*bytes.Buffer
	services []string
	killed   bool
	streamed chan int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	f := &fakeServer{
		t:       t,
		ln:      ln,
		devices: map[string]string{},
		ready:   map[string]bool{},
		files:   map[string][]byte{},
		streams: map[int]*bytes.Buffer{},
		shell:    func(string) (string, int) { return "", 0 },
		streamed: make(chan int, 1),
	}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeServer) addr() string {
	return f.ln.Addr().String()
}

func (f *fakeServer) client() *Client {
	return NewClient(f.addr(), "adb", 0)
}

func (f *fakeServer) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeServer) record(service string) {
	f.mu.Lock()
	f.services = append(f.services, service)
	f.mu.Unlock()
}

func (f *fakeServer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.services...)
}

func readService(r io.Reader) (string, error) {
	return readLengthPrefixed(r)
}

func okay(w io.Writer)           { io.WriteString(w, "OKAY") }
func fail(w io.Writer, m string) { fmt.Fprintf(w, "FAIL%04x%s", len(m), m) }

func (f *fakeServer) handle(conn net.Conn) {
	defer conn.Close()

	service, err := readService(conn)
	if err != nil {
		return
	}
	f.record(service)

	switch {
	case service == "host:devices":
		okay(conn)
		f.mu.Lock()
		var b strings.Builder
		for serial, state := range f.devices {
			fmt.Fprintf(&b, "%s\t%s\n", serial, state)
		}
		f.mu.Unlock()
		fmt.Fprintf(conn, "%04x%s", b.Len(), b.String())

	case service == "host:kill":
		f.mu.Lock()
		f.killed = true
		f.mu.Unlock()

	case strings.HasPrefix(service, "host-serial:"):
		parts := strings.SplitN(strings.TrimPrefix(service, "host-serial:"), ":", 2)
		okay(conn)
		f.mu.Lock()
		ready := f.ready[parts[0]]
		f.mu.Unlock()
		if ready {
			okay(conn)
			return
		}
		// Never ready: hold the connection until the client gives up.
		io.Copy(io.Discard, conn)

	case strings.HasPrefix(service, "host:transport:"):
		serial := strings.TrimPrefix(service, "host:transport:")
		f.mu.Lock()
		_, ok := f.devices[serial]
		f.mu.Unlock()
		if !ok {
			fail(conn, "device '"+serial+"' not found")
			return
		}
		okay(conn)
		next, err := readService(conn)
		if err != nil {
			return
		}
		f.record(next)
		f.device(conn, next)

	default:
		fail(conn, "unknown service "+service)
	}
}

func (f *fakeServer) device(conn net.Conn, service string) {
	switch {
	case strings.HasPrefix(service, "shell:"):
		okay(conn)
		cmd := strings.TrimPrefix(service, "shell:")
		if strings.HasSuffix(cmd, runSuffix) {
			out, code := f.shell(strings.TrimSuffix(cmd, runSuffix))
			fmt.Fprintf(conn, "%s%s%d\n", out, exitMarker, code)
			return
		}
		out, _ := f.shell(cmd)
		io.WriteString(conn, out)

	case strings.HasPrefix(service, "reboot:"):
		okay(conn)

	case strings.HasPrefix(service, "tcp:"):
		port, _ := strconv.Atoi(strings.TrimPrefix(service, "tcp:"))
		okay(conn)
		var buf bytes.Buffer
		io.Copy(&buf, conn)
		f.mu.Lock()
		f.streams[port] = &buf
		f.mu.Unlock()
		f.streamed <- port

	case service == "sync:":
		okay(conn)
		f.sync(conn)

	default:
		fail(conn, "unknown device service "+service)
	}
}

func (f *fakeServer) sync(conn net.Conn) {
	for {
		id, n, err := readSyncHeader(conn)
		if err != nil {
			return
		}
		arg := make([]byte, n)
		if _, err := io.ReadFull(conn, arg); err != nil {
			return
		}

		switch id {
		case "STAT":
			f.mu.Lock()
			data, ok := f.files[string(arg)]
			f.mu.Unlock()
			var resp [16]byte
			copy(resp[:], "STAT")
			if ok {
				binary.LittleEndian.PutUint32(resp[4:], 0100644)
				binary.LittleEndian.PutUint32(resp[8:], uint32(len(data)))
			}
			conn.Write(resp[:])

		case "SEND":
			path := string(arg[:bytes.LastIndexByte(arg, ',')])
			var content bytes.Buffer
			for {
				id, n, err := readSyncHeader(conn)
				if err != nil {
					return
				}
				if id == "DONE" {
					break
				}
				if _, err := io.CopyN(&content, conn, int64(n)); err != nil {
					return
				}
			}
			f.mu.Lock()
			f.files[path] = content.Bytes()
			f.mu.Unlock()
			conn.Write([]byte("OKAY\x00\x00\x00\x00"))

		case "RECV":
			f.mu.Lock()
			data, ok := f.files[string(arg)]
			f.mu.Unlock()
			if !ok {
				msg := "No such file or directory"
				hdr := make([]byte, 8)
				copy(hdr, "FAIL")
				binary.LittleEndian.PutUint32(hdr[4:], uint32(len(msg)))
				conn.Write(append(hdr, msg...))
				continue
			}
			// Split into small frames to exercise the reader.
			for len(data) > 0 {
				n := min(len(data), 3)
				writeSyncRequest(conn, "DATA", data[:n])
				data = data[n:]
			}
			conn.Write([]byte("DONE\x00\x00\x00\x00"))

		case "QUIT":
			return
		}
	}
}
