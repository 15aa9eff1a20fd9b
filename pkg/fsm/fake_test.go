package fsm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/nabu-linux/lon-deployer/pkg/adb"
	"github.com/nabu-linux/lon-deployer/pkg/artifact"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/events"
)

// recorder collects transport calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) index(prefix string) int {
	for i, c := range r.list() {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

type fakeFastboot struct {
	rec     *recorder
	flashed map[string][]byte
}

func (f *fakeFastboot) ListDevices(ctx context.Context) ([]string, error) {
	return []string{"abc"}, nil
}

func (f *fakeFastboot) GetVar(ctx context.Context, serial, name string) (string, error) {
	return "product: nabu\n", nil
}

func (f *fakeFastboot) WaitForBootloader(ctx context.Context, serial string) error {
	f.rec.add("fastboot wait")
	return nil
}

func (f *fakeFastboot) Boot(ctx context.Context, serial, path string) error {
	f.rec.add("fastboot boot %s", path)
	return nil
}

func (f *fakeFastboot) Flash(ctx context.Context, serial, partition string, data []byte) error {
	f.rec.add("fastboot flash %s", partition)
	f.flashed[partition] = data
	return nil
}

func (f *fakeFastboot) Erase(ctx context.Context, serial, partition string) error {
	f.rec.add("fastboot erase %s", partition)
	return nil
}

func (f *fakeFastboot) Reboot(ctx context.Context, serial string) error {
	f.rec.add("fastboot reboot")
	return nil
}

type fakeBridge struct {
	rec *recorder
	// codes answers Run calls by command prefix; unmatched commands exit 0.
	codes    map[string]int
	shell    map[string]string
	files    map[string][]byte
	mu       sync.Mutex
	streamed bytes.Buffer
}

func (b *fakeBridge) Devices(ctx context.Context) ([]adb.Device, error) {
	return nil, nil
}

func (b *fakeBridge) RebootBootloader(ctx context.Context, serial string) error {
	b.rec.add("adb reboot bootloader")
	return nil
}

func (b *fakeBridge) Reboot(ctx context.Context, serial string) error {
	b.rec.add("adb reboot")
	return nil
}

func (b *fakeBridge) WaitFor(ctx context.Context, serial, state string) error {
	b.rec.add("adb wait-for %s", state)
	return nil
}

func (b *fakeBridge) Shell(ctx context.Context, serial, cmd string) (string, error) {
	b.rec.add("adb shell %s", cmd)
	return b.shell[cmd], nil
}

func (b *fakeBridge) Run(ctx context.Context, serial, cmd string) (string, int, error) {
	b.rec.add("adb run %s", cmd)
	for prefix, code := range b.codes {
		if strings.HasPrefix(cmd, prefix) {
			return "", code, nil
		}
	}
	return "", 0, nil
}

func (b *fakeBridge) OpenStream(ctx context.Context, serial string, port int) (net.Conn, error) {
	b.rec.add("adb stream %d", port)
	client, server := net.Pipe()
	go func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		io.Copy(&b.streamed, server)
		server.Close()
	}()
	return client, nil
}

func (b *fakeBridge) Push(ctx context.Context, serial, local, remote string) error {
	b.rec.add("adb push %s", remote)
	return nil
}

func (b *fakeBridge) Pull(ctx context.Context, serial, remote string) (io.ReadCloser, error) {
	b.rec.add("adb pull %s", remote)
	return io.NopCloser(bytes.NewReader(b.files[remote])), nil
}

func (b *fakeBridge) Stat(ctx context.Context, serial, remote string) (adb.FileInfo, error) {
	data, ok := b.files[remote]
	if !ok {
		return adb.FileInfo{}, nil
	}
	return adb.FileInfo{Mode: 0100644, Size: uint32(len(data))}, nil
}

func (b *fakeBridge) streamedLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamed.Len()
}

// fakeFetcher serves artifacts from memory.
type fakeFetcher struct {
	results map[string]*artifact.Result
	errs    map[string]error
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, a artifact.Artifact) (*artifact.Result, error) {
	f.fetched = append(f.fetched, a.Name)
	res, ok := f.results[a.Name]
	if err := f.errs[a.Name]; err != nil {
		return res, err
	}
	if !ok {
		return nil, errors.ErrArtifactUnavailable
	}
	return res, nil
}

// capturePublisher keeps every event.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) statuses(state string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.State == state {
			out = append(out, e.Status)
		}
	}
	return out
}
