package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/nabu-linux/lon-deployer/pkg/adb"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
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
	rec       *recorder
	devices   []string
	vars      map[string]string
	varErrs   map[string]error
	bootErr   error
	waitErrs  []error // consumed one per WaitForBootloader call
	flashed   map[string][]byte
	flashHook func(partition string)
}

func newFakeFastboot(rec *recorder) *fakeFastboot {
	return &fakeFastboot{
		rec:     rec,
		vars:    map[string]string{"product": "product: nabu\n"},
		varErrs: map[string]error{},
		flashed: map[string][]byte{},
	}
}

func (f *fakeFastboot) ListDevices(ctx context.Context) ([]string, error) {
	f.rec.add("fastboot devices")
	return f.devices, nil
}

func (f *fakeFastboot) GetVar(ctx context.Context, serial, name string) (string, error) {
	f.rec.add("fastboot getvar %s", name)
	if err := f.varErrs[name]; err != nil {
		return "", err
	}
	return f.vars[name], nil
}

func (f *fakeFastboot) WaitForBootloader(ctx context.Context, serial string) error {
	f.rec.add("fastboot wait")
	if len(f.waitErrs) > 0 {
		err := f.waitErrs[0]
		f.waitErrs = f.waitErrs[1:]
		return err
	}
	return nil
}

func (f *fakeFastboot) Boot(ctx context.Context, serial, path string) error {
	f.rec.add("fastboot boot %s", path)
	return f.bootErr
}

func (f *fakeFastboot) Flash(ctx context.Context, serial, partition string, data []byte) error {
	f.rec.add("fastboot flash %s", partition)
	f.flashed[partition] = data
	if f.flashHook != nil {
		f.flashHook(partition)
	}
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
	rec     *recorder
	devices []adb.Device
	waitErr error
	// run answers Run calls by command prefix; unmatched commands exit 0.
	run       map[string]func(ctx context.Context) (string, int)
	shell     map[string]string
	files     map[string][]byte
	pushed    map[string]string
	streamed  bytes.Buffer
	streamMu  sync.Mutex
	streamErr error
}

func newFakeBridge(rec *recorder) *fakeBridge {
	return &fakeBridge{
		rec:    rec,
		run:    map[string]func(context.Context) (string, int){},
		shell:  map[string]string{},
		files:  map[string][]byte{},
		pushed: map[string]string{},
	}
}

func (b *fakeBridge) Devices(ctx context.Context) ([]adb.Device, error) {
	b.rec.add("adb devices")
	return b.devices, nil
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
	return b.waitErr
}

func (b *fakeBridge) Shell(ctx context.Context, serial, cmd string) (string, error) {
	b.rec.add("adb shell %s", cmd)
	return b.shell[cmd], nil
}

func (b *fakeBridge) Run(ctx context.Context, serial, cmd string) (string, int, error) {
	b.rec.add("adb run %s", cmd)
	for prefix, fn := range b.run {
		if strings.HasPrefix(cmd, prefix) {
			out, code := fn(ctx)
			if ctx.Err() != nil {
				return out, -1, &errors.DeviceError{Op: "shell", Serial: serial, Cause: errors.CauseTimeout, Err: ctx.Err()}
			}
			return out, code, nil
		}
	}
	return "", 0, nil
}

func (b *fakeBridge) OpenStream(ctx context.Context, serial string, port int) (net.Conn, error) {
	b.rec.add("adb stream %d", port)
	if b.streamErr != nil {
		return nil, b.streamErr
	}
	client, server := net.Pipe()
	go func() {
		b.streamMu.Lock()
		defer b.streamMu.Unlock()
		io.Copy(&b.streamed, server)
		server.Close()
	}()
	return client, nil
}

func (b *fakeBridge) Push(ctx context.Context, serial, local, remote string) error {
	b.rec.add("adb push %s", remote)
	b.pushed[remote] = local
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

func (b *fakeBridge) streamedBytes() []byte {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	return b.streamed.Bytes()
}
