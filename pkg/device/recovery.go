package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/partition"
	"github.com/nabu-linux/lon-deployer/pkg/progress"
)

const (
	// BlockDevice is the UFS disk holding every partition.
	BlockDevice = "/dev/block/sda"
	byNameDir   = "/dev/block/platform/soc/1d84000.ufshc/by-name/"
	// LinuxPartition receives the root filesystem.
	LinuxPartition = byNameDir + "linux"
	// ESPPartition is the EFI system partition.
	ESPPartition = byNameDir + "esp"

	// ChunkSize is the rootfs streaming write size.
	ChunkSize = 10240

	uefiDir          = "/tmp/uefi-install"
	BootShimName     = "BootShim.Dualboot.bin"
	UEFIPayloadName  = "nabu_UEFI.fd"
	PatchedBootName  = "new_boot.img"
	BackupBootName   = "boot_backup.img"
	remotePatchedImg = uefiDir + "/new-boot.img"
	remoteBackupImg  = uefiDir + "/boot.img"
)

// PatchResult is the outcome of the on-device boot image patcher.
type PatchResult int

const (
	Patched        PatchResult = 0
	PatchFailed    PatchResult = 1
	AlreadyPatched PatchResult = 2
)

func (p PatchResult) String() string {
	switch p {
	case Patched:
		return "patched"
	case AlreadyPatched:
		return "already_patched"
	}
	return "failed"
}

// run executes cmd and converts a non-zero exit into a DeviceError matching
// ErrRecoveryCommand.
func (d *Device) run(ctx context.Context, op, cmd string) (string, error) {
	out, code, err := d.bridge.Run(ctx, d.serial, cmd)
	if err != nil {
		return out, err
	}
	if code != 0 {
		return out, &errors.DeviceError{Op: op, Serial: d.serial, Cause: errors.CauseCommandFailed, Output: out, Err: fmt.Errorf("%w: exit status %d", errors.ErrRecoveryCommand, code)}
	}
	return out, nil
}

// Repartition resizes userdata and creates the linux and esp partitions with
// the linux partition taking percent of the usable space, then returns to
// the bootloader.
func (d *Device) Repartition(ctx context.Context, percent int) (partition.Plan, error) {
	if err := d.require("repartition", Recovery); err != nil {
		return partition.Plan{}, err
	}

	raw, err := d.bridge.Shell(ctx, d.serial, "blockdev --getsize64 "+BlockDevice)
	if err != nil {
		return partition.Plan{}, err
	}
	total, err := partition.ClassifyStorage(strings.TrimSpace(raw))
	if err != nil {
		slog.Error("storage_geometry_unsupported", "serial", d.serial, "size", strings.TrimSpace(raw))
		return partition.Plan{}, err
	}
	plan, err := partition.ComputePlan(float64(total), percent)
	if err != nil {
		return partition.Plan{}, err
	}

	slog.Info("repartition_start", "serial", d.serial, "total_gb", plan.TotalGB, "linux_gb", plan.LinuxGB, "percent", percent)
	for _, cmd := range plan.Commands(BlockDevice) {
		if _, err := d.run(ctx, "repartition", cmd); err != nil {
			slog.Error("repartition_command_failed", "serial", d.serial, "cmd", cmd, "error", err)
			return plan, fmt.Errorf("%w: %s: %v", errors.ErrRepartition, cmd, err)
		}
	}
	if err := sleep(ctx, d.opts.Settle); err != nil {
		return plan, err
	}
	slog.Info("repartition_complete", "serial", d.serial)

	return plan, d.ReturnToBootloader(ctx)
}

// FormatESP creates a FAT32 filesystem on the esp partition.
func (d *Device) FormatESP(ctx context.Context) error {
	if err := d.require("format esp", Recovery); err != nil {
		return err
	}
	slog.Info("format_esp", "serial", d.serial)
	_, err := d.run(ctx, "format esp", "mkfs.fat -F32 -s1 "+ESPPartition+" -n ESPNABU")
	return err
}

// StreamRootFS writes r to the linux partition through a listener started on
// the device. It returns only after the listener has exited; a listener that
// outlives the transfer timeout yields ErrStalledTransfer.
func (d *Device) StreamRootFS(ctx context.Context, r io.Reader, total int64, report progress.Func) error {
	if err := d.require("stream rootfs", Recovery); err != nil {
		return err
	}

	port, err := d.opts.FreePort()
	if err != nil {
		return errors.Wrap(err, "failed to pick listener port")
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listenerDone := make(chan struct{})
	g, gctx := errgroup.WithContext(lctx)
	g.Go(func() error {
		defer close(listenerDone)
		cmd := fmt.Sprintf("busybox nc -l 127.0.0.1:%d > %s", port, LinuxPartition)
		slog.Info("rootfs_listener_start", "serial", d.serial, "port", port)
		_, err := d.run(gctx, "rootfs listener", cmd)
		return err
	})

	sent, err := d.send(ctx, port, r, total, report)
	if err != nil {
		cancel()
		g.Wait()
		return err
	}
	slog.Info("rootfs_sent", "serial", d.serial, "bytes", sent)

	timer := time.NewTimer(d.opts.TransferTimeout)
	defer timer.Stop()
	select {
	case <-listenerDone:
	case <-timer.C:
		cancel()
		g.Wait()
		slog.Error("rootfs_listener_stalled", "serial", d.serial, "timeout", d.opts.TransferTimeout)
		return fmt.Errorf("%w: listener still running %s after transfer", errors.ErrStalledTransfer, d.opts.TransferTimeout)
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "rootfs listener failed")
	}
	slog.Info("rootfs_flashed", "serial", d.serial, "bytes", sent)
	return nil
}

// send connects to the device listener and writes r in ChunkSize pieces,
// stopping after the first short read.
func (d *Device) send(ctx context.Context, port int, r io.Reader, total int64, report progress.Func) (int64, error) {
	if err := sleep(ctx, d.opts.Settle); err != nil {
		return 0, err
	}
	conn, err := d.bridge.OpenStream(ctx, d.serial, port)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var sent int64
	buf := make([]byte, ChunkSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				return sent, errors.Wrap(err, "failed to write rootfs chunk")
			}
			sent += int64(n)
			if report != nil {
				report(sent, total)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return sent, nil
		}
		if rerr != nil {
			return sent, errors.Wrap(rerr, "failed to read rootfs")
		}
	}
}

// PostInstall creates the user account and boot files. A failure reboots the
// device into the system.
func (d *Device) PostInstall(ctx context.Context, username, password string) error {
	if err := d.require("postinstall", Recovery); err != nil {
		return err
	}
	slog.Info("postinstall_start", "serial", d.serial, "username", username)
	out, code, err := d.bridge.Run(ctx, d.serial, "postinstall "+shellQuote(username)+" "+shellQuote(password))
	if err != nil {
		return err
	}
	if code != 0 {
		slog.Error("postinstall_failed", "serial", d.serial, "exit_code", code, "output", strings.TrimSpace(out))
		d.Reboot(ctx)
		return fmt.Errorf("%w: exit status %d", errors.ErrPostInstall, code)
	}
	slog.Info("postinstall_complete", "serial", d.serial)
	return nil
}

// InstallFirmware pushes the UEFI boot shim and payload and runs the boot
// image patcher. PatchFailed and AlreadyPatched reboot the device into the
// system; only Patched leaves it in recovery for SaveBootImages.
func (d *Device) InstallFirmware(ctx context.Context, shim, payload string) (PatchResult, error) {
	if err := d.require("install firmware", Recovery); err != nil {
		return PatchFailed, err
	}
	if _, err := d.run(ctx, "install firmware", "mkdir -p "+uefiDir); err != nil {
		return PatchFailed, err
	}
	if err := d.bridge.Push(ctx, d.serial, shim, path.Join(uefiDir, BootShimName)); err != nil {
		return PatchFailed, err
	}
	if err := d.bridge.Push(ctx, d.serial, payload, path.Join(uefiDir, UEFIPayloadName)); err != nil {
		return PatchFailed, err
	}

	out, code, err := d.bridge.Run(ctx, d.serial, "uefi-patch")
	if err != nil {
		return PatchFailed, err
	}
	result := PatchResult(code)
	slog.Info("uefi_patch", "serial", d.serial, "result", result.String(), "exit_code", code)

	switch result {
	case Patched:
		return Patched, nil
	case AlreadyPatched:
		d.Reboot(ctx)
		return AlreadyPatched, nil
	}
	d.Reboot(ctx)
	return PatchFailed, fmt.Errorf("%w: exit status %d: %s", errors.ErrBootPatch, code, strings.TrimSpace(out))
}

// BootImages are the local copies written by SaveBootImages.
type BootImages struct {
	Patched string
	Backup  string
}

// SaveBootImages copies the patched boot image and the original boot image
// backup into dir, replacing earlier copies.
func (d *Device) SaveBootImages(ctx context.Context, dir string) (BootImages, error) {
	if err := d.require("save boot images", Recovery); err != nil {
		return BootImages{}, err
	}
	imgs := BootImages{
		Patched: filepath.Join(dir, PatchedBootName),
		Backup:  filepath.Join(dir, BackupBootName),
	}
	if err := d.pullTo(ctx, remotePatchedImg, imgs.Patched); err != nil {
		return BootImages{}, err
	}
	if err := d.pullTo(ctx, remoteBackupImg, imgs.Backup); err != nil {
		return BootImages{}, err
	}
	return imgs, nil
}

func (d *Device) pullTo(ctx context.Context, remote, local string) error {
	info, err := d.bridge.Stat(ctx, d.serial, remote)
	if err != nil {
		return err
	}
	if !info.Exists() {
		return &errors.DeviceError{Op: "pull", Serial: d.serial, Cause: errors.CauseCommandFailed, Err: fmt.Errorf("%s does not exist", remote)}
	}

	rc, err := d.bridge.Pull(ctx, d.serial, remote)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove previous image")
	}
	f, err := os.Create(local)
	if err != nil {
		return errors.Wrap(err, "failed to create image file")
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "failed to save "+filepath.Base(local))
	}
	slog.Info("boot_image_saved", "serial", d.serial, "remote", remote, "local", local, "size", n, "expected_size", info.Size)
	return nil
}

// shellQuote wraps s in single quotes for the device shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
