package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/nabu-linux/lon-deployer/internal/config"
	"github.com/nabu-linux/lon-deployer/internal/session"
	"github.com/nabu-linux/lon-deployer/pkg/adb"
	"github.com/nabu-linux/lon-deployer/pkg/db"
	"github.com/nabu-linux/lon-deployer/pkg/device"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
	"github.com/nabu-linux/lon-deployer/pkg/events"
	"github.com/nabu-linux/lon-deployer/pkg/fastboot"
	appfsm "github.com/nabu-linux/lon-deployer/pkg/fsm"
	"github.com/nabu-linux/lon-deployer/pkg/progress"
	"github.com/nabu-linux/lon-deployer/pkg/rootfs"
	"github.com/nabu-linux/lon-deployer/pkg/security"
)

func runDeploy(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetBool("version"); v {
		printVersion(cmd)
		return nil
	}
	out := cmd.ErrOrStderr()

	if len(args) == 0 {
		cmd.Help()
		return exitWith(ExitUsage, errors.New("no rootfs image given"))
	}
	image := args[0]

	if err := rootfs.Validate(image); err != nil {
		switch {
		case errors.Is(err, errors.ErrUnsupportedPlatform):
			printErr(out, "%v", err)
		case errors.Is(err, errors.ErrImageNotFound):
			printErr(out, "RootFS image not found!")
		default:
			printErr(out, "Invalid RootFS image")
		}
		return reportedExit(exitCode(err, nil), err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.DBPath, cfg.FSMDBPath, cfg.OutputDir); err != nil {
		return err
	}

	sess := session.New(out)
	defer sess.Shutdown()
	ctx, stop := sess.Watch(cmd.Context())
	defer stop()

	err = deploy(ctx, cmd, cfg, sess, image)
	if err != nil && errors.Is(context.Cause(ctx), session.ErrInterrupted) {
		return reportedExit(ExitInternal, session.ErrInterrupted)
	}
	return err
}

func deploy(ctx context.Context, cmd *cobra.Command, cfg *config.Config, sess *session.Session, image string) error {
	out := cmd.ErrOrStderr()

	bridge := adb.NewClient(cfg.ADBAddr, cfg.ADBPath, cfg.RecoveryTimeout)
	if err := bridge.Connect(ctx); err != nil {
		printErr(out, "Failed to start adb server")
		return reportedExit(ExitBridgeUnavailable, err)
	}
	sess.SetBridge(bridge)
	fb := fastboot.NewClient(cfg.FastbootPath, cfg.BootloaderTimeout)

	serial, _ := cmd.Flags().GetString("device-serial")
	dev, err := device.Discover(ctx, fb, bridge, serial, deviceOptions(cfg))
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrAmbiguousDevice):
			printErr(out, "More than one device detected. Use -d flag to set device")
			return reportedExit(ExitAmbiguousDevice, err)
		case errors.Is(err, errors.ErrToolMissing):
			printErr(out, "Fastboot binary not found")
			return reportedExit(ExitFastboot, err)
		case serial != "":
			printErr(out, "Device with serial %s not found", serial)
		default:
			printErr(out, "No devices available. Please check your device connection")
		}
		return reportedExit(ExitDeviceNotFound, err)
	}

	if dev.Mode() != device.Bootloader {
		printInfo(out, "ADB device detected. Rebooting it to bootloader")
		if err := dev.EnterBootloader(ctx); err != nil {
			printErr(out, "Device timed out! Exiting")
			return reportedExit(ExitBootloaderTimeout, err)
		}
	}
	printInfo(out, "Device connected")

	if err := dev.Verify(ctx); err != nil {
		if errors.Is(err, errors.ErrDeviceMismatch) {
			printErr(out, "Is it %s?", cfg.DeviceProduct)
			return reportedExit(ExitDeviceMismatch, err)
		}
		return exitWith(exitCode(err, dev), err)
	}
	compatible, err := dev.PartitionsCompatible(ctx)
	if err != nil {
		return exitWith(exitCode(err, dev), err)
	}
	printInfo(out, "Device verified")

	flags := intentFlags{}
	flags.Username, _ = cmd.Flags().GetString("username")
	flags.Password, _ = cmd.Flags().GetString("password")
	flags.PartSize, _ = cmd.Flags().GetString("part-size")
	p := newPrompter(cmd.InOrStdin(), out)
	intent, err := collectIntent(p, security.NewValidator(), flags, compatible)
	if err != nil {
		if errors.Is(err, errors.ErrRepartitionNeeded) {
			printErr(out, "Incompatible partition table detected. Repartition needed. Exiting")
			return reportedExit(ExitRepartitionNeeded, err)
		}
		return err
	}

	for _, line := range summary(intent, dev.Serial()) {
		fmt.Fprintln(out, line)
	}
	ok, err := p.confirm("Is it ok?")
	if err != nil {
		return noInput(err)
	}
	if !ok {
		return errors.ErrCancelled
	}
	if intent.Repartition() {
		reason := "requested"
		if !compatible {
			reason = "needed"
		}
		ok, err := p.confirm(fmt.Sprintf("Repartition %s. All data will be ERASED", reason))
		if err != nil {
			return noInput(err)
		}
		if !ok {
			printWarn(out, "Repartition canceled. Exiting")
			return reportedExit(ExitCancelled, errors.ErrCancelled)
		}
	}

	sess.Arm()
	return provision(ctx, cmd, cfg, dev, intent, image)
}

// provision runs the destructive workflow and records the outcome.
func provision(ctx context.Context, cmd *cobra.Command, cfg *config.Config, dev *device.Device, intent security.Intent, image string) error {
	out := cmd.ErrOrStderr()

	repo, err := db.NewRepository(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	cache, err := newCache(ctx, cfg, repo, out)
	if err != nil {
		return err
	}

	publisher := events.New(cfg.NATSURL, cfg.NATSSubject)
	defer publisher.Close()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	runID := uuid.NewString()
	if err := repo.CreateRun(&db.Run{
		ID:               runID,
		Serial:           dev.Serial(),
		RootFS:           image,
		PartitionPercent: intent.PartitionPercent,
		State:            appfsm.StateRepartition,
	}); err != nil {
		return errors.Wrap(err, "failed to record run")
	}

	bar := progress.NewBar(out, "Flashing RootFS")
	machine := appfsm.NewMachine(repo, dev, cache, manifest(cfg), publisher, intent, appfsm.Options{
		MaxRetries:       cfg.FSMMaxRetries,
		AcceptUnverified: cfg.AcceptUnverified,
		Progress:         bar.Update,
	})

	slog.Info("provision_start", "run_id", runID, "serial", dev.Serial(), "rootfs", image, "partition_percent", intent.PartitionPercent)
	resp, runErr := machine.Run(ctx, manager, &appfsm.ProvisionRequest{
		RunID:            runID,
		Serial:           dev.Serial(),
		RootFS:           image,
		Username:         intent.Username,
		PartitionPercent: intent.PartitionPercent,
		OutputDir:        cfg.OutputDir,
	})
	if resp != nil && resp.BytesStreamed > 0 {
		bar.Done(resp.BytesStreamed, resp.BytesStreamed)
	}

	code := exitCode(runErr, dev)
	status, msg := db.StatusSucceeded, ""
	if runErr != nil {
		status, msg = db.StatusFailed, runErr.Error()
	}
	if err := repo.FinishRun(runID, status, code, msg); err != nil {
		slog.Warn("finish_run_failed", "run_id", runID, "error", err)
	}
	if runErr != nil {
		if !errors.Is(context.Cause(ctx), session.ErrInterrupted) {
			reportFailure(cmd, runErr)
		}
		return reportedExit(code, runErr)
	}

	if resp.Repartitioned {
		printInfo(out, "Repartition complete")
		printWarn(out, "To boot android you need to manually format data in your ROM recovery")
	}
	switch resp.PatchResult {
	case device.Patched.String():
		printInfo(out, "Patched boot saved to %s", resp.PatchedBoot)
		printInfo(out, "Boot backup saved to %s", resp.BackupBoot)
	case device.AlreadyPatched.String():
		printInfo(out, "Boot image already patched. Skipping")
	}
	printInfo(out, "Done!")
	return nil
}

// reportFailure prints the operator-facing line for a workflow failure.
// Failures without a dedicated message print the error itself.
func reportFailure(cmd *cobra.Command, err error) {
	out := cmd.ErrOrStderr()
	switch {
	case errors.Is(err, errors.ErrUnauthorizedBootImage):
		printErr(out, "Unable to start orangefox recovery")
		printErr(out, "Reflash your rom and try again")
	case errors.Is(err, errors.ErrWaitTimeout):
		printErr(out, "Device timed out! Exiting")
	case errors.Is(err, errors.ErrPostInstall):
		printErr(out, "Postinstall failed. Rebooting to system")
	case errors.Is(err, errors.ErrBootPatch):
		printErr(out, "Failed to patch boot. Rebooting")
	case errors.Is(err, errors.ErrStalledTransfer):
		printErr(out, "RootFS transfer stalled")
	case errors.Is(err, errors.ErrArtifactUnavailable), errors.Is(err, errors.ErrIntegrityUnverifiable):
		printErr(out, "Failed to download required files")
	case errors.Is(err, errors.ErrRecoveryCommand):
		printErr(out, "Command failed on device in recovery: %v", err)
	default:
		printErr(out, "Error: %v", err)
	}
}
