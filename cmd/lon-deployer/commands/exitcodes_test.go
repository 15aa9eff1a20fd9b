package commands

import (
	"context"
	"fmt"
	"testing"

	"github.com/nabu-linux/lon-deployer/internal/session"
	"github.com/nabu-linux/lon-deployer/pkg/device"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

func TestExitCode(t *testing.T) {
	fastbootTimeout := &errors.DeviceError{Op: "fastboot getvar product", Serial: "abc", Cause: errors.CauseTimeout}
	fastbootFailed := &errors.DeviceError{Op: "fastboot flash boot", Serial: "abc", Cause: errors.CauseCommandFailed}
	adbFailed := &errors.DeviceError{Op: "shell", Serial: "abc", Cause: errors.CauseCommandFailed}
	adbTimeout := &errors.DeviceError{Op: "shell", Serial: "abc", Cause: errors.CauseTimeout}
	recoveryFailed := &errors.DeviceError{Op: "format esp", Serial: "abc", Cause: errors.CauseCommandFailed,
		Err: fmt.Errorf("%w: exit status 1", errors.ErrRecoveryCommand)}
	absent := device.New("abc", device.Absent, nil, nil, device.Options{})

	tests := []struct {
		name string
		err  error
		dev  *device.Device
		want int
	}{
		{"nil", nil, nil, ExitOK},
		{"explicit", exitWith(ExitUsage, errors.New("no rootfs image given")), nil, ExitUsage},
		{"wrapped explicit", fmt.Errorf("outer: %w", exitWith(ExitBridgeUnavailable, errors.ErrBridgeUnavailable)), nil, ExitBridgeUnavailable},
		{"interrupted", session.ErrInterrupted, nil, ExitInternal},
		{"cancelled", errors.ErrCancelled, nil, ExitCancelled},
		{"invalid image", errors.Wrap(errors.ErrInvalidImage, "rootfs"), nil, ExitInvalidImage},
		{"image not found", errors.ErrImageNotFound, nil, ExitImageNotFound},
		{"platform", errors.ErrUnsupportedPlatform, nil, ExitUnsupportedPlatform},
		{"ambiguous", errors.ErrAmbiguousDevice, nil, ExitAmbiguousDevice},
		{"mismatch", errors.ErrDeviceMismatch, nil, ExitDeviceMismatch},
		{"recovery wait", errors.ErrWaitTimeout, absent, ExitRecoveryTimeout},
		{"repartition needed", errors.ErrRepartitionNeeded, nil, ExitRepartitionNeeded},
		{"postinstall", errors.ErrPostInstall, nil, ExitPostInstall},
		{"boot patch", errors.ErrBootPatch, nil, ExitBootPatch},
		{"unauthorized", &errors.OutputError{Kind: errors.ErrUnauthorizedBootImage, Output: "FAILED"}, nil, ExitUnauthorizedBoot},
		{"geometry", errors.ErrUnsupportedStorageGeometry, nil, ExitRepartition},
		{"repartition", errors.ErrRepartition, nil, ExitRepartition},
		{"stalled", errors.ErrStalledTransfer, nil, ExitStalledTransfer},
		{"artifact", errors.ErrArtifactUnavailable, nil, ExitArtifact},
		{"integrity", errors.ErrIntegrityUnverifiable, nil, ExitArtifact},
		{"fastboot timeout", fastbootTimeout, nil, ExitBootloaderTimeout},
		{"fastboot failure", fastbootFailed, nil, ExitFastboot},
		{"fastboot device lost", fastbootFailed, absent, ExitBootloaderTimeout},
		{"adb failure", adbFailed, nil, ExitDeviceNotFound},
		{"adb timeout", adbTimeout, nil, ExitRecoveryTimeout},
		{"recovery command", recoveryFailed, nil, ExitRecoveryCommand},
		{"wrapped recovery command", errors.Wrap(recoveryFailed, "flash rootfs"), nil, ExitRecoveryCommand},
		{"reported", reportedExit(ExitDeviceNotFound, errors.ErrDeviceNotFound), nil, ExitDeviceNotFound},
		{"absent device", errors.Wrap(errors.ErrDeviceNotFound, "clean"), absent, ExitBootloaderTimeout},
		{"not found", errors.ErrDeviceNotFound, nil, ExitDeviceNotFound},
		{"context", context.Canceled, nil, ExitInternal},
		{"other", errors.New("boom"), nil, ExitInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err, tt.dev); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
