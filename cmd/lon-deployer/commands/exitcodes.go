package commands

import (
	"strings"

	"github.com/nabu-linux/lon-deployer/internal/session"
	"github.com/nabu-linux/lon-deployer/pkg/device"
	"github.com/nabu-linux/lon-deployer/pkg/errors"
)

// Process exit codes. Scripts driving the deployer branch on these.
const (
	ExitOK                  = 0
	ExitInternal            = 1
	ExitInvalidImage        = 166
	ExitImageNotFound       = 167
	ExitUsage               = 168
	ExitBridgeUnavailable   = 169
	ExitDeviceNotFound      = 170
	ExitAmbiguousDevice     = 171
	ExitBootloaderTimeout   = 172
	ExitRecoveryTimeout     = 173
	ExitRepartitionNeeded   = 174
	ExitPostInstall         = 175
	ExitBootPatch           = 176
	ExitUnauthorizedBoot    = 177
	ExitUnsupportedPlatform = 178
	ExitFastboot            = 179
	ExitRepartition         = 180
	ExitStalledTransfer     = 181
	ExitArtifact            = 182
	ExitRecoveryCommand     = 183
	ExitCancelled           = 253
	ExitDeviceMismatch      = 254
)

// exitError carries the exit code chosen for a failure. reported means the
// operator already saw a line for it.
type exitError struct {
	code     int
	err      error
	reported bool
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// reportedExit is exitWith for failures already printed to the operator.
func reportedExit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err, reported: true}
}

func isReported(err error) bool {
	var ee *exitError
	return errors.As(err, &ee) && ee.reported
}

var kindCodes = []struct {
	kind error
	code int
}{
	{session.ErrInterrupted, ExitInternal},
	{errors.ErrCancelled, ExitCancelled},
	{errors.ErrInvalidImage, ExitInvalidImage},
	{errors.ErrImageNotFound, ExitImageNotFound},
	{errors.ErrUnsupportedPlatform, ExitUnsupportedPlatform},
	{errors.ErrBridgeUnavailable, ExitBridgeUnavailable},
	{errors.ErrToolMissing, ExitFastboot},
	{errors.ErrAmbiguousDevice, ExitAmbiguousDevice},
	{errors.ErrDeviceMismatch, ExitDeviceMismatch},
	{errors.ErrWaitTimeout, ExitRecoveryTimeout},
	{errors.ErrRepartitionNeeded, ExitRepartitionNeeded},
	{errors.ErrPostInstall, ExitPostInstall},
	{errors.ErrBootPatch, ExitBootPatch},
	{errors.ErrUnauthorizedBootImage, ExitUnauthorizedBoot},
	{errors.ErrUnsupportedStorageGeometry, ExitRepartition},
	{errors.ErrRepartition, ExitRepartition},
	{errors.ErrRecoveryCommand, ExitRecoveryCommand},
	{errors.ErrInvalidPartitionSize, ExitUsage},
	{errors.ErrStalledTransfer, ExitStalledTransfer},
	{errors.ErrArtifactUnavailable, ExitArtifact},
	{errors.ErrIntegrityUnverifiable, ExitArtifact},
}

// exitCode maps a failure to its exit code. dev, when known, tells a device
// that vanished from the bootloader apart from one that was never found.
func exitCode(err error, dev *device.Device) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}

	var de *errors.DeviceError
	if errors.As(err, &de) && strings.HasPrefix(de.Op, "fastboot") {
		if de.Cause == errors.CauseTimeout || (dev != nil && dev.Mode() == device.Absent) {
			return ExitBootloaderTimeout
		}
		return ExitFastboot
	}
	if errors.As(err, &de) && de.Cause == errors.CauseTimeout {
		return ExitRecoveryTimeout
	}
	if errors.Is(err, errors.ErrDeviceNotFound) {
		if dev != nil && dev.Mode() == device.Absent {
			return ExitBootloaderTimeout
		}
		return ExitDeviceNotFound
	}
	return ExitInternal
}
