// Package errors provides error wrapping utilities for context-aware error messages
// and the failure taxonomy shared by the transport, device and workflow layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return stderrors.New(text) }

// Failure kinds. Callers branch on these with Is; the CLI maps each to an exit code.
var (
	ErrDeviceNotFound             = New("device not found")
	ErrAmbiguousDevice            = New("more than one device detected")
	ErrDeviceMismatch             = New("device identity mismatch")
	ErrWrongMode                  = New("device is in the wrong mode")
	ErrWaitTimeout                = New("timed out waiting for device")
	ErrUnauthorizedBootImage      = New("device rejected boot image")
	ErrRepartition                = New("repartition failed")
	ErrRepartitionNeeded          = New("incompatible partition table, repartition needed")
	ErrInvalidPartitionSize       = New("invalid partition size")
	ErrUnsupportedStorageGeometry = New("unsupported storage geometry")
	ErrUnsupportedPlatform        = New("unsupported host platform")
	ErrInvalidImage               = New("invalid rootfs image")
	ErrImageNotFound              = New("rootfs image not found")
	ErrBridgeUnavailable          = New("adb bridge unavailable")
	ErrToolMissing                = New("required tool not found")
	ErrStalledTransfer            = New("stalled transfer")
	ErrPostInstall                = New("postinstall failed")
	ErrRecoveryCommand            = New("recovery command failed")
	ErrBootPatch                  = New("boot image patch failed")
	ErrArtifactUnavailable        = New("artifact unavailable")
	ErrIntegrityUnverifiable      = New("artifact integrity unverifiable")
	ErrCancelled                  = New("cancelled by user")
)

// Cause distinguishes why a device command failed.
type Cause string

const (
	// CauseTimeout means the command did not finish within its per-call deadline.
	CauseTimeout Cause = "timeout"
	// CauseCommandFailed means the command ran and reported an error.
	CauseCommandFailed Cause = "command_failed"
)

// DeviceError is returned by the transport clients for any command misbehaviour.
// It always matches ErrDeviceNotFound, and keeps the cause and raw output so callers
// can choose a different recovery per cause.
type DeviceError struct {
	Op     string
	Serial string
	Cause  Cause
	Output string
	Err    error
}

func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Serial, e.Cause)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeviceNotFound}
	}
	return []error{ErrDeviceNotFound, e.Err}
}

// IsTimeout reports whether err carries a DeviceError caused by a timeout.
func IsTimeout(err error) bool {
	var de *DeviceError
	return As(err, &de) && de.Cause == CauseTimeout
}

// OutputError carries raw device output alongside a failure kind, e.g. the
// bootloader's response when it refuses a boot image.
type OutputError struct {
	Kind   error
	Output string
}

func (e *OutputError) Error() string { return e.Kind.Error() }

func (e *OutputError) Unwrap() error { return e.Kind }
