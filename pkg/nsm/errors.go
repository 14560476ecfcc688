package nsm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable indicates the NSM device cannot be reached at all.
	ErrDeviceUnavailable = errors.New("nsm: device unavailable")

	// ErrInvalidHandle indicates the session is closed, was never opened or
	// belongs to another device.
	ErrInvalidHandle = errors.New("nsm: invalid handle")

	// ErrInvalidState indicates the operation is not valid for the current
	// session lifecycle stage, such as a second Init. Init on a closed
	// session returns an error matching both ErrInvalidState and
	// ErrInvalidHandle.
	ErrInvalidState = errors.New("nsm: invalid state")

	// ErrInvalidIndex indicates a PCR index outside the device-reported range.
	ErrInvalidIndex = errors.New("nsm: invalid pcr index")

	// ErrRegisterLocked indicates a mutation was attempted on a locked PCR.
	ErrRegisterLocked = errors.New("nsm: pcr is locked")

	// ErrPayloadTooLarge indicates a request field exceeds the device limits.
	ErrPayloadTooLarge = errors.New("nsm: payload too large")

	// ErrInvalidArgument indicates the device rejected a malformed argument.
	ErrInvalidArgument = errors.New("nsm: invalid argument")

	// ErrDevice indicates an opaque fault inside the device or its transport.
	ErrDevice = errors.New("nsm: device error")

	// ErrNilSession indicates a nil session was used.
	ErrNilSession = errors.New("nsm: session is nil")

	// errSystemProviderUnavailable indicates no system provider is configured.
	errSystemProviderUnavailable = fmt.Errorf("%w: system provider unavailable; build for linux or configure a provider", ErrDeviceUnavailable)
)

// Error codes reported by the NSM device.
const (
	CodeSuccess          = "Success"
	CodeInvalidArgument  = "InvalidArgument"
	CodeInvalidIndex     = "InvalidIndex"
	CodeInvalidResponse  = "InvalidResponse"
	CodeReadOnlyIndex    = "ReadOnlyIndex"
	CodeInvalidOperation = "InvalidOperation"
	CodeBufferTooSmall   = "BufferTooSmall"
	CodeInputTooLarge    = "InputTooLarge"
	CodeInternalError    = "InternalError"
)

// DeviceError describes an error code returned by the device for a request.
// It unwraps to the sentinel error matching Code.
type DeviceError struct {
	Op   string
	Code string
	Err  error
}

// NewDeviceError maps a device error code onto the package error taxonomy.
func NewDeviceError(op, code string) *DeviceError {
	return &DeviceError{Op: op, Code: code, Err: errorForCode(code)}
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Err, e.Op, e.Code)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func errorForCode(code string) error {
	switch code {
	case CodeInvalidIndex:
		return ErrInvalidIndex
	case CodeReadOnlyIndex:
		return ErrRegisterLocked
	case CodeInputTooLarge:
		return ErrPayloadTooLarge
	case CodeInvalidArgument:
		return ErrInvalidArgument
	default:
		return ErrDevice
	}
}

// knownError reports whether err already belongs to the package taxonomy.
func knownError(err error) bool {
	for _, target := range []error{
		ErrDeviceUnavailable, ErrInvalidHandle, ErrInvalidState, ErrInvalidIndex,
		ErrRegisterLocked, ErrPayloadTooLarge, ErrInvalidArgument, ErrDevice,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// wrapDeviceErr makes sure every error leaving a session is distinguishable.
// Errors outside the taxonomy (transport failures) become ErrDevice.
func wrapDeviceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if knownError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDevice, op, err)
}
