package nsm

import (
	"context"
	"fmt"
)

// DigestAlgorithm identifies the hash the device uses to accumulate PCRs.
type DigestAlgorithm string

// Digest algorithms reported by the device.
const (
	SHA256 DigestAlgorithm = "SHA256"
	SHA384 DigestAlgorithm = "SHA384"
	SHA512 DigestAlgorithm = "SHA512"
)

// Size returns the digest length in bytes, or 0 for an unknown algorithm.
func (d DigestAlgorithm) Size() int {
	switch d {
	case SHA256:
		return 32
	case SHA384:
		return 48
	case SHA512:
		return 64
	default:
		return 0
	}
}

// PCR is a snapshot of one Platform Configuration Register as reported by
// the device. It is never cached by the client.
type PCR struct {
	Index  uint16 `json:"index"`
	Digest []byte `json:"digest"`
	Locked bool   `json:"locked"`
}

// Description holds device-level metadata.
type Description struct {
	VersionMajor uint16          `json:"version_major"`
	VersionMinor uint16          `json:"version_minor"`
	VersionPatch uint16          `json:"version_patch"`
	ModuleID     string          `json:"module_id"`
	MaxPCRs      uint16          `json:"max_pcrs"`
	LockedPCRs   []uint16        `json:"locked_pcrs"`
	Digest       DigestAlgorithm `json:"digest"`
}

// Version formats the device version as major.minor.patch.
func (d Description) Version() string {
	return fmt.Sprintf("%d.%d.%d", d.VersionMajor, d.VersionMinor, d.VersionPatch)
}

// Device is an open channel to an attestation device. Implementations
// forward every call to the device and report device error codes as
// *DeviceError or one of the package sentinel errors. A Device is not
// required to be safe for concurrent use; Session serializes access.
type Device interface {
	// Init performs optional device-specific setup on the channel.
	Init(ctx context.Context) error
	// ExtendPCR accumulates data into the register and returns the new digest.
	ExtendPCR(ctx context.Context, index uint16, data []byte) ([]byte, error)
	// LockPCR freezes a single register.
	LockPCR(ctx context.Context, index uint16) error
	// LockPCRs freezes every register with an index below upTo.
	LockPCRs(ctx context.Context, upTo uint16) error
	// DescribePCR reads a register without mutating it.
	DescribePCR(ctx context.Context, index uint16) (PCR, error)
	// Describe returns device-level metadata.
	Describe(ctx context.Context) (Description, error)
	// Attest requests a signed attestation document. Nil fields were not
	// provided by the caller.
	Attest(ctx context.Context, userData, nonce, publicKey []byte) ([]byte, error)
	// GetRandom returns device-sourced random bytes.
	GetRandom(ctx context.Context) ([]byte, error)
	// Close releases the channel.
	Close(ctx context.Context) error
	// Exit releases the channel and signals the device resource should be
	// returned entirely.
	Exit(ctx context.Context) error
}

// Provider abstracts opening channels to an attestation device.
type Provider interface {
	// Open acquires a new channel. Failures to reach the device should wrap
	// ErrDeviceUnavailable.
	Open(ctx context.Context, cfg Config) (Device, error)
}

var systemProvider Provider

// SetSystemProvider installs the default provider used when callers pass
// nil to Open. The linux build installs the native /dev/nsm provider; tests
// and hosting applications may replace it.
func SetSystemProvider(p Provider) {
	systemProvider = p
}
