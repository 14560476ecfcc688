package nsm

import (
	"errors"
	"fmt"

	"github.com/inconshreveable/log15"
)

const (
	// DefaultDevicePath is the NSM character device inside a Nitro Enclave.
	DefaultDevicePath = "/dev/nsm"

	// DefaultMaxAuxSize is the documented NSM ceiling for each of the
	// user data, nonce and public key fields of an attestation request.
	DefaultMaxAuxSize = 1024

	// maxAuxCeiling bounds configured limits to something the device could
	// plausibly accept in a single request.
	maxAuxCeiling = 16 * 1024
)

// Config supplies the parameters required to open an NSM session.
type Config struct {
	// DevicePath is the path to the NSM device. Defaults to "/dev/nsm".
	DevicePath string
	// MaxUserDataSize bounds AttestationRequest.UserData. Defaults to 1024.
	MaxUserDataSize int
	// MaxNonceSize bounds AttestationRequest.Nonce. Defaults to 1024.
	MaxNonceSize int
	// MaxPublicKeySize bounds AttestationRequest.PublicKey. Defaults to 1024.
	MaxPublicKeySize int
	// Logger receives debug events for session lifecycle and mutating
	// operations. Nil discards them.
	Logger log15.Logger
}

// Limits holds the attestation request size limits in bytes.
type Limits struct {
	UserData  int
	Nonce     int
	PublicKey int
}

// DefaultLimits returns the documented NSM attestation field limits.
func DefaultLimits() Limits {
	return Limits{UserData: DefaultMaxAuxSize, Nonce: DefaultMaxAuxSize, PublicKey: DefaultMaxAuxSize}
}

// Limits returns the attestation limits of the configuration after defaults.
func (c Config) Limits() Limits {
	c = c.withDefaults()
	return Limits{UserData: c.MaxUserDataSize, Nonce: c.MaxNonceSize, PublicKey: c.MaxPublicKeySize}
}

func (c Config) withDefaults() Config {
	if c.DevicePath == "" {
		c.DevicePath = DefaultDevicePath
	}
	if c.MaxUserDataSize == 0 {
		c.MaxUserDataSize = DefaultMaxAuxSize
	}
	if c.MaxNonceSize == 0 {
		c.MaxNonceSize = DefaultMaxAuxSize
	}
	if c.MaxPublicKeySize == 0 {
		c.MaxPublicKeySize = DefaultMaxAuxSize
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	return c
}

// validate checks that the configuration is valid. Zero values are accepted
// and replaced by defaults.
func (c Config) validate() error {
	limits := []struct {
		name  string
		value int
	}{
		{"user data", c.MaxUserDataSize},
		{"nonce", c.MaxNonceSize},
		{"public key", c.MaxPublicKeySize},
	}
	for _, l := range limits {
		if l.value < 0 {
			return fmt.Errorf("nsm: max %s size %d must not be negative", l.name, l.value)
		}
		if l.value > maxAuxCeiling {
			return fmt.Errorf("nsm: max %s size %d exceeds %d", l.name, l.value, maxAuxCeiling)
		}
	}
	if c.DevicePath != "" && c.DevicePath[0] != '/' {
		return errors.New("nsm: device path must be absolute")
	}
	return nil
}

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}
