package nsm

import (
	"context"
	"fmt"
)

// Optional is a byte field that is either provided or not provided. The
// zero value is not provided. A provided field may be empty.
type Optional struct {
	value []byte
	set   bool
}

// Some returns a provided field holding b. A nil b is provided as empty.
func Some(b []byte) Optional {
	if b == nil {
		b = []byte{}
	}
	return Optional{value: b, set: true}
}

// None returns a field that was not provided.
func None() Optional {
	return Optional{}
}

// IsSet reports whether the field was provided.
func (o Optional) IsSet() bool {
	return o.set
}

// Bytes returns the field value, or nil if the field was not provided.
func (o Optional) Bytes() []byte {
	if !o.set {
		return nil
	}
	return o.value
}

// Len returns the length of the field value, 0 when not provided.
func (o Optional) Len() int {
	return len(o.value)
}

// AttestationRequest holds the caller-supplied fields bound into an
// attestation document. Every field is optional. The document always covers
// the full current register set.
type AttestationRequest struct {
	// UserData is caller-defined data signed into the document.
	UserData Optional
	// Nonce is a freshness token for anti-replay checks.
	Nonce Optional
	// PublicKey is bound into the document for key-attestation use cases.
	PublicKey Optional
}

// Validate checks every provided field against limits and fails with
// ErrPayloadTooLarge if one is exceeded.
func (r AttestationRequest) Validate(limits Limits) error {
	fields := []struct {
		name  string
		field Optional
		max   int
	}{
		{"user data", r.UserData, limits.UserData},
		{"nonce", r.Nonce, limits.Nonce},
		{"public key", r.PublicKey, limits.PublicKey},
	}
	for _, f := range fields {
		if f.field.IsSet() && f.field.Len() > f.max {
			return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrPayloadTooLarge, f.name, f.field.Len(), f.max)
		}
	}
	return nil
}

// GetAttestationDoc requests a signed attestation document binding the
// current register values and the provided request fields. The document is
// returned as produced by the device; it is not parsed or verified here.
//
// Oversized fields fail with ErrPayloadTooLarge before the device is
// contacted; a closed session fails with ErrInvalidHandle first. The call never mutates register state.
func (s *Session) GetAttestationDoc(ctx context.Context, req AttestationRequest) ([]byte, error) {
	var doc []byte
	err := s.do(ctx, func(ctx context.Context, dev Device) error {
		if err := req.Validate(s.limits); err != nil {
			return err
		}
		d, err := dev.Attest(ctx, req.UserData.Bytes(), req.Nonce.Bytes(), req.PublicKey.Bytes())
		if err != nil {
			return wrapDeviceErr("attestation", err)
		}
		if len(d) == 0 {
			return NewDeviceError("attestation", CodeInvalidResponse)
		}
		doc = d
		s.log.Debug("attestation_doc",
			"len", len(d),
			"user_data", req.UserData.IsSet(),
			"nonce", req.Nonce.IsSet(),
			"public_key", req.PublicKey.IsSet())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
