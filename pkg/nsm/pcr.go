package nsm

import (
	"context"
	"fmt"
)

// ExtendPCR accumulates data into the register at index and returns the
// register's new digest. The accumulation function belongs to the device;
// conceptually digest' = Hash(digest || data).
//
// Fails with ErrRegisterLocked if the register is locked, ErrInvalidIndex if
// index is out of range and ErrInvalidHandle if the session is closed.
func (s *Session) ExtendPCR(ctx context.Context, index uint16, data []byte) ([]byte, error) {
	var digest []byte
	err := s.do(ctx, func(ctx context.Context, dev Device) error {
		if len(data) == 0 {
			return fmt.Errorf("%w: extend data must not be empty", ErrInvalidArgument)
		}
		if err := s.checkIndex(index); err != nil {
			return err
		}
		d, err := dev.ExtendPCR(ctx, index, data)
		if err != nil {
			return wrapDeviceErr("extend_pcr", err)
		}
		if s.desc != nil && s.desc.Digest.Size() != 0 && len(d) != s.desc.Digest.Size() {
			return NewDeviceError("extend_pcr", CodeInvalidResponse)
		}
		digest = d
		s.log.Debug("pcr_extended", "index", index, "len", len(data))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// LockPCR freezes the register at index for the rest of the enclave boot.
// Locking an already locked register succeeds.
func (s *Session) LockPCR(ctx context.Context, index uint16) error {
	return s.do(ctx, func(ctx context.Context, dev Device) error {
		if err := s.checkIndex(index); err != nil {
			return err
		}
		if err := dev.LockPCR(ctx, index); err != nil {
			return wrapDeviceErr("lock_pcr", err)
		}
		s.log.Debug("pcr_locked", "index", index)
		return nil
	})
}

// LockPCRs freezes every register with an index below upTo. Registers that
// are already locked are left as they are.
func (s *Session) LockPCRs(ctx context.Context, upTo uint16) error {
	return s.do(ctx, func(ctx context.Context, dev Device) error {
		if err := s.checkRange(upTo); err != nil {
			return err
		}
		if err := dev.LockPCRs(ctx, upTo); err != nil {
			return wrapDeviceErr("lock_pcrs", err)
		}
		s.log.Debug("pcrs_locked", "range", upTo)
		return nil
	})
}

// DescribePCR returns the current digest and lock state of a register.
func (s *Session) DescribePCR(ctx context.Context, index uint16) (PCR, error) {
	var pcr PCR
	err := s.do(ctx, func(ctx context.Context, dev Device) error {
		if err := s.checkIndex(index); err != nil {
			return err
		}
		p, err := dev.DescribePCR(ctx, index)
		if err != nil {
			return wrapDeviceErr("describe_pcr", err)
		}
		pcr = p
		pcr.Index = index
		return nil
	})
	return pcr, err
}

// Describe returns device-level metadata: register count, digest algorithm,
// module identifier and the set of locked registers. Every call queries the
// device.
func (s *Session) Describe(ctx context.Context) (Description, error) {
	var desc Description
	err := s.do(ctx, func(ctx context.Context, dev Device) error {
		d, err := dev.Describe(ctx)
		if err != nil {
			return wrapDeviceErr("describe", err)
		}
		desc = d
		return nil
	})
	return desc, err
}

// DescribePCRs reads every register reported by the device, in index order.
func (s *Session) DescribePCRs(ctx context.Context) ([]PCR, error) {
	desc, err := s.Describe(ctx)
	if err != nil {
		return nil, err
	}
	pcrs := make([]PCR, 0, desc.MaxPCRs)
	for i := uint16(0); i < desc.MaxPCRs; i++ {
		pcr, err := s.DescribePCR(ctx, i)
		if err != nil {
			return nil, err
		}
		pcrs = append(pcrs, pcr)
	}
	return pcrs, nil
}
