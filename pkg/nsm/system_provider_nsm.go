//go:build linux

package nsm

import (
	"context"
	"fmt"
	"os"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/hf/nsm/response"
)

func init() {
	systemProvider = &nativeProvider{}
}

// nativeProvider opens channels to /dev/nsm inside a Nitro Enclave.
type nativeProvider struct{}

func (nativeProvider) Open(ctx context.Context, cfg Config) (Device, error) {
	cfg = cfg.withDefaults()
	if cfg.DevicePath != DefaultDevicePath {
		return nil, fmt.Errorf("%w: native provider only supports %s", ErrDeviceUnavailable, DefaultDevicePath)
	}
	if _, err := os.Stat(cfg.DevicePath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return &nativeDevice{sess: sess}, nil
}

type nativeDevice struct {
	sess *nsm.Session
}

// send forwards req and surfaces the device error code, if any.
func (d *nativeDevice) send(ctx context.Context, op string, req request.Request) (response.Response, error) {
	if err := ctx.Err(); err != nil {
		return response.Response{}, err
	}
	res, err := d.sess.Send(req)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrDevice, op, err)
	}
	if code := string(res.Error); code != "" && code != CodeSuccess {
		return res, NewDeviceError(op, code)
	}
	return res, nil
}

// Init is a no-op: the channel is ready as soon as it is opened.
func (d *nativeDevice) Init(ctx context.Context) error {
	return ctx.Err()
}

func (d *nativeDevice) ExtendPCR(ctx context.Context, index uint16, data []byte) ([]byte, error) {
	res, err := d.send(ctx, "extend_pcr", &request.ExtendPCR{Index: index, Data: data})
	if err != nil {
		return nil, err
	}
	if res.ExtendPCR == nil {
		return nil, NewDeviceError("extend_pcr", CodeInvalidResponse)
	}
	return res.ExtendPCR.Data, nil
}

func (d *nativeDevice) LockPCR(ctx context.Context, index uint16) error {
	_, err := d.send(ctx, "lock_pcr", &request.LockPCR{Index: index})
	return err
}

func (d *nativeDevice) LockPCRs(ctx context.Context, upTo uint16) error {
	_, err := d.send(ctx, "lock_pcrs", &request.LockPCRs{Range: upTo})
	return err
}

func (d *nativeDevice) DescribePCR(ctx context.Context, index uint16) (PCR, error) {
	res, err := d.send(ctx, "describe_pcr", &request.DescribePCR{Index: index})
	if err != nil {
		return PCR{}, err
	}
	if res.DescribePCR == nil {
		return PCR{}, NewDeviceError("describe_pcr", CodeInvalidResponse)
	}
	return PCR{Index: index, Digest: res.DescribePCR.Data, Locked: res.DescribePCR.Lock}, nil
}

func (d *nativeDevice) Describe(ctx context.Context) (Description, error) {
	res, err := d.send(ctx, "describe", &request.DescribeNSM{})
	if err != nil {
		return Description{}, err
	}
	desc := res.DescribeNSM
	if desc == nil {
		return Description{}, NewDeviceError("describe", CodeInvalidResponse)
	}
	return Description{
		VersionMajor: desc.VersionMajor,
		VersionMinor: desc.VersionMinor,
		VersionPatch: desc.VersionPatch,
		ModuleID:     desc.ModuleID,
		MaxPCRs:      desc.MaxPCRs,
		LockedPCRs:   append([]uint16(nil), desc.LockedPCRs...),
		Digest:       DigestAlgorithm(desc.Digest),
	}, nil
}

func (d *nativeDevice) Attest(ctx context.Context, userData, nonce, publicKey []byte) ([]byte, error) {
	res, err := d.send(ctx, "attestation", &request.Attestation{
		UserData:  userData,
		Nonce:     nonce,
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, err
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, NewDeviceError("attestation", CodeInvalidResponse)
	}
	return res.Attestation.Document, nil
}

func (d *nativeDevice) GetRandom(ctx context.Context) ([]byte, error) {
	res, err := d.send(ctx, "get_random", &request.GetRandom{})
	if err != nil {
		return nil, err
	}
	if res.GetRandom == nil {
		return nil, NewDeviceError("get_random", CodeInvalidResponse)
	}
	return res.GetRandom.Random, nil
}

func (d *nativeDevice) Close(ctx context.Context) error {
	return d.sess.Close()
}

// Exit closes the channel. The NSM driver has no separate teardown, so
// releasing the file descriptor returns the whole resource.
func (d *nativeDevice) Exit(ctx context.Context) error {
	return d.sess.Close()
}
