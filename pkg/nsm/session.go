package nsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/inconshreveable/log15"
)

type sessionState int

const (
	stateOpen sessionState = iota
	stateInitialized
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateInitialized:
		return "initialized"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var lastSessionID atomic.Uint64

// Session is one open channel to the NSM device.
//
// A Session serializes its operations: at most one device round-trip is in
// flight per session, so it may be shared between goroutines. Independent
// sessions do not share any state on the client side.
type Session struct {
	id     uint64
	cfg    Config
	limits Limits
	log    log15.Logger

	mu    sync.Mutex
	dev   Device
	state sessionState
	desc  *Description // device metadata cached by Init
}

// Open acquires a new channel to the device using the supplied provider.
// If provider is nil the package-level system provider is used.
//
// Open fails with ErrDeviceUnavailable when the device cannot be reached.
// The returned session must be released with Close or Exit.
func Open(ctx context.Context, cfg Config, provider Provider) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if provider == nil {
		if systemProvider == nil {
			return nil, errSystemProviderUnavailable
		}
		provider = systemProvider
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dev, err := provider.Open(ctx, cfg)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: provider returned no device", ErrDeviceUnavailable)
	}

	id := lastSessionID.Add(1)
	s := &Session{
		id:     id,
		cfg:    cfg,
		limits: cfg.Limits(),
		log:    cfg.Logger.New("session", id),
		dev:    dev,
		state:  stateOpen,
	}
	s.log.Debug("nsm_open", "device", cfg.DevicePath)
	return s, nil
}

// ID returns the opaque identifier of the session. Identifiers are unique
// within the process and never reused.
func (s *Session) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.id
}

// Limits returns the attestation request limits enforced by the session.
func (s *Session) Limits() Limits {
	if s == nil {
		return DefaultLimits()
	}
	return s.limits
}

// Closed reports whether the session has been released by Close or Exit.
func (s *Session) Closed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

// Init performs the optional device initialization step and caches the
// immutable device metadata used to validate register indices locally.
// It may be called at most once; a second call fails with ErrInvalidState.
// On a closed session the error matches both ErrInvalidHandle and
// ErrInvalidState.
func (s *Session) Init(ctx context.Context) error {
	if s == nil {
		return ErrNilSession
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateClosed:
		return fmt.Errorf("%w: init on closed session: %w", ErrInvalidHandle, ErrInvalidState)
	case stateInitialized:
		return fmt.Errorf("%w: session already initialized", ErrInvalidState)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.dev.Init(ctx); err != nil {
		return wrapDeviceErr("init", err)
	}
	desc, err := s.dev.Describe(ctx)
	if err != nil {
		return wrapDeviceErr("describe", err)
	}
	s.desc = &desc
	s.state = stateInitialized
	s.log.Debug("nsm_init", "max_pcrs", desc.MaxPCRs, "digest", desc.Digest, "module_id", desc.ModuleID)
	return nil
}

// Close releases the channel. Closing a closed session fails with
// ErrInvalidHandle. The session is unusable afterwards even if the device
// reports an error while closing.
func (s *Session) Close(ctx context.Context) error {
	return s.release(ctx, "close", func(ctx context.Context, dev Device) error {
		return dev.Close(ctx)
	})
}

// Exit releases the channel and signals the device that the underlying
// resource should be returned entirely. It fails with ErrInvalidHandle if
// the session is not open.
func (s *Session) Exit(ctx context.Context) error {
	return s.release(ctx, "exit", func(ctx context.Context, dev Device) error {
		return dev.Exit(ctx)
	})
}

func (s *Session) release(ctx context.Context, op string, fn func(context.Context, Device) error) error {
	if s == nil {
		return ErrNilSession
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return fmt.Errorf("%w: session already released", ErrInvalidHandle)
	}
	s.state = stateClosed
	s.desc = nil

	err := fn(ctx, s.dev)
	s.log.Debug("nsm_"+op, "err", err)
	return wrapDeviceErr(op, err)
}

// do runs fn with exclusive access to the open device channel.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context, dev Device) error) error {
	if s == nil {
		return ErrNilSession
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return ErrInvalidHandle
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, s.dev)
}

// checkIndex rejects indices outside the range cached by Init. Without a
// cached description the device is left to decide. Callers hold s.mu.
func (s *Session) checkIndex(index uint16) error {
	if s.desc == nil || index < s.desc.MaxPCRs {
		return nil
	}
	return fmt.Errorf("%w: index %d, device has %d registers", ErrInvalidIndex, index, s.desc.MaxPCRs)
}

// checkRange is checkIndex for LockPCRs, where upTo may equal MaxPCRs.
func (s *Session) checkRange(upTo uint16) error {
	if s.desc == nil || upTo <= s.desc.MaxPCRs {
		return nil
	}
	return fmt.Errorf("%w: range %d, device has %d registers", ErrInvalidIndex, upTo, s.desc.MaxPCRs)
}
