package nsm

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// mockProvider implements Provider for testing
type mockProvider struct {
	openErr    error
	device     *mockDevice
	openCalled atomic.Int32
}

func (m *mockProvider) Open(ctx context.Context, cfg Config) (Device, error) {
	m.openCalled.Add(1)
	if m.openErr != nil {
		return nil, m.openErr
	}
	if m.device == nil {
		m.device = &mockDevice{}
	}
	return m.device, nil
}

// mockDevice implements Device with canned answers and call counters.
type mockDevice struct {
	desc      Description
	digest    []byte
	random    []byte
	doc       []byte
	initErr   error
	callErr   error
	closeErr  error
	calls     atomic.Int32
	initCalls atomic.Int32
	closed    atomic.Bool
	exited    atomic.Bool
	attested  atomic.Value // [][]byte of the last attestation fields
}

func (m *mockDevice) Init(ctx context.Context) error {
	m.initCalls.Add(1)
	return m.initErr
}

func (m *mockDevice) ExtendPCR(ctx context.Context, index uint16, data []byte) ([]byte, error) {
	m.calls.Add(1)
	return m.digest, m.callErr
}

func (m *mockDevice) LockPCR(ctx context.Context, index uint16) error {
	m.calls.Add(1)
	return m.callErr
}

func (m *mockDevice) LockPCRs(ctx context.Context, upTo uint16) error {
	m.calls.Add(1)
	return m.callErr
}

func (m *mockDevice) DescribePCR(ctx context.Context, index uint16) (PCR, error) {
	m.calls.Add(1)
	return PCR{Digest: m.digest}, m.callErr
}

func (m *mockDevice) Describe(ctx context.Context) (Description, error) {
	m.calls.Add(1)
	return m.desc, m.callErr
}

func (m *mockDevice) Attest(ctx context.Context, userData, nonce, publicKey []byte) ([]byte, error) {
	m.calls.Add(1)
	m.attested.Store([][]byte{userData, nonce, publicKey})
	return m.doc, m.callErr
}

func (m *mockDevice) GetRandom(ctx context.Context) ([]byte, error) {
	m.calls.Add(1)
	return m.random, m.callErr
}

func (m *mockDevice) Close(ctx context.Context) error {
	m.closed.Store(true)
	return m.closeErr
}

func (m *mockDevice) Exit(ctx context.Context) error {
	m.exited.Store(true)
	return m.closeErr
}

func openMock(t *testing.T, dev *mockDevice) *Session {
	t.Helper()
	s, err := Open(context.Background(), Config{}, &mockProvider{device: dev})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return s
}

func TestOpen(t *testing.T) {
	transport := errors.New("open /dev/nsm: no such file or directory")

	tests := []struct {
		name     string
		ctx      context.Context
		cfg      Config
		provider Provider
		wantErr  error
	}{
		{
			name:     "success",
			ctx:      context.Background(),
			provider: &mockProvider{},
		},
		{
			name:     "nil context defaults to background",
			ctx:      nil,
			provider: &mockProvider{},
		},
		{
			name:     "provider error becomes device unavailable",
			ctx:      context.Background(),
			provider: &mockProvider{openErr: transport},
			wantErr:  ErrDeviceUnavailable,
		},
		{
			name:     "provider unavailable passes through",
			ctx:      context.Background(),
			provider: &mockProvider{openErr: ErrDeviceUnavailable},
			wantErr:  ErrDeviceUnavailable,
		},
		{
			name: "context cancelled",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			}(),
			provider: &mockProvider{},
			wantErr:  context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.ctx, tt.cfg, tt.provider)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Open() error = %v", err)
				}
				if s == nil || s.ID() == 0 {
					t.Fatalf("Open() returned session %v", s)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Open() error = %v, want %v", err, tt.wantErr)
			}
			if s != nil {
				t.Error("Open() returned a session alongside an error")
			}
		})
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	provider := &mockProvider{}
	_, err := Open(context.Background(), Config{MaxNonceSize: -1}, provider)
	if err == nil {
		t.Fatal("Open() with invalid config succeeded")
	}
	if provider.openCalled.Load() != 0 {
		t.Error("Open() contacted the provider with an invalid config")
	}
}

func TestOpenSystemProvider(t *testing.T) {
	oldProvider := systemProvider
	defer func() { systemProvider = oldProvider }()

	systemProvider = nil
	if _, err := Open(context.Background(), Config{}, nil); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Open() without system provider error = %v, want ErrDeviceUnavailable", err)
	}

	mock := &mockProvider{}
	SetSystemProvider(mock)
	s, err := Open(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("Open() with system provider failed: %v", err)
	}
	if mock.openCalled.Load() != 1 {
		t.Errorf("system provider Open() called %d times, want 1", mock.openCalled.Load())
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	seen := map[uint64]bool{}
	for i := 0; i < 16; i++ {
		s := openMock(t, &mockDevice{})
		if seen[s.ID()] {
			t.Fatalf("session id %d reused", s.ID())
		}
		seen[s.ID()] = true
		if err := s.Close(context.Background()); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}
	}
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	dev := &mockDevice{desc: Description{MaxPCRs: 32, Digest: SHA384}}
	s := openMock(t, dev)
	defer s.Close(ctx)

	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if dev.initCalls.Load() != 1 {
		t.Errorf("device Init() called %d times, want 1", dev.initCalls.Load())
	}

	err := s.Init(ctx)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Init() error = %v, want ErrInvalidState", err)
	}
	if errors.Is(err, ErrInvalidHandle) {
		t.Errorf("second Init() on open session reported ErrInvalidHandle")
	}
	if dev.initCalls.Load() != 1 {
		t.Errorf("second Init() reached the device")
	}
}

func TestInitFailureCanBeRetried(t *testing.T) {
	ctx := context.Background()
	dev := &mockDevice{initErr: NewDeviceError("init", CodeInternalError)}
	s := openMock(t, dev)
	defer s.Close(ctx)

	if err := s.Init(ctx); !errors.Is(err, ErrDevice) {
		t.Fatalf("Init() error = %v, want ErrDevice", err)
	}
	dev.initErr = nil
	if err := s.Init(ctx); err != nil {
		t.Errorf("Init() retry failed: %v", err)
	}
}

func TestInitAfterClose(t *testing.T) {
	ctx := context.Background()
	s := openMock(t, &mockDevice{})
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	err := s.Init(ctx)
	if !errors.Is(err, ErrInvalidHandle) || !errors.Is(err, ErrInvalidState) {
		t.Errorf("Init() after Close error = %v, want ErrInvalidHandle and ErrInvalidState", err)
	}
}

func TestCloseAndExit(t *testing.T) {
	ctx := context.Background()

	t.Run("double close", func(t *testing.T) {
		dev := &mockDevice{}
		s := openMock(t, dev)
		if err := s.Close(ctx); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}
		if !dev.closed.Load() {
			t.Error("Close() did not reach the device")
		}
		if !s.Closed() {
			t.Error("Closed() = false after Close")
		}
		if err := s.Close(ctx); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("second Close() error = %v, want ErrInvalidHandle", err)
		}
	})

	t.Run("exit after close", func(t *testing.T) {
		dev := &mockDevice{}
		s := openMock(t, dev)
		if err := s.Close(ctx); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}
		if err := s.Exit(ctx); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("Exit() after Close error = %v, want ErrInvalidHandle", err)
		}
		if dev.exited.Load() {
			t.Error("Exit() on closed session reached the device")
		}
	})

	t.Run("exit then close", func(t *testing.T) {
		dev := &mockDevice{}
		s := openMock(t, dev)
		if err := s.Exit(ctx); err != nil {
			t.Fatalf("Exit() failed: %v", err)
		}
		if !dev.exited.Load() {
			t.Error("Exit() did not reach the device")
		}
		if err := s.Close(ctx); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("Close() after Exit error = %v, want ErrInvalidHandle", err)
		}
	})

	t.Run("device close error still releases", func(t *testing.T) {
		dev := &mockDevice{closeErr: errors.New("close: input/output error")}
		s := openMock(t, dev)
		if err := s.Close(ctx); !errors.Is(err, ErrDevice) {
			t.Errorf("Close() error = %v, want ErrDevice", err)
		}
		if _, err := s.GetRandom(ctx); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("GetRandom() after failed Close error = %v, want ErrInvalidHandle", err)
		}
	})

	t.Run("nil session", func(t *testing.T) {
		var s *Session
		if err := s.Close(ctx); !errors.Is(err, ErrNilSession) {
			t.Errorf("Close() on nil session error = %v, want ErrNilSession", err)
		}
		if err := s.Exit(ctx); !errors.Is(err, ErrNilSession) {
			t.Errorf("Exit() on nil session error = %v, want ErrNilSession", err)
		}
	})
}

func TestOperationsAfterClose(t *testing.T) {
	ctx := context.Background()
	dev := &mockDevice{random: []byte{1}, doc: []byte{2}, digest: []byte{3}}
	s := openMock(t, dev)
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	ops := map[string]func() error{
		"ExtendPCR": func() error { _, err := s.ExtendPCR(ctx, 0, []byte("data")); return err },
		"LockPCR":   func() error { return s.LockPCR(ctx, 0) },
		"LockPCRs":  func() error { return s.LockPCRs(ctx, 4) },
		"DescribePCR": func() error {
			_, err := s.DescribePCR(ctx, 0)
			return err
		},
		"Describe": func() error { _, err := s.Describe(ctx); return err },
		"GetAttestationDoc": func() error {
			_, err := s.GetAttestationDoc(ctx, AttestationRequest{})
			return err
		},
		"GetRandom": func() error { _, err := s.GetRandom(ctx); return err },
		"Exit":      func() error { return s.Exit(ctx) },
		"Close":     func() error { return s.Close(ctx) },
		"ExtendPCR empty data": func() error {
			_, err := s.ExtendPCR(ctx, 16, nil)
			return err
		},
		"GetAttestationDoc oversized": func() error {
			_, err := s.GetAttestationDoc(ctx, AttestationRequest{Nonce: Some(make([]byte, 2000))})
			return err
		},
		"ReadRandom": func() error { _, err := s.ReadRandom(ctx, make([]byte, 4)); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, ErrInvalidHandle) {
				t.Errorf("%s() after Close error = %v, want ErrInvalidHandle", name, err)
			}
		})
	}
	if n := dev.calls.Load(); n != 0 {
		t.Errorf("device received %d calls after Close", n)
	}
}

func TestDeviceErrorsDoNotCloseSession(t *testing.T) {
	ctx := context.Background()
	dev := &mockDevice{callErr: NewDeviceError("extend_pcr", CodeInvalidIndex)}
	s := openMock(t, dev)
	defer s.Close(ctx)

	if _, err := s.ExtendPCR(ctx, 99, []byte("x")); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("ExtendPCR() error = %v, want ErrInvalidIndex", err)
	}
	if s.Closed() {
		t.Fatal("session closed after a per-call error")
	}

	dev.callErr = nil
	dev.random = []byte{0xaa, 0xbb}
	got, err := s.GetRandom(ctx)
	if err != nil {
		t.Fatalf("GetRandom() after error failed: %v", err)
	}
	if !bytes.Equal(got, dev.random) {
		t.Errorf("GetRandom() = %x, want %x", got, dev.random)
	}
}

func TestTransportErrorsBecomeDeviceErrors(t *testing.T) {
	ctx := context.Background()
	transport := errors.New("ioctl: broken pipe")
	dev := &mockDevice{callErr: transport}
	s := openMock(t, dev)
	defer s.Close(ctx)

	_, err := s.GetRandom(ctx)
	if !errors.Is(err, ErrDevice) || !errors.Is(err, transport) {
		t.Errorf("GetRandom() error = %v, want ErrDevice wrapping the cause", err)
	}
}

func TestIndexCheckedLocallyAfterInit(t *testing.T) {
	ctx := context.Background()
	dev := &mockDevice{desc: Description{MaxPCRs: 4, Digest: SHA256}, digest: make([]byte, 32)}
	s := openMock(t, dev)
	defer s.Close(ctx)

	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	before := dev.calls.Load()

	if _, err := s.ExtendPCR(ctx, 4, []byte("x")); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("ExtendPCR(4) error = %v, want ErrInvalidIndex", err)
	}
	if err := s.LockPCR(ctx, 7); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("LockPCR(7) error = %v, want ErrInvalidIndex", err)
	}
	if _, err := s.DescribePCR(ctx, 4); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("DescribePCR(4) error = %v, want ErrInvalidIndex", err)
	}
	if err := s.LockPCRs(ctx, 5); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("LockPCRs(5) error = %v, want ErrInvalidIndex", err)
	}
	if dev.calls.Load() != before {
		t.Errorf("out of range calls reached the device")
	}

	if err := s.LockPCRs(ctx, 4); err != nil {
		t.Errorf("LockPCRs(MaxPCRs) failed: %v", err)
	}
	if _, err := s.ExtendPCR(ctx, 3, []byte("x")); err != nil {
		t.Errorf("ExtendPCR(3) failed: %v", err)
	}
}

func TestExtendPCRRejectsWrongDigestLength(t *testing.T) {
	ctx := context.Background()
	dev := &mockDevice{desc: Description{MaxPCRs: 4, Digest: SHA384}, digest: make([]byte, 32)}
	s := openMock(t, dev)
	defer s.Close(ctx)

	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if _, err := s.ExtendPCR(ctx, 1, []byte("x")); !errors.Is(err, ErrDevice) {
		t.Errorf("ExtendPCR() error = %v, want ErrDevice", err)
	}
}

func TestExtendPCREmptyData(t *testing.T) {
	ctx := context.Background()
	dev := &mockDevice{}
	s := openMock(t, dev)
	defer s.Close(ctx)

	if _, err := s.ExtendPCR(ctx, 0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ExtendPCR(nil) error = %v, want ErrInvalidArgument", err)
	}
	if dev.calls.Load() != 0 {
		t.Error("ExtendPCR(nil) reached the device")
	}
}

func TestContextCancelledBeforeCall(t *testing.T) {
	dev := &mockDevice{random: []byte{1}}
	s := openMock(t, dev)
	defer s.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.GetRandom(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("GetRandom() error = %v, want context.Canceled", err)
	}
	if dev.calls.Load() != 0 {
		t.Error("cancelled call reached the device")
	}
}

func TestNilSession(t *testing.T) {
	var s *Session
	ctx := context.Background()

	if err := s.Init(ctx); !errors.Is(err, ErrNilSession) {
		t.Errorf("Init() error = %v, want ErrNilSession", err)
	}
	if _, err := s.ExtendPCR(ctx, 0, []byte("x")); !errors.Is(err, ErrNilSession) {
		t.Errorf("ExtendPCR() error = %v, want ErrNilSession", err)
	}
	if _, err := s.GetAttestationDoc(ctx, AttestationRequest{}); !errors.Is(err, ErrNilSession) {
		t.Errorf("GetAttestationDoc() error = %v, want ErrNilSession", err)
	}
	if s.ID() != 0 || !s.Closed() {
		t.Error("nil session should report id 0 and closed")
	}
}

func TestSessionStateString(t *testing.T) {
	for state, want := range map[sessionState]string{
		stateOpen:        "open",
		stateInitialized: "initialized",
		stateClosed:      "closed",
		sessionState(42): "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("sessionState(%d).String() = %q, want %q", state, got, want)
		}
	}
}
