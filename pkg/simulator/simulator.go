// Package simulator provides an in-memory Nitro Secure Module for tests and
// local development outside an enclave.
//
// The simulator keeps one register bank per Simulator, shared by every
// channel opened on it, and honors the NSM register state machine: extending
// a locked register fails with ReadOnlyIndex, locking is idempotent and
// irreversible. Attestation documents are COSE_Sign1 structures signed with
// an ephemeral ECDSA P-384 key whose self-signed certificate is embedded in
// the document.
//
//	sim, err := simulator.New(simulator.WithLockedPCRs(0, 1, 2))
//	if err != nil {
//		log.Fatal(err)
//	}
//	sess, err := nsm.Open(ctx, nsm.Config{}, sim)
package simulator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/jeremyhahn/go-nsm/pkg/nsm"
)

const (
	// DefaultMaxPCRs matches the register count of a Nitro Enclave.
	DefaultMaxPCRs = 32
	// DefaultRandomSize is the number of bytes returned by GetRandom.
	DefaultRandomSize = 256
	// DefaultModuleID is reported when no module ID is configured.
	DefaultModuleID = "i-00000000000000000-enc0000000000000000"
)

type register struct {
	value  []byte
	locked bool
}

// Simulator is an in-memory attestation device. It implements nsm.Provider.
type Simulator struct {
	mu          sync.Mutex
	digest      nsm.DigestAlgorithm
	moduleID    string
	version     [3]uint16
	pcrs        []register
	randomSize  int
	maxSessions int
	maxAux      int
	clock       func() time.Time
	entropy     io.Reader

	key  *ecdsa.PrivateKey
	cert []byte

	open  int
	exits int

	readOnly []uint16
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithDigest selects the register hash algorithm. Defaults to SHA384.
func WithDigest(d nsm.DigestAlgorithm) Option {
	return func(s *Simulator) { s.digest = d }
}

// WithMaxPCRs sets the number of registers.
func WithMaxPCRs(n uint16) Option {
	return func(s *Simulator) { s.pcrs = make([]register, n) }
}

// WithLockedPCRs marks registers as locked from boot, the way the hypervisor
// locks the enclave image measurements.
func WithLockedPCRs(indices ...uint16) Option {
	return func(s *Simulator) { s.readOnly = append(s.readOnly, indices...) }
}

// WithModuleID sets the module identifier reported by Describe.
func WithModuleID(id string) Option {
	return func(s *Simulator) { s.moduleID = id }
}

// WithRandomSize sets the number of bytes returned by GetRandom.
func WithRandomSize(n int) Option {
	return func(s *Simulator) { s.randomSize = n }
}

// WithMaxSessions bounds the number of simultaneously open channels. Zero
// means unbounded.
func WithMaxSessions(n int) Option {
	return func(s *Simulator) { s.maxSessions = n }
}

// WithMaxAuxSize sets the device-side limit for each attestation field.
func WithMaxAuxSize(n int) Option {
	return func(s *Simulator) { s.maxAux = n }
}

// WithClock overrides the time source for document timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Simulator) { s.clock = clock }
}

// WithEntropy overrides the source of GetRandom bytes. Signing keys always
// come from crypto/rand.
func WithEntropy(r io.Reader) Option {
	return func(s *Simulator) { s.entropy = r }
}

// New creates a simulator in the state of a freshly booted enclave.
func New(opts ...Option) (*Simulator, error) {
	s := &Simulator{
		digest:     nsm.SHA384,
		moduleID:   DefaultModuleID,
		version:    [3]uint16{1, 0, 0},
		pcrs:       make([]register, DefaultMaxPCRs),
		randomSize: DefaultRandomSize,
		maxAux:     nsm.DefaultMaxAuxSize,
		clock:      time.Now,
		entropy:    rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.digest.Size() == 0 {
		return nil, fmt.Errorf("simulator: unsupported digest %q", s.digest)
	}
	if len(s.pcrs) == 0 {
		return nil, errors.New("simulator: at least one register is required")
	}
	if s.randomSize <= 0 {
		return nil, errors.New("simulator: random size must be positive")
	}
	for i := range s.pcrs {
		s.pcrs[i].value = make([]byte, s.digest.Size())
	}
	for _, idx := range s.readOnly {
		if int(idx) >= len(s.pcrs) {
			return nil, fmt.Errorf("simulator: locked register %d out of range", idx)
		}
		s.pcrs[idx].locked = true
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("simulator: generate signing key: %w", err)
	}
	s.key = key
	if s.cert, err = selfSignedCertificate(rand.Reader, key, s.moduleID, s.clock()); err != nil {
		return nil, err
	}
	return s, nil
}

// Open implements nsm.Provider. Every channel shares the register bank.
func (s *Simulator) Open(ctx context.Context, cfg nsm.Config) (nsm.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSessions > 0 && s.open >= s.maxSessions {
		return nil, fmt.Errorf("%w: simulator: %d sessions already open", nsm.ErrDeviceUnavailable, s.open)
	}
	s.open++
	return &channel{sim: s}, nil
}

// OpenChannels returns the number of channels not yet closed or exited.
func (s *Simulator) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Exits returns the number of channels released with Exit.
func (s *Simulator) Exits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exits
}

// PublicKey returns the key that signs attestation documents.
func (s *Simulator) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Certificate returns the DER certificate embedded in attestation documents.
func (s *Simulator) Certificate() []byte {
	return append([]byte(nil), s.cert...)
}

func (s *Simulator) newHash() hash.Hash {
	switch s.digest {
	case nsm.SHA256:
		return sha256.New()
	case nsm.SHA512:
		return sha512.New()
	default:
		return sha512.New384()
	}
}

// channel is one open connection to the simulator.
type channel struct {
	sim    *Simulator
	closed bool
}

// lock acquires the simulator and checks the channel is still open.
func (c *channel) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sim.mu.Lock()
	if c.closed {
		c.sim.mu.Unlock()
		return nsm.ErrInvalidHandle
	}
	return nil
}

func (c *channel) unlock() {
	c.sim.mu.Unlock()
}

func (c *channel) register(op string, index uint16) (*register, error) {
	if int(index) >= len(c.sim.pcrs) {
		return nil, nsm.NewDeviceError(op, nsm.CodeInvalidIndex)
	}
	return &c.sim.pcrs[index], nil
}

func (c *channel) Init(ctx context.Context) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()
	return nil
}

func (c *channel) ExtendPCR(ctx context.Context, index uint16, data []byte) ([]byte, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	reg, err := c.register("extend_pcr", index)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nsm.NewDeviceError("extend_pcr", nsm.CodeInvalidArgument)
	}
	if reg.locked {
		return nil, nsm.NewDeviceError("extend_pcr", nsm.CodeReadOnlyIndex)
	}

	h := c.sim.newHash()
	h.Write(reg.value)
	h.Write(data)
	reg.value = h.Sum(nil)
	return append([]byte(nil), reg.value...), nil
}

func (c *channel) LockPCR(ctx context.Context, index uint16) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	reg, err := c.register("lock_pcr", index)
	if err != nil {
		return err
	}
	reg.locked = true
	return nil
}

func (c *channel) LockPCRs(ctx context.Context, upTo uint16) error {
	if err := c.lock(ctx); err != nil {
		return err
	}
	defer c.unlock()

	if int(upTo) > len(c.sim.pcrs) {
		return nsm.NewDeviceError("lock_pcrs", nsm.CodeInvalidIndex)
	}
	for i := uint16(0); i < upTo; i++ {
		c.sim.pcrs[i].locked = true
	}
	return nil
}

func (c *channel) DescribePCR(ctx context.Context, index uint16) (nsm.PCR, error) {
	if err := c.lock(ctx); err != nil {
		return nsm.PCR{}, err
	}
	defer c.unlock()

	reg, err := c.register("describe_pcr", index)
	if err != nil {
		return nsm.PCR{}, err
	}
	return nsm.PCR{
		Index:  index,
		Digest: append([]byte(nil), reg.value...),
		Locked: reg.locked,
	}, nil
}

func (c *channel) Describe(ctx context.Context) (nsm.Description, error) {
	if err := c.lock(ctx); err != nil {
		return nsm.Description{}, err
	}
	defer c.unlock()

	var locked []uint16
	for i, reg := range c.sim.pcrs {
		if reg.locked {
			locked = append(locked, uint16(i))
		}
	}
	return nsm.Description{
		VersionMajor: c.sim.version[0],
		VersionMinor: c.sim.version[1],
		VersionPatch: c.sim.version[2],
		ModuleID:     c.sim.moduleID,
		MaxPCRs:      uint16(len(c.sim.pcrs)),
		LockedPCRs:   locked,
		Digest:       c.sim.digest,
	}, nil
}

func (c *channel) Attest(ctx context.Context, userData, nonce, publicKey []byte) ([]byte, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	for _, field := range [][]byte{userData, nonce, publicKey} {
		if len(field) > c.sim.maxAux {
			return nil, nsm.NewDeviceError("attestation", nsm.CodeInputTooLarge)
		}
	}

	pcrs := make(map[uint16][]byte, len(c.sim.pcrs))
	for i, reg := range c.sim.pcrs {
		pcrs[uint16(i)] = append([]byte(nil), reg.value...)
	}
	doc := Document{
		ModuleID:    c.sim.moduleID,
		Timestamp:   uint64(c.sim.clock().UnixMilli()),
		Digest:      string(c.sim.digest),
		PCRs:        pcrs,
		Certificate: c.sim.cert,
		CABundle:    [][]byte{c.sim.cert},
		PublicKey:   publicKey,
		UserData:    userData,
		Nonce:       nonce,
	}
	out, err := sign(rand.Reader, c.sim.key, doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", nsm.ErrDevice, err)
	}
	return out, nil
}

func (c *channel) GetRandom(ctx context.Context) ([]byte, error) {
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	defer c.unlock()

	buf := make([]byte, c.sim.randomSize)
	if _, err := io.ReadFull(c.sim.entropy, buf); err != nil {
		return nil, fmt.Errorf("%w: %w", nsm.ErrDevice, err)
	}
	return buf, nil
}

func (c *channel) Close(ctx context.Context) error {
	return c.release(false)
}

func (c *channel) Exit(ctx context.Context) error {
	return c.release(true)
}

func (c *channel) release(exit bool) error {
	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if c.closed {
		return nsm.ErrInvalidHandle
	}
	c.closed = true
	c.sim.open--
	if exit {
		c.sim.exits++
	}
	return nil
}
