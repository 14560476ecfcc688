package simulator

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// Document is the payload of an attestation document produced by the
// simulator. Absent request fields are encoded as CBOR null.
type Document struct {
	ModuleID    string            `cbor:"module_id" json:"module_id"`
	Timestamp   uint64            `cbor:"timestamp" json:"timestamp"`
	Digest      string            `cbor:"digest" json:"digest"`
	PCRs        map[uint16][]byte `cbor:"pcrs" json:"pcrs"`
	Certificate []byte            `cbor:"certificate" json:"certificate"`
	CABundle    [][]byte          `cbor:"cabundle" json:"cabundle"`
	PublicKey   []byte            `cbor:"public_key" json:"public_key,omitempty"`
	UserData    []byte            `cbor:"user_data" json:"user_data,omitempty"`
	Nonce       []byte            `cbor:"nonce" json:"nonce,omitempty"`
}

var (
	// ErrMalformedDocument indicates the document is not a COSE_Sign1 message
	// carrying an attestation payload.
	ErrMalformedDocument = errors.New("simulator: malformed attestation document")
	// ErrBadSignature indicates the document signature does not verify.
	ErrBadSignature = errors.New("simulator: attestation signature mismatch")
)

// sign encodes doc and wraps it in an untagged COSE_Sign1 message signed
// with ES384, the layout the NSM emits.
func sign(random io.Reader, key *ecdsa.PrivateKey, doc Document) ([]byte, error) {
	payload, err := cbor.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("simulator: encode payload: %w", err)
	}
	signer, err := cose.NewSigner(cose.AlgorithmES384, key)
	if err != nil {
		return nil, fmt.Errorf("simulator: signer: %w", err)
	}

	msg := cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES384,
			},
		},
		Payload: payload,
	}
	if err := msg.Sign(random, nil, signer); err != nil {
		return nil, fmt.Errorf("simulator: sign document: %w", err)
	}
	return msg.MarshalCBOR()
}

func decodeSign1(raw []byte) (*cose.UntaggedSign1Message, error) {
	var msg cose.UntaggedSign1Message
	if err := msg.UnmarshalCBOR(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	if len(msg.Payload) == 0 {
		return nil, ErrMalformedDocument
	}
	return &msg, nil
}

func decodePayload(payload []byte) (*Document, error) {
	var doc Document
	if err := cbor.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	if doc.ModuleID == "" || len(doc.PCRs) == 0 {
		return nil, ErrMalformedDocument
	}
	return &doc, nil
}

// ParseDocument decodes the payload of an attestation document without
// verifying its signature.
func ParseDocument(raw []byte) (*Document, error) {
	msg, err := decodeSign1(raw)
	if err != nil {
		return nil, err
	}
	return decodePayload(msg.Payload)
}

// Verify checks that raw was signed by this simulator and returns its
// payload.
func (s *Simulator) Verify(raw []byte) (*Document, error) {
	msg, err := decodeSign1(raw)
	if err != nil {
		return nil, err
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmES384, &s.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("simulator: verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return decodePayload(msg.Payload)
}

func selfSignedCertificate(random io.Reader, key *ecdsa.PrivateKey, moduleID string, now time.Time) ([]byte, error) {
	serial, err := rand.Int(random, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, fmt.Errorf("simulator: certificate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: moduleID, Organization: []string{"nsm simulator"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(random, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("simulator: create certificate: %w", err)
	}
	return der, nil
}
