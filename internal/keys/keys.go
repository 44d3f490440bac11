// Package keys provides the signing capability every site uses to
// authenticate the messages it emits.
//
// Message code depends only on the Signer and Verifier interfaces, so tests
// can swap in a fake without touching real key material.
package keys

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/sitenet/internal/tree"
)

// Algorithm names a signature scheme.
type Algorithm string

const (
	// Ed25519 is the default algorithm for new sites.
	Ed25519 Algorithm = "ed25519"

	// BLS12381 signs with BLS over BLS12-381 (minimal-pubkey-size variant).
	BLS12381 Algorithm = "bls12-381"
)

// FormatRaw is the only key encoding currently understood.
const FormatRaw = "raw"

var (
	// ErrUnsupported is returned for an unknown algorithm or key format.
	ErrUnsupported = errors.New("unsupported key algorithm or format")

	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("signature verification failed")
)

// PublicKey is a serializable verification key.
type PublicKey struct {
	Algorithm Algorithm
	Format    string
	Bytes     []byte
}

// PrivateKey is a serializable signing key. Only ever carried inside a
// site grant.
type PrivateKey struct {
	Algorithm Algorithm
	Format    string
	Bytes     []byte
}

// IsZero reports whether the key is unset.
func (k PublicKey) IsZero() bool {
	return k.Algorithm == "" && len(k.Bytes) == 0
}

// Equal compares two public keys.
func (k PublicKey) Equal(o PublicKey) bool {
	return k.Algorithm == o.Algorithm && k.Format == o.Format && bytes.Equal(k.Bytes, o.Bytes)
}

// Fingerprint is a short digest of the key for logs and display.
func (k PublicKey) Fingerprint() string {
	if k.IsZero() {
		return "none"
	}
	return tree.DigestHex(tree.DomainKey, append([]byte(k.Algorithm+":"), k.Bytes...))[:16]
}

// Signer signs canonical message bytes.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	Public() PublicKey
}

// Verifier checks a signature against a public key.
type Verifier interface {
	Verify(pub PublicKey, msg, sig []byte) error
}

// scheme is the per-algorithm function table.
type scheme struct {
	generate  func(r io.Reader) (PrivateKey, PublicKey, error)
	newSigner func(priv PrivateKey) (Signer, error)
	verify    func(pub, msg, sig []byte) bool
}

var schemes = map[Algorithm]scheme{
	Ed25519:  {generate: generateEd25519, newSigner: newEd25519Signer, verify: verifyEd25519},
	BLS12381: {generate: generateBLS, newSigner: newBLSSigner, verify: verifyBLS},
}

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	alg := Algorithm(s)
	if _, ok := schemes[alg]; !ok {
		return "", fmt.Errorf("%w: algorithm %q", ErrUnsupported, s)
	}
	return alg, nil
}

// CheckFormat validates an algorithm/format pair read from a document.
func CheckFormat(alg Algorithm, format string) error {
	if _, ok := schemes[alg]; !ok {
		return fmt.Errorf("%w: algorithm %q", ErrUnsupported, alg)
	}
	if format != FormatRaw {
		return fmt.Errorf("%w: format %q", ErrUnsupported, format)
	}
	return nil
}

// Generate creates a fresh key pair. A nil reader uses crypto/rand.
func Generate(alg Algorithm, r io.Reader) (PrivateKey, PublicKey, error) {
	s, ok := schemes[alg]
	if !ok {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("%w: algorithm %q", ErrUnsupported, alg)
	}
	if r == nil {
		r = rand.Reader
	}
	return s.generate(r)
}

// NewSigner loads a private key.
func NewSigner(priv PrivateKey) (Signer, error) {
	if err := CheckFormat(priv.Algorithm, priv.Format); err != nil {
		return nil, err
	}
	return schemes[priv.Algorithm].newSigner(priv)
}

// StandardVerifier verifies with the real algorithms.
type StandardVerifier struct{}

// Verify implements Verifier.
func (StandardVerifier) Verify(pub PublicKey, msg, sig []byte) error {
	if err := CheckFormat(pub.Algorithm, pub.Format); err != nil {
		return err
	}
	if !schemes[pub.Algorithm].verify(pub.Bytes, msg, sig) {
		return ErrBadSignature
	}
	return nil
}
