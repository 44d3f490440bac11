package keys

import (
	"crypto/ed25519"
	"fmt"
	"io"
)

type ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  PublicKey
}

func generateEd25519(r io.Reader) (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return PrivateKey{Algorithm: Ed25519, Format: FormatRaw, Bytes: priv.Seed()},
		PublicKey{Algorithm: Ed25519, Format: FormatRaw, Bytes: []byte(pub)},
		nil
}

// newEd25519Signer expects the 32-byte seed form of the private key.
func newEd25519Signer(priv PrivateKey) (Signer, error) {
	if len(priv.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 seed is %d bytes, want %d", ErrUnsupported, len(priv.Bytes), ed25519.SeedSize)
	}
	key := ed25519.NewKeyFromSeed(priv.Bytes)
	return &ed25519Signer{
		priv: key,
		pub:  PublicKey{Algorithm: Ed25519, Format: FormatRaw, Bytes: []byte(key.Public().(ed25519.PublicKey))},
	}, nil
}

func (s *ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

func (s *ed25519Signer) Public() PublicKey {
	return s.pub
}

func verifyEd25519(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
