package testutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/sitenet/internal/keys"
)

// Signer returns an ed25519 signer whose key is derived from seed, so the
// same seed always yields the same public key and signatures.
func Signer(t testing.TB, seed byte) keys.Signer {
	t.Helper()
	s, err := keys.NewSigner(PrivateKey(seed))
	require.NoError(t, err)
	return s
}

// PrivateKey returns the ed25519 private key behind Signer(t, seed).
func PrivateKey(seed byte) keys.PrivateKey {
	return keys.PrivateKey{Algorithm: keys.Ed25519, Format: keys.FormatRaw, Bytes: bytes.Repeat([]byte{seed}, 32)}
}
