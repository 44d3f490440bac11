package keys

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{Ed25519, BLS12381} {
		t.Run(string(alg), func(t *testing.T) {
			priv, pub, err := Generate(alg, nil)
			require.NoError(t, err)

			signer, err := NewSigner(priv)
			require.NoError(t, err)
			assert.True(t, pub.Equal(signer.Public()))

			msg := []byte(`{"envelope":{}}`)
			sig, err := signer.Sign(msg)
			require.NoError(t, err)

			v := StandardVerifier{}
			assert.NoError(t, v.Verify(pub, msg, sig))
			assert.ErrorIs(t, v.Verify(pub, []byte("tampered"), sig), ErrBadSignature)
		})
	}
}

func TestGenerateDeterministicFromReader(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 64)

	a, _, err := Generate(Ed25519, bytes.NewReader(seed))
	require.NoError(t, err)
	b, _, err := Generate(Ed25519, bytes.NewReader(seed))
	require.NoError(t, err)
	assert.Equal(t, a.Bytes, b.Bytes)
}

func TestUnsupportedAlgorithmAndFormat(t *testing.T) {
	_, err := ParseAlgorithm("dsa")
	assert.ErrorIs(t, err, ErrUnsupported)

	_, _, err = Generate("dsa", nil)
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.ErrorIs(t, CheckFormat(Ed25519, "x509"), ErrUnsupported)
	assert.NoError(t, CheckFormat(BLS12381, FormatRaw))

	_, err = NewSigner(PrivateKey{Algorithm: Ed25519, Format: FormatRaw, Bytes: []byte{1, 2}})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestVerifyRejectsCrossAlgorithm(t *testing.T) {
	edPriv, _, err := Generate(Ed25519, nil)
	require.NoError(t, err)
	_, blsPub, err := Generate(BLS12381, nil)
	require.NoError(t, err)

	signer, err := NewSigner(edPriv)
	require.NoError(t, err)
	sig, err := signer.Sign([]byte("m"))
	require.NoError(t, err)

	assert.ErrorIs(t, StandardVerifier{}.Verify(blsPub, []byte("m"), sig), ErrBadSignature)
}

func TestFingerprint(t *testing.T) {
	_, pub, err := Generate(Ed25519, nil)
	require.NoError(t, err)
	assert.Len(t, pub.Fingerprint(), 16)
	assert.Equal(t, "none", PublicKey{}.Fingerprint())
}
