package keys

import (
	"fmt"
	"io"

	blst "github.com/supranational/blst/bindings/go"
)

const (
	blsSecretKeySize = 32
	blsPublicKeySize = 48
	blsSignatureSize = 96
)

var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

type blsSigner struct {
	secret *blst.SecretKey
	pub    PublicKey
}

func generateBLS(r io.Reader) (PrivateKey, PublicKey, error) {
	var ikm [32]byte
	if _, err := io.ReadFull(r, ikm[:]); err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("generate bls seed: %w", err)
	}

	secret := blst.KeyGen(ikm[:])
	if secret == nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("generate bls key: keygen failed")
	}
	public := new(blst.P1Affine).From(secret)

	return PrivateKey{Algorithm: BLS12381, Format: FormatRaw, Bytes: secret.Serialize()},
		PublicKey{Algorithm: BLS12381, Format: FormatRaw, Bytes: public.Compress()},
		nil
}

func newBLSSigner(priv PrivateKey) (Signer, error) {
	if len(priv.Bytes) != blsSecretKeySize {
		return nil, fmt.Errorf("%w: bls secret is %d bytes, want %d", ErrUnsupported, len(priv.Bytes), blsSecretKeySize)
	}
	secret := new(blst.SecretKey).Deserialize(priv.Bytes)
	if secret == nil {
		return nil, fmt.Errorf("%w: bls secret does not deserialize", ErrUnsupported)
	}
	public := new(blst.P1Affine).From(secret)
	return &blsSigner{
		secret: secret,
		pub:    PublicKey{Algorithm: BLS12381, Format: FormatRaw, Bytes: public.Compress()},
	}, nil
}

func (s *blsSigner) Sign(msg []byte) ([]byte, error) {
	sig := new(blst.P2Affine).Sign(s.secret, msg, blsDST)
	return sig.Compress(), nil
}

func (s *blsSigner) Public() PublicKey {
	return s.pub
}

func verifyBLS(pub, msg, sig []byte) bool {
	if len(sig) != blsSignatureSize || len(pub) != blsPublicKeySize {
		return false
	}
	s := new(blst.P2Affine).Uncompress(sig)
	if s == nil {
		return false
	}
	pk := new(blst.P1Affine).Uncompress(pub)
	if pk == nil {
		return false
	}
	return s.Verify(true, pk, true, msg, blsDST)
}
