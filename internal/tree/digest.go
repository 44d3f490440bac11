package tree

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest domains. Each content type gets its own so equal bytes of different
// kinds never collide.
const (
	DomainMessage = "sitenet/ism/v1"
	DomainKey     = "sitenet/key/v1"
)

// Digest computes BLAKE3(domain || 0x00 || data).
func Digest(domain string, data []byte) [32]byte {
	h := blake3.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// DigestHex is Digest rendered as lowercase hex.
func DigestHex(domain string, data []byte) string {
	d := Digest(domain, data)
	return hex.EncodeToString(d[:])
}
