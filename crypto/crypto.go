package crypto

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/ed25519"
)

var ErrInvalidKey = errors.New("invalid private key")

// Crypto is the hashing and verification collaborator used by validation
// and the quorum engine. Signing stays with the Keyring that owns the key.
type Crypto interface {
	Hash(data []byte) []byte
	Verify(data, sig []byte, pub ed25519.PublicKey) bool
}

// Default hashes with SHA-512 and verifies ed25519 signatures.
type Default struct{}

func New() Default {
	return Default{}
}

func (Default) Hash(data []byte) []byte {
	sum := sha512.Sum512(data)
	return sum[:]
}

func (Default) Verify(data, sig []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// HashHex returns the hex encoded SHA-512 digest of data. Chunk names and
// node ids use this form.
func HashHex(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// PMIDFor derives a node identity from its public key and the key's self
// signature.
func PMIDFor(pub, pubSig []byte) string {
	buf := make([]byte, 0, len(pub)+len(pubSig))
	buf = append(buf, pub...)
	buf = append(buf, pubSig...)
	return HashHex(buf)
}

// AccountKey is the lookup key of the holders of pmid's account.
func AccountKey(pmid string) string {
	return HashHex([]byte(pmid + "Account"))
}
