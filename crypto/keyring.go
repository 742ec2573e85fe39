package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/ed25519"

	"vault-node/models"
)

// Keyring is a vault's signing identity.
type Keyring struct {
	PublicKey          ed25519.PublicKey  `cbor:"1,keyasint"`
	PrivateKey         ed25519.PrivateKey `cbor:"2,keyasint"`
	PublicKeySignature []byte             `cbor:"3,keyasint"`
	PMID               string             `cbor:"-"`
}

// NewKeyring generates a fresh key pair.
func NewKeyring() (*Keyring, error) {
	return newKeyring(rand.Reader)
}

// NewKeyringFromSeed builds a deterministic keyring from a 32 byte seed.
func NewKeyringFromSeed(seed []byte) (*Keyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return fromPrivate(ed25519.NewKeyFromSeed(seed)), nil
}

func newKeyring(r io.Reader) (*Keyring, error) {
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, err
	}
	return fromPrivate(priv), nil
}

func fromPrivate(priv ed25519.PrivateKey) *Keyring {
	pub := priv.Public().(ed25519.PublicKey)
	pubSig := ed25519.Sign(priv, pub)
	return &Keyring{
		PublicKey:          pub,
		PrivateKey:         priv,
		PublicKeySignature: pubSig,
		PMID:               PMIDFor(pub, pubSig),
	}
}

// LoadOrCreateKeyring reads the keyring stored at path, creating and
// persisting a new one when the file does not exist.
func LoadOrCreateKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		k, err := NewKeyring()
		if err != nil {
			return nil, err
		}
		if err := k.Save(path); err != nil {
			return nil, err
		}
		return k, nil
	}
	if err != nil {
		return nil, err
	}

	var k Keyring
	if err := cbor.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("decode keyring %s: %w", path, err)
	}
	if len(k.PrivateKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	k.PMID = PMIDFor(k.PublicKey, k.PublicKeySignature)
	return &k, nil
}

// Save writes the keyring to path with owner-only permissions.
func (k *Keyring) Save(path string) error {
	data, err := cbor.Marshal(k)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

func (k *Keyring) Sign(data []byte) []byte {
	return ed25519.Sign(k.PrivateKey, data)
}

// SignSize produces a size claim signed by this keyring.
func (k *Keyring) SignSize(size uint64) models.SignedSize {
	return models.SignedSize{
		DataSize:           size,
		Signature:          k.Sign([]byte(strconv.FormatUint(size, 10))),
		PMID:               k.PMID,
		PublicKey:          k.PublicKey,
		PublicKeySignature: k.PublicKeySignature,
	}
}
