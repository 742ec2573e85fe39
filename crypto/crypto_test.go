package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsSHA512(t *testing.T) {
	c := New()
	h := c.Hash([]byte("This is a data chunk"))
	assert.Len(t, h, 64)
	assert.Len(t, HashHex([]byte("This is a data chunk")), 128)
}

func TestKeyringIdentity(t *testing.T) {
	k, err := NewKeyring()
	require.NoError(t, err)

	c := New()
	assert.True(t, c.Verify(k.PublicKey, k.PublicKeySignature, k.PublicKey))
	assert.Equal(t, PMIDFor(k.PublicKey, k.PublicKeySignature), k.PMID)

	other, err := NewKeyring()
	require.NoError(t, err)
	assert.NotEqual(t, k.PMID, other.PMID)
}

func TestSeedIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := NewKeyringFromSeed(seed)
	require.NoError(t, err)
	b, err := NewKeyringFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.PMID, b.PMID)

	_, err = NewKeyringFromSeed([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSignSize(t *testing.T) {
	k, err := NewKeyring()
	require.NoError(t, err)

	ss := k.SignSize(150)
	assert.Equal(t, uint64(150), ss.DataSize)
	assert.Equal(t, k.PMID, ss.PMID)
	assert.True(t, New().Verify([]byte(strconv.FormatUint(150, 10)), ss.Signature, k.PublicKey))
	assert.False(t, New().Verify([]byte("151"), ss.Signature, k.PublicKey))
}

func TestLoadKeyringRejectsShortKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.key")
	data, err := cbor.Marshal(&Keyring{PublicKey: make([]byte, 32), PrivateKey: []byte{1, 2}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = LoadOrCreateKeyring(path)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestLoadOrCreateKeyring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "vault.key")

	created, err := LoadOrCreateKeyring(path)
	require.NoError(t, err)

	loaded, err := LoadOrCreateKeyring(path)
	require.NoError(t, err)
	assert.Equal(t, created.PMID, loaded.PMID)
	assert.Equal(t, created.PrivateKey, loaded.PrivateKey)
}

func TestAccountKeyDiffersFromPMID(t *testing.T) {
	pmid := HashHex([]byte("vault"))
	assert.NotEqual(t, pmid, AccountKey(pmid))
	assert.Equal(t, AccountKey(pmid), AccountKey(pmid))
}
