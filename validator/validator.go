package validator

import (
	"strconv"

	"vault-node/crypto"
	"vault-node/models"
)

// Validator checks signed claims. All checks are pure and report a bool.
type Validator struct {
	crypto crypto.Crypto
}

func New(c crypto.Crypto) *Validator {
	return &Validator{crypto: c}
}

// ValidateSignedSize accepts a size claim whose key is self signed, whose
// pmid matches the key and whose signature covers the decimal size.
func (v *Validator) ValidateSignedSize(ss models.SignedSize) bool {
	if ss.PMID == "" || len(ss.Signature) == 0 || len(ss.PublicKey) == 0 || len(ss.PublicKeySignature) == 0 {
		return false
	}
	if !v.crypto.Verify(ss.PublicKey, ss.PublicKeySignature, ss.PublicKey) {
		return false
	}
	if ss.PMID != crypto.PMIDFor(ss.PublicKey, ss.PublicKeySignature) {
		return false
	}
	return v.crypto.Verify([]byte(strconv.FormatUint(ss.DataSize, 10)), ss.Signature, ss.PublicKey)
}

// ValidateSignerID checks that id belongs to the given key. An empty id is
// accepted so anonymous callers can still be checked on signatures alone.
func (v *Validator) ValidateSignerID(id string, pub, pubSig []byte) bool {
	if id == "" {
		return true
	}
	if len(pub) == 0 || len(pubSig) == 0 {
		return false
	}
	return id == crypto.PMIDFor(pub, pubSig)
}

func requestPayload(c crypto.Crypto, pubSig []byte, key, recipientID string) []byte {
	buf := make([]byte, 0, len(pubSig)+len(key)+len(recipientID))
	buf = append(buf, pubSig...)
	buf = append(buf, key...)
	buf = append(buf, recipientID...)
	return c.Hash(buf)
}

// RequestSignature signs a request for key so that only recipientID will
// accept it.
func RequestSignature(c crypto.Crypto, k *crypto.Keyring, key, recipientID string) []byte {
	return k.Sign(requestPayload(c, k.PublicKeySignature, key, recipientID))
}

// RequestAuth builds the auth block of a request addressed to recipientID.
func RequestAuth(c crypto.Crypto, k *crypto.Keyring, key, recipientID string) models.RequestAuth {
	return models.RequestAuth{
		PMID:               k.PMID,
		PublicKey:          k.PublicKey,
		PublicKeySignature: k.PublicKeySignature,
		RequestSignature:   RequestSignature(c, k, key, recipientID),
	}
}

// ValidateRequest checks a request signature made for key and recipientID.
func (v *Validator) ValidateRequest(sig, pub, pubSig []byte, key, recipientID string) bool {
	if len(sig) == 0 || len(pub) == 0 || len(pubSig) == 0 {
		return false
	}
	if !v.crypto.Verify(pub, pubSig, pub) {
		return false
	}
	return v.crypto.Verify(requestPayload(v.crypto, pubSig, key, recipientID), sig, pub)
}

// ValidateAuth checks a request auth block: the sender id must match its key
// and the signature must be bound to this recipient.
func (v *Validator) ValidateAuth(auth models.RequestAuth, key, recipientID string) bool {
	if !v.ValidateSignerID(auth.PMID, auth.PublicKey, auth.PublicKeySignature) {
		return false
	}
	return v.ValidateRequest(auth.RequestSignature, auth.PublicKey, auth.PublicKeySignature, key, recipientID)
}

// ValidateStoreContract accepts a contract naming a chunk and carrying a
// valid nonzero size claim.
func (v *Validator) ValidateStoreContract(sc models.StoreContract) bool {
	if sc.ChunkName == "" || sc.SignedSize.DataSize == 0 {
		return false
	}
	return v.ValidateSignedSize(sc.SignedSize)
}
