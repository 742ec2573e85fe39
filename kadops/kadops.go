package kadops

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"

	"github.com/fxamacker/cbor/v2"

	"vault-node/models"
)

var (
	ErrMalformedResponse = errors.New("malformed find nodes response")
	ErrLookupFailed      = errors.New("find nodes reported failure")
)

// KadOps is the slice of the Kademlia node the vault needs.
type KadOps interface {
	// FindKClosestNodes looks up the K closest contacts to key and hands the
	// encoded FindNodesResponse to cb.
	FindKClosestNodes(ctx context.Context, key string, cb func(response []byte))
	AddressIsLocal(c models.Contact) bool
	K() int
	Contact() models.Contact
}

// FindNodesResponse is the encoded result of a lookup.
type FindNodesResponse struct {
	Result   models.Result    `cbor:"1,keyasint"`
	Contacts []models.Contact `cbor:"2,keyasint,omitempty"`
}

func (r *FindNodesResponse) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

func (r *FindNodesResponse) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, r)
}

// ParseFindNodesResponse decodes a lookup result. A response that cannot be
// decoded and a response reporting failure yield different errors.
func ParseFindNodesResponse(data []byte) ([]models.Contact, error) {
	if len(data) == 0 {
		return nil, ErrMalformedResponse
	}
	var r FindNodesResponse
	if err := r.Unmarshal(data); err != nil {
		return nil, ErrMalformedResponse
	}
	switch r.Result {
	case models.Ack:
		return r.Contacts, nil
	case models.Nack:
		return nil, ErrLookupFailed
	default:
		return nil, ErrMalformedResponse
	}
}

// distance is the XOR of two hex ids. Ids that are not valid hex, or whose
// lengths differ, are at maximum distance.
func distance(a, b string) []byte {
	ab, errA := hex.DecodeString(a)
	bb, errB := hex.DecodeString(b)
	if errA != nil || errB != nil || len(ab) != len(bb) || len(ab) == 0 {
		return nil
	}
	d := make([]byte, len(ab))
	for i := range ab {
		d[i] = ab[i] ^ bb[i]
	}
	return d
}

// closer reports whether distance a is strictly less than distance b.
func closer(a, b []byte) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return bytes.Compare(a, b) < 0
}

// ContactWithinClosest reports whether id is closer to key than at least one
// of closest.
func ContactWithinClosest(key, id string, closest []models.Contact) bool {
	d := distance(id, key)
	if d == nil {
		return false
	}
	for i := len(closest) - 1; i >= 0; i-- {
		if closer(d, distance(closest[i].ID, key)) {
			return true
		}
	}
	return false
}

// RemoveContact drops the contact with the given id and reports whether it
// was present.
func RemoveContact(contacts []models.Contact, id string) ([]models.Contact, bool) {
	for i, c := range contacts {
		if c.ID == id {
			return append(contacts[:i:i], contacts[i+1:]...), true
		}
	}
	return contacts, false
}
