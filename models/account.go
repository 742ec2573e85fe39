package models

// AmendmentType selects which account counter an amendment adjusts.
type AmendmentType int

const (
	SpaceOffered AmendmentType = iota + 1
	SpaceGivenInc
	SpaceGivenDec
	SpaceTakenInc
	SpaceTakenDec
)

func (t AmendmentType) Valid() bool {
	return t >= SpaceOffered && t <= SpaceTakenDec
}

// RequiresChunkName reports whether amendments of this type must name the
// chunk that caused them.
func (t AmendmentType) RequiresChunkName() bool {
	return t != SpaceOffered
}

func (t AmendmentType) String() string {
	switch t {
	case SpaceOffered:
		return "space_offered"
	case SpaceGivenInc:
		return "space_given_inc"
	case SpaceGivenDec:
		return "space_given_dec"
	case SpaceTakenInc:
		return "space_taken_inc"
	case SpaceTakenDec:
		return "space_taken_dec"
	default:
		return "unknown"
	}
}

// AccountRecord is the ledger kept for one vault.
type AccountRecord struct {
	PMID         string   `json:"pmid"`
	SpaceOffered uint64   `json:"space_offered"`
	SpaceGiven   uint64   `json:"space_given"` // space this vault provides to others
	SpaceTaken   uint64   `json:"space_taken"` // space this vault consumes from others
	Alerts       []string `json:"alerts,omitempty"`
}

// AccountStatus is the read-only view of an account's counters.
type AccountStatus struct {
	SpaceOffered uint64 `json:"space_offered"`
	SpaceGiven   uint64 `json:"space_given"`
	SpaceTaken   uint64 `json:"space_taken"`
}

// Available is the space the account may still take.
func (s AccountStatus) Available() uint64 {
	if s.SpaceTaken >= s.SpaceOffered {
		return 0
	}
	return s.SpaceOffered - s.SpaceTaken
}
