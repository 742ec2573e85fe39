package models

// Result is the acknowledgement carried by every RPC reply. The zero value
// marks a reply that was never filled in.
type Result int

const (
	ResultUnset Result = iota
	Ack
	Nack
)

// ResultFor maps a local outcome onto the wire result.
func ResultFor(err error) Result {
	if err != nil {
		return Nack
	}
	return Ack
}

func (r Result) String() string {
	switch r {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	default:
		return "unset"
	}
}

// Reply is implemented by every response the quorum engine collects.
// Outcome must tolerate a nil receiver.
type Reply interface {
	Outcome() (Result, string)
}

// Contact is a peer endpoint returned by a Kademlia lookup.
type Contact struct {
	ID      string `json:"id"`      // hex node id
	Address string `json:"address"` // host:port of the RPC endpoint
}

// SignedSize is a size claim signed by the claimant's private key.
type SignedSize struct {
	DataSize           uint64 `json:"data_size"`
	Signature          []byte `json:"signature"`
	PMID               string `json:"pmid"`
	PublicKey          []byte `json:"public_key"`
	PublicKeySignature []byte `json:"public_key_signature"`
}

// StoreContract is a storing vault's signed proof that it holds a chunk.
type StoreContract struct {
	ChunkName  string     `json:"chunk_name"`
	SignedSize SignedSize `json:"signed_size"`
}

// RequestAuth binds a request to its sender and to a single recipient.
type RequestAuth struct {
	PMID               string `json:"pmid"`
	PublicKey          []byte `json:"public_key"`
	PublicKeySignature []byte `json:"public_key_signature"`
	RequestSignature   []byte `json:"request_signature"`
}

type AddToReferenceListRequest struct {
	ChunkName     string        `json:"chunk_name"`
	StoreContract StoreContract `json:"store_contract"`
	Auth          RequestAuth   `json:"auth"`
}

type AddToReferenceListResponse struct {
	Result Result `json:"result"`
	PMID   string `json:"pmid"`
}

func (r *AddToReferenceListResponse) Outcome() (Result, string) {
	if r == nil {
		return ResultUnset, ""
	}
	return r.Result, r.PMID
}

type AmendAccountRequest struct {
	AmendmentType AmendmentType `json:"amendment_type"`
	AccountPMID   string        `json:"account_pmid"`
	ChunkName     string        `json:"chunk_name,omitempty"`
	SignedSize    SignedSize    `json:"signed_size"`
	Auth          RequestAuth   `json:"auth"`
}

type AmendAccountResponse struct {
	Result Result `json:"result"`
	PMID   string `json:"pmid"`
}

func (r *AmendAccountResponse) Outcome() (Result, string) {
	if r == nil {
		return ResultUnset, ""
	}
	return r.Result, r.PMID
}

type AccountStatusRequest struct {
	AccountPMID    string      `json:"account_pmid"`
	SpaceRequested uint64      `json:"space_requested"`
	Auth           RequestAuth `json:"auth"`
}

type AccountStatusResponse struct {
	Result           Result            `json:"result"`
	PMID             string            `json:"pmid"`
	SpaceOffered     uint64            `json:"space_offered"`
	SpaceGiven       uint64            `json:"space_given"`
	SpaceTaken       uint64            `json:"space_taken"`
	AmendmentResults []AmendmentResult `json:"amendment_results,omitempty"`
}

func (r *AccountStatusResponse) Outcome() (Result, string) {
	if r == nil {
		return ResultUnset, ""
	}
	return r.Result, r.PMID
}

// AmendmentResult reports how a chunk-bound amendment was resolved.
type AmendmentResult struct {
	AmendmentType AmendmentType `json:"amendment_type"`
	ChunkName     string        `json:"chunk_name"`
	Result        Result        `json:"result"`
}

type ExpectAmendmentRequest struct {
	AmendmentType AmendmentType `json:"amendment_type"`
	AccountPMID   string        `json:"account_pmid"`
	ChunkName     string        `json:"chunk_name"`
	AmenderPMIDs  []string      `json:"amender_pmids"`
	Auth          RequestAuth   `json:"auth"`
}

type ExpectAmendmentResponse struct {
	Result Result `json:"result"`
	PMID   string `json:"pmid"`
}

func (r *ExpectAmendmentResponse) Outcome() (Result, string) {
	if r == nil {
		return ResultUnset, ""
	}
	return r.Result, r.PMID
}

type GetAccountRequest struct {
	AccountPMID string      `json:"account_pmid"`
	Auth        RequestAuth `json:"auth"`
}

type GetAccountResponse struct {
	Result  Result         `json:"result"`
	PMID    string         `json:"pmid"`
	Account *AccountRecord `json:"account,omitempty"`
}

func (r *GetAccountResponse) Outcome() (Result, string) {
	if r == nil {
		return ResultUnset, ""
	}
	return r.Result, r.PMID
}
