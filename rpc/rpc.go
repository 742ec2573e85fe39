package rpc

import (
	"context"
	"errors"

	"vault-node/models"
)

const (
	PathAddToReferenceList = "/rpc/add-to-reference-list"
	PathAmendAccount       = "/rpc/amend-account"
	PathAccountStatus      = "/rpc/account-status"
	PathGetAccount         = "/rpc/get-account"
	PathExpectAmendment    = "/rpc/expect-amendment"
)

var ErrUnreachable = errors.New("peer unreachable")

// Client issues vault RPCs to a single contact.
type Client interface {
	AddToReferenceList(ctx context.Context, c models.Contact, req *models.AddToReferenceListRequest) (*models.AddToReferenceListResponse, error)
	AmendAccount(ctx context.Context, c models.Contact, req *models.AmendAccountRequest) (*models.AmendAccountResponse, error)
	AccountStatus(ctx context.Context, c models.Contact, req *models.AccountStatusRequest) (*models.AccountStatusResponse, error)
	GetAccount(ctx context.Context, c models.Contact, req *models.GetAccountRequest) (*models.GetAccountResponse, error)
	ExpectAmendment(ctx context.Context, c models.Contact, req *models.ExpectAmendmentRequest) (*models.ExpectAmendmentResponse, error)
}

// Service is the receiving side of the vault RPCs.
type Service interface {
	AddToReferenceList(ctx context.Context, req *models.AddToReferenceListRequest) *models.AddToReferenceListResponse
	AmendAccount(ctx context.Context, req *models.AmendAccountRequest) *models.AmendAccountResponse
	AccountStatus(ctx context.Context, req *models.AccountStatusRequest) *models.AccountStatusResponse
	GetAccount(ctx context.Context, req *models.GetAccountRequest) *models.GetAccountResponse
	ExpectAmendment(ctx context.Context, req *models.ExpectAmendmentRequest) *models.ExpectAmendmentResponse
}

// Dispatcher picks the transport for a contact: Local for peers in the same
// process, Remote otherwise.
type Dispatcher struct {
	Local  Client
	Remote Client
}

func (d Dispatcher) For(local bool) Client {
	if local && d.Local != nil {
		return d.Local
	}
	return d.Remote
}
