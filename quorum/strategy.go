package quorum

import (
	"context"

	"vault-node/crypto"
	"vault-node/models"
	"vault-node/rpc"
)

// strategy is what differs between the remote operations: the lookup key,
// the contact that must not vote, the quorum rule and the RPC itself.
type strategy interface {
	name() string
	kadKey() string
	subject() string
	policy() Policy
	call(ctx context.Context, client rpc.Client, c models.Contact, auth models.RequestAuth) (models.Reply, error)
}

type refListStrategy struct {
	req models.AddToReferenceListRequest
}

func (s *refListStrategy) name() string    { return "add_to_reference_list" }
func (s *refListStrategy) kadKey() string  { return s.req.ChunkName }
func (s *refListStrategy) subject() string { return "" }
func (s *refListStrategy) policy() Policy  { return StorePolicy }

func (s *refListStrategy) call(ctx context.Context, client rpc.Client, c models.Contact, auth models.RequestAuth) (models.Reply, error) {
	req := s.req
	req.Auth = auth
	resp, err := client.AddToReferenceList(ctx, c, &req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type amendAccountStrategy struct {
	req models.AmendAccountRequest
}

func (s *amendAccountStrategy) name() string    { return "amend_account" }
func (s *amendAccountStrategy) kadKey() string  { return crypto.AccountKey(s.req.AccountPMID) }
func (s *amendAccountStrategy) subject() string { return s.req.AccountPMID }
func (s *amendAccountStrategy) policy() Policy  { return StorePolicy }

func (s *amendAccountStrategy) call(ctx context.Context, client rpc.Client, c models.Contact, auth models.RequestAuth) (models.Reply, error) {
	req := s.req
	req.Auth = auth
	resp, err := client.AmendAccount(ctx, c, &req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type accountStatusStrategy struct {
	req models.AccountStatusRequest
}

func (s *accountStatusStrategy) name() string    { return "account_status" }
func (s *accountStatusStrategy) kadKey() string  { return crypto.AccountKey(s.req.AccountPMID) }
func (s *accountStatusStrategy) subject() string { return s.req.AccountPMID }
func (s *accountStatusStrategy) policy() Policy  { return TrustPolicy }

func (s *accountStatusStrategy) call(ctx context.Context, client rpc.Client, c models.Contact, auth models.RequestAuth) (models.Reply, error) {
	req := s.req
	req.Auth = auth
	resp, err := client.AccountStatus(ctx, c, &req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type expectAmendmentStrategy struct {
	req models.ExpectAmendmentRequest
}

func (s *expectAmendmentStrategy) name() string    { return "expect_amendment" }
func (s *expectAmendmentStrategy) kadKey() string  { return crypto.AccountKey(s.req.AccountPMID) }
func (s *expectAmendmentStrategy) subject() string { return s.req.AccountPMID }
func (s *expectAmendmentStrategy) policy() Policy  { return StorePolicy }

func (s *expectAmendmentStrategy) call(ctx context.Context, client rpc.Client, c models.Contact, auth models.RequestAuth) (models.Reply, error) {
	req := s.req
	req.Auth = auth
	resp, err := client.ExpectAmendment(ctx, c, &req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
