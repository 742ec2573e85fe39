package rpc

import (
	"context"
	"sync"

	"vault-node/models"
)

// LocalNetwork delivers RPCs to services registered in the same process.
type LocalNetwork struct {
	mu       sync.RWMutex
	services map[string]Service
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{services: make(map[string]Service)}
}

func (n *LocalNetwork) Register(id string, s Service) {
	n.mu.Lock()
	n.services[id] = s
	n.mu.Unlock()
}

func (n *LocalNetwork) Unregister(id string) {
	n.mu.Lock()
	delete(n.services, id)
	n.mu.Unlock()
}

func (n *LocalNetwork) lookup(ctx context.Context, c models.Contact) (Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	s, ok := n.services[c.ID]
	n.mu.RUnlock()
	if !ok {
		return nil, ErrUnreachable
	}
	return s, nil
}

func (n *LocalNetwork) AddToReferenceList(ctx context.Context, c models.Contact, req *models.AddToReferenceListRequest) (*models.AddToReferenceListResponse, error) {
	s, err := n.lookup(ctx, c)
	if err != nil {
		return nil, err
	}
	r := *req
	return s.AddToReferenceList(ctx, &r), nil
}

func (n *LocalNetwork) AmendAccount(ctx context.Context, c models.Contact, req *models.AmendAccountRequest) (*models.AmendAccountResponse, error) {
	s, err := n.lookup(ctx, c)
	if err != nil {
		return nil, err
	}
	r := *req
	return s.AmendAccount(ctx, &r), nil
}

func (n *LocalNetwork) AccountStatus(ctx context.Context, c models.Contact, req *models.AccountStatusRequest) (*models.AccountStatusResponse, error) {
	s, err := n.lookup(ctx, c)
	if err != nil {
		return nil, err
	}
	r := *req
	return s.AccountStatus(ctx, &r), nil
}

func (n *LocalNetwork) GetAccount(ctx context.Context, c models.Contact, req *models.GetAccountRequest) (*models.GetAccountResponse, error) {
	s, err := n.lookup(ctx, c)
	if err != nil {
		return nil, err
	}
	r := *req
	return s.GetAccount(ctx, &r), nil
}

func (n *LocalNetwork) ExpectAmendment(ctx context.Context, c models.Contact, req *models.ExpectAmendmentRequest) (*models.ExpectAmendmentResponse, error) {
	s, err := n.lookup(ctx, c)
	if err != nil {
		return nil, err
	}
	r := *req
	return s.ExpectAmendment(ctx, &r), nil
}
