package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"vault-node/models"
)

// HTTPClient sends RPCs as JSON over HTTP to the /rpc routes of a peer.
type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{client: client}
}

func (h *HTTPClient) post(ctx context.Context, c models.Contact, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.Address+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, httpResp.StatusCode)
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

func (h *HTTPClient) AddToReferenceList(ctx context.Context, c models.Contact, req *models.AddToReferenceListRequest) (*models.AddToReferenceListResponse, error) {
	var resp models.AddToReferenceListResponse
	if err := h.post(ctx, c, PathAddToReferenceList, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPClient) AmendAccount(ctx context.Context, c models.Contact, req *models.AmendAccountRequest) (*models.AmendAccountResponse, error) {
	var resp models.AmendAccountResponse
	if err := h.post(ctx, c, PathAmendAccount, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPClient) AccountStatus(ctx context.Context, c models.Contact, req *models.AccountStatusRequest) (*models.AccountStatusResponse, error) {
	var resp models.AccountStatusResponse
	if err := h.post(ctx, c, PathAccountStatus, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPClient) GetAccount(ctx context.Context, c models.Contact, req *models.GetAccountRequest) (*models.GetAccountResponse, error) {
	var resp models.GetAccountResponse
	if err := h.post(ctx, c, PathGetAccount, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *HTTPClient) ExpectAmendment(ctx context.Context, c models.Contact, req *models.ExpectAmendmentRequest) (*models.ExpectAmendmentResponse, error) {
	var resp models.ExpectAmendmentResponse
	if err := h.post(ctx, c, PathExpectAmendment, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
