package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/c2h5oh/datasize"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"vault-node/account"
	"vault-node/chunkinfo"
	"vault-node/logger"
	"vault-node/models"
	"vault-node/quorum"
	"vault-node/repository"
	"vault-node/service"
)

const maxChunkSize = 4 * datasize.MB

// Handler contains the HTTP handlers for the vault RPC and admin endpoints
type Handler struct {
	Service *service.Service
	Online  *quorum.AtomicOnline
}

// NewHandler creates and returns a new Handler instance
func NewHandler(s *service.Service, online *quorum.AtomicOnline) *Handler {
	return &Handler{Service: s, Online: online}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}, what string) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Logger.Error("Failed to decode "+what, zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

// AddToReferenceList serves the inbound reference list RPC
func (h *Handler) AddToReferenceList(w http.ResponseWriter, r *http.Request) {
	var req models.AddToReferenceListRequest
	if !decode(w, r, &req, "add to reference list request") {
		return
	}
	writeJSON(w, http.StatusOK, h.Service.AddToReferenceList(r.Context(), &req))
}

// AmendAccount serves the inbound account amendment RPC. The reply may be
// held until the amendment reaches quorum.
func (h *Handler) AmendAccount(w http.ResponseWriter, r *http.Request) {
	var req models.AmendAccountRequest
	if !decode(w, r, &req, "amend account request") {
		return
	}
	writeJSON(w, http.StatusOK, h.Service.AmendAccount(r.Context(), &req))
}

func (h *Handler) AccountStatus(w http.ResponseWriter, r *http.Request) {
	var req models.AccountStatusRequest
	if !decode(w, r, &req, "account status request") {
		return
	}
	writeJSON(w, http.StatusOK, h.Service.AccountStatus(r.Context(), &req))
}

func (h *Handler) GetAccountRPC(w http.ResponseWriter, r *http.Request) {
	var req models.GetAccountRequest
	if !decode(w, r, &req, "get account request") {
		return
	}
	writeJSON(w, http.StatusOK, h.Service.GetAccount(r.Context(), &req))
}

func (h *Handler) ExpectAmendment(w http.ResponseWriter, r *http.Request) {
	var req models.ExpectAmendmentRequest
	if !decode(w, r, &req, "expect amendment request") {
		return
	}
	writeJSON(w, http.StatusOK, h.Service.ExpectAmendment(r.Context(), &req))
}

// GetAccount returns the locally held record of an account, or asks the
// account holders when remote=true
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	pmid := mux.Vars(r)["pmid"]

	if r.URL.Query().Get("remote") == "true" {
		rec, err := h.Service.RemoteAccount(r.Context(), pmid)
		if err != nil {
			logger.Logger.Error("Failed to fetch remote account", logger.ID("account", pmid), zap.Error(err))
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	rec, err := h.Service.Accounts().GetAccount(pmid)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ReportSpace sets the space this vault offers on its account holders
func (h *Handler) ReportSpace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Offered string `json:"offered"`
	}
	if !decode(w, r, &body, "space report") {
		return
	}
	var offered datasize.ByteSize
	if err := offered.UnmarshalText([]byte(body.Offered)); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid size")
		return
	}

	if err := h.Service.ReportSpace(r.Context(), offered.Bytes()); err != nil {
		logger.Logger.Error("Failed to report space", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Space reported successfully",
		"offered": offered.Bytes(),
	})
}

// PutChunk stores a chunk whose name is the hash of the request body
func (h *Handler) PutChunk(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(maxChunkSize.Bytes())))
	if err != nil {
		logger.Logger.Error("Failed to read chunk body", zap.Error(err))
		writeError(w, http.StatusRequestEntityTooLarge, "Chunk too large")
		return
	}

	if err := h.Service.StoreChunk(r.Context(), name, data); err != nil {
		logger.Logger.Error("Failed to store chunk", logger.ID("chunk", name), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Chunk stored successfully",
		"chunk":   name,
		"size":    len(data),
	})
}

func (h *Handler) GetChunk(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	data, err := h.Service.GetChunk(name)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetChunkReferences lists the peers holding a watched chunk
func (h *Handler) GetChunkReferences(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	refs, err := h.Service.Chunks().GetChunkReferences(name)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chunk":      name,
		"references": refs,
	})
}

func (h *Handler) GetChunkInfo(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snap, ok := h.Service.Chunks().Snapshot(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Chunk not tracked")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// AddWatcher adds a peer to a chunk's watch list and charges its account
func (h *Handler) AddWatcher(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		PeerID string `json:"peer_id"`
		Size   uint64 `json:"size"`
	}
	if !decode(w, r, &body, "watcher") {
		return
	}

	commit, err := h.Service.WatchChunk(r.Context(), name, body.PeerID, body.Size)
	if err != nil {
		logger.Logger.Error("Failed to add watcher", logger.ID("chunk", name), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	logger.Logger.Info("Added watcher", logger.ID("chunk", name), logger.ID("peer", body.PeerID))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"chunk":    name,
		"creditor": commit.Creditor,
		"refunds":  commit.Refunds,
		"overpaid": commit.Overpaid,
	})
}

// RemoveWatcher drops a peer from a chunk's watch list and settles refunds
func (h *Handler) RemoveWatcher(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	size, creditors, references, err := h.Service.UnwatchChunk(r.Context(), vars["name"], vars["peer"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"size":       size,
		"creditors":  creditors,
		"references": references,
	})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Service.Status()
	if err != nil {
		logger.Logger.Error("Failed to read status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"online": h.Online.Online(),
	})
}

// SetOnline flips the connectivity flag the quorum engine checks before
// every remote operation
func (h *Handler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if !decode(w, r, &body, "online flag") {
		return
	}
	h.Online.Set(body.Online)
	logger.Logger.Info("Online flag changed", zap.Bool("online", body.Online))
	writeJSON(w, http.StatusOK, map[string]bool{"online": body.Online})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, account.ErrAccountNotFound),
		errors.Is(err, repository.ErrChunkNotFound),
		errors.Is(err, chunkinfo.ErrInvalidName),
		errors.Is(err, chunkinfo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrHashMismatch),
		errors.Is(err, chunkinfo.ErrInvalidSize),
		errors.Is(err, chunkinfo.ErrSizeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, chunkinfo.ErrAlreadyWatching),
		errors.Is(err, chunkinfo.ErrNoActiveWatchers):
		return http.StatusConflict
	case errors.Is(err, service.ErrCapacityExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, quorum.ErrVaultOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, quorum.ErrFindNodesError),
		errors.Is(err, quorum.ErrFindNodesFailure),
		errors.Is(err, quorum.ErrFindNodesTooFew),
		errors.Is(err, quorum.ErrResponseError),
		errors.Is(err, quorum.ErrResponseFailed),
		errors.Is(err, quorum.ErrResponseUninitialised):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
