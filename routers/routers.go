package routers

import (
	"github.com/gorilla/mux"

	"vault-node/handlers"
	"vault-node/rpc"
)

// RegisterRoutes sets up the vault RPC endpoints and the admin API
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Peer to peer RPCs, see rpc.HTTPClient
	r.HandleFunc(rpc.PathAddToReferenceList, h.AddToReferenceList).Methods("POST")
	r.HandleFunc(rpc.PathAmendAccount, h.AmendAccount).Methods("POST")
	r.HandleFunc(rpc.PathAccountStatus, h.AccountStatus).Methods("POST")
	r.HandleFunc(rpc.PathGetAccount, h.GetAccountRPC).Methods("POST")
	r.HandleFunc(rpc.PathExpectAmendment, h.ExpectAmendment).Methods("POST")

	// Account held by this vault, or fetched from its holders with ?remote=true
	r.HandleFunc("/accounts/{pmid}", h.GetAccount).Methods("GET")

	// Announces the space this vault offers to its own account holders
	r.HandleFunc("/space", h.ReportSpace).Methods("POST")

	// Chunk bytes; PUT also asks the chunk's holders to reference this vault
	r.HandleFunc("/chunks/{name}", h.PutChunk).Methods("PUT")
	r.HandleFunc("/chunks/{name}", h.GetChunk).Methods("GET")

	// Chunk bookkeeping kept for chunks close to this vault
	r.HandleFunc("/chunks/{name}/info", h.GetChunkInfo).Methods("GET")
	r.HandleFunc("/chunks/{name}/references", h.GetChunkReferences).Methods("GET")
	r.HandleFunc("/chunks/{name}/watchers", h.AddWatcher).Methods("POST")
	r.HandleFunc("/chunks/{name}/watchers/{peer}", h.RemoveWatcher).Methods("DELETE")

	r.HandleFunc("/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/status/online", h.SetOnline).Methods("POST")
}
