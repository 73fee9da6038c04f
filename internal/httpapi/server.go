// Package httpapi exposes the node façade over the HTTP surface: balances,
// block and transaction lookup and submission, one-shot mining,
// persistence, and peer synchronization, using nothing but net/http.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/toychain-go/toychaind/internal/ledger"
	"github.com/toychain-go/toychaind/internal/log"
	"github.com/toychain-go/toychaind/internal/node"
	"github.com/toychain-go/toychaind/internal/p2p"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/wire"
)

// Server wires a node façade to an http.ServeMux.
type Server struct {
	node           *node.Node
	p2pClient      *p2p.Client
	blockchainFile string
	mux            *http.ServeMux
	log            zerolog.Logger
}

// New builds a Server ready to be passed to http.ListenAndServe via Handler.
// blockchainFile is the default path used by /persistence/save and
// /persistence/load when the request body doesn't name one.
func New(n *node.Node, p2pClient *p2p.Client, blockchainFile string) *Server {
	s := &Server{node: n, p2pClient: p2pClient, blockchainFile: blockchainFile, log: log.HTTPAPI}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /balances/{address}", s.handleBalance)
	mux.HandleFunc("GET /blocks/{hash}", s.handleGetBlock)
	mux.HandleFunc("GET /blocks/get-next", s.handleGetNextBlock)
	mux.HandleFunc("POST /blocks", s.handlePostBlock)
	mux.HandleFunc("GET /transactions/{id}", s.handleGetTransaction)
	mux.HandleFunc("POST /transactions", s.handlePostTransaction)
	mux.HandleFunc("POST /transactions/sign", s.handleSignTransaction)
	mux.HandleFunc("POST /mine", s.handleMine)
	mux.HandleFunc("POST /persistence/save", s.handleSave)
	mux.HandleFunc("POST /persistence/load", s.handleLoad)
	mux.HandleFunc("POST /synchronize", s.handleSynchronize)
	s.mux = mux
	return s
}

// Handler returns the Server's http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	balance, err := s.node.Ledger.Balance(address)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"balance": balance})
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	hash, err := crypto.HashFromHex(r.PathValue("hash"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	b, ok := s.node.Ledger.GetBlock(hash)
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	wb, err := wire.FromBlock(b)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, wb)
}

func (s *Server) handleGetNextBlock(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("current-tip")
	var (
		tip    crypto.Hash
		hasTip bool
	)
	if raw != "" {
		h, err := crypto.HashFromHex(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		tip, hasTip = h, true
	}

	next, err := s.node.Ledger.NextBlockAfter(tip, hasTip)
	switch {
	case err == nil:
		wb, err := wire.FromBlock(next)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, wb)
	case errors.Is(err, ledger.ErrBlockNotInMainChain):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, ledger.ErrNoNextBlock):
		http.Error(w, "already at tip", http.StatusNotFound)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handlePostBlock(w http.ResponseWriter, r *http.Request) {
	var wb wire.Block
	if err := json.NewDecoder(r.Body).Decode(&wb); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	b, err := wire.Verify(wb)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.Ledger.ReceiveBlock(b); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := crypto.HashFromHex(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	t, ok := s.node.Ledger.GetTransaction(id)
	if !ok {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	wt, err := wire.FromTransaction(t)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

func (s *Server) handlePostTransaction(w http.ResponseWriter, r *http.Request) {
	var wt wire.Transaction
	if err := json.NewDecoder(r.Body).Decode(&wt); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	t := wire.ToTransaction(wt)
	fee, err := s.node.Ledger.AddTransaction(t)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"fee": fee})
}

// signRequest is the body of POST /transactions/sign: a transaction plus
// the private key to sign it with. This endpoint is a diagnostic
// convenience only — production signing belongs to the wallet, which this
// project does not implement.
type signRequest struct {
	Transaction wire.Transaction `json:"transaction"`
	PrivateKey  []byte           `json:"private_key"`
}

func (s *Server) handleSignTransaction(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	priv, err := crypto.PrivateKeyFromBytes(req.PrivateKey)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	t := wire.ToTransaction(req.Transaction)

	_, addToPool := r.URL.Query()["add-to-transaction-pool"]
	fee, admitted, err := s.node.SignTransaction(priv, t, addToPool)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	wt, err := wire.FromTransaction(t)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": wt,
		"admitted":    admitted,
		"fee":         fee,
	})
}

func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	b, err := s.node.MineOnce(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if b == nil {
		http.Error(w, "mining was interrupted before a block was found", http.StatusServiceUnavailable)
		return
	}
	wb, err := wire.FromBlock(b)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, wb)
}

type persistenceRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	path := s.persistencePath(r)
	data, err := s.node.Ledger.Serialize()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	path := s.persistencePath(r)
	data, err := os.ReadFile(path)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.node.Ledger.LoadFromBytes(data); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) persistencePath(r *http.Request) string {
	var req persistenceRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Path != "" {
		return req.Path
	}
	return s.blockchainFile
}

func (s *Server) handleSynchronize(w http.ResponseWriter, r *http.Request) {
	peers := s.node.Peers()
	tip := func() (crypto.Hash, bool) {
		h := s.node.Ledger.TipHash()
		if h == crypto.ZeroHash {
			return h, false
		}
		return h, true
	}
	if err := p2p.Synchronize(r.Context(), s.p2pClient, peers, tip, s.node.Ledger); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Debug().Err(err).Int("status", status).Msg("request failed")
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
