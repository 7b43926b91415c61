package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"escrowd/crypto"
	"escrowd/escrow"
	"escrowd/observability/metrics"
)

type escrowCreateParams struct {
	Buyer   string `json:"buyer"`
	Seller  string `json:"seller"`
	Arbiter string `json:"arbiter"`
	Amount  string `json:"amount"`
}

type escrowActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type escrowResolveParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowBalanceParams struct {
	Address string `json:"address"`
}

type escrowEventsParams struct {
	Cursor uint64 `json:"cursor,omitempty"`
	Limit  *int   `json:"limit,omitempty"`
}

type escrowJSON struct {
	ID          string `json:"id"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Arbiter     string `json:"arbiter"`
	Amount      string `json:"amount"`
	Disposition string `json:"disposition"`
	Approved    bool   `json:"approved"`
	Disputed    bool   `json:"disputed"`
	Resolved    bool   `json:"resolved"`
	CreatedAt   int64  `json:"createdAt"`
}

type escrowBalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func formatLedger(l *escrow.Ledger) *escrowJSON {
	if l == nil {
		return nil
	}
	amount := "0"
	if l.Amount != nil {
		amount = l.Amount.String()
	}
	return &escrowJSON{
		ID:          "0x" + hex.EncodeToString(l.ID[:]),
		Buyer:       l.Buyer.String(),
		Seller:      l.Seller.String(),
		Arbiter:     l.Arbiter.String(),
		Amount:      amount,
		Disposition: l.Disposition.String(),
		Approved:    l.Approved,
		Disputed:    l.Disputed(),
		Resolved:    l.Resolved(),
		CreatedAt:   l.CreatedAt,
	}
}

func parseLedgerID(id string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return out, fmt.Errorf("id required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("id must be 32 bytes")
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

func parseAddressParam(field, value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("%s required", field)
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%s: %v", field, err)
	}
	return addr, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func singleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

// escrowError translates engine sentinel errors into an HTTP status and RPC
// error pair, recording rejection metrics along the way.
func escrowError(err error) (int, *RPCError) {
	metrics.Escrow().ObserveError(err)
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, &RPCError{Code: codeEscrowNotFound, Message: "escrow not found"}
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, &RPCError{Code: codeEscrowForbidden, Message: err.Error()}
	case errors.Is(err, escrow.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrAlreadyApproved),
		errors.Is(err, escrow.ErrNoActiveDispute),
		errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusConflict, &RPCError{Code: codeEscrowConflict, Message: err.Error()}
	case errors.Is(err, escrow.ErrInvalidRecipient),
		errors.Is(err, escrow.ErrInvalidAddress),
		errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusBadRequest, &RPCError{Code: codeEscrowInvalidParams, Message: err.Error()}
	default:
		return http.StatusInternalServerError, &RPCError{Code: codeEscrowInternal, Message: err.Error()}
	}
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowCreateParams
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddressParam("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseAddressParam("seller", params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	arbiter, err := parseAddressParam("arbiter", params.Arbiter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	ledger, err := s.engine.Create(buyer, seller, arbiter, amount)
	if err != nil {
		status, rpcErr := escrowError(err)
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, nil)
		return
	}
	s.logger.Info("escrow created", "id", fmt.Sprintf("%x", ledger.ID), "amount", ledger.Amount.String())
	writeResult(w, req.ID, formatLedger(ledger))
}

func (s *Server) handleEscrowApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleActorTransition(w, r, req, "approve", s.engine.Approve)
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleActorTransition(w, r, req, "dispute", s.engine.Dispute)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleActorTransition(w, r, req, "refund", s.engine.Refund)
}

func (s *Server) handleActorTransition(
	w http.ResponseWriter,
	r *http.Request,
	req *RPCRequest,
	name string,
	transition func([32]byte, crypto.Address) error,
) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowActorParams
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseLedgerID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := transition(id, caller); err != nil {
		status, rpcErr := escrowError(err)
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, nil)
		return
	}
	ledger, err := s.engine.Get(id)
	if err != nil {
		status, rpcErr := escrowError(err)
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, nil)
		return
	}
	s.logger.Info("escrow transition applied", "op", name, "id", params.ID)
	writeResult(w, req.ID, formatLedger(ledger))
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params escrowResolveParams
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseLedgerID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddressParam("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	recipient, err := parseAddressParam("recipient", params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.ResolveDispute(id, caller, recipient); err != nil {
		status, rpcErr := escrowError(err)
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, nil)
		return
	}
	ledger, err := s.engine.Get(id)
	if err != nil {
		status, rpcErr := escrowError(err)
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, nil)
		return
	}
	s.logger.Info("escrow dispute resolved", "id", params.ID, "recipient", params.Recipient)
	writeResult(w, req.ID, formatLedger(ledger))
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseLedgerID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	ledger, err := s.engine.Get(id)
	if err != nil {
		status, rpcErr := escrowError(err)
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, nil)
		return
	}
	writeResult(w, req.ID, formatLedger(ledger))
}

func (s *Server) handleEscrowBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowBalanceParams
	if err := singleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddressParam("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.engine.BalanceOf(addr)
	if err != nil {
		status, rpcErr := escrowError(err)
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, nil)
		return
	}
	writeResult(w, req.ID, escrowBalanceResult{Address: addr.String(), Balance: balance.String()})
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "event recording disabled", nil)
		return
	}
	var params escrowEventsParams
	if len(req.Params) > 0 {
		if err := singleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	recorded := s.recorder.Since(params.Cursor)
	if params.Limit != nil {
		limit := *params.Limit
		if limit < 0 {
			limit = 0
		}
		if limit < len(recorded) {
			recorded = recorded[:limit]
		}
	}
	writeResult(w, req.ID, recorded)
}
