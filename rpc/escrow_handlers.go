package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"escrowledger/core/events"
	"escrowledger/native/bank"
	"escrowledger/native/common"
	"escrowledger/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
	codeEscrowReentrant     = -32026
	codeEscrowTransfer      = -32027
	codeModulePaused        = -32028
)

const maxEventPage = 500

type escrowNewParams struct {
	Caller  string `json:"caller,omitempty"`
	Buyer   string `json:"buyer"`
	Seller  string `json:"seller"`
	Arbiter string `json:"arbiter"`
	ItemID  uint64 `json:"itemId"`
	Price   string `json:"price"`
}

type escrowDepositParams struct {
	Caller string `json:"caller,omitempty"`
	ItemID uint64 `json:"itemId"`
	Amount string `json:"amount"`
}

type escrowCompleteParams struct {
	Caller string `json:"caller,omitempty"`
	Buyer  string `json:"buyer"`
	ItemID uint64 `json:"itemId"`
}

type escrowCancelParams struct {
	Caller string `json:"caller,omitempty"`
	ItemID uint64 `json:"itemId"`
}

type escrowKeyParams struct {
	Key string `json:"key"`
}

type escrowItemParams struct {
	Buyer  string `json:"buyer,omitempty"`
	ItemID uint64 `json:"itemId"`
}

type escrowListEventsParams struct {
	After int64 `json:"after"`
	Limit int   `json:"limit"`
}

type purchaseJSON struct {
	Key           string `json:"key"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Arbiter       string `json:"arbiter"`
	ItemID        uint64 `json:"itemId"`
	Price         string `json:"price"`
	EscrowBalance string `json:"escrowBalance"`
	Status        string `json:"status"`
	CreatedAt     uint64 `json:"createdAt"`
	DepositedAt   uint64 `json:"depositedAt,omitempty"`
	CompletedAt   uint64 `json:"completedAt,omitempty"`
	CancelledAt   uint64 `json:"cancelledAt,omitempty"`
}

type keyResult struct {
	Key string `json:"key"`
}

type statusResult struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

// formatPurchase renders p under the key it was looked up with, so unknown
// keys come back as an empty not_created record.
func formatPurchase(key [32]byte, p *escrow.Purchase) purchaseJSON {
	return purchaseJSON{
		Key:           formatKey(key),
		Buyer:         FormatAddress(p.Buyer),
		Seller:        FormatAddress(p.Seller),
		Arbiter:       FormatAddress(p.Arbiter),
		ItemID:        p.ItemID,
		Price:         formatAmount(p.Price),
		EscrowBalance: formatAmount(p.EscrowBalance),
		Status:        p.Status.String(),
		CreatedAt:     p.CreatedAt,
		DepositedAt:   p.DepositedAt,
		CompletedAt:   p.CompletedAt,
		CancelledAt:   p.CancelledAt,
	}
}

func formatKey(key [32]byte) string {
	return "0x" + hex.EncodeToString(key[:])
}

func (s *Server) handleEscrowNew(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowNewParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := resolveCaller(r.Context(), params.Caller)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
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
	price, err := parseAmountParam("price", params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	key, err := s.node.EscrowNew(r.Context(), caller, buyer, seller, arbiter, params.ItemID, price)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	writeResult(w, req.ID, keyResult{Key: formatKey(key)})
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowDepositParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := resolveCaller(r.Context(), params.Caller)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	amount, err := parseAmountParam("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowDeposit(r.Context(), caller, params.ItemID, amount); err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeStatus(w, req, s.node.EscrowPurchaseKey(caller, params.ItemID))
}

func (s *Server) handleEscrowComplete(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowCompleteParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := resolveCaller(r.Context(), params.Caller)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	buyer, err := parseAddressParam("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.EscrowComplete(r.Context(), caller, buyer, params.ItemID); err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeStatus(w, req, s.node.EscrowPurchaseKey(buyer, params.ItemID))
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowCancelParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, rpcErr := resolveCaller(r.Context(), params.Caller)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	if err := s.node.EscrowCancel(r.Context(), caller, params.ItemID); err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	s.writeStatus(w, req, s.node.EscrowPurchaseKey(caller, params.ItemID))
}

func (s *Server) writeStatus(w http.ResponseWriter, req *RPCRequest, key [32]byte) {
	p, err := s.node.EscrowGet(key)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	writeResult(w, req.ID, statusResult{Key: formatKey(key), Status: p.Status.String()})
}

func (s *Server) handleEscrowGetPurchase(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowKeyParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	key, err := parseKeyParam(params.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	p, err := s.node.EscrowGet(key)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	writeResult(w, req.ID, formatPurchase(key, p))
}

func (s *Server) handleEscrowPurchaseKey(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowItemParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddressParam("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	writeResult(w, req.ID, keyResult{Key: formatKey(s.node.EscrowPurchaseKey(buyer, params.ItemID))})
}

func (s *Server) handleEscrowIsItemReserved(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowItemParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	reserved, err := s.node.EscrowIsItemReserved(params.ItemID)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"reserved": reserved})
}

func (s *Server) handleEscrowLedgerAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, map[string]string{"address": FormatAddress(s.node.LedgerAddress())})
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowListEventsParams
	if len(req.Params) > 0 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if params.After < 0 || params.Limit < 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "after and limit must be non-negative")
		return
	}
	if params.Limit == 0 || params.Limit > maxEventPage {
		params.Limit = maxEventPage
	}
	records := s.node.ListEvents(params.After, params.Limit)
	if records == nil {
		records = []events.Record{}
	}
	next := params.After
	if len(records) > 0 {
		next = records[len(records)-1].Sequence
	}
	writeResult(w, req.ID, map[string]interface{}{
		"events": records,
		"next":   strconv.FormatInt(next, 10),
	})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *RPCError) {
	status := http.StatusBadRequest
	if rpcErr.Code == codeUnauthorized {
		status = http.StatusForbidden
	}
	writeError(w, status, id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

// writeLedgerError maps ledger and bank failures onto JSON-RPC errors. The
// message is the machine-readable class and data carries the full reason.
func (s *Server) writeLedgerError(w http.ResponseWriter, req *RPCRequest, err error) {
	if err == nil {
		return
	}
	switch code := escrow.Code(err); code {
	case "invalid_input":
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, code, err.Error())
		return
	case "unauthorized":
		writeError(w, http.StatusForbidden, req.ID, codeEscrowForbidden, code, err.Error())
		return
	case "invalid_state", "amount_mismatch", "timing_not_elapsed":
		writeError(w, http.StatusConflict, req.ID, codeEscrowConflict, code, err.Error())
		return
	case "reentrant":
		writeError(w, http.StatusConflict, req.ID, codeEscrowReentrant, code, err.Error())
		return
	case "transfer_failed":
		writeError(w, http.StatusConflict, req.ID, codeEscrowTransfer, code, err.Error())
		return
	}
	switch {
	case errors.Is(err, common.ErrModulePaused):
		writeError(w, http.StatusServiceUnavailable, req.ID, codeModulePaused, "module_paused", err.Error())
	case errors.Is(err, bank.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_amount", err.Error())
	case errors.Is(err, bank.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, req.ID, codeEscrowConflict, "insufficient_balance", err.Error())
	case errors.Is(err, bank.ErrReceiverRejected):
		writeError(w, http.StatusConflict, req.ID, codeEscrowConflict, "receiver_rejected", err.Error())
	default:
		s.logger.Error("ledger call failed", "method", req.Method, "error", err)
		writeError(w, http.StatusInternalServerError, req.ID, codeEscrowInternal, "internal_error", err.Error())
	}
}
