package rpc

import (
	"net/http"
)

type balanceParams struct {
	Address string `json:"address"`
}

type transferParams struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleBankGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params balanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseAddressParam("address", params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": FormatAddress(addr),
		"balance": formatAmount(balance),
	})
}

func (s *Server) handleBankTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params transferParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	from, rpcErr := resolveCaller(r.Context(), params.From)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	to, err := parseAddressParam("to", params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmountParam("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.Transfer(r.Context(), from, to, amount); err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	balance, err := s.node.Balance(from)
	if err != nil {
		s.writeLedgerError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"from":    FormatAddress(from),
		"balance": formatAmount(balance),
	})
}
