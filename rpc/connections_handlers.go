package rpc

import (
	"encoding/json"
	"net/http"

	"cardledger/native/connections"
)

type initializeParams struct {
	Owner          connections.AccountID `json:"owner"`
	TransferAmount *connections.Amount   `json:"transferAmount"`
}

type amountParams struct {
	Amount *connections.Amount `json:"amount"`
}

// depositParams carries the optional custody payment reference.
type depositParams struct {
	Amount    *connections.Amount `json:"amount"`
	Reference string              `json:"reference"`
}

type exchangeParams struct {
	PartyB    connections.AccountID `json:"partyB"`
	EventName string                `json:"eventName"`
}

type tokenParams struct {
	TokenID *uint64 `json:"tokenId"`
}

type ownerParams struct {
	AccountID connections.AccountID `json:"accountId"`
}

type initializeResult struct {
	Owner          connections.AccountID `json:"owner"`
	TransferAmount connections.Amount    `json:"transferAmount"`
}

type transferAmountResult struct {
	TransferAmount connections.Amount `json:"transferAmount"`
}

func (s *Server) handleInitialize(_ *http.Request, _ connections.AccountID, raw json.RawMessage) (interface{}, *RPCError) {
	var params initializeParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, invalidParams("invalid initialize params", err)
	}
	if params.Owner.IsZero() {
		return nil, invalidParams("owner required", nil)
	}
	if params.TransferAmount == nil {
		return nil, invalidParams("transferAmount required", nil)
	}
	summary, err := s.ledger.Initialize(params.Owner, *params.TransferAmount)
	if err != nil {
		return nil, ledgerError(err)
	}
	return initializeResult{Owner: summary.Owner, TransferAmount: summary.TransferAmount}, nil
}

func (s *Server) handleDeposit(_ *http.Request, caller connections.AccountID, raw json.RawMessage) (interface{}, *RPCError) {
	var params depositParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, invalidParams("invalid deposit params", err)
	}
	if params.Amount == nil {
		return nil, invalidParams("amount required", nil)
	}
	result, err := s.ledger.DepositWithReference(caller, *params.Amount, params.Reference)
	if err != nil {
		return nil, ledgerError(err)
	}
	return result, nil
}

func (s *Server) handleExchange(_ *http.Request, caller connections.AccountID, raw json.RawMessage) (interface{}, *RPCError) {
	var params exchangeParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, invalidParams("invalid exchange params", err)
	}
	if params.PartyB.IsZero() {
		return nil, invalidParams("partyB required", nil)
	}
	result, err := s.ledger.Exchange(caller, params.PartyB, params.EventName)
	if err != nil {
		return nil, ledgerError(err)
	}
	return result, nil
}

func (s *Server) handleSetTransferAmount(_ *http.Request, caller connections.AccountID, raw json.RawMessage) (interface{}, *RPCError) {
	var params amountParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, invalidParams("invalid setTransferAmount params", err)
	}
	if params.Amount == nil {
		return nil, invalidParams("amount required", nil)
	}
	if err := s.ledger.SetTransferAmount(caller, *params.Amount); err != nil {
		return nil, ledgerError(err)
	}
	return transferAmountResult{TransferAmount: *params.Amount}, nil
}

func (s *Server) handleGetToken(_ *http.Request, _ connections.AccountID, raw json.RawMessage) (interface{}, *RPCError) {
	var params tokenParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, invalidParams("invalid getToken params", err)
	}
	if params.TokenID == nil {
		return nil, invalidParams("tokenId required", nil)
	}
	token, ok, err := s.ledger.GetToken(*params.TokenID)
	if err != nil {
		return nil, ledgerError(err)
	}
	if !ok {
		return nil, nil
	}
	return token, nil
}

func (s *Server) handleGetTokensByOwner(_ *http.Request, _ connections.AccountID, raw json.RawMessage) (interface{}, *RPCError) {
	var params ownerParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, invalidParams("invalid getTokensByOwner params", err)
	}
	tokens, err := s.ledger.GetTokensByOwner(params.AccountID)
	if err != nil {
		return nil, ledgerError(err)
	}
	return tokens, nil
}

func (s *Server) handleGetPoolBalance(_ *http.Request, _ connections.AccountID, _ json.RawMessage) (interface{}, *RPCError) {
	pool, err := s.ledger.GetPoolBalance()
	if err != nil {
		return nil, ledgerError(err)
	}
	return pool, nil
}

func (s *Server) handleGetTokenCount(_ *http.Request, _ connections.AccountID, _ json.RawMessage) (interface{}, *RPCError) {
	count, err := s.ledger.GetTokenCount()
	if err != nil {
		return nil, ledgerError(err)
	}
	return count, nil
}

func (s *Server) handleGetTransferAmount(_ *http.Request, _ connections.AccountID, _ json.RawMessage) (interface{}, *RPCError) {
	amount, err := s.ledger.GetTransferAmount()
	if err != nil {
		return nil, ledgerError(err)
	}
	return amount, nil
}

func (s *Server) handleGetOwner(_ *http.Request, _ connections.AccountID, _ json.RawMessage) (interface{}, *RPCError) {
	owner, err := s.ledger.GetOwner()
	if err != nil {
		return nil, ledgerError(err)
	}
	return owner, nil
}

func (s *Server) handleGetSummary(_ *http.Request, _ connections.AccountID, _ json.RawMessage) (interface{}, *RPCError) {
	summary, err := s.ledger.Summary()
	if err != nil {
		return nil, ledgerError(err)
	}
	return summary, nil
}
