package rpc

import (
	"encoding/json"
	"net/http"
	"strings"

	"cardledger/native/connections"
)

const maxReceiptPage = 500

type receiptParams struct {
	ID string `json:"id"`
}

type listReceiptsParams struct {
	Limit int `json:"limit"`
}

func (s *Server) receiptsUnavailable() *RPCError {
	return newError(http.StatusServiceUnavailable, codeServerError, "payout receipts not available", nil)
}

func (s *Server) handleGetReceipt(_ *http.Request, _ connections.AccountID, raw json.RawMessage) (interface{}, *RPCError) {
	if s.receipts == nil {
		return nil, s.receiptsUnavailable()
	}
	var params receiptParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, invalidParams("invalid getReceipt params", err)
	}
	id := strings.TrimSpace(params.ID)
	if id == "" {
		return nil, invalidParams("id required", nil)
	}
	receipt, ok, err := s.receipts.Receipt(id)
	if err != nil {
		s.logger.Error("payout receipt lookup failed", "id", id, "error", err)
		return nil, newError(http.StatusInternalServerError, codeServerError, "internal error", nil)
	}
	if !ok {
		return nil, nil
	}
	return receipt, nil
}

func (s *Server) handleListReceipts(_ *http.Request, _ connections.AccountID, raw json.RawMessage) (interface{}, *RPCError) {
	if s.receipts == nil {
		return nil, s.receiptsUnavailable()
	}
	var params listReceiptsParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, invalidParams("invalid listReceipts params", err)
	}
	if params.Limit < 0 {
		return nil, invalidParams("limit must not be negative", nil)
	}
	if params.Limit == 0 || params.Limit > maxReceiptPage {
		params.Limit = maxReceiptPage
	}
	receipts, err := s.receipts.Receipts(params.Limit)
	if err != nil {
		s.logger.Error("payout receipt listing failed", "error", err)
		return nil, newError(http.StatusInternalServerError, codeServerError, "internal error", nil)
	}
	return receipts, nil
}
