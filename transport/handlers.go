package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"dexproxy/core"
)

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// insertOrderBody is the body of POST /private/insert-order (spec §6).
type insertOrderBody struct {
	ClientRequestID string            `json:"client_request_id"`
	Symbol          string            `json:"symbol"`
	Side            core.Side         `json:"side"`
	OrderType       core.OrderType    `json:"order_type"`
	Price           string            `json:"price"`
	Quantity        string            `json:"quantity"`
	AdapterSpecific map[string]string `json:"adapter_specific,omitempty"`
}

func (s *Server) handleInsertOrder(w http.ResponseWriter, r *http.Request) {
	var body insertOrderBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	if body.ClientRequestID == "" || body.Symbol == "" {
		writeDomainError(w, http.StatusBadRequest, "INVALID_REQUEST", "client_request_id and symbol are required")
		return
	}
	req := &core.Request{
		ClientRequestID: body.ClientRequestID,
		AdapterSpecific: body.AdapterSpecific,
		Order: &core.OrderDetail{
			Symbol:    body.Symbol,
			Side:      body.Side,
			OrderType: body.OrderType,
			Price:     body.Price,
			Quantity:  body.Quantity,
		},
	}
	updated, err := s.core.SubmitOrder(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("client_order_id")
	gasWei := parseUint64(r.URL.Query().Get("new_gas_price_wei"))
	updated, err := s.core.CancelOrder(r.Context(), id, gasWei)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_order_id": id, "status": string(updated.Status)})
}

func (s *Server) handleCancelAllOrders(w http.ResponseWriter, r *http.Request) {
	gasWei := parseUint64(r.URL.Query().Get("new_gas_price_wei"))
	result := s.core.CancelAllByKind(r.Context(), core.KindOrder, func(*core.Request) uint64 { return gasWei })
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("client_order_id")
	req, err := s.core.GetRequestStatus(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.GetAllOpenRequests(core.KindOrder))
}

// onChainBody is the shared shape of the on-chain verb endpoints (spec
// §6 "all take a client_request_id idempotency key").
type onChainBody struct {
	ClientRequestID string `json:"client_request_id"`
	Account         string `json:"account"`
	Symbol          string `json:"symbol"`
	Amount          string `json:"amount"`
	GasLimit        uint64 `json:"gas_limit"`
	GasPriceWei     uint64 `json:"gas_price_wei"`

	AddressTo               string            `json:"address_to,omitempty"`
	RequestPath             string            `json:"request_path,omitempty"`
	ApproveContractAddress  string            `json:"approve_contract_address,omitempty"`
	Direction               core.WrapDirection `json:"direction,omitempty"`
	SourceChain             string            `json:"source_chain,omitempty"`
	DestChain               string            `json:"dest_chain,omitempty"`
}

func (s *Server) handleTransfer(requestPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body onChainBody
		if err := decodeBody(r, &body); err != nil {
			writeDomainError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
			return
		}
		path := body.RequestPath
		if path == "" {
			path = requestPath
		}
		req := &core.Request{
			ClientRequestID: body.ClientRequestID,
			Transfer: &core.TransferDetail{
				Symbol:      body.Symbol,
				Amount:      body.Amount,
				AddressTo:   body.AddressTo,
				GasLimit:    body.GasLimit,
				RequestPath: path,
			},
		}
		updated, err := s.core.SubmitTransfer(r.Context(), req, body.Account, body.GasPriceWei)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (s *Server) handleApproveToken(w http.ResponseWriter, r *http.Request) {
	var body onChainBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	req := &core.Request{
		ClientRequestID: body.ClientRequestID,
		Approve: &core.ApproveDetail{
			Symbol:                 body.Symbol,
			Amount:                 body.Amount,
			ApproveContractAddress: body.ApproveContractAddress,
			GasLimit:               body.GasLimit,
		},
	}
	updated, err := s.core.SubmitApproval(r.Context(), req, body.Account, body.GasPriceWei)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleWrapUnwrap(w http.ResponseWriter, r *http.Request) {
	var body onChainBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	req := &core.Request{
		ClientRequestID: body.ClientRequestID,
		WrapUnwrap: &core.WrapUnwrapDetail{
			Symbol:    body.Symbol,
			Amount:    body.Amount,
			Direction: body.Direction,
			GasLimit:  body.GasLimit,
		},
	}
	updated, err := s.core.SubmitWrapUnwrap(r.Context(), req, body.Account, body.GasPriceWei)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	var body onChainBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	req := &core.Request{
		ClientRequestID: body.ClientRequestID,
		Bridge: &core.BridgeDetail{
			Symbol:      body.Symbol,
			Amount:      body.Amount,
			SourceChain: body.SourceChain,
			DestChain:   body.DestChain,
			GasLimit:    body.GasLimit,
		},
	}
	updated, err := s.core.SubmitBridge(r.Context(), req, body.Account, body.GasPriceWei)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type gasBumpBody struct {
	ClientRequestID string `json:"client_request_id"`
	NewGasPriceWei  uint64 `json:"new_gas_price_wei"`
}

func (s *Server) handleAmendRequest(w http.ResponseWriter, r *http.Request) {
	var body gasBumpBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	updated, err := s.core.AmendRequest(r.Context(), body.ClientRequestID, body.NewGasPriceWei)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body gasBumpBody
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return
	}
	updated, err := s.core.CancelRequest(r.Context(), body.ClientRequestID, body.NewGasPriceWei)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetRequestStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("client_request_id")
	req, err := s.core.GetRequestStatus(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetAllOpenRequests(w http.ResponseWriter, r *http.Request) {
	kind := core.RequestKind(r.URL.Query().Get("request_type"))
	writeJSON(w, http.StatusOK, s.core.GetAllOpenRequests(kind))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseUint64(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
