package main

import (
	"context"
	"net/http"

	"dexproxy/core"
)

// noopAdapter is the adapter registered when no real exchange/chain
// backend is configured. It accepts every submit call and never
// produces a fill or receipt, so requests sit in SUBMITTED until a
// real adapter is wired in. It exists so `dexproxy serve` is runnable
// out of the box against the REST/WS surface alone (spec §6 leaves
// concrete adapter wiring, e.g. Drift or Kuru, to the deployer).
type noopAdapter struct{}

func (noopAdapter) Name() string       { return "noop" }
func (noopAdapter) Channels() []string { return []string{"ORDER", "TRADE"} }

func (noopAdapter) SubmitOrder(ctx context.Context, req *core.Request) (string, error) {
	return "noop-" + req.ClientRequestID, nil
}

func (noopAdapter) CancelOrder(ctx context.Context, req *core.Request, newGasWei uint64) error {
	return nil
}

func (noopAdapter) AmendOrder(ctx context.Context, req *core.Request, newGasWei uint64) error {
	return nil
}

func (noopAdapter) SubmitApproval(ctx context.Context, req *core.Request, nonce, gasWei uint64) (string, error) {
	return "noop-" + req.ClientRequestID, nil
}

func (noopAdapter) SubmitTransfer(ctx context.Context, req *core.Request, nonce, gasWei uint64) (string, error) {
	return "noop-" + req.ClientRequestID, nil
}

func (noopAdapter) SubmitWrapUnwrap(ctx context.Context, req *core.Request, nonce, gasWei uint64) (string, error) {
	return "noop-" + req.ClientRequestID, nil
}

func (noopAdapter) SubmitBridge(ctx context.Context, req *core.Request, nonce, gasWei uint64) (string, error) {
	return "noop-" + req.ClientRequestID, nil
}

func (noopAdapter) GetTransactionReceipt(ctx context.Context, txHash string) (core.Receipt, error) {
	return core.Receipt{Status: core.ReceiptPending}, nil
}

func (noopAdapter) CancelTransaction(ctx context.Context, nonce, newGasWei uint64) (string, error) {
	return "", core.NewDomainError(core.ErrNotSupported, "noop adapter does not broadcast replacement transactions")
}

func (noopAdapter) GetOrderRecords(ctx context.Context, symbol, marketType string, sinceSlot uint64, page string) ([]core.OrderRecord, core.Page, error) {
	return nil, core.Page{}, nil
}

func (noopAdapter) GetOrderActionRecords(ctx context.Context, exchangeOrderID, page string) ([]core.OrderAction, core.Page, error) {
	return nil, core.Page{}, nil
}

var _ core.Adapter = noopAdapter{}

// adapterByName is the registration point new adapters plug into. Each
// constructor receives the process's pooled outbound HTTP client so a
// real exchange/chain adapter can reuse it instead of dialing fresh
// connections per call. Out of the box only "noop" is registered.
var adapterByName = map[string]func(httpClient *http.Client) core.Adapter{
	"noop": func(*http.Client) core.Adapter { return noopAdapter{} },
}
