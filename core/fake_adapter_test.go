package core

import (
	"context"
	"sync"
)

// fakeAdapter is a scriptable Adapter used across the core package's
// tests. Each call records its invocation and returns pre-programmed
// results, letting tests drive the Status Poller and DEX Core without a
// real exchange or chain.
type fakeAdapter struct {
	mu sync.Mutex

	name string

	submitOrderRef string
	submitOrderErr error

	submitTxHash string
	submitErr    error

	receipts map[string]Receipt
	orderRecords map[string][]OrderRecord // symbol -> records
	orderActions map[string][]OrderAction // exchange_order_id -> actions

	cancelCalls []string
	amendCalls  []string
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:         name,
		receipts:     make(map[string]Receipt),
		orderRecords: make(map[string][]OrderRecord),
		orderActions: make(map[string][]OrderAction),
	}
}

func (a *fakeAdapter) Name() string      { return a.name }
func (a *fakeAdapter) Channels() []string { return []string{"ORDER", "TRADE"} }

func (a *fakeAdapter) SubmitOrder(ctx context.Context, req *Request) (string, error) {
	return a.submitOrderRef, a.submitOrderErr
}

func (a *fakeAdapter) CancelOrder(ctx context.Context, req *Request, newGasWei uint64) error {
	a.mu.Lock()
	a.cancelCalls = append(a.cancelCalls, req.ClientRequestID)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) AmendOrder(ctx context.Context, req *Request, newGasWei uint64) error {
	a.mu.Lock()
	a.amendCalls = append(a.amendCalls, req.ClientRequestID)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) SubmitApproval(ctx context.Context, req *Request, nonce, gasWei uint64) (string, error) {
	return a.submitTxHash, a.submitErr
}

func (a *fakeAdapter) SubmitTransfer(ctx context.Context, req *Request, nonce, gasWei uint64) (string, error) {
	return a.submitTxHash, a.submitErr
}

func (a *fakeAdapter) SubmitWrapUnwrap(ctx context.Context, req *Request, nonce, gasWei uint64) (string, error) {
	return a.submitTxHash, a.submitErr
}

func (a *fakeAdapter) SubmitBridge(ctx context.Context, req *Request, nonce, gasWei uint64) (string, error) {
	return a.submitTxHash, a.submitErr
}

func (a *fakeAdapter) GetTransactionReceipt(ctx context.Context, txHash string) (Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.receipts[txHash]
	if !ok {
		return Receipt{Status: ReceiptPending}, nil
	}
	return r, nil
}

func (a *fakeAdapter) CancelTransaction(ctx context.Context, nonce uint64, newGasWei uint64) (string, error) {
	return a.submitTxHash, a.submitErr
}

func (a *fakeAdapter) GetOrderRecords(ctx context.Context, symbol, marketType string, sinceSlot uint64, page string) ([]OrderRecord, Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orderRecords[symbol], Page{}, nil
}

func (a *fakeAdapter) GetOrderActionRecords(ctx context.Context, exchangeOrderID string, page string) ([]OrderAction, Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orderActions[exchangeOrderID], Page{}, nil
}

var _ Adapter = (*fakeAdapter)(nil)
