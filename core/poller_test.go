package core

import (
	"context"
	"testing"
)

func newTestPoller(cache *RequestCache, adapter Adapter, subs *SubscriptionRegistry) *StatusPoller {
	return NewStatusPoller(cache, adapter, subs, nil, nil, DefaultPollerConfig(), nil)
}

func TestApplyReceiptSuccessMarksMined(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache()
	req := &Request{ClientRequestID: "r1", Kind: KindTransfer, Transfer: &TransferDetail{}}
	cache.Add(ctx, req)
	cache.MarkSubmitted(ctx, "r1", "0xhash", 1_000_000_000)

	poller := newTestPoller(cache, newFakeAdapter("x"), nil)
	poller.applyReceipt(ctx, cache.Get("r1"), "0xhash", Receipt{Status: ReceiptSuccess, BlockNumber: 100})

	got := cache.Get("r1")
	if got.Status != StatusMined {
		t.Fatalf("status = %v, want MINED", got.Status)
	}
}

func TestApplyReceiptRevertedFinalisesRejected(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache()
	req := &Request{ClientRequestID: "r2", Kind: KindTransfer, Transfer: &TransferDetail{}}
	cache.Add(ctx, req)
	cache.MarkSubmitted(ctx, "r2", "0xhash2", 1_000_000_000)

	poller := newTestPoller(cache, newFakeAdapter("x"), nil)
	poller.applyReceipt(ctx, cache.Get("r2"), "0xhash2", Receipt{Status: ReceiptReverted, BlockNumber: 100, RevertError: "insufficient funds"})

	got := cache.Get("r2")
	if got.Status != StatusRejected {
		t.Fatalf("status = %v, want REJECTED", got.Status)
	}
	if got.Order != nil {
		t.Fatalf("unexpected order detail on a transfer request")
	}
}

func TestApplyReceiptReorgHighestBlockWins(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache()
	req := &Request{ClientRequestID: "r3", Kind: KindTransfer, Transfer: &TransferDetail{}}
	cache.Add(ctx, req)
	cache.MarkSubmitted(ctx, "r3", "0xhash3", 1_000_000_000)

	poller := newTestPoller(cache, newFakeAdapter("x"), nil)
	poller.applyReceipt(ctx, cache.Get("r3"), "0xhash3", Receipt{Status: ReceiptSuccess, BlockNumber: 200})
	// A lower-block receipt arriving later (reorg artifact) must not undo
	// the higher-confirmed one.
	poller.applyReceipt(ctx, cache.Get("r3"), "0xhash3", Receipt{Status: ReceiptReverted, BlockNumber: 150, RevertError: "reverted"})

	got := cache.Get("r3")
	if got.Status != StatusMined {
		t.Fatalf("status = %v, want MINED (superseding lower-block receipt should be ignored)", got.Status)
	}
}

func TestApplyOrderActionsFillThenCancelFullyFilledExpires(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache()
	req := &Request{ClientRequestID: "o1", Kind: KindOrder, Order: &OrderDetail{Symbol: "SOL-PERP", Quantity: "10", ExchangeOrderID: "e1"}}
	cache.Add(ctx, req)

	poller := newTestPoller(cache, newFakeAdapter("x"), nil)
	actions := []OrderAction{
		{ExchangeOrderID: "e1", Kind: ActionFill, Trade: &Trade{TradeID: "t1", ExecQty: "10"}},
		{ExchangeOrderID: "e1", Kind: ActionCancel},
	}
	poller.applyOrderActions(ctx, "o1", actions)

	got := cache.Get("o1")
	if got.Status != StatusExpired {
		t.Fatalf("status = %v, want EXPIRED (fill makes it fully filled, wins over cancel)", got.Status)
	}
}

func TestApplyOrderActionsPartialFillThenCancelCancels(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache()
	req := &Request{ClientRequestID: "o2", Kind: KindOrder, Order: &OrderDetail{Symbol: "SOL-PERP", Quantity: "10", ExchangeOrderID: "e2"}}
	cache.Add(ctx, req)

	poller := newTestPoller(cache, newFakeAdapter("x"), nil)
	actions := []OrderAction{
		{ExchangeOrderID: "e2", Kind: ActionFill, Trade: &Trade{TradeID: "t1", ExecQty: "3"}},
		{ExchangeOrderID: "e2", Kind: ActionCancel},
	}
	poller.applyOrderActions(ctx, "o2", actions)

	got := cache.Get("o2")
	if got.Status != StatusCancelled {
		t.Fatalf("status = %v, want CANCELLED (partial fill does not win over cancel)", got.Status)
	}
	if got.Order.TotalExecutedQty != "3" {
		t.Fatalf("total_executed_qty = %q, want 3", got.Order.TotalExecutedQty)
	}
}

func TestApplyOrderRecordsRevealsExchangeOrderID(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache()
	req := &Request{ClientRequestID: "o3", Kind: KindOrder, Order: &OrderDetail{Symbol: "SOL-PERP"}}
	cache.Add(ctx, req)

	poller := newTestPoller(cache, newFakeAdapter("x"), nil)
	poller.applyOrderRecords(ctx, []*Request{cache.Get("o3")}, []OrderRecord{{ClientRequestID: "o3", ExchangeOrderID: "e3"}})

	got := cache.Get("o3")
	if got.Order.ExchangeOrderID != "e3" {
		t.Fatalf("exchange_order_id = %q, want e3", got.Order.ExchangeOrderID)
	}
	if byExchange := cache.GetByExchangeOrderID("e3"); byExchange == nil || byExchange.ClientRequestID != "o3" {
		t.Fatalf("expected by-exchange-order index populated")
	}
}

func TestTickPlaceTransactionsAppliesReceipt(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache()
	req := &Request{ClientRequestID: "p1", Kind: KindApprove, Approve: &ApproveDetail{}}
	cache.Add(ctx, req)
	cache.MarkSubmitted(ctx, "p1", "0xabc", 1_000_000_000)

	adapter := newFakeAdapter("x")
	adapter.receipts["0xabc"] = Receipt{Status: ReceiptSuccess, BlockNumber: 1}

	poller := newTestPoller(cache, adapter, nil)
	poller.tickPlaceTransactions(ctx)

	if got := cache.Get("p1"); got.Status != StatusMined {
		t.Fatalf("status = %v, want MINED", got.Status)
	}
}
