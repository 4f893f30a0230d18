package core

import (
	"context"
	"testing"
)

func newTestCache() *RequestCache {
	return NewRequestCache(nil, 0, nil)
}

func TestAddRejectsDuplicateClientRequestID(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	req := &Request{ClientRequestID: "abc", Kind: KindOrder, Order: &OrderDetail{Symbol: "SOL-PERP"}}
	if err := c.Add(ctx, req); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	err := c.Add(ctx, &Request{ClientRequestID: "abc", Kind: KindOrder, Order: &OrderDetail{Symbol: "SOL-PERP"}})
	de, ok := AsDomainError(err)
	if !ok || de.Code != ErrDuplicateRequest {
		t.Fatalf("second Add = %v, want DUPLICATE_REQUEST", err)
	}
}

func TestGasBumpEnforcesMinimumIncrease(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	req := &Request{ClientRequestID: "x", Kind: KindApprove, Approve: &ApproveDetail{Symbol: "USDC"}}
	if err := c.Add(ctx, req); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := c.ApplyGasBump(ctx, "x", 1_000_000_000); err != nil {
		t.Fatalf("first gas bump failed: %v", err)
	}
	if _, err := c.ApplyGasBump(ctx, "x", 1_000_000_000); err == nil {
		t.Fatalf("expected rejection of a non-increasing gas bump")
	}
	updated, err := c.ApplyGasBump(ctx, "x", 2_000_000_000)
	if err != nil {
		t.Fatalf("sufficient gas bump failed: %v", err)
	}
	want := []uint64{1_000_000_000, 2_000_000_000}
	if len(updated.UsedGasPricesWei) != 2 || updated.UsedGasPricesWei[0] != want[0] || updated.UsedGasPricesWei[1] != want[1] {
		t.Fatalf("used_gas_prices_wei = %v, want %v", updated.UsedGasPricesWei, want)
	}
}

func TestFinaliseIsStickyToTerminalStatus(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	req := &Request{ClientRequestID: "y", Kind: KindTransfer, Transfer: &TransferDetail{Symbol: "ETH"}}
	if err := c.Add(ctx, req); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	updated, err := c.Finalise(ctx, "y", StatusFailed, ErrTransportFailure)
	if err != nil {
		t.Fatalf("Finalise failed: %v", err)
	}
	finalisedAt := updated.FinalisedAtMs

	again, err := c.Finalise(ctx, "y", StatusSucceeded, "")
	if err != nil {
		t.Fatalf("second Finalise call failed: %v", err)
	}
	if again.Status != StatusFailed {
		t.Fatalf("status changed after becoming terminal: %v", again.Status)
	}
	if again.FinalisedAtMs != finalisedAt {
		t.Fatalf("finalised_at_ms changed after becoming terminal")
	}
}

func TestFinaliseMovesRequestOutOfActiveIndices(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	req := &Request{ClientRequestID: "z", Kind: KindOrder, Order: &OrderDetail{Symbol: "SOL-PERP"}}
	if err := c.Add(ctx, req); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := c.Finalise(ctx, "z", StatusCancelled, ""); err != nil {
		t.Fatalf("Finalise failed: %v", err)
	}
	if len(c.Iter(KindOrder)) != 0 {
		t.Fatalf("expected finalised request removed from active iteration")
	}
	if got := c.Get("z"); got == nil || got.Status != StatusCancelled {
		t.Fatalf("expected finalised request still reachable via Get for idempotent lookups")
	}
}

func TestApplyTradeIsIdempotentByTradeID(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	req := &Request{ClientRequestID: "o1", Kind: KindOrder, Order: &OrderDetail{Symbol: "SOL-PERP", Quantity: "10"}}
	if err := c.Add(ctx, req); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	execQty := func(trades []Trade, _ Trade) (string, bool) { return "5", false }

	if _, err := c.ApplyTrade(ctx, "o1", Trade{TradeID: "t1", ExecQty: "5"}, execQty); err != nil {
		t.Fatalf("ApplyTrade failed: %v", err)
	}
	if _, err := c.ApplyTrade(ctx, "o1", Trade{TradeID: "t1", ExecQty: "5"}, execQty); err != nil {
		t.Fatalf("duplicate ApplyTrade should be a silent no-op, got error: %v", err)
	}
	got := c.Get("o1")
	if len(got.Order.Trades) != 1 {
		t.Fatalf("expected duplicate trade_id dropped, got %d trades", len(got.Order.Trades))
	}
}

func TestApplyTradeFullyFilledExpires(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	req := &Request{ClientRequestID: "o2", Kind: KindOrder, Order: &OrderDetail{Symbol: "SOL-PERP", Quantity: "10"}}
	if err := c.Add(ctx, req); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	execQty := func(trades []Trade, _ Trade) (string, bool) { return "10", true }
	updated, err := c.ApplyTrade(ctx, "o2", Trade{TradeID: "t1", ExecQty: "10"}, execQty)
	if err != nil {
		t.Fatalf("ApplyTrade failed: %v", err)
	}
	if updated.Status != StatusExpired {
		t.Fatalf("status = %v, want EXPIRED on full fill", updated.Status)
	}
}

func TestMaxNonceAcrossAccount(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	r1 := &Request{ClientRequestID: "n1", Kind: KindTransfer, HasNonce: true, Nonce: 3, Account: "acct1", Transfer: &TransferDetail{}}
	r2 := &Request{ClientRequestID: "n2", Kind: KindTransfer, HasNonce: true, Nonce: 7, Account: "acct1", Transfer: &TransferDetail{}}
	r3 := &Request{ClientRequestID: "n3", Kind: KindTransfer, HasNonce: true, Nonce: 20, Account: "acct2", Transfer: &TransferDetail{}}
	for _, r := range []*Request{r1, r2, r3} {
		if err := c.Add(ctx, r); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	max, ok := c.MaxNonce("acct1")
	if !ok || max != 7 {
		t.Fatalf("MaxNonce(acct1) = %d, %v, want 7, true", max, ok)
	}
	if _, ok := c.MaxNonce("unknown"); ok {
		t.Fatalf("MaxNonce(unknown) should report not found")
	}
}
