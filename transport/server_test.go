package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dexproxy/core"
)

// stubAdapter is a minimal Adapter good enough to drive the REST
// surface end to end without a real exchange or chain.
type stubAdapter struct {
	orderRef string
	txHash   string
}

func (a *stubAdapter) Name() string       { return "stub" }
func (a *stubAdapter) Channels() []string { return []string{"ORDER", "TRADE"} }
func (a *stubAdapter) SubmitOrder(ctx context.Context, req *core.Request) (string, error) {
	return a.orderRef, nil
}
func (a *stubAdapter) CancelOrder(ctx context.Context, req *core.Request, newGasWei uint64) error {
	return nil
}
func (a *stubAdapter) AmendOrder(ctx context.Context, req *core.Request, newGasWei uint64) error {
	return nil
}
func (a *stubAdapter) SubmitApproval(ctx context.Context, req *core.Request, nonce, gasWei uint64) (string, error) {
	return a.txHash, nil
}
func (a *stubAdapter) SubmitTransfer(ctx context.Context, req *core.Request, nonce, gasWei uint64) (string, error) {
	return a.txHash, nil
}
func (a *stubAdapter) SubmitWrapUnwrap(ctx context.Context, req *core.Request, nonce, gasWei uint64) (string, error) {
	return a.txHash, nil
}
func (a *stubAdapter) SubmitBridge(ctx context.Context, req *core.Request, nonce, gasWei uint64) (string, error) {
	return a.txHash, nil
}
func (a *stubAdapter) GetTransactionReceipt(ctx context.Context, txHash string) (core.Receipt, error) {
	return core.Receipt{Status: core.ReceiptPending}, nil
}
func (a *stubAdapter) CancelTransaction(ctx context.Context, nonce, newGasWei uint64) (string, error) {
	return a.txHash, nil
}
func (a *stubAdapter) GetOrderRecords(ctx context.Context, symbol, marketType string, sinceSlot uint64, page string) ([]core.OrderRecord, core.Page, error) {
	return nil, core.Page{}, nil
}
func (a *stubAdapter) GetOrderActionRecords(ctx context.Context, exchangeOrderID, page string) ([]core.OrderAction, core.Page, error) {
	return nil, core.Page{}, nil
}

func newTestServer() *Server {
	adapter := &stubAdapter{orderRef: "0xsig"}
	cache := core.NewRequestCache(nil, 0, nil)
	subs := core.NewSubscriptionRegistry([]string{"ORDER", "TRADE"}, nil)
	dexCore := core.NewDEXCore(core.DEXCoreConfig{Adapter: adapter, Cache: cache, Subs: subs}, nil)
	return NewServer(Config{ListenAddr: ":0"}, dexCore, subs, core.NewMetrics(), nil)
}

func TestInsertOrderThenGetStatus(t *testing.T) {
	s := newTestServer()

	body, _ := json.Marshal(map[string]any{
		"client_request_id": "123",
		"symbol":             "SOL-PERP",
		"side":               "SELL",
		"order_type":         "GTC_POST_ONLY",
		"price":              "999",
		"quantity":           "0.01",
	})
	req := httptest.NewRequest(http.MethodPost, "/private/insert-order", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("insert-order status = %d, body = %s", rec.Code, rec.Body.String())
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/public/get-request-status?client_request_id=123", nil)
	statusRec := httptest.NewRecorder()
	s.router.ServeHTTP(statusRec, statusReq)
	if statusRec.Code != http.StatusOK {
		t.Fatalf("get-request-status status = %d", statusRec.Code)
	}
	var got core.Request
	if err := json.Unmarshal(statusRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Status != core.StatusSubmitted {
		t.Fatalf("status = %v, want SUBMITTED", got.Status)
	}
}

func TestInsertOrderDuplicateRejected(t *testing.T) {
	s := newTestServer()
	body, _ := json.Marshal(map[string]any{"client_request_id": "dup", "symbol": "SOL-PERP"})

	for i, wantCode := range []int{http.StatusOK, http.StatusBadRequest} {
		req := httptest.NewRequest(http.MethodPost, "/private/insert-order", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		if rec.Code != wantCode {
			t.Fatalf("submit #%d status = %d, want %d, body = %s", i+1, rec.Code, wantCode, rec.Body.String())
		}
	}

	// The duplicate rejection must carry the low-level {"error":{"message":...}}
	// shape, not the flat {error_code, error_message} domain shape: every
	// adapter's own duplicate-client_request_id path returns the former.
	req := httptest.NewRequest(http.MethodPost, "/private/insert-order", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var got lowLevelErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode failed: %v, body = %s", err, rec.Body.String())
	}
	if got.Error.Message == "" {
		t.Fatalf("error.message empty, body = %s", rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("already known")) {
		t.Fatalf("expected body to contain %q, got %s", "already known", rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("error_code")) {
		t.Fatalf("duplicate error must not use the flat domain shape, got %s", rec.Body.String())
	}
}

func TestGetUnknownOrderReturns404(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/public/order?client_order_id=missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestShutdownClosesWSConnectionsWithReason(t *testing.T) {
	s := newTestServer()
	httpSrv := httptest.NewServer(s.router)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/private/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var closeReason string
	conn.SetCloseHandler(func(code int, text string) error {
		closeReason = text
		return nil
	})

	// give handleWS time to register the connection before shutting down
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.wsMu.Lock()
		n := len(s.wsConns)
		s.wsMu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if closeReason != "server shutdown" {
		t.Fatalf("close reason = %q, want %q", closeReason, "server shutdown")
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/public/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
