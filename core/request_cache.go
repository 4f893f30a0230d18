package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// RequestCache stores active Requests and indexes them for O(1) lookup
// by client_request_id, nonce, and exchange_order_id (spec §4.3). All
// mutation is serialized behind a single mutex, matching the "owned by
// a single logical task" requirement — callers outside the owning
// goroutine still observe consistent snapshots per call.
type RequestCache struct {
	log   *logrus.Entry
	store StorageWriter

	mu              sync.Mutex
	byClientID      map[string]*Request
	byNonce         map[nonceKey]string // -> client_request_id
	byExchangeOrder map[string]string   // exchange_order_id -> client_request_id
	byKind          map[RequestKind]map[string]bool

	finalised *finalisedWindow
}

type nonceKey struct {
	account string
	nonce   uint64
}

// NewRequestCache constructs an empty cache. store may be nil, in which
// case persistence is disabled and only the in-memory indices apply.
// finalisedWindowSize bounds the idempotent-lookup retention window
// (spec §4.3); 0 selects the default.
func NewRequestCache(store StorageWriter, finalisedWindowSize int, log *logrus.Logger) *RequestCache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RequestCache{
		log:             log.WithField("component", "request_cache"),
		store:           store,
		byClientID:      make(map[string]*Request),
		byNonce:         make(map[nonceKey]string),
		byExchangeOrder: make(map[string]string),
		byKind:          make(map[RequestKind]map[string]bool),
		finalised:       newFinalisedWindow(finalisedWindowSize),
	}
}

// Add inserts req, rejecting duplicates by client_request_id (spec
// invariant: each client_request_id maps to at most one Request for its
// process lifetime).
func (c *RequestCache) Add(ctx context.Context, req *Request) error {
	c.mu.Lock()
	if _, exists := c.byClientID[req.ClientRequestID]; exists {
		c.mu.Unlock()
		return NewDomainError(ErrDuplicateRequest, fmt.Sprintf("client_request_id %q already known", req.ClientRequestID))
	}
	if _, exists := c.finalised.get(req.ClientRequestID); exists {
		c.mu.Unlock()
		return NewDomainError(ErrDuplicateRequest, fmt.Sprintf("client_request_id %q already known", req.ClientRequestID))
	}
	stored := req.Clone()
	c.byClientID[req.ClientRequestID] = stored
	if stored.HasNonce {
		c.byNonce[nonceKey{stored.Account, stored.Nonce}] = stored.ClientRequestID
	}
	if c.byKind[stored.Kind] == nil {
		c.byKind[stored.Kind] = make(map[string]bool)
	}
	c.byKind[stored.Kind][stored.ClientRequestID] = true
	c.mu.Unlock()

	return c.persist(ctx, stored)
}

// Get returns a snapshot copy of the Request for key, searching the
// active indices first and then the finalised retention window, or nil
// if key is unknown.
func (c *RequestCache) Get(clientRequestID string) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req, ok := c.byClientID[clientRequestID]; ok {
		return req.Clone()
	}
	if req, ok := c.finalised.get(clientRequestID); ok {
		return req.Clone()
	}
	return nil
}

// GetByNonce looks up the Request currently holding (account, nonce).
func (c *RequestCache) GetByNonce(account string, nonce uint64) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byNonce[nonceKey{account, nonce}]
	if !ok {
		return nil
	}
	return c.byClientID[id].Clone()
}

// GetByExchangeOrderID looks up the Request holding a given exchange
// order id, populated once the adapter reports it (spec §4.3).
func (c *RequestCache) GetByExchangeOrderID(exchangeOrderID string) *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byExchangeOrder[exchangeOrderID]
	if !ok {
		return nil
	}
	return c.byClientID[id].Clone()
}

// Iter returns snapshot copies of every active (non-finalised) Request
// of the given kind. Passing "" iterates every kind.
func (c *RequestCache) Iter(kind RequestKind) []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids map[string]bool
	if kind == "" {
		out := make([]*Request, 0, len(c.byClientID))
		for _, r := range c.byClientID {
			out = append(out, r.Clone())
		}
		return out
	}
	ids = c.byKind[kind]
	out := make([]*Request, 0, len(ids))
	for id := range ids {
		if r, ok := c.byClientID[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out
}

// MaxNonce returns the highest nonce currently held by an in-flight
// Request for account, used at startup to resume the Nonce Manager
// without replaying already-reserved nonces (spec §4.3).
func (c *RequestCache) MaxNonce(account string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var max uint64
	found := false
	for key := range c.byNonce {
		if key.account != account {
			continue
		}
		if !found || key.nonce > max {
			max = key.nonce
			found = true
		}
	}
	return max, found
}

// MarkSubmitted records a SUBMIT transaction hash and moves the Request
// to SUBMITTED. It is a no-op (returns the current state) if the
// Request is already terminal.
func (c *RequestCache) MarkSubmitted(ctx context.Context, clientRequestID, txHash string, gasPriceWei uint64) (*Request, error) {
	return c.mutate(ctx, clientRequestID, func(r *Request) error {
		if r.Status.Terminal() {
			return nil
		}
		r.TxHashes = append(r.TxHashes, TxRecord{Hash: txHash, Purpose: PurposeSubmit})
		r.UsedGasPricesWei = append(r.UsedGasPricesWei, gasPriceWei)
		r.Status = StatusSubmitted
		return nil
	})
}

// MarkMined moves the Request to MINED, unless it is already terminal.
// minedHash is not stored; tx_hashes is left as it was.
func (c *RequestCache) MarkMined(ctx context.Context, clientRequestID, minedHash string) (*Request, error) {
	return c.mutate(ctx, clientRequestID, func(r *Request) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = StatusMined
		_ = minedHash
		return nil
	})
}

// SetExchangeOrderID records the adapter-assigned exchange_order_id for
// an Order Request and updates the by-exchange-order index.
func (c *RequestCache) SetExchangeOrderID(ctx context.Context, clientRequestID, exchangeOrderID string) (*Request, error) {
	c.mu.Lock()
	r, ok := c.byClientID[clientRequestID]
	if !ok || r.Order == nil {
		c.mu.Unlock()
		return nil, NewDomainError(ErrOrderNotFound, fmt.Sprintf("request %q is not an order", clientRequestID))
	}
	r.Order.ExchangeOrderID = exchangeOrderID
	c.byExchangeOrder[exchangeOrderID] = clientRequestID
	out := r.Clone()
	c.mu.Unlock()
	return out, c.persist(ctx, out)
}

// ApplyGasBump appends a new gas price after validating the 1.1x bump
// rule (spec §4.6, §8 invariant 4), returning INVALID_PARAMETER when the
// new price is below ceil(1.1 x last). It does not check the configured
// gas cap; callers check that themselves before calling this.
func (c *RequestCache) ApplyGasBump(ctx context.Context, clientRequestID string, newGasWei uint64) (*Request, error) {
	return c.mutate(ctx, clientRequestID, func(r *Request) error {
		last := r.LastGasPrice()
		min := ceilMul(last, 11, 10)
		if last > 0 && newGasWei < min {
			return NewDomainError(ErrInvalidParameter, fmt.Sprintf("gas bump %d below required minimum %d", newGasWei, min))
		}
		r.UsedGasPricesWei = append(r.UsedGasPricesWei, newGasWei)
		return nil
	})
}

// ceilMul computes ceil(v * num / den) without float rounding error.
func ceilMul(v, num, den uint64) uint64 {
	if v == 0 {
		return 0
	}
	return (v*num + den - 1) / den
}

// RequestCancel marks cancel_requested without moving status (spec §3:
// CANCEL_REQUESTED is orthogonal to status until a replacement mines).
func (c *RequestCache) RequestCancel(ctx context.Context, clientRequestID string) (*Request, error) {
	return c.mutate(ctx, clientRequestID, func(r *Request) error {
		r.CancelRequested = true
		return nil
	})
}

// RequestAmend marks amend_requested without moving status.
func (c *RequestCache) RequestAmend(ctx context.Context, clientRequestID string) (*Request, error) {
	return c.mutate(ctx, clientRequestID, func(r *Request) error {
		r.AmendRequested = true
		return nil
	})
}

// ApplyTrade appends a fill if tradeID has not already been applied,
// keeping the order's total_executed_qty monotone (spec §3, §8
// invariant 3). Returns the updated Request; a duplicate trade_id is a
// silent no-op per spec §4.5 ("duplicates are dropped"). A fill that
// completes the order finalises it as EXPIRED and moves it to the
// finalised window.
func (c *RequestCache) ApplyTrade(ctx context.Context, clientRequestID string, trade Trade, execQty func(exist []Trade, t Trade) (newTotal string, fullyFilled bool)) (*Request, error) {
	var becameTerminal bool
	out, err := c.mutate(ctx, clientRequestID, func(r *Request) error {
		if r.Order == nil {
			return NewDomainError(ErrOrderNotFound, fmt.Sprintf("request %q is not an order", clientRequestID))
		}
		for _, t := range r.Order.Trades {
			if t.TradeID == trade.TradeID {
				return nil // already applied
			}
		}
		r.Order.Trades = append(r.Order.Trades, trade)
		newTotal, fullyFilled := execQty(r.Order.Trades, trade)
		r.Order.TotalExecutedQty = newTotal
		if fullyFilled && !r.Status.Terminal() {
			r.Status = StatusExpired
			r.FinalisedAtMs = nowMs()
			becameTerminal = true
		}
		return nil
	})
	if err == nil && becameTerminal {
		c.moveToFinalised(out.ClientRequestID)
	}
	return out, err
}

// Finalise moves the Request to a terminal status and sets
// finalised_at_ms, unless it is already terminal (spec §8 invariant 5:
// terminal is sticky).
func (c *RequestCache) Finalise(ctx context.Context, clientRequestID string, status Status, reason ErrorCode) (*Request, error) {
	if !status.Terminal() {
		return nil, NewDomainError(ErrInvalidParameter, fmt.Sprintf("status %q is not terminal", status))
	}
	var becameTerminal bool
	out, err := c.mutate(ctx, clientRequestID, func(r *Request) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = status
		r.FinalisedAtMs = nowMs()
		if reason != "" && r.Order != nil {
			r.Order.Reason = string(reason)
		}
		becameTerminal = true
		return nil
	})
	if err != nil || out == nil {
		return out, err
	}
	if becameTerminal {
		c.moveToFinalised(out.ClientRequestID)
	}
	return out, nil
}

// moveToFinalised removes a terminal Request from the active indices
// and places it in the bounded finalised-request retention window.
func (c *RequestCache) moveToFinalised(clientRequestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.byClientID[clientRequestID]
	if !ok || !r.Status.Terminal() {
		return
	}
	delete(c.byClientID, clientRequestID)
	if r.HasNonce {
		delete(c.byNonce, nonceKey{r.Account, r.Nonce})
	}
	if r.Order != nil && r.Order.ExchangeOrderID != "" {
		delete(c.byExchangeOrder, r.Order.ExchangeOrderID)
	}
	if ids, ok := c.byKind[r.Kind]; ok {
		delete(ids, clientRequestID)
	}
	c.finalised.add(r)
}

// mutate applies fn to the stored Request under the cache lock and
// persists the result, returning a snapshot copy. fn observes and
// mutates the canonical stored pointer directly; it must not retain it.
func (c *RequestCache) mutate(ctx context.Context, clientRequestID string, fn func(*Request) error) (*Request, error) {
	c.mu.Lock()
	r, ok := c.byClientID[clientRequestID]
	if !ok {
		c.mu.Unlock()
		return nil, NewDomainError(ErrOrderNotFound, fmt.Sprintf("request %q not found", clientRequestID))
	}
	if err := fn(r); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	out := r.Clone()
	c.mu.Unlock()
	return out, c.persist(ctx, out)
}

// persist mirrors req through the configured StorageWriter, logging
// (rather than failing) on error per the at-least-once policy of
// spec §4.3.
func (c *RequestCache) persist(ctx context.Context, req *Request) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Put(ctx, req.ClientRequestID, req); err != nil {
		c.log.WithError(err).WithField("client_request_id", req.ClientRequestID).Warn("persist: write-through failed, will retry on next mutation")
	}
	return nil
}

// ReloadFromStore reconstructs the cache from the StorageWriter at
// startup and drains any request whose terminal status was already
// observed (spec §6 "Persisted state"). A reloaded Request whose status
// is already terminal goes straight into the finalised window instead
// of the active indices.
func (c *RequestCache) ReloadFromStore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.ScanAll(ctx, func(req *Request) error {
		c.mu.Lock()
		if req.Status.Terminal() {
			c.finalised.add(req.Clone())
			c.mu.Unlock()
			return nil
		}
		c.byClientID[req.ClientRequestID] = req.Clone()
		if req.HasNonce {
			c.byNonce[nonceKey{req.Account, req.Nonce}] = req.ClientRequestID
		}
		if req.Order != nil && req.Order.ExchangeOrderID != "" {
			c.byExchangeOrder[req.Order.ExchangeOrderID] = req.ClientRequestID
		}
		if c.byKind[req.Kind] == nil {
			c.byKind[req.Kind] = make(map[string]bool)
		}
		c.byKind[req.Kind][req.ClientRequestID] = true
		c.mu.Unlock()
		return nil
	})
}
