package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DEXCoreConfig bundles the dependencies and policy knobs a DEXCore is
// constructed with (spec §9 "one DEX Core instance is constructed at
// startup and passed by reference").
type DEXCoreConfig struct {
	Adapter     Adapter
	Cache       *RequestCache
	Subs        *SubscriptionRegistry
	Metrics     *Metrics
	GasCapWei   uint64           // 0 disables the cap
	NonceSource ChainNonceSource // optional; nil for exchange-only adapters
}

// DEXCore is the orchestrator described in spec §4.6. For every verb it
// performs, in order: idempotency check -> validation -> nonce
// reservation (on-chain only) -> adapter call -> record tx hash ->
// enqueue for polling (implicit: inserting into the cache makes the
// request visible to the StatusPoller's next tick) -> return.
type DEXCore struct {
	adapter   Adapter
	cache     *RequestCache
	subs      *SubscriptionRegistry
	metrics   *Metrics
	gasCapWei uint64
	nonceSrc  ChainNonceSource
	log       *logrus.Entry

	mu     sync.Mutex
	nonces map[string]*NonceManager
}

// NewDEXCore constructs a DEXCore from cfg.
func NewDEXCore(cfg DEXCoreConfig, log *logrus.Logger) *DEXCore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DEXCore{
		adapter:   cfg.Adapter,
		cache:     cfg.Cache,
		subs:      cfg.Subs,
		metrics:   cfg.Metrics,
		gasCapWei: cfg.GasCapWei,
		nonceSrc:  cfg.NonceSource,
		log:       log.WithField("component", "dex_core").WithField("adapter", cfg.Adapter.Name()),
		nonces:    make(map[string]*NonceManager),
	}
}

// NonceManagerFor returns (creating if necessary) the NonceManager for
// account, seeded from the cache's already-reserved nonces on first use
// (spec §4.3 max_nonce(), §4.4).
func (d *DEXCore) NonceManagerFor(account string) *NonceManager {
	d.mu.Lock()
	defer d.mu.Unlock()
	if nm, ok := d.nonces[account]; ok {
		return nm
	}
	start := uint64(0)
	if max, found := d.cache.MaxNonce(account); found {
		start = max + 1
	}
	nm := NewNonceManager(account, start, d.nonceSrc, nil)
	d.nonces[account] = nm
	return nm
}

// checkIdempotent returns a DUPLICATE_REQUEST error if id is already
// known, active or finalised (spec §7 "Idempotency").
func (d *DEXCore) checkIdempotent(id string) error {
	if d.cache.Get(id) != nil {
		return NewDomainError(ErrDuplicateRequest, fmt.Sprintf("client_request_id %q already known", id))
	}
	return nil
}

// SubmitOrder implements the insert-order verb (spec §6
// POST /private/insert-order).
func (d *DEXCore) SubmitOrder(ctx context.Context, req *Request) (*Request, error) {
	if err := d.checkIdempotent(req.ClientRequestID); err != nil {
		return nil, err
	}
	if req.Order == nil {
		return nil, NewDomainError(ErrInvalidRequest, "order detail missing")
	}
	req.Kind = KindOrder
	req.Status = StatusNew
	req.ReceivedAtMs = nowMs()

	if err := d.cache.Add(ctx, req); err != nil {
		return nil, err
	}

	ref, err := d.adapter.SubmitOrder(ctx, req)
	if err != nil {
		return d.handleSubmitFailure(ctx, req.ClientRequestID, ref, err)
	}
	updated, err := d.cache.MarkSubmitted(ctx, req.ClientRequestID, ref, 0)
	if err != nil {
		return nil, err
	}
	d.publish(updated)
	return updated, nil
}

// CancelOrder implements DELETE /private/cancel-order (spec §6, §4.6).
// It enforces the L2 NOT_SUPPORTED rule and the gas-bump rule before
// calling the adapter.
func (d *DEXCore) CancelOrder(ctx context.Context, clientRequestID string, newGasWei uint64) (*Request, error) {
	current := d.cache.Get(clientRequestID)
	if current == nil {
		return nil, NewDomainError(ErrOrderNotFound, fmt.Sprintf("request %q not found", clientRequestID))
	}
	if err := d.checkL2Immutable(current); err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}
	if err := d.checkGasCap(newGasWei); err != nil {
		return nil, err
	}
	if current.CancelRequested && newGasWei <= current.LastGasPrice() {
		return current, nil // already in flight at >= this gas
	}
	if _, err := d.cache.ApplyGasBump(ctx, clientRequestID, newGasWei); err != nil {
		return nil, err
	}
	updated, err := d.cache.RequestCancel(ctx, clientRequestID)
	if err != nil {
		return nil, err
	}
	if err := d.adapter.CancelOrder(ctx, updated, newGasWei); err != nil {
		d.log.WithError(err).WithField("client_request_id", clientRequestID).Warn("cancel order: adapter call failed, poller will retry")
	}
	d.publish(updated)
	return updated, nil
}

// AmendOrder implements POST /private/amend-request for Order kind
// (spec §6, §4.6).
func (d *DEXCore) AmendOrder(ctx context.Context, clientRequestID string, newGasWei uint64) (*Request, error) {
	current := d.cache.Get(clientRequestID)
	if current == nil {
		return nil, NewDomainError(ErrOrderNotFound, fmt.Sprintf("request %q not found", clientRequestID))
	}
	if err := d.checkL2Immutable(current); err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, NewDomainError(ErrInvalidParameter, "request already terminal")
	}
	if err := d.checkGasCap(newGasWei); err != nil {
		return nil, err
	}
	if current.AmendRequested && newGasWei <= current.LastGasPrice() {
		return current, nil
	}
	if _, err := d.cache.ApplyGasBump(ctx, clientRequestID, newGasWei); err != nil {
		return nil, err
	}
	updated, err := d.cache.RequestAmend(ctx, clientRequestID)
	if err != nil {
		return nil, err
	}
	if err := d.adapter.AmendOrder(ctx, updated, newGasWei); err != nil {
		d.log.WithError(err).WithField("client_request_id", clientRequestID).Warn("amend order: adapter call failed, poller will retry")
	}
	d.publish(updated)
	return updated, nil
}

// checkL2Immutable implements the Open Question decision in
// SPEC_FULL.md §E.1: an L2 request whose submission tx has already
// mined refuses amend/cancel with NOT_SUPPORTED, leaving state intact.
func (d *DEXCore) checkL2Immutable(req *Request) error {
	if req.AdapterSpecific == nil || req.AdapterSpecific["chain"] != "L2" {
		return nil
	}
	last, ok := req.LastTxHash()
	if !ok || last.Purpose != PurposeSubmit {
		return nil
	}
	switch req.Status {
	case StatusMined, StatusSucceeded, StatusFailed:
		return NewDomainError(ErrNotSupported, "amend/cancel not supported once an L2 request has mined")
	default:
		return nil
	}
}

func (d *DEXCore) checkGasCap(gasWei uint64) error {
	if d.gasCapWei > 0 && gasWei > d.gasCapWei {
		return NewDomainError(ErrGasCapExceeded, fmt.Sprintf("gas price %d exceeds configured maximum %d", gasWei, d.gasCapWei))
	}
	return nil
}

// CancelAllResult is the structured reply of cancel-all-by-kind (spec
// §4.6, §6 DELETE /private/cancel-all-orders).
type CancelAllResult struct {
	Cancelled       []string `json:"cancelled"`
	Failed          []string `json:"failed"`
	SendTimestampNs int64    `json:"send_timestamp_ns"`
}

// CancelAllByKind cancels every open request of kind, computing a
// per-request gas price via fastGas and skipping requests whose most
// recent cancel intent already meets or exceeds it (spec §4.6).
func (d *DEXCore) CancelAllByKind(ctx context.Context, kind RequestKind, fastGas func(*Request) uint64) CancelAllResult {
	result := CancelAllResult{SendTimestampNs: nowMs() * int64(1_000_000)}
	for _, req := range d.cache.Iter(kind) {
		if req.Status.Terminal() {
			continue
		}
		gas := fastGas(req)
		if req.CancelRequested && gas <= req.LastGasPrice() {
			continue
		}
		if _, err := d.CancelOrder(ctx, req.ClientRequestID, gas); err != nil {
			result.Failed = append(result.Failed, req.ClientRequestID)
			continue
		}
		result.Cancelled = append(result.Cancelled, req.ClientRequestID)
	}
	return result
}

// handleSubmitFailure applies spec §7's Adapter transport failure
// policy: if the adapter reports no on-chain artifact (empty ref), the
// request is finalised FAILED immediately; otherwise the ref (tx hash)
// is recorded and the Status Poller is left to decide.
func (d *DEXCore) handleSubmitFailure(ctx context.Context, clientRequestID, ref string, submitErr error) (*Request, error) {
	code := Classify(submitErr.Error())
	if ref == "" {
		updated, err := d.cache.Finalise(ctx, clientRequestID, StatusFailed, code)
		if err != nil {
			return nil, err
		}
		d.publish(updated)
		return updated, nil
	}
	updated, err := d.cache.MarkSubmitted(ctx, clientRequestID, ref, 0)
	if err != nil {
		return nil, err
	}
	d.publish(updated)
	return updated, nil
}

// submitOnChain is the shared path for Transfer/Approve/WrapUnwrap/
// Bridge: reserve a nonce, call the adapter, record the result.
func (d *DEXCore) submitOnChain(ctx context.Context, req *Request, account string, gasWei uint64, call func(ctx context.Context, req *Request, nonce, gasWei uint64) (string, error)) (*Request, error) {
	if err := d.checkIdempotent(req.ClientRequestID); err != nil {
		return nil, err
	}
	if err := d.checkGasCap(gasWei); err != nil {
		return nil, err
	}
	nm := d.NonceManagerFor(account)
	nonce := nm.Get()

	req.Status = StatusNew
	req.ReceivedAtMs = nowMs()
	req.HasNonce = true
	req.Nonce = nonce
	req.Account = account

	if err := d.cache.Add(ctx, req); err != nil {
		nm.Put(nonce)
		return nil, err
	}

	txHash, err := call(ctx, req, nonce, gasWei)
	if err != nil {
		if txHash == "" {
			nm.Put(nonce)
			code := Classify(err.Error())
			updated, ferr := d.cache.Finalise(ctx, req.ClientRequestID, StatusFailed, code)
			if ferr != nil {
				return nil, ferr
			}
			d.publish(updated)
			return updated, nil
		}
		// nonce consumed (broadcast happened); record and let the
		// poller resolve it via receipt polling.
	}

	updated, merr := d.cache.MarkSubmitted(ctx, req.ClientRequestID, txHash, gasWei)
	if merr != nil {
		return nil, merr
	}
	d.publish(updated)
	return updated, nil
}

// SubmitTransfer implements the transfer/deposit/withdraw verbs (spec
// §6 POST /private/withdraw, /private/deposit-*, /private/transfer-*).
func (d *DEXCore) SubmitTransfer(ctx context.Context, req *Request, account string, gasWei uint64) (*Request, error) {
	if req.Transfer == nil {
		return nil, NewDomainError(ErrInvalidRequest, "transfer detail missing")
	}
	req.Kind = KindTransfer
	return d.submitOnChain(ctx, req, account, gasWei, func(ctx context.Context, r *Request, nonce, gas uint64) (string, error) {
		return d.adapter.SubmitTransfer(ctx, r, nonce, gas)
	})
}

// SubmitApproval implements POST /private/approve-token.
func (d *DEXCore) SubmitApproval(ctx context.Context, req *Request, account string, gasWei uint64) (*Request, error) {
	if req.Approve == nil {
		return nil, NewDomainError(ErrInvalidRequest, "approve detail missing")
	}
	req.Kind = KindApprove
	return d.submitOnChain(ctx, req, account, gasWei, func(ctx context.Context, r *Request, nonce, gas uint64) (string, error) {
		return d.adapter.SubmitApproval(ctx, r, nonce, gas)
	})
}

// SubmitWrapUnwrap implements POST /private/wrap-unwrap-eth.
func (d *DEXCore) SubmitWrapUnwrap(ctx context.Context, req *Request, account string, gasWei uint64) (*Request, error) {
	if req.WrapUnwrap == nil {
		return nil, NewDomainError(ErrInvalidRequest, "wrap_unwrap detail missing")
	}
	req.Kind = KindWrapUnwrap
	return d.submitOnChain(ctx, req, account, gasWei, func(ctx context.Context, r *Request, nonce, gas uint64) (string, error) {
		return d.adapter.SubmitWrapUnwrap(ctx, r, nonce, gas)
	})
}

// SubmitBridge implements POST /private/bridge.
func (d *DEXCore) SubmitBridge(ctx context.Context, req *Request, account string, gasWei uint64) (*Request, error) {
	if req.Bridge == nil {
		return nil, NewDomainError(ErrInvalidRequest, "bridge detail missing")
	}
	req.Kind = KindBridge
	return d.submitOnChain(ctx, req, account, gasWei, func(ctx context.Context, r *Request, nonce, gas uint64) (string, error) {
		return d.adapter.SubmitBridge(ctx, r, nonce, gas)
	})
}

// AmendRequest implements POST /private/amend-request for on-chain
// kinds, replacing the pending transaction at the same nonce with a
// higher-gas resubmission via the adapter's cancel_transaction hook
// (used here for acceleration rather than cancellation).
func (d *DEXCore) AmendRequest(ctx context.Context, clientRequestID string, newGasWei uint64) (*Request, error) {
	current := d.cache.Get(clientRequestID)
	if current == nil {
		return nil, NewDomainError(ErrOrderNotFound, fmt.Sprintf("request %q not found", clientRequestID))
	}
	if err := d.checkL2Immutable(current); err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, NewDomainError(ErrInvalidParameter, "request already terminal")
	}
	if err := d.checkGasCap(newGasWei); err != nil {
		return nil, err
	}
	if current.AmendRequested && newGasWei <= current.LastGasPrice() {
		return current, nil
	}
	if _, err := d.cache.ApplyGasBump(ctx, clientRequestID, newGasWei); err != nil {
		return nil, err
	}
	updated, err := d.cache.RequestAmend(ctx, clientRequestID)
	if err != nil {
		return nil, err
	}
	txHash, err := d.adapter.CancelTransaction(ctx, current.Nonce, newGasWei)
	if err != nil {
		d.log.WithError(err).WithField("client_request_id", clientRequestID).Warn("amend request: replacement broadcast failed, poller will retry")
		d.publish(updated)
		return updated, nil
	}
	updated, err = d.cache.MarkSubmitted(ctx, clientRequestID, txHash, newGasWei)
	if err != nil {
		return nil, err
	}
	updated.TxHashes[len(updated.TxHashes)-1].Purpose = PurposeAmend
	d.publish(updated)
	return updated, nil
}

// CancelRequest implements POST /private/cancel-request for on-chain
// kinds: replaces the pending transaction at the same nonce with a
// cancel (spec §6 cancel_transaction).
func (d *DEXCore) CancelRequest(ctx context.Context, clientRequestID string, newGasWei uint64) (*Request, error) {
	current := d.cache.Get(clientRequestID)
	if current == nil {
		return nil, NewDomainError(ErrOrderNotFound, fmt.Sprintf("request %q not found", clientRequestID))
	}
	if err := d.checkL2Immutable(current); err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}
	if err := d.checkGasCap(newGasWei); err != nil {
		return nil, err
	}
	if current.CancelRequested && newGasWei <= current.LastGasPrice() {
		return current, nil
	}
	if _, err := d.cache.ApplyGasBump(ctx, clientRequestID, newGasWei); err != nil {
		return nil, err
	}
	updated, err := d.cache.RequestCancel(ctx, clientRequestID)
	if err != nil {
		return nil, err
	}
	txHash, err := d.adapter.CancelTransaction(ctx, current.Nonce, newGasWei)
	if err != nil {
		d.log.WithError(err).WithField("client_request_id", clientRequestID).Warn("cancel request: replacement broadcast failed, poller will retry")
		d.publish(updated)
		return updated, nil
	}
	updated, err = d.cache.MarkSubmitted(ctx, clientRequestID, txHash, newGasWei)
	if err != nil {
		return nil, err
	}
	updated.TxHashes[len(updated.TxHashes)-1].Purpose = PurposeCancel
	d.publish(updated)
	return updated, nil
}

// GetRequestStatus implements GET /public/get-request-status.
func (d *DEXCore) GetRequestStatus(clientRequestID string) (*Request, error) {
	req := d.cache.Get(clientRequestID)
	if req == nil {
		return nil, NewDomainError(ErrOrderNotFound, fmt.Sprintf("request %q not found", clientRequestID))
	}
	return req, nil
}

// GetAllOpenRequests implements GET /public/get-all-open-requests.
func (d *DEXCore) GetAllOpenRequests(kind RequestKind) []*Request {
	return d.cache.Iter(kind)
}

func (d *DEXCore) publish(req *Request) {
	if d.subs == nil || req == nil {
		return
	}
	channel := "ORDER"
	if req.Kind != KindOrder {
		channel = string(req.Kind)
	}
	d.subs.Publish(Event{Channel: channel, Data: req})
	if d.metrics != nil && !req.Status.Terminal() {
		d.metrics.OpenRequests.WithLabelValues(string(req.Kind)).Set(float64(len(d.cache.Iter(req.Kind))))
	}
}
