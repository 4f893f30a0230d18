package core

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// PollerConfig parameterises the three independent periodic tasks
// described in spec §4.5.
type PollerConfig struct {
	OrderRecordsInterval  time.Duration
	DelayAfterSubmit      time.Duration
	OrderActionsInterval  time.Duration
	RefreshAfter          time.Duration
	PlaceTxInterval       time.Duration
	MarkInsertFailedAfter time.Duration
	// PollWindowSlots bounds the deadline rule: a request missing an
	// exchange_order_id is rejected once the latest observed slot
	// exceeds the request's own slot by this many slots (spec §4.5
	// "Deadline rule").
	PollWindowSlots uint64
}

// DefaultPollerConfig returns the interval/delay defaults used when a
// deployment does not override them.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		OrderRecordsInterval:  500 * time.Millisecond,
		DelayAfterSubmit:      2 * time.Second,
		OrderActionsInterval:  1 * time.Second,
		RefreshAfter:          5 * time.Second,
		PlaceTxInterval:       1 * time.Second,
		MarkInsertFailedAfter: 60 * time.Second,
		PollWindowSlots:       150,
	}
}

// SlotSource reports the latest logical time (block height or slot)
// observed by the adapter, used by the deadline rule. Adapters without
// a notion of slots (pure exchange backends) can return 0 and disable
// the rule by leaving PollWindowSlots at its zero value.
type SlotSource func(ctx context.Context) (uint64, error)

// StatusPoller drives every in-flight Request of one adapter to a
// terminal status, reconciling place-transaction receipts, order
// records, and order action records (spec §4.5). One StatusPoller
// exists per adapter instance wired into the DEX Core.
type StatusPoller struct {
	cache   *RequestCache
	adapter Adapter
	subs    *SubscriptionRegistry
	metrics *Metrics
	slots   SlotSource
	cfg     PollerConfig

	log  *logrus.Entry
	zlog *zap.SugaredLogger

	mu               sync.Mutex
	lastActionRefresh map[string]time.Time // exchange_order_id -> last successful refresh
	lastReceiptBlock  map[string]uint64    // tx hash -> highest confirmed block seen
}

// NewStatusPoller wires a poller for adapter over cache, publishing
// updates through subs. The hot-path zap logger is always a no-op
// sugared logger (zap.NewNop), so callers need not configure zap.
func NewStatusPoller(cache *RequestCache, adapter Adapter, subs *SubscriptionRegistry, metrics *Metrics, slots SlotSource, cfg PollerConfig, log *logrus.Logger) *StatusPoller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	zlog := zap.NewNop().Sugar()
	return &StatusPoller{
		cache:             cache,
		adapter:           adapter,
		subs:              subs,
		metrics:           metrics,
		slots:             slots,
		cfg:               cfg,
		log:               log.WithField("component", "status_poller").WithField("adapter", adapter.Name()),
		zlog:              zlog,
		lastActionRefresh: make(map[string]time.Time),
		lastReceiptBlock:  make(map[string]uint64),
	}
}

// Run launches the three periodic tasks and blocks until ctx is
// cancelled (spec §5: cooperative tasks, each an independent ticker).
func (p *StatusPoller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.loop(ctx, p.cfg.OrderRecordsInterval, "order_records", p.tickOrderRecords) }()
	go func() { defer wg.Done(); p.loop(ctx, p.cfg.OrderActionsInterval, "order_actions", p.tickOrderActions) }()
	go func() { defer wg.Done(); p.loop(ctx, p.cfg.PlaceTxInterval, "place_transactions", p.tickPlaceTransactions) }()
	wg.Wait()
}

func (p *StatusPoller) loop(ctx context.Context, interval time.Duration, task string, tick func(context.Context)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.metrics != nil {
				p.metrics.PollerTicks.WithLabelValues(task).Inc()
			}
			tick(ctx)
		}
	}
}

// tickPlaceTransactions implements poll_place_transactions (spec §4.5):
// for every request whose submission transaction is not yet confirmed,
// fetch its receipt and apply the reconciliation rules.
func (p *StatusPoller) tickPlaceTransactions(ctx context.Context) {
	for _, req := range p.cache.Iter("") {
		if req.Status.Terminal() || req.Status != StatusSubmitted {
			continue
		}
		last, ok := req.LastTxHash()
		if !ok {
			continue
		}
		receipt, err := p.adapter.GetTransactionReceipt(ctx, last.Hash)
		if err != nil {
			p.log.WithError(err).WithField("tx_hash", last.Hash).Debug("receipt lookup failed, will retry")
			continue
		}
		p.applyReceipt(ctx, req, last.Hash, receipt)
	}
}

// applyReceipt implements the three receipt reconciliation rules of
// spec §4.5 plus the reorg tie-break (highest confirmed block wins).
func (p *StatusPoller) applyReceipt(ctx context.Context, req *Request, txHash string, receipt Receipt) {
	p.mu.Lock()
	seen, tracked := p.lastReceiptBlock[txHash]
	if tracked && receipt.BlockNumber < seen {
		p.mu.Unlock()
		return // superseded by a higher-confirmed receipt already applied
	}
	p.lastReceiptBlock[txHash] = receipt.BlockNumber
	p.mu.Unlock()

	switch receipt.Status {
	case ReceiptSuccess:
		if _, err := p.cache.MarkMined(ctx, req.ClientRequestID, txHash); err != nil {
			p.zlog.Warnw("mark mined failed", "id", req.ClientRequestID, "err", err)
			return
		}
		p.publishUpdate(req.ClientRequestID)
	case ReceiptReverted:
		reason := Classify(receipt.RevertError)
		updated, err := p.cache.Finalise(ctx, req.ClientRequestID, StatusRejected, reason)
		if err != nil {
			p.zlog.Warnw("finalise on revert failed", "id", req.ClientRequestID, "err", err)
			return
		}
		p.recordFinalised(updated)
		p.publishUpdate(req.ClientRequestID)
	case ReceiptPending:
		// nothing to do yet.
	}
}

// tickOrderRecords implements poll_order_records (spec §4.5): requests
// whose exchange_order_id is still unset, after delay_after_submit_s.
func (p *StatusPoller) tickOrderRecords(ctx context.Context) {
	now := time.Now()
	groups := make(map[string][]*Request) // symbol -> requests

	for _, req := range p.cache.Iter(KindOrder) {
		if req.Status.Terminal() || req.Order == nil || req.Order.ExchangeOrderID != "" {
			continue
		}
		submittedAt := time.UnixMilli(req.ReceivedAtMs)
		if now.Sub(submittedAt) < p.cfg.DelayAfterSubmit {
			continue
		}
		p.maybeExpireUnmatched(ctx, req, now)
		groups[req.Order.Symbol] = append(groups[req.Order.Symbol], req)
	}

	for symbol, reqs := range groups {
		minSlot := minRequestSlot(reqs)
		page := ""
		for {
			records, pg, err := p.adapter.GetOrderRecords(ctx, symbol, "", minSlot, page)
			if err != nil {
				p.log.WithError(err).WithField("symbol", symbol).Debug("order records lookup failed, will retry")
				break
			}
			p.applyOrderRecords(ctx, reqs, records)
			if !pg.HasMore || len(records) == 0 {
				break
			}
			oldest := records[len(records)-1].Slot
			if oldest < minSlot {
				break // bounded: older than any target request, no more follow-up needed
			}
			page = pg.Cursor
		}
	}
}

func minRequestSlot(reqs []*Request) uint64 {
	min := reqs[0].Slot
	for _, r := range reqs[1:] {
		if r.Slot < min {
			min = r.Slot
		}
	}
	return min
}

// maybeExpireUnmatched applies the deadline rule of spec §4.5.
func (p *StatusPoller) maybeExpireUnmatched(ctx context.Context, req *Request, now time.Time) {
	if p.cfg.MarkInsertFailedAfter <= 0 || p.slots == nil {
		return
	}
	if now.Sub(time.UnixMilli(req.ReceivedAtMs)) < p.cfg.MarkInsertFailedAfter {
		return
	}
	latestSlot, err := p.slots(ctx)
	if err != nil {
		return
	}
	if latestSlot <= req.Slot+p.cfg.PollWindowSlots {
		return
	}
	updated, err := p.cache.Finalise(ctx, req.ClientRequestID, StatusRejected, ErrTransportFailure)
	if err != nil {
		return
	}
	p.recordFinalised(updated)
	p.publishUpdate(req.ClientRequestID)
}

// applyOrderRecords implements the exchange_order_id reveal rule.
func (p *StatusPoller) applyOrderRecords(ctx context.Context, targets []*Request, records []OrderRecord) {
	byClientID := make(map[string]*Request, len(targets))
	for _, t := range targets {
		byClientID[t.ClientRequestID] = t
	}
	for _, rec := range records {
		if _, wanted := byClientID[rec.ClientRequestID]; !wanted || rec.ExchangeOrderID == "" {
			continue
		}
		if _, err := p.cache.SetExchangeOrderID(ctx, rec.ClientRequestID, rec.ExchangeOrderID); err != nil {
			p.zlog.Warnw("set exchange order id failed", "id", rec.ClientRequestID, "err", err)
			continue
		}
		p.publishUpdate(rec.ClientRequestID)
	}
}

// tickOrderActions implements poll_order_action_records (spec §4.5):
// orders with a known exchange_order_id not yet terminal, refreshed
// every refresh_after_s.
func (p *StatusPoller) tickOrderActions(ctx context.Context) {
	now := time.Now()
	for _, req := range p.cache.Iter(KindOrder) {
		if req.Status.Terminal() || req.Order == nil || req.Order.ExchangeOrderID == "" {
			continue
		}
		exchangeID := req.Order.ExchangeOrderID
		p.mu.Lock()
		last, ok := p.lastActionRefresh[exchangeID]
		p.mu.Unlock()
		if ok && now.Sub(last) < p.cfg.RefreshAfter {
			continue
		}

		var allActions []OrderAction
		page := ""
		for {
			actions, pg, err := p.adapter.GetOrderActionRecords(ctx, exchangeID, page)
			if err != nil {
				p.log.WithError(err).WithField("exchange_order_id", exchangeID).Debug("order action lookup failed, will retry")
				break
			}
			allActions = append(allActions, actions...)
			if !pg.HasMore {
				p.mu.Lock()
				p.lastActionRefresh[exchangeID] = now
				p.mu.Unlock()
				break
			}
			page = pg.Cursor
		}
		p.applyOrderActions(ctx, req.ClientRequestID, allActions)
	}
}

// applyOrderActions applies fills, then cancels, then triggers for a
// single order's action batch, implementing the fill/cancel tie-break
// of spec §4.5 ("if the fill makes the order fully filled, EXPIRED
// wins; otherwise CANCELLED wins") by giving fills priority within the
// same tick.
func (p *StatusPoller) applyOrderActions(ctx context.Context, clientRequestID string, actions []OrderAction) {
	var fills, cancels []OrderAction
	for _, a := range actions {
		switch a.Kind {
		case ActionFill:
			fills = append(fills, a)
		case ActionCancel:
			cancels = append(cancels, a)
		case ActionTrigger:
			// metadata only; nothing to apply.
		}
	}

	for _, f := range fills {
		if f.Trade == nil {
			continue
		}
		req := p.cache.Get(clientRequestID)
		if req == nil || req.Order == nil {
			continue
		}
		quantity := req.Order.Quantity
		_, err := p.cache.ApplyTrade(ctx, clientRequestID, *f.Trade, func(trades []Trade, _ Trade) (string, bool) {
			total := decimal.Zero
			for _, t := range trades {
				qty, parseErr := decimal.NewFromString(t.ExecQty)
				if parseErr != nil {
					continue
				}
				total = total.Add(qty)
			}
			target, parseErr := decimal.NewFromString(quantity)
			fullyFilled := parseErr == nil && total.GreaterThanOrEqual(target)
			return total.String(), fullyFilled
		})
		if err != nil {
			p.zlog.Warnw("apply trade failed", "id", clientRequestID, "err", err)
			continue
		}
		p.publishTrade(clientRequestID, *f.Trade)
		p.publishUpdate(clientRequestID)
	}

	for range cancels {
		updated, err := p.cache.Finalise(ctx, clientRequestID, StatusCancelled, "")
		if err != nil {
			p.zlog.Warnw("finalise cancel failed", "id", clientRequestID, "err", err)
			continue
		}
		p.recordFinalised(updated)
		p.publishUpdate(clientRequestID)
	}
}

func (p *StatusPoller) publishUpdate(clientRequestID string) {
	if p.subs == nil {
		return
	}
	req := p.cache.Get(clientRequestID)
	if req == nil {
		return
	}
	p.subs.Publish(Event{Channel: "ORDER", Data: req})
}

func (p *StatusPoller) publishTrade(clientRequestID string, trade Trade) {
	if p.subs == nil {
		return
	}
	p.subs.Publish(Event{Channel: "TRADE", Data: struct {
		ClientRequestID string `json:"client_request_id"`
		Trade           Trade  `json:"trade"`
	}{clientRequestID, trade}})
}

func (p *StatusPoller) recordFinalised(req *Request) {
	if p.metrics == nil || req == nil {
		return
	}
	p.metrics.RequestsFinalised.WithLabelValues(string(req.Status)).Inc()
}
