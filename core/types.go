package core

import "time"

// RequestKind tags the variant carried by a Request.
type RequestKind string

const (
	KindOrder       RequestKind = "ORDER"
	KindTransfer    RequestKind = "TRANSFER"
	KindApprove     RequestKind = "APPROVE"
	KindWrapUnwrap  RequestKind = "WRAP_UNWRAP"
	KindBridge      RequestKind = "BRIDGE"
)

// Status is a Request's position in its state machine.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusSubmitted Status = "SUBMITTED"
	StatusMined     Status = "MINED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether s is one of the five terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// TxPurpose classifies why a transaction hash was recorded.
type TxPurpose string

const (
	PurposeSubmit TxPurpose = "SUBMIT"
	PurposeAmend  TxPurpose = "AMEND"
	PurposeCancel TxPurpose = "CANCEL"
)

// TxRecord is one entry in a Request's ordered tx_hashes list.
type TxRecord struct {
	Hash    string    `json:"hash"`
	Purpose TxPurpose `json:"purpose"`
}

// Side is the direction of an Order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType enumerates the order_type values an Order may carry.
type OrderType string

const (
	OrderTypeGTC          OrderType = "GTC"
	OrderTypeGTCPostOnly  OrderType = "GTC_POST_ONLY"
	OrderTypeIOC          OrderType = "IOC"
	OrderTypeMarket       OrderType = "MARKET"
)

// Liquidity classifies a Trade as resting or aggressing.
type Liquidity string

const (
	LiquidityMaker Liquidity = "Maker"
	LiquidityTaker Liquidity = "Taker"
)

// Trade is one fill applied to an Order. TradeID is unique per order and
// each trade is applied to an Order's total_executed_qty at most once.
type Trade struct {
	TradeID         string    `json:"trade_id"`
	ExecPrice       string    `json:"exec_price"`
	ExecQty         string    `json:"exec_qty"`
	Liquidity       Liquidity `json:"liquidity"`
	ExchTimestampNs int64     `json:"exch_timestamp_ns"`
}

// OrderDetail carries the Order-kind fields of a Request.
type OrderDetail struct {
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	OrderType        OrderType `json:"order_type"`
	Price            string    `json:"price"`
	Quantity         string    `json:"quantity"`
	ExchangeOrderID  string    `json:"exchange_order_id,omitempty"`
	TotalExecutedQty string    `json:"total_executed_qty"`
	Trades           []Trade   `json:"trades,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

// TransferDetail carries the Transfer-kind fields of a Request.
type TransferDetail struct {
	Symbol      string `json:"symbol"`
	Amount      string `json:"amount"`
	AddressTo   string `json:"address_to,omitempty"`
	GasLimit    uint64 `json:"gas_limit"`
	RequestPath string `json:"request_path"`
}

// ApproveDetail carries the Approve-kind fields of a Request.
type ApproveDetail struct {
	Symbol                  string `json:"symbol"`
	Amount                  string `json:"amount"`
	ApproveContractAddress  string `json:"approve_contract_address"`
	GasLimit                uint64 `json:"gas_limit"`
}

// WrapDirection is the direction of a WrapUnwrap request.
type WrapDirection string

const (
	DirectionWrap   WrapDirection = "wrap"
	DirectionUnwrap WrapDirection = "unwrap"
)

// WrapUnwrapDetail carries the WrapUnwrap-kind fields of a Request.
type WrapUnwrapDetail struct {
	Symbol    string        `json:"symbol"`
	Amount    string        `json:"amount"`
	Direction WrapDirection `json:"direction"`
	GasLimit  uint64        `json:"gas_limit"`
}

// BridgeDetail carries the Bridge-kind fields of a Request.
type BridgeDetail struct {
	Symbol          string `json:"symbol"`
	Amount          string `json:"amount"`
	SourceChain     string `json:"source_chain"`
	DestChain       string `json:"dest_chain"`
	GasLimit        uint64 `json:"gas_limit"`
}

// Request is the tagged union described in spec §3. Exactly one of the
// *Detail pointers is populated, selected by Kind.
type Request struct {
	ClientRequestID string                 `json:"client_request_id"`
	Kind            RequestKind            `json:"kind"`
	Status          Status                 `json:"status"`
	CancelRequested bool                   `json:"cancel_requested"`
	AmendRequested  bool                   `json:"amend_requested"`

	HasNonce bool   `json:"has_nonce"`
	Nonce    uint64 `json:"nonce,omitempty"`
	Account  string `json:"account,omitempty"`

	TxHashes         []TxRecord `json:"tx_hashes,omitempty"`
	UsedGasPricesWei []uint64   `json:"used_gas_prices_wei,omitempty"`

	ReceivedAtMs  int64 `json:"received_at_ms"`
	FinalisedAtMs int64 `json:"finalised_at_ms,omitempty"`

	AdapterSpecific map[string]string `json:"adapter_specific,omitempty"`

	Order       *OrderDetail      `json:"order,omitempty"`
	Transfer    *TransferDetail   `json:"transfer,omitempty"`
	Approve     *ApproveDetail    `json:"approve,omitempty"`
	WrapUnwrap  *WrapUnwrapDetail `json:"wrap_unwrap,omitempty"`
	Bridge      *BridgeDetail     `json:"bridge,omitempty"`

	// Slot is the adapter-opaque logical time (e.g. a Solana slot) at
	// which the request was received, used by the poller's deadline
	// rule and pagination bound (§4.5).
	Slot uint64 `json:"slot,omitempty"`
}

// Clone returns a deep-enough copy of r suitable for returning to callers
// without exposing the cache's internal storage to mutation.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	if r.TxHashes != nil {
		cp.TxHashes = append([]TxRecord(nil), r.TxHashes...)
	}
	if r.UsedGasPricesWei != nil {
		cp.UsedGasPricesWei = append([]uint64(nil), r.UsedGasPricesWei...)
	}
	if r.AdapterSpecific != nil {
		cp.AdapterSpecific = make(map[string]string, len(r.AdapterSpecific))
		for k, v := range r.AdapterSpecific {
			cp.AdapterSpecific[k] = v
		}
	}
	if r.Order != nil {
		o := *r.Order
		if r.Order.Trades != nil {
			o.Trades = append([]Trade(nil), r.Order.Trades...)
		}
		cp.Order = &o
	}
	if r.Transfer != nil {
		t := *r.Transfer
		cp.Transfer = &t
	}
	if r.Approve != nil {
		a := *r.Approve
		cp.Approve = &a
	}
	if r.WrapUnwrap != nil {
		wu := *r.WrapUnwrap
		cp.WrapUnwrap = &wu
	}
	if r.Bridge != nil {
		b := *r.Bridge
		cp.Bridge = &b
	}
	return &cp
}

// LastTxHash returns the most recently recorded tx hash and purpose, or
// the zero value if none has been recorded yet.
func (r *Request) LastTxHash() (TxRecord, bool) {
	if len(r.TxHashes) == 0 {
		return TxRecord{}, false
	}
	return r.TxHashes[len(r.TxHashes)-1], true
}

// LastGasPrice returns the most recently used gas price, or 0 if none.
func (r *Request) LastGasPrice() uint64 {
	if len(r.UsedGasPricesWei) == 0 {
		return 0
	}
	return r.UsedGasPricesWei[len(r.UsedGasPricesWei)-1]
}

// nowMs is overridable in tests; defaults to wall-clock milliseconds.
var nowMs = func() int64 { return time.Now().UnixMilli() }
