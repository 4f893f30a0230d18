package core

import "context"

// ReceiptStatus is the tri-state result of a place-transaction receipt
// lookup (spec §6 get_transaction_receipt).
type ReceiptStatus int

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptSuccess
	ReceiptReverted
)

// Receipt is the adapter's answer to get_transaction_receipt.
type Receipt struct {
	Status      ReceiptStatus
	BlockNumber uint64
	RevertError string // free text, fed to Classify on ReceiptReverted
}

// OrderRecord is one row returned by get_order_records: it reveals the
// exchange-assigned id for a client order, once known (spec §4.5 #2).
type OrderRecord struct {
	ClientRequestID string
	ExchangeOrderID string
	Slot            uint64
}

// OrderActionKind enumerates the action records returned by
// get_order_action_records (spec §4.5 #3).
type OrderActionKind string

const (
	ActionFill    OrderActionKind = "FILL"
	ActionCancel  OrderActionKind = "CANCEL"
	ActionTrigger OrderActionKind = "TRIGGER"
)

// OrderAction is one fill/cancel/trigger record for an exchange order.
type OrderAction struct {
	ExchangeOrderID string
	Kind            OrderActionKind
	Trade           *Trade // populated when Kind == ActionFill
	Slot            uint64
}

// Page is a single page of a paginated adapter listing.
type Page struct {
	Cursor  string
	HasMore bool
}

// Adapter is the capability set a concrete DEX backend must implement
// (spec §6 "Adapter contract"). Not every adapter implements every
// on-chain or order method: exchange-only adapters leave the on-chain
// submit/cancel-transaction methods unimplemented (returning
// NOT_SUPPORTED), and pure on-chain adapters leave the order methods
// unimplemented. The DEX Core only calls the methods relevant to the
// Request kinds it dispatches to a given adapter.
type Adapter interface {
	// Name identifies the adapter for logging and channel namespacing.
	Name() string

	// Channels lists the WS channel names this adapter publishes to
	// (spec §6, must include ORDER and TRADE where applicable).
	Channels() []string

	SubmitOrder(ctx context.Context, req *Request) (txOrExchangeRef string, err error)
	CancelOrder(ctx context.Context, req *Request, newGasWei uint64) error
	AmendOrder(ctx context.Context, req *Request, newGasWei uint64) error

	SubmitApproval(ctx context.Context, req *Request, nonce uint64, gasWei uint64) (txHash string, err error)
	SubmitTransfer(ctx context.Context, req *Request, nonce uint64, gasWei uint64) (txHash string, err error)
	SubmitWrapUnwrap(ctx context.Context, req *Request, nonce uint64, gasWei uint64) (txHash string, err error)
	SubmitBridge(ctx context.Context, req *Request, nonce uint64, gasWei uint64) (txHash string, err error)

	GetTransactionReceipt(ctx context.Context, txHash string) (Receipt, error)
	// CancelTransaction replaces the pending transaction at nonce with
	// a cancel (self-transfer or no-op call) at newGasWei (spec §6
	// cancel_transaction).
	CancelTransaction(ctx context.Context, nonce uint64, newGasWei uint64) (txHash string, err error)

	GetOrderRecords(ctx context.Context, symbol, marketType string, sinceSlot uint64, page string) ([]OrderRecord, Page, error)
	GetOrderActionRecords(ctx context.Context, exchangeOrderID string, page string) ([]OrderAction, Page, error)
}
