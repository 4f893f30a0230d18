package core

import "encoding/json"

// JSONRPCFrame is the envelope shape used for every WS message, inbound
// and outbound, per spec §6 (JSON-RPC 2.0).
type JSONRPCFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the low-level error shape from spec §6:
// {error: {code?, message}}.
type JSONRPCError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// subscriptionParams is the params object of a server-pushed
// "subscription" method frame.
type subscriptionParams struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// JSONRPCSubscriptionFrame serialises a channel event as the
// server-pushed {jsonrpc, method:"subscription", params:{channel,data}}
// frame described in spec §6. On marshal failure (which would indicate
// a bug in an adapter's event payload, not client input) it falls back
// to an empty-data frame rather than dropping the channel notification.
func JSONRPCSubscriptionFrame(channel string, data any) []byte {
	frame := struct {
		JSONRPC string              `json:"jsonrpc"`
		Method  string              `json:"method"`
		Params  subscriptionParams  `json:"params"`
	}{
		JSONRPC: "2.0",
		Method:  "subscription",
		Params:  subscriptionParams{Channel: channel, Data: data},
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		raw, _ = json.Marshal(struct {
			JSONRPC string             `json:"jsonrpc"`
			Method  string             `json:"method"`
			Params  subscriptionParams `json:"params"`
		}{JSONRPC: "2.0", Method: "subscription", Params: subscriptionParams{Channel: channel}})
	}
	return raw
}
