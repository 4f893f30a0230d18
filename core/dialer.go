package core

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer opens the raw TCP connections an adapter's outbound HTTP
// client pool is built on (spec §6: adapters are network peers reached
// over REST/WS, not in-process calls).
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer builds a Dialer with the given connect timeout and TCP
// keepalive interval.
func NewDialer(timeout, keepAlive time.Duration) *Dialer {
	return &Dialer{Timeout: timeout, KeepAlive: keepAlive}
}

// Dial connects to address over TCP.
func (d *Dialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialer: failed to connect to %s: %w", address, err)
	}
	return conn, nil
}
