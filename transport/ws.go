package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dexproxy/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConnection adapts a gorilla websocket to core.Connection, owning a
// bounded send queue so a slow subscriber is closed rather than
// buffered indefinitely (spec §5 "Backpressure").
type wsConnection struct {
	id   string
	conn *websocket.Conn
	log  *logrus.Entry

	sendCh chan []byte
	alive  int32 // atomic bool

	closeOnce sync.Once
}

func newWSConnection(conn *websocket.Conn, queueSize int, log *logrus.Entry) *wsConnection {
	c := &wsConnection{
		id:     uuid.NewString(),
		conn:   conn,
		log:    log.WithField("conn_id", ""),
		sendCh: make(chan []byte, queueSize),
		alive:  1,
	}
	c.log = log.WithField("conn_id", c.id)
	go c.writeLoop()
	return c
}

func (c *wsConnection) ID() string { return c.id }

// Send enqueues data for delivery. If the send queue is full the
// connection is treated as a dead/slow subscriber and closed rather
// than blocking the caller (spec §5).
func (c *wsConnection) Send(data []byte) error {
	if atomic.LoadInt32(&c.alive) == 0 {
		return websocket.ErrCloseSent
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		c.log.Warn("send queue full, dropping slow subscriber")
		_ = c.Close()
		return websocket.ErrCloseSent
	}
}

func (c *wsConnection) Alive() bool { return atomic.LoadInt32(&c.alive) == 1 }

func (c *wsConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.alive, 0)
		close(c.sendCh)
		err = c.conn.Close()
	})
	return err
}

// CloseWithReason sends a WS close control frame carrying reason
// before tearing down the socket, so the client sees why the
// connection ended rather than an abrupt reset (spec §5 "closes...
// WS connections with a 'server shutdown' reason"), mirroring the web
// server's on_shutdown calling ws.close(code=GOING_AWAY, message=reason).
func (c *wsConnection) CloseWithReason(reason string) error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		time.Now().Add(time.Second),
	)
	return c.Close()
}

// writeLoop is the connection's single writer goroutine; gorilla
// websocket connections are not safe for concurrent writes, so every
// outbound frame funnels through here.
func (c *wsConnection) writeLoop() {
	for data := range c.sendCh {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			atomic.StoreInt32(&c.alive, 0)
			return
		}
	}
}

// inboundRPC is the subset of core.JSONRPCFrame fields a client frame
// may carry on read; subscribe/unsubscribe take {channel} params.
type inboundRPC struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type channelParams struct {
	Channel string `json:"channel"`
}

// handleWS upgrades the request, registers the connection, and runs its
// read loop until the client disconnects (spec §4.1 "WebSocket
// lifecycle").
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	conn := newWSConnection(raw, s.sendQueueSize, s.log)
	s.registerWS(conn)
	defer func() {
		s.unregisterWS(conn)
		s.subs.DropConnection(conn.ID())
		_ = conn.Close()
	}()

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			return // close or error: unregister happens in the deferred cleanup
		}
		s.dispatchFrame(conn, payload)
	}
}

// dispatchFrame processes a single inbound JSON-RPC frame in arrival
// order (spec §5 "within a single connection, inbound frames are
// processed in arrival order").
func (s *Server) dispatchFrame(conn *wsConnection, payload []byte) {
	var frame inboundRPC
	if err := json.Unmarshal(payload, &frame); err != nil {
		s.replyRPC(conn, nil, nil, &core.JSONRPCError{Message: "invalid JSON-RPC frame"})
		return
	}

	switch frame.Method {
	case "subscribe":
		s.handleSubscribe(conn, frame)
	case "unsubscribe":
		s.handleUnsubscribe(conn, frame)
	default:
		s.replyRPC(conn, frame.ID, nil, &core.JSONRPCError{Message: "unknown method " + frame.Method})
	}
}

func (s *Server) handleSubscribe(conn *wsConnection, frame inboundRPC) {
	var params channelParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.replyRPC(conn, frame.ID, nil, &core.JSONRPCError{Message: "invalid subscribe params"})
		return
	}
	switch s.subs.Subscribe(conn, params.Channel) {
	case core.SubscribeACK, core.SubscribeAlreadySubscribed:
		s.replyRPC(conn, frame.ID, []string{params.Channel}, nil)
	case core.SubscribeUnknownChannel:
		s.replyRPC(conn, frame.ID, nil, &core.JSONRPCError{Message: "Channel " + params.Channel + " does not exist"})
	}
}

func (s *Server) handleUnsubscribe(conn *wsConnection, frame inboundRPC) {
	var params channelParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.replyRPC(conn, frame.ID, nil, &core.JSONRPCError{Message: "invalid unsubscribe params"})
		return
	}
	switch s.subs.Unsubscribe(conn, params.Channel) {
	case core.UnsubscribeACK:
		s.replyRPC(conn, frame.ID, []string{params.Channel}, nil)
	case core.UnsubscribeNotSubscribed:
		s.replyRPC(conn, frame.ID, []string{}, nil)
	case core.UnsubscribeUnknownChannel:
		s.replyRPC(conn, frame.ID, nil, &core.JSONRPCError{Message: "Channel " + params.Channel + " does not exist"})
	}
}

func (s *Server) replyRPC(conn *wsConnection, id json.RawMessage, result any, rpcErr *core.JSONRPCError) {
	frame := core.JSONRPCFrame{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.Send(raw)
}
