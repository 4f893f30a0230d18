// Package transport hosts the HTTP+WS boundary described in spec §4.1:
// a chi-routed REST surface and a gorilla/websocket JSON-RPC channel,
// both demultiplexing onto a single DEX Core instance.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"dexproxy/core"
)

// Config bundles a Server's dependencies and policy knobs.
type Config struct {
	ListenAddr     string
	WSPath         string
	SendQueueSize  int
	RequestTimeout time.Duration
}

// Server owns the chi router and the http.Server it is mounted on,
// following the teacher's explorer Server{router, httpServer} shape
// generalised to the DEX Core's verb set.
type Server struct {
	router        *chi.Mux
	httpServer    *http.Server
	core          *core.DEXCore
	subs          *core.SubscriptionRegistry
	metrics       *core.Metrics
	sendQueueSize int
	log           *logrus.Entry

	// wsMu/wsConns tracks every live WebSocket connection regardless of
	// subscription state, mirroring the web server's own weakref.WeakSet
	// of connections (the Subscription Registry only knows about
	// connections with at least one active subscription).
	wsMu    sync.Mutex
	wsConns map[string]*wsConnection
}

// NewServer constructs the router and wraps it in an *http.Server.
func NewServer(cfg Config, dexCore *core.DEXCore, subs *core.SubscriptionRegistry, metrics *core.Metrics, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/private/ws"
	}
	s := &Server{
		router:        chi.NewRouter(),
		core:          dexCore,
		subs:          subs,
		metrics:       metrics,
		sendQueueSize: cfg.SendQueueSize,
		log:           log.WithField("component", "transport"),
		wsConns:       make(map[string]*wsConnection),
	}
	s.routes(cfg)
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}
	return s
}

func (s *Server) routes(cfg Config) {
	s.router.Use(withCorrelationID(logrus.StandardLogger()))
	s.router.Use(recoverer(logrus.StandardLogger()))

	s.router.Get(cfg.WSPath, s.handleWS)

	s.router.Post("/private/insert-order", s.handleInsertOrder)
	s.router.Delete("/private/cancel-order", s.handleCancelOrder)
	s.router.Delete("/private/cancel-all-orders", s.handleCancelAllOrders)
	s.router.Get("/public/order", s.handleGetOrder)
	s.router.Get("/public/orders", s.handleGetOrders)

	s.router.Post("/private/approve-token", s.handleApproveToken)
	s.router.Post("/private/withdraw", s.handleTransfer("withdraw"))
	s.router.Post("/private/deposit-exchange", s.handleTransfer("deposit"))
	s.router.Post("/private/transfer-between-accounts", s.handleTransfer("transfer"))
	s.router.Post("/private/wrap-unwrap-eth", s.handleWrapUnwrap)
	s.router.Post("/private/bridge", s.handleBridge)

	s.router.Post("/private/amend-request", s.handleAmendRequest)
	s.router.Post("/private/cancel-request", s.handleCancelRequest)
	s.router.Get("/public/get-request-status", s.handleGetRequestStatus)
	s.router.Get("/public/get-all-open-requests", s.handleGetAllOpenRequests)

	s.router.Get("/public/status", s.handleStatus)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// Start begins serving and blocks until the listener stops (spec §5).
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("transport listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes every live WS connection with a "server shutdown"
// close reason, then closes the HTTP listener so it stops accepting
// new upgrades; in-flight HTTP requests are given ctx's deadline to
// drain (spec §5 "bounded drain window... closes the HTTP listener and
// all WS connections with a 'server shutdown' reason"), mirroring the
// web server's on_shutdown hook closing every tracked connection with
// WSCloseCode.GOING_AWAY before the runner tears down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeAllWS("server shutdown")
	return s.httpServer.Shutdown(ctx)
}

// registerWS/unregisterWS track accepted connections for closeAllWS;
// called from handleWS around a connection's read loop.
func (s *Server) registerWS(c *wsConnection) {
	s.wsMu.Lock()
	s.wsConns[c.ID()] = c
	s.wsMu.Unlock()
}

func (s *Server) unregisterWS(c *wsConnection) {
	s.wsMu.Lock()
	delete(s.wsConns, c.ID())
	s.wsMu.Unlock()
}

func (s *Server) closeAllWS(reason string) {
	s.wsMu.Lock()
	conns := make([]*wsConnection, 0, len(s.wsConns))
	for _, c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithReason(reason)
	}
}
