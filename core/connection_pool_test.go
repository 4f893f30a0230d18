package core

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// startTestServer starts a TCP server that accepts connections and returns listener and slice of accepted conns.
func startTestServer(t *testing.T) (net.Listener, *[]net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	conns := &[]net.Conn{}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			*conns = append(*conns, c)
		}
	}()
	return ln, conns
}

func closeServer(ln net.Listener, conns *[]net.Conn) {
	ln.Close()
	for _, c := range *conns {
		c.Close()
	}
}

func TestConnPoolAcquireReuse(t *testing.T) {
	ln, conns := startTestServer(t)
	defer closeServer(ln, conns)

	d := NewDialer(50*time.Millisecond, 50*time.Millisecond)
	cp := NewConnPool(d, 2, time.Second)
	defer cp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c1, err := cp.Acquire(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("acquire1: %v", err)
	}
	cp.Release(c1)
	if got := cp.Stats(); got != 1 {
		t.Fatalf("expected 1 idle, got %d", got)
	}

	c2, err := cp.Acquire(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("acquire2: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected to reuse connection")
	}
	cp.Release(c2)
	if got := cp.Stats(); got != 1 {
		t.Fatalf("expected 1 idle after reuse, got %d", got)
	}
}

func TestConnPoolReaper(t *testing.T) {
	ln, conns := startTestServer(t)
	defer closeServer(ln, conns)

	d := NewDialer(50*time.Millisecond, 50*time.Millisecond)
	idle := 100 * time.Millisecond
	cp := NewConnPool(d, 2, idle)
	defer cp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := cp.Acquire(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cp.Release(c)
	if got := cp.Stats(); got != 1 {
		t.Fatalf("expected 1 idle, got %d", got)
	}

	time.Sleep(3 * idle)
	if got := cp.Stats(); got != 0 {
		t.Fatalf("expected reaper to close idle connections, got %d", got)
	}
}

func TestAdapterHTTPClientReusesPooledConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := NewDialer(time.Second, time.Second)
	cp := NewConnPool(d, 4, time.Second)
	defer cp.Close()

	client := NewAdapterHTTPClient(cp, 2*time.Second)
	client.Transport.(*http.Transport).DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return cp.DialContext(ctx, network, srv.Listener.Addr().String())
	}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "ok" {
			t.Fatalf("body = %q, want ok", body)
		}
	}
	// http.Transport keeps the connection in its own idle pool; closing its
	// idle connections hands it back to cp through transportConn.Close.
	client.CloseIdleConnections()

	endpoint := srv.Listener.Addr().String()
	if got := cp.StatsByEndpoint()[endpoint]; got != 1 {
		t.Fatalf("StatsByEndpoint[%s] = %d, want 1", endpoint, got)
	}
}

func TestConnPoolMetricsReporterTracksEndpoint(t *testing.T) {
	ln, conns := startTestServer(t)
	defer closeServer(ln, conns)

	d := NewDialer(50*time.Millisecond, 50*time.Millisecond)
	cp := NewConnPool(d, 2, time.Second)
	defer cp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMetrics()
	go cp.RunMetricsReporter(ctx, m, 10*time.Millisecond)

	acquireCtx, acquireCancel := context.WithTimeout(context.Background(), time.Second)
	defer acquireCancel()
	c, err := cp.Acquire(acquireCtx, ln.Addr().String())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cp.Release(c)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(m.AdapterPoolConns.WithLabelValues(ln.Addr().String())) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("AdapterPoolConns never reported 1 idle connection for %s", ln.Addr().String())
}
