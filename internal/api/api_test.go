package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/erilali/fanout/internal/config"
	"github.com/erilali/fanout/internal/hub"
	"github.com/erilali/fanout/internal/logger"
	"github.com/erilali/fanout/internal/message"
)

type testEnv struct {
	hub *hub.Hub
	srv *httptest.Server
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	h := hub.NewHub(hub.Options{
		QueueSize:     cfg.QueueSize,
		ExcludeSender: cfg.ExcludeSender,
		CheckOrigin:   NewOriginChecker(cfg.AllowedOrigins, logger.Nop()).Check,
		Metrics:       hub.NewMetrics(reg),
		Logger:        logger.Nop(),
	})
	s := NewServer(cfg, h, logger.Nop(), reg)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{hub: h, srv: srv}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) waitForConnections(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d connections, want %d", e.hub.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, p, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(p)
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBroadcastOverWebSocket(t *testing.T) {
	env := newTestEnv(t, config.Default())
	a := env.dial(t)
	b := env.dial(t)
	env.waitForConnections(t, 2)

	if err := a.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := read(t, b); got != "hello" {
		t.Errorf("B got %q", got)
	}
	if got := read(t, a); got != "hello" {
		t.Errorf("A got %q, want its own echo", got)
	}
}

func TestExcludeSenderOverWebSocket(t *testing.T) {
	cfg := config.Default()
	cfg.ExcludeSender = true
	env := newTestEnv(t, cfg)
	a := env.dial(t)
	b := env.dial(t)
	env.waitForConnections(t, 2)

	a.WriteMessage(websocket.TextMessage, []byte("first"))
	b.WriteMessage(websocket.TextMessage, []byte("second"))

	// A sees only B's message; its own is never echoed.
	if got := read(t, a); got != "second" {
		t.Errorf("A got %q, want %q", got, "second")
	}
	if got := read(t, b); got != "first" {
		t.Errorf("B got %q, want %q", got, "first")
	}
}

func TestRootAndHello(t *testing.T) {
	env := newTestEnv(t, config.Default())

	resp := get(t, env.srv.URL+"/")
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header on /")
	}
	var g message.Greeting
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil || g.Message == "" {
		t.Fatalf("greeting = %+v, err = %v", g, err)
	}

	resp = get(t, env.srv.URL+"/hello")
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Hello route!" {
		t.Errorf("/hello body = %q", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header on /hello")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, config.Default())
	env.dial(t)
	env.waitForConnections(t, 1)

	resp := get(t, env.srv.URL+"/health")
	var h message.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	want := message.Health{Status: "ok", Connections: 1, Relay: "disabled", Version: Version}
	if h != want {
		t.Errorf("health = %+v, want %+v", h, want)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, config.Default())
	env.dial(t)
	env.waitForConnections(t, 1)

	resp := get(t, env.srv.URL+"/metrics")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "fanout_connections_active 1") {
		t.Errorf("metrics missing connection gauge:\n%s", body)
	}
}

func TestListAndCloseConnections(t *testing.T) {
	env := newTestEnv(t, config.Default())
	conn := env.dial(t)
	env.waitForConnections(t, 1)

	resp := get(t, env.srv.URL+"/connections")
	var infos []message.ConnectionInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].State != "active" || infos[0].ID == "" {
		t.Fatalf("connections = %+v", infos)
	}

	del := func(id string) int {
		req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/connections/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := del("no-such-id"); code != http.StatusNotFound {
		t.Errorf("DELETE unknown = %d, want 404", code)
	}
	if code := del(infos[0].ID); code != http.StatusNoContent {
		t.Errorf("DELETE = %d, want 204", code)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read err = %v, want normal closure", err)
	}
	env.waitForConnections(t, 0)
}

func TestOriginAllowlist(t *testing.T) {
	cfg := config.Default()
	cfg.AllowedOrigins = []string{"https://chat.example.com"}
	env := newTestEnv(t, cfg)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin: err = %v, resp = %v", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"HTTPS://Chat.Example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestServeListenerShutsDownOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.ShutdownTimeout = config.Duration(2 * time.Second)
	h := hub.NewHub(hub.Options{Logger: logger.Nop()})
	s := NewServer(cfg, h, logger.Nop(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeListener(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read err = %v, want going away", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ServeListener = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ServeListener did not return")
	}
	if h.Len() != 0 {
		t.Errorf("hub holds %d connections after shutdown", h.Len())
	}
}

func TestServeReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := config.Default()
	cfg.Addr = ln.Addr().String()
	s := NewServer(cfg, hub.NewHub(hub.Options{Logger: logger.Nop()}), logger.Nop(), nil)
	if err := s.Serve(context.Background()); err == nil {
		t.Fatal("Serve on a taken address succeeded")
	}
}
