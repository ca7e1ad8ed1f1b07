package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ksred/dex-execution-engine/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPair builds a connected server/client websocket pair for registry tests.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverConns:
	case <-time.After(time.Second):
		t.Fatal("server connection not established")
	}
	return server, client
}

func TestPublishWithoutConnectionIsNoOp(t *testing.T) {
	r := NewRegistry()

	// Must neither panic nor block when nobody is listening.
	r.Publish("no-such-order", types.StatusRouting, nil)

	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}

func TestRegisterPublishDeliver(t *testing.T) {
	r := NewRegistry()
	server, client := wsPair(t)

	r.Register("order-1", server)
	if r.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", r.Count())
	}

	r.Publish("order-1", types.StatusBuilding, map[string]interface{}{"dex_used": "raydium"})

	client.SetReadDeadline(time.Now().Add(time.Second))
	var frame types.StreamFrame
	if err := client.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}

	if frame.OrderID != "order-1" {
		t.Errorf("expected orderId order-1, got %s", frame.OrderID)
	}
	if frame.Status != types.StatusBuilding {
		t.Errorf("expected status building, got %s", frame.Status)
	}
	if frame.Timestamp == "" {
		t.Error("frame must carry a timestamp")
	}
	data, ok := frame.Data.(map[string]interface{})
	if !ok || data["dex_used"] != "raydium" {
		t.Errorf("expected dex_used in data, got %v", frame.Data)
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	r := NewRegistry()
	server, client := wsPair(t)
	r.Register("order-1", server)

	sequence := []types.OrderStatus{
		types.StatusPending,
		types.StatusRouting,
		types.StatusBuilding,
		types.StatusSubmitted,
		types.StatusConfirmed,
	}
	for _, s := range sequence {
		r.Publish("order-1", s, nil)
	}

	client.SetReadDeadline(time.Now().Add(time.Second))
	for i, want := range sequence {
		var frame types.StreamFrame
		if err := client.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if frame.Status != want {
			t.Fatalf("frame %d: expected %s, got %s", i, want, frame.Status)
		}
	}
}

func TestPublishToDeadConnectionDeregisters(t *testing.T) {
	r := NewRegistry()
	server, client := wsPair(t)
	r.Register("order-1", server)

	// Kill the transport underneath the registry.
	client.Close()
	server.Close()

	// First write may still buffer; publish until the failure surfaces.
	deadline := time.Now().Add(time.Second)
	for r.Count() > 0 && time.Now().Before(deadline) {
		r.Publish("order-1", types.StatusRouting, nil)
		time.Sleep(10 * time.Millisecond)
	}

	if r.Count() != 0 {
		t.Errorf("dead connection should have been deregistered")
	}
}

func TestCloseRemovesConnection(t *testing.T) {
	r := NewRegistry()
	server, client := wsPair(t)
	r.Register("order-1", server)

	r.Close("order-1")

	if r.Count() != 0 {
		t.Errorf("expected empty registry after close, got %d", r.Count())
	}

	// The client observes a normal closure.
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage()
	if err == nil {
		t.Fatal("expected close, got a frame")
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Logf("connection ended with %v", err)
	}
}

func TestScheduleClose(t *testing.T) {
	r := NewRegistry()
	server, _ := wsPair(t)
	r.Register("order-1", server)

	r.ScheduleClose("order-1", 50*time.Millisecond)

	if r.Count() != 1 {
		t.Fatal("connection should survive until the grace period elapses")
	}

	deadline := time.Now().Add(time.Second)
	for r.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.Count() != 0 {
		t.Error("connection should be closed after the grace period")
	}
}

func TestRegisterReplacesPreviousConnection(t *testing.T) {
	r := NewRegistry()
	first, _ := wsPair(t)
	second, client2 := wsPair(t)

	r.Register("order-1", first)
	r.Register("order-1", second)

	if r.Count() != 1 {
		t.Fatalf("expected a single registration per order, got %d", r.Count())
	}

	r.Publish("order-1", types.StatusRouting, nil)

	client2.SetReadDeadline(time.Now().Add(time.Second))
	var frame types.StreamFrame
	if err := client2.ReadJSON(&frame); err != nil {
		t.Fatalf("replacement connection should receive frames: %v", err)
	}
}
