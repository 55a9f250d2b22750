package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wxclaw/wxclaw/pkg/bus"
)

func newTestGateway(t *testing.T) (*httptest.Server, *Hub, *bus.MessageBus) {
	t.Helper()
	mb := bus.NewMessageBus()
	hub := NewHub(mb, "wxhttp")
	srv := NewServer("127.0.0.1", 0, hub, func() map[string]interface{} {
		return map[string]interface{}{"wxhttp": map[string]interface{}{"running": true}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
		mb.Close()
	})
	return ts, hub, mb
}

func dialWS(t *testing.T, ts *httptest.Server, hub *Hub) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %v", body["status"])
	}
	channels, ok := body["channels"].(map[string]interface{})
	if !ok || channels["wxhttp"] == nil {
		t.Fatalf("channels = %v", body["channels"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHubStreamsInbound(t *testing.T) {
	ts, hub, mb := newTestGateway(t)
	conn := dialWS(t, ts, hub)

	mb.PublishInbound(context.Background(), bus.InboundMessage{
		Channel:  "wxhttp",
		SenderID: "wxid_alice",
		ChatID:   "wxid_alice",
		Content:  "hello",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "inbound" || frame.Message.Content != "hello" || frame.Message.ChatID != "wxid_alice" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestHubPublishesOutbound(t *testing.T) {
	ts, hub, mb := newTestGateway(t)
	conn := dialWS(t, ts, hub)

	if err := conn.WriteJSON(SendRequest{ChatID: "room@chatroom", Content: "hi all"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(SendRequest{Content: "no target"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := mb.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound message")
	}
	if msg.Channel != "wxhttp" || msg.ChatID != "room@chatroom" || msg.Content != "hi all" {
		t.Fatalf("unexpected outbound: %+v", msg)
	}

	short, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	if extra, ok := mb.SubscribeOutbound(short); ok {
		t.Fatalf("frame without chat_id should be dropped: %+v", extra)
	}
}
