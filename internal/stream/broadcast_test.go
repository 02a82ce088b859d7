package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dokzlo13/trackerd/internal/tracker"
)

func setupStream(t *testing.T) (*Broadcaster, string) {
	t.Helper()

	b := NewBroadcaster()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.AddClient(conn)
	}))
	t.Cleanup(srv.Close)

	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, b *Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", b.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcaster_PublishEvent(t *testing.T) {
	b, url := setupStream(t)
	conn := dial(t, url)
	waitForClients(t, b, 1)

	b.PublishEvent(tracker.Event{SessionID: "s1", EventType: "page_load", EventData: "/home"})

	var msg struct {
		Type    string        `json:"type"`
		Payload tracker.Event `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MsgEvent || msg.Payload.EventData != "/home" {
		t.Errorf("message = %+v", msg)
	}
}

func TestBroadcaster_CloseDisconnectsClients(t *testing.T) {
	b, url := setupStream(t)
	conn := dial(t, url)
	waitForClients(t, b, 1)

	b.Close()

	if n := b.ClientCount(); n != 0 {
		t.Errorf("ClientCount() after Close = %d, want 0", n)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("read after Close should fail")
	} else if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		t.Fatal("connection was not closed by Close")
	}

	// Publishing after Close is a no-op
	b.PublishEvent(tracker.Event{EventType: "page_load"})
}

func TestBroadcaster_RejectsClientsAfterClose(t *testing.T) {
	b, url := setupStream(t)
	b.Close()

	conn := dial(t, url)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("client added after Close should be disconnected")
	} else if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		t.Fatal("connection was not closed")
	}
	if n := b.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d, want 0", n)
	}
}
