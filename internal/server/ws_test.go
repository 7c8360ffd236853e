package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"apex-test-suite/backend/internal/progress"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	c1 := dialHub(t, srv)
	c2 := dialHub(t, srv)

	ev := &progress.Event{
		EventID:         "ev-1",
		TestRunID:       "707x",
		RunID:           5,
		Status:          "PROCESSING",
		TotalTests:      4,
		CompletedTests:  2,
		PercentComplete: 50,
		CreatedAt:       time.Now().UTC(),
	}
	// The connection registers asynchronously after the upgrade response, so
	// retry until both clients are registered.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.conns)
		hub.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := hub.Publish(context.Background(), progress.TopicTestProgress, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		var got progress.Event
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("client %d decode: %v", i, err)
		}
		if got.EventID != "ev-1" || got.PercentComplete != 50 {
			t.Errorf("client %d event: got %+v", i, got)
		}
	}
}

func TestHubDropsClosedClient(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn := dialHub(t, srv)
	conn.Close()

	// Publishing to a dead client must not error; the hub drops it.
	ev := &progress.Event{EventID: "ev-2", TestRunID: "707x"}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := hub.Publish(context.Background(), progress.TopicTestProgress, ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		hub.mu.Lock()
		n := len(hub.conns)
		hub.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("closed client was never dropped")
}

func TestHubCloseRejectsNewClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		// Upgrade may fail outright once closed; that is fine too.
		return
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection to a closed hub should be closed immediately")
	}
}
