package syncbus

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitSubscribers(t *testing.T, bus *InMemoryBus, topic string, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		bus.mu.Lock()
		got := len(bus.subs[topic])
		bus.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers on %s", n, topic)
}

func TestSSEHandlerStream(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?key=jobs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if err := bus.Publish(context.Background(), UnlockTopic("jobs")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line = strings.TrimSpace(line); line != "data: jobs" {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestSSEHandlerMissingKey(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(NewInMemoryBus()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerContextCancel(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?key=jobs", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	waitSubscribers(t, bus, UnlockTopic("jobs"), 1)

	cancel()
	waitSubscribers(t, bus, UnlockTopic("jobs"), 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?key=jobs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitSubscribers(t, bus, UnlockTopic("jobs"), 1)

	if err := bus.Publish(context.Background(), UnlockTopic("jobs")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage || string(msg) != "jobs" {
		t.Fatalf("unexpected message %d %q", mt, msg)
	}

	_ = conn.Close()
	waitSubscribers(t, bus, UnlockTopic("jobs"), 0)
}

func TestWebSocketHandlerMissingKey(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(NewInMemoryBus()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}
