package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"greenmove/core"
	"greenmove/realtime"
)

func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func waitForSubscribers(t *testing.T, hub *realtime.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, hub.Subscribers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub))
	defer server.Close()

	wsURL := "ws" + server.URL[len("http"):] // convert http->ws
	conn := dial(t, wsURL)
	defer conn.Close()
	waitForSubscribers(t, hub, 1)

	hub.Broadcast(context.Background(), core.NewLevelUp("alice", 2))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	var received core.Event
	if err := json.Unmarshal(msg, &received); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if received.UserID != "alice" || received.Level != 2 {
		t.Fatalf("unexpected event: %+v", received)
	}
}

func TestHandlerFiltersByUser(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub))
	defer server.Close()

	conn := dial(t, "ws"+server.URL[len("http"):]+"?user=carol")
	defer conn.Close()
	waitForSubscribers(t, hub, 1)

	hub.Broadcast(context.Background(), core.NewLevelUp("dave", 4))
	hub.Broadcast(context.Background(), core.NewLevelUp("carol", 3))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var received core.Event
	if err := json.Unmarshal(msg, &received); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if received.UserID != "carol" {
		t.Fatalf("expected only carol's events, got %s", received.UserID)
	}
}

func TestHandlerFiltersByType(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub))
	defer server.Close()

	conn := dial(t, "ws"+server.URL[len("http"):]+"?types=reward_issued")
	defer conn.Close()
	waitForSubscribers(t, hub, 1)

	hub.Broadcast(context.Background(), core.NewLevelUp("erin", 5))
	hub.Broadcast(context.Background(), core.NewRewardIssued(core.Reward{UserID: "erin", Key: core.MilestoneGreenWarrior}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var received core.Event
	if err := json.Unmarshal(msg, &received); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if received.Type != core.EventRewardIssued || received.RewardKey != core.MilestoneGreenWarrior {
		t.Fatalf("expected the reward event, got %+v", received)
	}
}

func TestHandlerRejectsForeignOrigin(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub, WithAllowedOrigins("https://app.greenmove.eco")))
	defer server.Close()
	url := "ws" + server.URL[len("http"):]

	_, resp, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	conn, _, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://app.greenmove.eco"}})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	conn.Close()
}

func TestHandlerSendsPings(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub, WithPingPeriod(20*time.Millisecond)))
	defer server.Close()

	conn := dial(t, "ws"+server.URL[len("http"):])
	defer conn.Close()

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(data string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(gorillaws.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}
