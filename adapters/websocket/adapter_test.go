package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"rewardkit/core"
	"rewardkit/realtime"
)

func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	wsURL := "ws" + url[len("http"):] // convert http->ws
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func waitForSubscribers(t *testing.T, hub *realtime.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, got %d", n, hub.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub))
	defer server.Close()

	conn := dial(t, server.URL)
	defer conn.Close()
	waitForSubscribers(t, hub, 1)

	ev := core.NewRewardGranted(core.Play{ID: "p1", UserID: "alice", GameID: "wheel",
		Reward: &core.GrantedReward{SlotID: "pts", Type: core.RewardPoints, Value: 5}})
	hub.Broadcast(context.Background(), ev)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	var received core.Event
	if err := json.Unmarshal(msg, &received); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if received.UserID != "alice" || received.PlayID != "p1" {
		t.Fatalf("unexpected event: %+v", received)
	}
}

func TestHandlerAppliesQueryFilter(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub))
	defer server.Close()

	conn := dial(t, server.URL+"?user_id=bob")
	defer conn.Close()
	waitForSubscribers(t, hub, 1)

	ctx := context.Background()
	hub.Broadcast(ctx, core.NewPlayDenied("alice", "wheel", core.ReasonTotalLimit))
	hub.Broadcast(ctx, core.NewPlayDenied("bob", "wheel", core.ReasonDailyLimit))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var received core.Event
	if err := json.Unmarshal(msg, &received); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if received.UserID != "bob" {
		t.Fatalf("filter leaked event for %s", received.UserID)
	}
}

func TestHandlerUnsubscribesOnClose(t *testing.T) {
	hub := realtime.NewHub()
	server := httptest.NewServer(Handler(hub))
	defer server.Close()

	conn := dial(t, server.URL)
	waitForSubscribers(t, hub, 1)
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFilterFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?user_id=%20u1&game_id=g1&types=reward_granted,,play_denied", nil)
	f := FilterFromQuery(r)
	if f.UserID != "u1" || f.GameID != "g1" || len(f.Types) != 2 {
		t.Fatalf("unexpected filter: %+v", f)
	}
}
