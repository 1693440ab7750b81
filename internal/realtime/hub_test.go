package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/holdfast/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func disputeOpened(buyer, seller, escrowID string) *notify.Event {
	return &notify.Event{
		ID:        "evt_1",
		Type:      notify.EventDisputeOpened,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"disputeId": "dsp_1",
			"escrowId":  escrowID,
			"buyerId":   buyer,
			"sellerId":  seller,
		},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	if !h.shouldSend(client, disputeOpened("B", "S", "esc_1")) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []notify.EventType{notify.EventDisputeOpened, notify.EventDisputeResolved},
	}}

	if !h.shouldSend(client, &notify.Event{Type: notify.EventDisputeOpened}) {
		t.Error("Should receive DisputeOpened events")
	}
	if !h.shouldSend(client, &notify.Event{Type: notify.EventDisputeResolved}) {
		t.Error("Should receive DisputeResolved events")
	}
	if h.shouldSend(client, &notify.Event{Type: notify.EventCommissionEarned}) {
		t.Error("Should NOT receive CommissionEarned events")
	}
}

func TestShouldSend_PartyFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{Parties: []string{"seller-42"}}}

	if !h.shouldSend(client, disputeOpened("B", "seller-42", "esc_1")) {
		t.Error("Should match on seller")
	}
	if !h.shouldSend(client, disputeOpened("seller-42", "S", "esc_1")) {
		t.Error("Should match on buyer")
	}
	if h.shouldSend(client, disputeOpened("B", "S", "esc_1")) {
		t.Error("Should NOT match unrelated parties")
	}

	upgrade := &notify.Event{
		Type: notify.EventTierUpgraded,
		Data: map[string]interface{}{"partyId": "seller-42", "toTier": "pro"},
	}
	if !h.shouldSend(client, upgrade) {
		t.Error("Should match on partyId")
	}
}

func TestShouldSend_EscrowFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{EscrowIDs: []string{"esc_7"}}}

	if !h.shouldSend(client, disputeOpened("B", "S", "esc_7")) {
		t.Error("Should match watched escrow")
	}
	if h.shouldSend(client, disputeOpened("B", "S", "esc_8")) {
		t.Error("Should NOT match other escrows")
	}
	if h.shouldSend(client, &notify.Event{Type: notify.EventTierUpgraded, Data: map[string]interface{}{}}) {
		t.Error("Events without an escrow should not pass an escrow filter")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, disputeOpened("B", "S", "esc_1")) {
		t.Error("Empty subscription should receive all events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_SendAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := h.Send(ctx, disputeOpened("B", "S", "esc_1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_SendAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if err := h.Send(context.Background(), disputeOpened("B", "S", "esc_1")); !errors.Is(err, ErrHubStopped) {
		t.Errorf("Expected ErrHubStopped, got %v", err)
	}
}

func TestHub_SendSaturated(t *testing.T) {
	h := testHub() // not running, so nothing drains the queue
	var err error
	for i := 0; i < cap(h.broadcast)+1; i++ {
		err = h.Send(context.Background(), disputeOpened("B", "S", "esc_1"))
	}
	if !errors.Is(err, ErrHubSaturated) {
		t.Errorf("Expected ErrHubSaturated, got %v", err)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []notify.EventType{notify.EventDisputeResolved}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	_ = h.Send(ctx, disputeOpened("B", "S", "esc_1"))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive DisputeOpened")
	default:
	}

	_ = h.Send(ctx, &notify.Event{Type: notify.EventDisputeResolved, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if !strings.Contains(string(msg), `"DisputeResolved"`) {
			t.Errorf("Unexpected message %s", msg)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive DisputeResolved")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	sub, _ := json.Marshal(Subscription{Parties: []string{"S"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	_ = h.Send(ctx, disputeOpened("X", "Y", "esc_other"))
	_ = h.Send(ctx, disputeOpened("B", "S", "esc_mine"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got notify.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Data["escrowId"] != "esc_mine" {
		t.Errorf("Expected esc_mine, got %v", got.Data["escrowId"])
	}
}
