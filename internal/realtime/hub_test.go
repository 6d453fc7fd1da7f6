package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/chioma/escrowd/internal/dispute"
	"github.com/chioma/escrowd/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: "escrow_released", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{"escrow_released", "escrow_refunded"},
	}}

	released := &Event{Type: "escrow_released"}
	refunded := &Event{Type: "escrow_refunded"}
	opened := &Event{Type: "dispute_opened"}

	if !h.shouldSend(client, released) {
		t.Error("Should receive escrow_released events")
	}
	if !h.shouldSend(client, refunded) {
		t.Error("Should receive escrow_refunded events")
	}
	if h.shouldSend(client, opened) {
		t.Error("Should NOT receive dispute_opened events")
	}
}

func TestShouldSend_PartyFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Parties: []string{"0xtenant"},
	}}

	matchingSource := &Event{
		Type: "escrow_funded",
		Data: map[string]interface{}{"sourceParty": "0xtenant", "destinationParty": "0xother"},
	}
	notMatching := &Event{
		Type: "escrow_funded",
		Data: map[string]interface{}{"sourceParty": "0xother", "destinationParty": "0xanother"},
	}
	matchingDestination := &Event{
		Type: "escrow_released",
		Data: map[string]interface{}{"sourceParty": "0xsender", "destinationParty": "0xtenant"},
	}
	matchingRaisedBy := &Event{
		Type: "dispute_opened",
		Data: map[string]interface{}{"raisedBy": "0xtenant"},
	}

	if !h.shouldSend(client, matchingSource) {
		t.Error("Should match on source party")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated parties")
	}
	if !h.shouldSend(client, matchingDestination) {
		t.Error("Should match on destination party")
	}
	if !h.shouldSend(client, matchingRaisedBy) {
		t.Error("Should match on raisedBy")
	}
}

func TestShouldSend_EscrowAndAgreementFilters(t *testing.T) {
	h := testHub()

	byEscrow := &Client{sub: Subscription{EscrowIDs: []string{"esc_1"}}}
	byAgreement := &Client{sub: Subscription{AgreementIDs: []string{"agr_1"}}}

	escrowEvent := &Event{
		Type: "escrow_released",
		Data: map[string]interface{}{"id": "esc_1", "agreementId": "agr_1"},
	}
	disputeEvent := &Event{
		Type: "dispute_opened",
		Data: map[string]interface{}{"id": "dsp_1", "escrowId": "esc_1", "agreementId": "agr_1"},
	}
	unrelated := &Event{
		Type: "escrow_released",
		Data: map[string]interface{}{"id": "esc_2", "agreementId": "agr_2"},
	}

	if !h.shouldSend(byEscrow, escrowEvent) {
		t.Error("Should match on escrow id")
	}
	if !h.shouldSend(byEscrow, disputeEvent) {
		t.Error("Should match disputes referencing the escrow")
	}
	if h.shouldSend(byEscrow, unrelated) {
		t.Error("Should NOT match other escrows")
	}

	if !h.shouldSend(byAgreement, escrowEvent) {
		t.Error("Should match on agreement id")
	}
	if h.shouldSend(byAgreement, unrelated) {
		t.Error("Should NOT match other agreements")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: "escrow_released"}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Parties: []string{"0xtenant"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: "escrow_released",
		Data: "string data not a map",
	}

	// Party filter skips non-map data (can't extract addresses), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when party filter can't extract addresses")
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

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: "escrow_funded", Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
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
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_EscrowEventDelivery(t *testing.T) {
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

	h.EscrowEvent("escrow_released", &escrow.Escrow{
		ID:               "esc_1",
		Status:           escrow.StatusReleased,
		SourceParty:      "0xtenant",
		DestinationParty: "0xlandlord",
		Amount:           "1500",
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for escrow event")
	}
}

func TestHub_DisputeEventDelivery(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic with no clients connected
	h.DisputeEvent("dispute_opened", &dispute.Dispute{
		ID:          "dsp_1",
		AgreementID: "agr_1",
		RaisedBy:    "0xtenant",
		Status:      dispute.StatusOpen,
	})
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
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants dispute activity
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{"dispute_opened"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send an escrow event (should be filtered out)
	h.Broadcast(&Event{Type: "escrow_funded", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive escrow event")
	default:
		// Good - filtered out
	}

	// Send a dispute event (should be received)
	h.Broadcast(&Event{Type: "dispute_opened", Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive dispute event")
	}
}
