package webhooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chioma/escrowd/internal/dispute"
	"github.com/chioma/escrowd/internal/escrow"
	"github.com/chioma/escrowd/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter forwards escrow and dispute lifecycle events to subscribed
// webhooks. All methods are fire-and-forget: errors are logged but
// never returned, and delivery happens off the caller's goroutine.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// Compile-time interface checks.
var (
	_ escrow.Notifier  = (*Emitter)(nil)
	_ dispute.Notifier = (*Emitter)(nil)
)

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// EscrowEvent delivers an escrow transition to both parties' webhooks.
func (e *Emitter) EscrowEvent(event string, esc *escrow.Escrow) {
	data := map[string]interface{}{
		"escrowId":         esc.ID,
		"status":           string(esc.Status),
		"sourceParty":      esc.SourceParty,
		"destinationParty": esc.DestinationParty,
		"amount":           esc.Amount,
	}
	if esc.RentAgreementID != "" {
		data["agreementId"] = esc.RentAgreementID
	}
	if esc.ReleaseTxHash != "" {
		data["releaseTxHash"] = esc.ReleaseTxHash
	}
	if esc.RefundTxHash != "" {
		data["refundTxHash"] = esc.RefundTxHash
	}
	if esc.DisputeID != "" {
		data["disputeId"] = esc.DisputeID
	}

	eventType := toEventType(event)
	e.emit(esc.SourceParty, eventType, data)
	e.emit(esc.DestinationParty, eventType, data)
}

// DisputeEvent delivers a dispute transition to the raising party's
// webhooks.
func (e *Emitter) DisputeEvent(event string, d *dispute.Dispute) {
	data := map[string]interface{}{
		"disputeId":   d.ID,
		"status":      string(d.Status),
		"agreementId": d.AgreementID,
		"raisedBy":    d.RaisedBy,
	}
	if d.EscrowID != "" {
		data["escrowId"] = d.EscrowID
	}
	if d.Outcome != "" {
		data["outcome"] = string(d.Outcome)
	}

	e.emit(d.RaisedBy, toEventType(event), data)
}

// toEventType maps internal event names ("escrow_released") onto the
// dotted webhook event names ("escrow.released").
func toEventType(event string) EventType {
	return EventType(strings.Replace(event, "_", ".", 1))
}

func (e *Emitter) emit(partyAddr string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil || partyAddr == "" {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToParty(ctx, partyAddr, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "party", partyAddr, "error", err)
	}
}
