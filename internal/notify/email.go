// Package notify delivers approval emails as a fire-and-forget side effect.
// Delivery runs on a background worker pool; failures are logged and
// audited but never propagated to the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowforge/backend/internal/audit"
	"github.com/flowforge/backend/internal/metrics"
)

// Message is one email to deliver.
type Message struct {
	AccountID  string
	Recipient  string
	Subject    string
	Body       string
	EntityType string
	EntityID   string
}

// Sender is the transport that actually delivers mail. Production wires an
// SMTP or provider-API sender; tests use a recording fake.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher queues messages and delivers them asynchronously.
type Dispatcher struct {
	sender  Sender
	audit   *audit.Recorder
	metrics *metrics.Metrics
	enabled bool

	queue chan Message
	wg    sync.WaitGroup
}

// NewDispatcher starts a dispatcher with the given worker count. When
// enabled is false (APPROVAL_EMAIL_ENABLED=false) every enqueue is audited
// as SKIPPED without touching the sender.
func NewDispatcher(sender Sender, rec *audit.Recorder, m *metrics.Metrics, workers int, enabled bool) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		sender:  sender,
		audit:   rec,
		metrics: m,
		enabled: enabled,
		queue:   make(chan Message, 1000),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue submits a message for delivery. It never blocks: when the queue
// is full the message is dropped and audited as FAILED.
func (d *Dispatcher) Enqueue(msg Message) {
	if !d.enabled {
		d.record(msg, "SKIPPED", "email delivery disabled")
		if d.metrics != nil {
			d.metrics.EmailDeliveries.WithLabelValues("disabled").Inc()
		}
		return
	}

	select {
	case d.queue <- msg:
	default:
		slog.Warn("email queue full, dropping message",
			"recipient", msg.Recipient, "subject", msg.Subject)
		d.record(msg, "FAILED", "delivery queue full")
		if d.metrics != nil {
			d.metrics.EmailDeliveries.WithLabelValues("failed").Inc()
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.sender.Send(ctx, msg); err != nil {
		slog.Warn("email delivery failed",
			"recipient", msg.Recipient, "subject", msg.Subject, "error", err)
		d.record(msg, "FAILED", err.Error())
		if d.metrics != nil {
			d.metrics.EmailDeliveries.WithLabelValues("failed").Inc()
		}
		return
	}

	d.record(msg, "SENT", "")
	if d.metrics != nil {
		d.metrics.EmailDeliveries.WithLabelValues("sent").Inc()
	}
}

func (d *Dispatcher) record(msg Message, status, detail string) {
	if d.audit == nil {
		return
	}
	d.audit.Record(context.Background(), audit.Params{
		Kind:       audit.KindNotification,
		AccountID:  msg.AccountID,
		EntityType: msg.EntityType,
		EntityID:   msg.EntityID,
		Channel:    "email",
		Recipient:  msg.Recipient,
		Status:     status,
		Subject:    msg.Subject,
		Detail:     detail,
	})
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

// LogSender is a Sender that only logs; the default when no SMTP transport
// is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	slog.Info("email (log-only transport)",
		"recipient", msg.Recipient, "subject", msg.Subject)
	return nil
}
