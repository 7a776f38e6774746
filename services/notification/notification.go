package notification

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Template string

const (
	TemplateOrderPlaced       Template = "order_placed"
	TemplateOrderStatusUpdate Template = "order_status_update"
	TemplatePaymentConfirmed  Template = "payment_confirmed"
	TemplateLowStockAlert     Template = "low_stock_alert"
)

// Message is one Send(template, recipient, data) call to the notification collaborator.
type Message struct {
	Template  Template       `json:"template"`
	Recipient string         `json:"recipient"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sender delivers a message synchronously.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

const defaultSendTimeout = 5 * time.Second

// Dispatcher entrega mensagens em background (fire-and-forget). Falhas são apenas logadas.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	wg      sync.WaitGroup

	// mu guards closed and every wg.Add, so Close never waits while an Add is pending.
	mu     sync.Mutex
	closed bool
}

// NewDispatcher cria um Dispatcher sobre o sender informado
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender, timeout: defaultSendTimeout}
}

// Dispatch never blocks on delivery and never reports delivery errors to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		log.WithField("template", msg.Template).Warn("⚠️ dispatcher closed, dropping notification")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	// The request context ends with the handler; keep its values but not its deadline.
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(sendCtx, d.timeout)
		defer cancel()

		if err := d.sender.Send(ctx, msg); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"template":  msg.Template,
				"recipient": msg.Recipient,
			}).Error("❌ failed to deliver notification")
			return
		}
		log.WithFields(log.Fields{
			"template":  msg.Template,
			"recipient": msg.Recipient,
		}).Debug("📨 notification delivered")
	}()
}

// Close stops accepting messages and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
