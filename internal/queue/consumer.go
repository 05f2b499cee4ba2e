package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// NotificationHandler receives payment outcomes consumed from the broker
type NotificationHandler func(models.PaymentNotification)

// PaymentConsumer binds an exclusive, server-named queue to the payment
// routing keys and hands every message to the handler. Each instance gets
// its own copy of every outcome.
type PaymentConsumer struct {
	url      string
	exchange string
	handler  NotificationHandler
	logger   *logrus.Logger
}

// NewPaymentConsumer creates a consumer; call Run to start it
func NewPaymentConsumer(url, exchange string, handler NotificationHandler, logger *logrus.Logger) *PaymentConsumer {
	return &PaymentConsumer{url: url, exchange: exchange, handler: handler, logger: logger}
}

// Run keeps consuming until ctx is cancelled, reconnecting with backoff
func (c *PaymentConsumer) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.WithError(err).WithField("retry_in", backoff.String()).Warn("payment-consumer: failed to dial broker")
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.WithError(err).Warn("payment-consumer: consume loop ended, reconnecting")
		if !sleepCtx(ctx, 2*time.Second) {
			return
		}
	}
}

func (c *PaymentConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := declareExchange(ch, c.exchange); err != nil {
		return err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, paymentBindingKey, c.exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	c.logger.WithField("queue", q.Name).Info("payment-consumer: listening for payment outcomes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			var n models.PaymentNotification
			if err := json.Unmarshal(d.Body, &n); err != nil {
				c.logger.WithError(err).Warn("payment-consumer: dropping malformed message")
				_ = d.Nack(false, false)
				continue
			}
			c.handler(n)
			_ = d.Ack(false)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
