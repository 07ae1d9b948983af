package events

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one raw event. The consumer acks the message whether or
// not the handler errors; redelivery of a half-processed event would defeat
// the idempotency keys downstream, and failed sends already re-enter through
// the retry scheduler.
type Handler func(ctx context.Context, routingKey string, body []byte) error

// Consumer binds one queue to the platform's topic exchange and feeds every
// message to the handler. It reconnects with doubling backoff when the
// broker connection drops.
type Consumer struct {
	url      string
	exchange string
	queue    string
	prefetch int
	handler  Handler
	logger   *zap.Logger
}

func NewConsumer(url, exchange, queue string, prefetch int, handler Handler, logger *zap.Logger) *Consumer {
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Consumer{
		url:      url,
		exchange: exchange,
		queue:    queue,
		prefetch: prefetch,
		handler:  handler,
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled. Connection losses are retried; only
// cancellation ends the loop.
func (c *Consumer) Run(ctx context.Context) {
	backoff := time.Second
	const backoffMax = 30 * time.Second

	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("broker connection lost, reconnecting",
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.declare(ch); err != nil {
		return err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.logger.Info("consuming domain events",
		zap.String("exchange", c.exchange),
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetch),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handler(ctx, d.RoutingKey, d.Body); err != nil {
				c.logger.Error("event handler failed",
					zap.String("routing_key", d.RoutingKey),
					zap.Error(err),
				)
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
	}
}

func (c *Consumer) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", c.exchange, err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", c.queue, err)
	}
	for _, key := range RoutingKeys {
		if err := ch.QueueBind(c.queue, key, c.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %q: %w", key, err)
		}
	}
	return nil
}
