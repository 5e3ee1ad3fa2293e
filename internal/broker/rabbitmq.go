package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitPublisher publishes persistent messages to a durable queue named after the
// topic and waits for the broker's publisher confirm.
type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	mu       sync.Mutex
	declared map[string]bool
}

func NewRabbitPublisher(url string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &RabbitPublisher{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

func (p *RabbitPublisher) ensureQueue(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[topic] {
		return nil
	}
	if _, err := declareQueue(p.channel, topic); err != nil {
		return err
	}
	p.declared[topic] = true
	return nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	if err := p.ensureQueue(msg.Topic); err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	dc, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		"",        // exchange
		msg.Topic, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			MessageId:     msg.Headers[HeaderEventID],
			CorrelationId: msg.Key,
			ContentType:   "application/json",
			Headers:       headers,
			Body:          msg.Value,
			DeliveryMode:  amqp.Persistent,
		})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm on %s: %w", msg.Topic, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message on %s", msg.Topic)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.channel.Close()
	return p.conn.Close()
}

// RabbitConsumer consumes a durable queue with manual acknowledgements. A failing
// handler is retried in place before the delivery is acked, keeping queue order.
type RabbitConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	prefetch int
	logger   *slog.Logger
}

func NewRabbitConsumer(url, topic string, prefetch int, logger *slog.Logger) (*RabbitConsumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := declareQueue(ch, topic); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitConsumer{conn: conn, channel: ch, queue: topic, prefetch: prefetch, logger: logger}, nil
}

func (c *RabbitConsumer) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := c.channel.ConsumeWithContext(ctx,
		c.queue, // queue
		"",      // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("rabbitmq delivery channel closed")
			}
			msg := Message{
				Topic:   c.queue,
				Key:     d.CorrelationId,
				Value:   d.Body,
				Headers: make(map[string]string, len(d.Headers)),
			}
			for k, v := range d.Headers {
				if s, ok := v.(string); ok {
					msg.Headers[k] = s
				}
			}
			if err := handleUntilDone(ctx, c.logger, handler, msg); err != nil {
				// Shutting down: hand the message back to the queue.
				_ = d.Nack(false, true)
				return err
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack delivery: %w", err)
			}
		}
	}
}

func (c *RabbitConsumer) Close() error {
	c.channel.Close()
	return c.conn.Close()
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return q, nil
}
