package broker

import (
	"context"
	"log/slog"
	"sync"
)

// Memory is an in-process bus for local runs and tests. Every topic is an unbounded
// log: Publish never blocks, whether or not the topic has a consumer, and every
// acknowledged message stays inspectable through Published.
type Memory struct {
	mu       sync.Mutex
	topics   map[string]*topicLog
	failNext map[string]error
	logger   *slog.Logger
}

type topicLog struct {
	msgs []Message
	// changed is closed and replaced on every append.
	changed chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		topics:   make(map[string]*topicLog),
		failNext: make(map[string]error),
		logger:   slog.Default(),
	}
}

func (m *Memory) topic(name string) *topicLog {
	t, ok := m.topics[name]
	if !ok {
		t = &topicLog{changed: make(chan struct{})}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failNext[msg.Topic]; ok {
		delete(m.failNext, msg.Topic)
		return err
	}
	t := m.topic(msg.Topic)
	t.msgs = append(t.msgs, msg)
	close(t.changed)
	t.changed = make(chan struct{})
	return nil
}

// FailNext makes the next publish to topic return err without delivering.
func (m *Memory) FailNext(topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[topic] = err
}

// Published returns a copy of every message acknowledged on topic, in publish order.
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Consumer returns a consumer reading topic from its first message. Messages are
// processed one at a time in publish order. Each consumer keeps its own position.
func (m *Memory) Consumer(topic string) Consumer {
	return &memoryConsumer{bus: m, topic: topic, logger: m.logger}
}

// next returns the message at offset, or a channel closed once it may exist.
func (m *Memory) next(topic string, offset int) (Message, bool, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topic(topic)
	if offset < len(t.msgs) {
		return t.msgs[offset], true, nil
	}
	return Message{}, false, t.changed
}

type memoryConsumer struct {
	bus    *Memory
	topic  string
	offset int
	logger *slog.Logger
}

func (c *memoryConsumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, ok, wait := c.bus.next(c.topic, c.offset)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			continue
		}
		if err := handleUntilDone(ctx, c.logger, handler, msg); err != nil {
			return err
		}
		c.offset++
	}
}

func (c *memoryConsumer) Close() error { return nil }
