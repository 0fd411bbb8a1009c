package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ritzau/aspect-graph/pkg/logging"
)

// ErrPublisherClosed is returned by Publish and Subscribe after Close
var ErrPublisherClosed = errors.New("publisher is closed")

// subscriberBuffer is the number of events a slow subscriber may lag behind
// before events are dropped for it
const subscriberBuffer = 100

// TopicConfig configures buffering behavior for a topic
type TopicConfig struct {
	BufferSize int  // Number of events to keep for replay (0 = none)
	ReplayAll  bool // Replay every kept event instead of only the latest
}

// topic is the per-topic state of an SSEPublisher
type topic struct {
	config      TopicConfig
	version     int
	latest      *Event
	buffer      []Event
	subscribers map[*subscriber]struct{}
}

// replay returns the events a new subscriber should see first
func (t *topic) replay() []Event {
	if len(t.buffer) == 0 {
		return nil
	}
	if !t.config.ReplayAll {
		return []Event{t.buffer[len(t.buffer)-1]}
	}
	return append([]Event(nil), t.buffer...)
}

func (t *topic) keep(event Event) {
	t.latest = &event
	if t.config.BufferSize <= 0 {
		return
	}
	t.buffer = append(t.buffer, event)
	if over := len(t.buffer) - t.config.BufferSize; over > 0 {
		t.buffer = append(t.buffer[:0], t.buffer[over:]...)
	}
}

// SSEPublisher implements Publisher for server-sent event streams. Events
// are versioned per topic; slow subscribers drop events instead of blocking
// the publisher.
type SSEPublisher struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
	log    *slog.Logger
}

var _ Publisher = (*SSEPublisher)(nil)

// NewSSEPublisher creates a new SSE-based publisher
func NewSSEPublisher() *SSEPublisher {
	return &SSEPublisher{
		topics: make(map[string]*topic),
		log:    logging.New("pubsub"),
	}
}

// topicLocked returns the state of name, creating it. p.mu must be held.
func (p *SSEPublisher) topicLocked(name string) *topic {
	t, ok := p.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[*subscriber]struct{})}
		p.topics[name] = t
	}
	return t
}

// ConfigureTopic sets buffering configuration for a topic
func (p *SSEPublisher) ConfigureTopic(name string, config TopicConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topicLocked(name).config = config
}

// Subscribe registers a subscriber on a topic and queues the replayed
// events for it. The subscription ends when ctx is done.
func (p *SSEPublisher) Subscribe(ctx context.Context, name string) (Subscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPublisherClosed
	}

	t := p.topicLocked(name)
	sub := &subscriber{
		topic:     name,
		events:    make(chan Event, subscriberBuffer),
		publisher: p,
	}
	t.subscribers[sub] = struct{}{}

	replayed := t.replay()
	for _, event := range replayed {
		select {
		case sub.events <- event:
		default:
			p.log.Warn("could not replay event to new subscriber", "topic", name, "version", event.Version)
		}
	}
	p.mu.Unlock()

	if len(replayed) > 0 {
		p.log.Debug("replayed events to new subscriber", "topic", name, "events", len(replayed))
	}

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	return sub, nil
}

// Publish sends an event to all subscribers of a topic
func (p *SSEPublisher) Publish(name string, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	t := p.topicLocked(name)
	t.version++
	event := Event{
		Topic:   name,
		Type:    eventType,
		Data:    payload,
		Version: t.version,
	}
	t.keep(event)

	for sub := range t.subscribers {
		select {
		case sub.events <- event:
		default:
			p.log.Warn("subscription channel full, dropping event", "topic", name, "version", event.Version)
		}
	}
	return nil
}

// Latest returns the most recent event published on a topic
func (p *SSEPublisher) Latest(name string) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[name]
	if !ok || t.latest == nil {
		return Event{}, false
	}
	return *t.latest, true
}

// Close shuts down the publisher and ends all subscriptions
func (p *SSEPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, t := range p.topics {
		for sub := range t.subscribers {
			close(sub.events)
		}
		t.subscribers = nil
	}
	return nil
}

// unsubscribe removes sub and closes its channel. The channel is closed
// under p.mu so Publish never sends on it afterwards.
func (p *SSEPublisher) unsubscribe(sub *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := t.subscribers[sub]; ok {
		delete(t.subscribers, sub)
		close(sub.events)
	}
}

// subscriber implements Subscription
type subscriber struct {
	topic     string
	events    chan Event
	publisher *SSEPublisher
	once      sync.Once
}

func (s *subscriber) Topic() string {
	return s.topic
}

func (s *subscriber) Events() <-chan Event {
	return s.events
}

// Close ends the subscription. Events() is closed once it returns.
func (s *subscriber) Close() error {
	s.once.Do(func() { s.publisher.unsubscribe(s) })
	return nil
}

// WriteSSE writes an event to an SSE response writer
// Format: "data: {json}\n\n"
func WriteSSE(w io.Writer, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", jsonData)
	return err
}
