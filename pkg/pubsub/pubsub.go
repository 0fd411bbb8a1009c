package pubsub

import (
	"context"
	"encoding/json"
)

// TopicExtractionStatus carries ExtractionStatus events of the served
// extraction
const TopicExtractionStatus = "extraction_status"

// Extraction states published on TopicExtractionStatus. The extractor's
// stage names are used for the states in between.
const (
	StateStarting = "starting"
	StateReady    = "ready"
	StateFailed   = "failed"
)

// Event represents a pub/sub event
type Event struct {
	Topic   string          `json:"topic"`   // Subscription topic (e.g., "extraction_status")
	Type    string          `json:"type"`    // Event type, the extraction state
	Data    json.RawMessage `json:"data"`    // Event payload
	Version int             `json:"version"` // Version number for ordering
}

// Subscription represents a client subscription to a topic
type Subscription interface {
	Topic() string

	// Events returns a channel for receiving events
	Events() <-chan Event

	Close() error
}

// Publisher manages pub/sub subscriptions and event publishing
type Publisher interface {
	// Subscribe creates a new subscription to a topic
	// Context cancellation will close the subscription
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish sends an event to all subscribers of a topic
	Publish(topic string, eventType string, data any) error

	// Close shuts down the publisher and all subscriptions
	Close() error
}

// ExtractionStatus describes how far the served extraction has come
type ExtractionStatus struct {
	State       string `json:"state"`   // starting, invoking, parsing, resolving, complete, ready, failed
	Message     string `json:"message"` // Human-readable status message
	Step        int    `json:"step"`    // Current step number (1-based)
	Total       int    `json:"total"`   // Total number of steps, 0 if not known yet
	Rules       int    `json:"rules,omitempty"`
	Diagnostics int    `json:"diagnostics,omitempty"`
}
