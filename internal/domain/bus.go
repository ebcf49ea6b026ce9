package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `envconfig:"TYPE"`

	// Channel settings (Community tier)
	ChannelBufferSize int `envconfig:"BUFFER_SIZE"`

	// NATS settings (Pro tier)
	NATSUrl           string `envconfig:"NATS_URL"`
	NATSToken         string `envconfig:"NATS_TOKEN"`
	NATSMaxReconnects int    `envconfig:"NATS_MAX_RECONNECTS"`
	NATSReconnectWait int    `envconfig:"NATS_RECONNECT_WAIT"` // seconds
}

// Topics of the analysis pipeline.
const (
	TopicAnalysisRequested = "kestrel.analysis.requested"
	TopicAnalysisCompleted = "kestrel.analysis.completed"
	TopicAnalysisFlagged   = "kestrel.analysis.flagged"
)

// AnalysisRequest is the payload of TopicAnalysisRequested.
type AnalysisRequest struct {
	TenantID     string  `json:"tenantId"`
	PopulationID string  `json:"populationId"`
	Seed         *uint64 `json:"seed,omitempty"`
	Force        bool    `json:"force,omitempty"`
	TraceID      string  `json:"traceId,omitempty"`
}
