// Package bus carries analysis events between the API, workers and
// downstream consumers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel/propagation"
)

// AnyTenant subscribes to a topic for every tenant.
// It is not accepted by Publish.
const AnyTenant = "*"

var (
	ErrTenantRequired = errors.New("tenantID is required")
	ErrClosed         = errors.New("bus is closed")
)

// New creates an event bus based on configuration.
// "channel" is the in-process Community bus, "nats" the Pro bus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func checkPublishTenant(tenantID string) error {
	if tenantID == "" || tenantID == AnyTenant {
		return ErrTenantRequired
	}
	return nil
}

var propagator = propagation.TraceContext{}

// newMessage builds the envelope and carries the caller's trace context in
// Metadata so consumers continue the same trace.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	md := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(md))
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  md,
		Timestamp: time.Now().UnixNano(),
	}
}

// handlerContext restores the publisher's trace context from a message.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(msg.Metadata))
}
