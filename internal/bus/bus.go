// Package bus carries assessment and anchoring events between the API and
// the anchor worker.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/metrics"
	"github.com/opensource-finance/fraudproof/internal/traces"
)

// New returns the in-process ChannelBus unless cfg selects NATS.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, fmt.Errorf("unsupported event bus type %q", cfg.Type)
}

// newMessage builds the envelope. The publisher's trace context travels in
// Metadata so the consumer's span joins the originating request's trace.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	md := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(md))

	return &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  md,
		Timestamp: time.Now().UnixNano(),
	}
}

// deliver runs handler inside a consumer span and records the outcome.
func deliver(ctx context.Context, handler domain.MessageHandler, msg *domain.Message) error {
	if len(msg.Metadata) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
	}
	ctx, span := traces.StartSpan(ctx, "bus.consume "+msg.Topic,
		attribute.String("messaging.message_id", msg.ID),
	)
	defer span.End()

	err := handler(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.BusMessagesTotal.WithLabelValues(msg.Topic, "handler_error").Inc()
		return err
	}
	metrics.BusMessagesTotal.WithLabelValues(msg.Topic, "handled").Inc()
	return nil
}
