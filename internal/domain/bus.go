package domain

import "context"

// EventBus moves assessment and anchoring events between components.
// Publish never blocks on consumers.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers every later message on topic to handler until the
	// subscription or ctx ends.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes one message. A returned error is logged and
// counted; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope around an event payload. Metadata carries the
// publisher's trace context.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the in-process channel bus or NATS.
type EventBusConfig struct {
	Type string `json:"type"` // channel | nats

	ChannelBufferSize int `json:"channelBufferSize"`

	NATSUrl           string `json:"natsUrl,omitempty"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds
	// NATSQueueGroup makes replicas share subscriptions instead of each
	// receiving every message. Empty means plain fan-out.
	NATSQueueGroup string `json:"natsQueueGroup,omitempty"`
}

// Topic names published by the assessment service and the anchor worker.
const (
	TopicAssessmentScored = "fraudproof.assessment.scored"
	TopicAnchorRequested  = "fraudproof.anchor.requested"
	TopicAnchorConfirmed  = "fraudproof.anchor.confirmed"
	TopicAnchorFailed     = "fraudproof.anchor.failed"
)

// AssessmentEvent is the payload of TopicAssessmentScored.
type AssessmentEvent struct {
	AssessmentID string            `json:"assessment_id"`
	Domain       TransactionDomain `json:"transaction_type"`
	FraudScore   int               `json:"fraud_score"`
	RiskTier     RiskTier          `json:"risk_level"`
	Error        string            `json:"error,omitempty"`
}

// AnchorRequest is the payload of TopicAnchorRequested.
type AnchorRequest struct {
	AssessmentID string `json:"assessment_id"`
}

// AnchorOutcome is the payload of TopicAnchorConfirmed and TopicAnchorFailed.
type AnchorOutcome struct {
	AssessmentID string `json:"assessment_id"`
	TxHash       string `json:"tx_hash,omitempty"`
	Stage        string `json:"stage,omitempty"`
	Error        string `json:"error,omitempty"`
}
