// Package worker consumes anchor requests from the event bus for the
// async anchoring mode.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/metrics"
)

// Anchorer anchors a persisted assessment by id. The assessment service
// implements it; retries and outcome events are its concern.
type Anchorer interface {
	Anchor(ctx context.Context, id string) (*domain.FraudAssessment, error)
}

// AnchorWorker drains fraudproof.anchor.requested into a fixed pool of
// goroutines.
type AnchorWorker struct {
	bus      domain.EventBus
	anchorer Anchorer
	count    int

	jobs          chan string
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	drain         time.Duration

	// ctx ends intake. work is what in-flight anchors run under; it is
	// only cancelled when Stop gives up draining.
	ctx        context.Context
	cancel     context.CancelFunc
	work       context.Context
	cancelWork context.CancelFunc

	processed atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount is the number of anchors processed concurrently.
	WorkerCount int

	// QueueSize bounds requests accepted but not yet picked up.
	QueueSize int

	// DrainTimeout bounds how long Stop waits for in-flight anchors before
	// cancelling them.
	DrainTimeout time.Duration
}

const defaultDrainTimeout = 2 * time.Minute

// NewAnchorWorker creates a worker; call Start to subscribe.
func NewAnchorWorker(bus domain.EventBus, anchorer Anchorer, cfg Config) *AnchorWorker {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	work, cancelWork := context.WithCancel(context.Background())
	return &AnchorWorker{
		bus:        bus,
		anchorer:   anchorer,
		count:      cfg.WorkerCount,
		jobs:       make(chan string, cfg.QueueSize),
		drain:      cfg.DrainTimeout,
		ctx:        ctx,
		cancel:     cancel,
		work:       work,
		cancelWork: cancelWork,
	}
}

// Start subscribes to anchor requests and launches the pool.
func (w *AnchorWorker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicAnchorRequested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicAnchorRequested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	for i := 0; i < w.count; i++ {
		w.wg.Add(1)
		go w.run()
	}

	slog.Info("anchor worker started",
		"topic", domain.TopicAnchorRequested,
		"workers", w.count,
	)
	return nil
}

// handleMessage hands the request to the pool. It blocks while the queue
// is full so the bus buffers upstream.
func (w *AnchorWorker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.AnchorRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("parse anchor request %s: %w", msg.ID, err)
	}
	if req.AssessmentID == "" {
		return fmt.Errorf("anchor request %s without assessment id", msg.ID)
	}

	select {
	case w.jobs <- req.AssessmentID:
		return nil
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *AnchorWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.jobs:
			if w.ctx.Err() != nil {
				return
			}
			w.process(id)
		}
	}
}

func (w *AnchorWorker) process(id string) {
	metrics.AnchorQueueDepth.Inc()
	defer metrics.AnchorQueueDepth.Dec()

	start := time.Now()
	a, err := w.anchorer.Anchor(w.work, id)
	switch {
	case err == nil:
		w.processed.Add(1)
		slog.Info("assessment anchored",
			"assessment_id", id,
			"tx_hash", a.AnchorTxHash,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	case errors.Is(err, domain.ErrAlreadyAnchored), errors.Is(err, domain.ErrBelowThreshold):
		w.skipped.Add(1)
		slog.Debug("anchor request skipped",
			"assessment_id", id,
			"reason", err,
		)
	default:
		w.failed.Add(1)
		slog.Warn("anchor request failed",
			"assessment_id", id,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Stop unsubscribes and waits up to the drain timeout for in-flight
// anchors, then cancels the stragglers. Queued requests that were not
// started are dropped; their assessments keep status queued and can be
// re-anchored manually.
func (w *AnchorWorker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.drain):
		slog.Warn("anchor worker drain timed out, cancelling in-flight anchors",
			"drain_timeout", w.drain,
		)
		w.cancelWork()
		<-done
	}
	w.cancelWork()

	slog.Info("anchor worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Workers           int      `json:"workers"`
	Queued            int      `json:"queued"`
	Processed         int64    `json:"processed"`
	Skipped           int64    `json:"skipped"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *AnchorWorker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Workers:           w.count,
		Queued:            len(w.jobs),
		Processed:         w.processed.Load(),
		Skipped:           w.skipped.Load(),
		Failed:            w.failed.Load(),
	}
}
