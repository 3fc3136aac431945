// Package worker provides async evaluation processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/advisory"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
)

// Worker processes evaluation requests asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	evaluator *evaluator.Evaluator
	advisor   *advisory.Engine

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, eval *evaluator.Evaluator, advisor *advisory.Engine) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		evaluator: eval,
		advisor:   advisor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicEvaluationRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	// Subscribe to evaluation requested topic
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEvaluationRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processEvaluation(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicEvaluationRequested,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processEvaluation(ctx, msg.TenantID, msg)
}

// EvaluationMessage is the message payload for async evaluation requests.
type EvaluationMessage struct {
	SnapshotID string `json:"snapshotId,omitempty"`
	TenantID   string `json:"tenantId"`
	TraceID    string `json:"traceId,omitempty"`

	domain.SnapshotRequest
}

// processEvaluation classifies a snapshot through the pipeline.
func (w *Worker) processEvaluation(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	// Parse message
	var evalMsg EvaluationMessage
	if err := json.Unmarshal(msg.Payload, &evalMsg); err != nil {
		slog.Error("failed to parse evaluation message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if evalMsg.TenantID != "" {
		tenantID = evalMsg.TenantID
	}

	traceID := evalMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	snapID := evalMsg.SnapshotID
	if snapID == "" {
		snapID = msg.ID
	}

	slog.Debug("processing evaluation",
		"merchant_id", evalMsg.MerchantID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	// 1. Build snapshot
	snap, err := evalMsg.ToSnapshot(snapID, tenantID)
	if err != nil {
		slog.Error("invalid snapshot request",
			"merchant_id", evalMsg.MerchantID,
			"error", err,
		)
		return err
	}

	// 2. Classify
	result, err := w.evaluator.Evaluate(snap)
	if err != nil {
		slog.Error("evaluation failed",
			"merchant_id", snap.MerchantID,
			"error", err,
		)
		return err
	}

	// 3. Advisory rules
	if w.advisor != nil {
		result.Advisories = w.advisor.Evaluate(snap, result)
	}

	// 4. Persist snapshot and result
	if w.repo != nil {
		if err := w.repo.SaveSnapshot(ctx, tenantID, snap); err != nil {
			slog.Error("failed to save snapshot",
				"snapshot_id", snap.ID,
				"error", err,
			)
		}
		if err := w.repo.SaveClassification(ctx, tenantID, result); err != nil {
			slog.Error("failed to save classification",
				"classification_id", result.ID,
				"error", err,
			)
		}
	}

	// 5. Publish result
	resultPayload, _ := json.Marshal(result)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicClassificationCompleted, resultPayload); err != nil {
		slog.Error("failed to publish classification",
			"classification_id", result.ID,
			"error", err,
		)
	}

	// 6. Critical tiers also go to the escalation topic
	if result.Tier == domain.TierCritical {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicClassificationCritical, resultPayload); err != nil {
			slog.Error("failed to publish critical classification",
				"classification_id", result.ID,
				"error", err,
			)
		}
	}

	slog.Info("evaluation processed",
		"merchant_id", snap.MerchantID,
		"tenant_id", tenantID,
		"tier", result.Tier,
		"regime", result.Regime,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
