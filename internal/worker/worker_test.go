package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/advisory"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/ruleset"
	"github.com/shopspring/decimal"
)

func testTables(t *testing.T) *domain.TableSet {
	t.Helper()
	return &domain.TableSet{
		Version:     "test-1",
		LastUpdated: time.Now().UTC(),
		RegionThresholds: []domain.RegionThreshold{
			{
				Region:           domain.RegionUS,
				Metric:           domain.MetricVAMP,
				CurrentThreshold: 0.0065,
				FutureThreshold:  0.01,
				EffectiveDate:    time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		PSPBands: []domain.PSPShadowBand{
			{LowerBound: 0.003, Label: "reserves_likely", Consequence: "rolling reserves likely"},
			{LowerBound: 0.005, Label: "remediation_required", Consequence: "remediation plan required"},
			{LowerBound: 0.009, Label: "termination_likely", Consequence: "account termination likely"},
		},
		CurrencyRates: []domain.CurrencyRate{
			{CurrencyCode: "EUR", RateToUSD: decimal.NewFromFloat(0.92)},
		},
		PenaltyBands: []domain.PenaltyBand{
			{Tier: domain.TierWatch, MinUSD: decimal.NewFromInt(5000), MaxUSD: decimal.NewFromInt(25000)},
			{Tier: domain.TierRed, MinUSD: decimal.NewFromInt(25000), MaxUSD: decimal.NewFromInt(100000)},
			{Tier: domain.TierCritical, MinUSD: decimal.NewFromInt(100000), MaxUSD: decimal.NewFromInt(250000)},
		},
	}
}

func TestWorker(t *testing.T) {
	// Create channel bus
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	store, err := ruleset.New(testTables(t))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	eval := evaluator.New(store)

	advisor, err := advisory.NewEngine()
	if err != nil {
		t.Fatalf("failed to create advisory engine: %v", err)
	}

	// Create worker
	worker := NewWorker(eventBus, nil, eval, advisor)

	t.Run("StartAndStop", func(t *testing.T) {
		cfg := Config{
			TenantIDs:   []string{"tenant-001"},
			WorkerCount: 1,
		}

		err := worker.Start(cfg)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessEvaluation", func(t *testing.T) {
		// Create fresh worker for this test
		w := NewWorker(eventBus, nil, eval, advisor)

		cfg := Config{
			TenantIDs: []string{"tenant-test"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track completed classifications
		var completedReceived atomic.Bool
		var completedPayload []byte

		eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicClassificationCompleted, func(ctx context.Context, msg *domain.Message) error {
			completedPayload = msg.Payload
			completedReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		// Publish an evaluation request
		evalMsg := EvaluationMessage{
			TenantID: "tenant-test",
			TraceID:  "trace-001",
			SnapshotRequest: domain.SnapshotRequest{
				MerchantID:   "merch-001",
				Region:       domain.RegionUS,
				CountryCode:  "US",
				Metric:       domain.MetricVAMP,
				DisputeRatio: 0.0072,
				AsOfDate:     "2026-08-15",
			},
		}

		payload, _ := json.Marshal(evalMsg)
		err := eventBus.Publish(context.Background(), "tenant-test", domain.TopicEvaluationRequested, payload)
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		time.Sleep(100 * time.Millisecond)

		if !completedReceived.Load() {
			t.Error("expected classification to be published")
		}

		if completedPayload != nil {
			var result domain.ClassificationResult
			if err := json.Unmarshal(completedPayload, &result); err != nil {
				t.Fatalf("failed to parse classification: %v", err)
			}

			if result.MerchantID != "merch-001" {
				t.Errorf("expected merchantID 'merch-001', got '%s'", result.MerchantID)
			}
			if result.TenantID != "tenant-test" {
				t.Errorf("expected tenantID 'tenant-test', got '%s'", result.TenantID)
			}
			if result.Tier != domain.TierWatch {
				t.Errorf("expected tier watch for ratio 0.0072, got '%s'", result.Tier)
			}
		}
	})

	t.Run("CriticalEscalation", func(t *testing.T) {
		w := NewWorker(eventBus, nil, eval, advisor)

		cfg := Config{
			TenantIDs: []string{"tenant-critical"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track escalations
		var criticalReceived atomic.Bool

		eventBus.Subscribe(context.Background(), "tenant-critical", domain.TopicClassificationCritical, func(ctx context.Context, msg *domain.Message) error {
			criticalReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		// Ratio at the terminal PSP band escalates to critical
		evalMsg := EvaluationMessage{
			TenantID: "tenant-critical",
			SnapshotRequest: domain.SnapshotRequest{
				MerchantID:   "merch-hot",
				Region:       domain.RegionUS,
				CountryCode:  "US",
				Metric:       domain.MetricVAMP,
				DisputeRatio: 0.012,
				AsOfDate:     "2026-08-15",
			},
		}

		payload, _ := json.Marshal(evalMsg)
		eventBus.Publish(context.Background(), "tenant-critical", domain.TopicEvaluationRequested, payload)

		time.Sleep(100 * time.Millisecond)

		if !criticalReceived.Load() {
			t.Error("expected critical classification to be escalated")
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, nil, eval, advisor)

		cfg := Config{
			TenantIDs: []string{"tenant-a", "tenant-b"},
		}
		w.Start(cfg)
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestEvaluationMessageParsing(t *testing.T) {
	msg := EvaluationMessage{
		SnapshotID: "snap-123",
		TenantID:   "tenant-001",
		TraceID:    "trace-456",
		SnapshotRequest: domain.SnapshotRequest{
			MerchantID:   "merch-001",
			Region:       domain.RegionEU,
			CountryCode:  "DE",
			Metric:       domain.MetricVAMP,
			DisputeRatio: 0.0051,
			DomesticMix:  true,
			AsOfDate:     "2026-08-15",
			CurrencyCode: "EUR",
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed EvaluationMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.MerchantID != msg.MerchantID {
		t.Errorf("expected MerchantID '%s', got '%s'", msg.MerchantID, parsed.MerchantID)
	}
	if parsed.DisputeRatio != msg.DisputeRatio {
		t.Errorf("expected DisputeRatio %v, got %v", msg.DisputeRatio, parsed.DisputeRatio)
	}
	if parsed.TraceID != msg.TraceID {
		t.Errorf("expected TraceID '%s', got '%s'", msg.TraceID, parsed.TraceID)
	}
}
