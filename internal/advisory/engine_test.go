package advisory

import (
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testSnapshot() *domain.MerchantMetricsSnapshot {
	return &domain.MerchantMetricsSnapshot{
		MerchantID:   "merch-001",
		Region:       domain.RegionUS,
		CountryCode:  "US",
		PSPID:        "psp-001",
		Metric:       domain.MetricVAMP,
		DisputeRatio: 0.0055,
	}
}

func testResult(tier domain.RiskTier) *domain.ClassificationResult {
	return &domain.ClassificationResult{
		Tier:         tier,
		PSPRiskLabel: "remediation_required",
	}
}

func TestEngineReload(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	t.Run("CompilesValidRules", func(t *testing.T) {
		err := engine.Reload([]domain.AdvisoryRule{
			{ID: "r1", Expression: "dispute_ratio >= 0.005", Severity: "warning", Message: "m1", Enabled: true},
			{ID: "r2", Expression: "tier == 'green' && psp_band != ''", Severity: "info", Message: "m2", Enabled: true},
		})
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if engine.RulesCount() != 2 {
			t.Errorf("expected 2 rules, got %d", engine.RulesCount())
		}
	})

	t.Run("SkipsDisabledRules", func(t *testing.T) {
		err := engine.Reload([]domain.AdvisoryRule{
			{ID: "r1", Expression: "true", Message: "m1", Enabled: true},
			{ID: "r2", Expression: "true", Message: "m2", Enabled: false},
		})
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if engine.RulesCount() != 1 {
			t.Errorf("expected 1 rule, got %d", engine.RulesCount())
		}
	})

	t.Run("RejectsBadExpression", func(t *testing.T) {
		err := engine.Reload([]domain.AdvisoryRule{
			{ID: "bad", Expression: "dispute_ratio >=", Message: "m", Enabled: true},
		})
		var cfgErr *domain.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigError, got %v", err)
		}
	})

	t.Run("RejectsNonBoolExpression", func(t *testing.T) {
		err := engine.Reload([]domain.AdvisoryRule{
			{ID: "notbool", Expression: "dispute_ratio * 2.0", Message: "m", Enabled: true},
		})
		var cfgErr *domain.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigError for non-bool expression, got %v", err)
		}
	})

	t.Run("RejectsUnknownVariable", func(t *testing.T) {
		err := engine.Reload([]domain.AdvisoryRule{
			{ID: "unknown", Expression: "chargeback_count > 10", Message: "m", Enabled: true},
		})
		var cfgErr *domain.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigError for unknown variable, got %v", err)
		}
	})
}

func TestEngineEvaluate(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	err = engine.Reload([]domain.AdvisoryRule{
		{ID: "near-warning", Expression: "tier == 'green' && dispute_ratio >= 0.005", Severity: "warning", Message: "close to the warning floor", Action: "review disputes", Enabled: true},
		{ID: "psp-band", Expression: "psp_band == 'remediation_required'", Severity: "warning", Message: "PSP remediation band", Enabled: true},
		{ID: "red-alert", Expression: "tier == 'red'", Severity: "critical", Message: "red tier", Enabled: true},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	t.Run("FiringRulesInLoadOrder", func(t *testing.T) {
		advisories := engine.Evaluate(testSnapshot(), testResult(domain.TierGreen))
		if len(advisories) != 2 {
			t.Fatalf("expected 2 advisories, got %d", len(advisories))
		}
		if advisories[0].RuleID != "near-warning" || advisories[1].RuleID != "psp-band" {
			t.Errorf("expected load order, got %s then %s", advisories[0].RuleID, advisories[1].RuleID)
		}
		if advisories[0].Severity != "warning" {
			t.Errorf("expected warning severity, got %s", advisories[0].Severity)
		}
		if advisories[0].Action != "review disputes" {
			t.Errorf("expected action carried through, got %q", advisories[0].Action)
		}
	})

	t.Run("NonMatchingRulesStaySilent", func(t *testing.T) {
		result := testResult(domain.TierWatch)
		result.PSPRiskLabel = ""

		advisories := engine.Evaluate(testSnapshot(), result)
		if len(advisories) != 0 {
			t.Errorf("expected no advisories, got %d", len(advisories))
		}
	})

	t.Run("EmptyRuleSet", func(t *testing.T) {
		empty, err := NewEngine()
		if err != nil {
			t.Fatalf("NewEngine failed: %v", err)
		}
		if advisories := empty.Evaluate(testSnapshot(), testResult(domain.TierGreen)); advisories != nil {
			t.Errorf("expected nil advisories, got %v", advisories)
		}
	})
}
