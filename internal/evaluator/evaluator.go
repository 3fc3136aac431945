// Package evaluator turns one merchant metrics snapshot into one
// classification result. The pipeline is a fixed linear order — exemption,
// regime, tier, PSP band, penalty — and every stage executed appends an
// audit entry, so two evaluations of the same input produce identical
// trails.
package evaluator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ruleset"
	"github.com/shopspring/decimal"
)

// EngineVersion is reported in result metadata.
const EngineVersion = "kestrel-1.0"

// Evaluator classifies merchant snapshots against the published rule
// tables. It holds no per-call state; any number of Evaluate calls may run
// concurrently.
type Evaluator struct {
	store *ruleset.Store
}

// New creates an evaluator over the given store.
func New(store *ruleset.Store) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate classifies a snapshot. It returns UnknownRegionError when no
// threshold mapping exists for the snapshot's region and metric; a missing
// currency rate only degrades the penalty estimate, never the call.
func (e *Evaluator) Evaluate(snap *domain.MerchantMetricsSnapshot) (*domain.ClassificationResult, error) {
	if snap == nil {
		return nil, errors.New("snapshot is required")
	}

	result := &domain.ClassificationResult{
		ID:            uuid.New().String(),
		TenantID:      snap.TenantID,
		SnapshotID:    snap.ID,
		MerchantID:    snap.MerchantID,
		TablesVersion: e.store.Version(),
		EvaluatedAt:   time.Now().UTC(),
	}

	// Stage 1: exemption check. A qualifying exemption short-circuits
	// the threshold math; the PSP band is still computed for display.
	if exemption := e.checkExemption(snap, result); exemption {
		e.attachPSPBand(snap, result)
		e.estimatePenalty(snap, result)
		return result, nil
	}

	// Stage 2: regime resolution. Thresholds are regulatory, so a
	// missing mapping aborts this call rather than defaulting.
	regime, err := e.store.RegionThreshold(snap.Region, snap.Metric, snap.AsOfDate)
	if err != nil {
		result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
			RuleID:  regimeRuleID(snap.Region, snap.Metric),
			Kind:    domain.AuditRegime,
			Outcome: "no threshold mapping",
		})
		return nil, err
	}
	result.Regime = regime.Kind
	result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
		RuleID: regimeRuleID(snap.Region, snap.Metric),
		Kind:   domain.AuditRegime,
		Outcome: fmt.Sprintf("%s regime: warning floor %v, red floor %v",
			regime.Kind, regime.WarningFloor, regime.RedFloor),
	})

	// Stage 3: tier classification. Boundary-equal ratios classify into
	// the stricter tier: thresholds are inclusive floors.
	tier := domain.TierGreen
	switch {
	case snap.DisputeRatio >= regime.RedFloor:
		tier = domain.TierRed
	case snap.DisputeRatio >= regime.WarningFloor:
		tier = domain.TierWatch
	}

	// PSP escalation: at or above the PSP's terminal shadow band the
	// real-world consequence (termination) outruns any regulatory label.
	band := e.store.PSPBand(snap.PSPID, snap.DisputeRatio)
	if terminal := e.store.TerminalBand(snap.PSPID); terminal != nil && snap.DisputeRatio >= terminal.LowerBound {
		tier = domain.TierCritical
	}
	result.Tier = tier
	result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
		RuleID:  "tier:" + string(snap.Region) + ":" + string(snap.Metric),
		Kind:    domain.AuditTier,
		Outcome: fmt.Sprintf("ratio %v classified %s", snap.DisputeRatio, tier),
	})

	// Stage 4: PSP band attachment (informational, already computed).
	recordPSPBand(result, band)

	// Stage 5: penalty estimation.
	e.estimatePenalty(snap, result)

	return result, nil
}

// checkExemption runs stage 1 and reports whether the snapshot is exempt.
func (e *Evaluator) checkExemption(snap *domain.MerchantMetricsSnapshot, result *domain.ClassificationResult) bool {
	exemption := e.store.Exemption(snap.CountryCode, snap.AsOfDate)
	if exemption == nil {
		result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
			RuleID:  "exemption:" + snap.CountryCode,
			Kind:    domain.AuditExemption,
			Outcome: "no active exemption",
		})
		return false
	}

	qualifies := exemption.Scope == domain.ScopeCrossBorderIncluded || snap.DomesticMix
	if !qualifies {
		result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
			RuleID:  "exemption:" + snap.CountryCode,
			Kind:    domain.AuditExemption,
			Outcome: "exemption present but transaction mix not domestic",
		})
		return false
	}

	result.Tier = domain.TierGreen
	result.ExemptionApplied = true
	result.ExemptionReason = exemptionReason(exemption)
	result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
		RuleID:  "exemption:" + snap.CountryCode,
		Kind:    domain.AuditExemption,
		Outcome: "exempt: " + result.ExemptionReason,
	})
	return true
}

// attachPSPBand runs the informational PSP lookup on the exempt path.
func (e *Evaluator) attachPSPBand(snap *domain.MerchantMetricsSnapshot, result *domain.ClassificationResult) {
	recordPSPBand(result, e.store.PSPBand(snap.PSPID, snap.DisputeRatio))
}

func recordPSPBand(result *domain.ClassificationResult, band *domain.PSPShadowBand) {
	if band == nil {
		result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
			RuleID:  "psp_band",
			Kind:    domain.AuditPSPBand,
			Outcome: "below all shadow bands",
		})
		return
	}
	result.PSPRiskLabel = band.Label
	result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
		RuleID:  "psp_band:" + band.Label,
		Kind:    domain.AuditPSPBand,
		Outcome: band.Consequence,
	})
}

// estimatePenalty runs stage 5. Conversion failures degrade the estimate
// to unavailable; the classification itself stands.
func (e *Evaluator) estimatePenalty(snap *domain.MerchantMetricsSnapshot, result *domain.ClassificationResult) {
	floorUSD := decimal.Zero
	if !result.ExemptionApplied {
		floorUSD = e.store.PenaltyFloor(result.Tier)
	}

	amount, err := e.store.Convert(floorUSD, snap.CurrencyCode)
	if err != nil {
		var currencyErr *domain.CurrencyError
		outcome := "conversion failed"
		if errors.As(err, &currencyErr) {
			outcome = fmt.Sprintf("no rate for %s; estimate unavailable", currencyErr.Currency)
		}
		result.PenaltyEstimate = domain.PenaltyEstimate{
			CurrencyCode: snap.CurrencyCode,
			Available:    false,
		}
		result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
			RuleID:  "penalty:" + string(result.Tier),
			Kind:    domain.AuditPenalty,
			Outcome: outcome,
		})
		return
	}

	result.PenaltyEstimate = domain.PenaltyEstimate{
		Amount:       amount,
		CurrencyCode: normalizeCurrency(snap.CurrencyCode),
		Available:    true,
	}
	result.AuditTrail = append(result.AuditTrail, domain.AuditEntry{
		RuleID:  "penalty:" + string(result.Tier),
		Kind:    domain.AuditPenalty,
		Outcome: fmt.Sprintf("illustrative floor %s USD -> %s %s", floorUSD, amount, result.PenaltyEstimate.CurrencyCode),
	})
}

func normalizeCurrency(code string) string {
	if code == "" {
		return "USD"
	}
	return code
}

func regimeRuleID(region domain.Region, metric domain.Metric) string {
	return "regime:" + string(region) + ":" + string(metric)
}

func exemptionReason(e *domain.CountryExemption) string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("%s exemption (%s)", e.CountryCode, e.Scope)
}
