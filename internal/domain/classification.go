package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskTier is the classified compliance tier for a snapshot.
type RiskTier string

const (
	TierGreen    RiskTier = "green"
	TierWatch    RiskTier = "watch"
	TierRed      RiskTier = "red"
	TierCritical RiskTier = "critical"
)

// rank orders tiers from least to most severe.
var tierRank = map[RiskTier]int{
	TierGreen:    0,
	TierWatch:    1,
	TierRed:      2,
	TierCritical: 3,
}

// Stricter reports whether a is a more severe tier than b.
func Stricter(a, b RiskTier) bool {
	return tierRank[a] > tierRank[b]
}

// AuditKind identifies which pipeline stage produced an audit entry.
type AuditKind string

const (
	AuditExemption AuditKind = "exemption"
	AuditRegime    AuditKind = "regime"
	AuditTier      AuditKind = "tier"
	AuditPSPBand   AuditKind = "psp_band"
	AuditPenalty   AuditKind = "penalty"
)

// AuditEntry records one rule consultation during evaluation. Entries are
// appended in evaluation order so the full decision path can be replayed.
type AuditEntry struct {
	RuleID  string    `json:"ruleId"`
	Kind    AuditKind `json:"kind"`
	Outcome string    `json:"outcome"`
}

// PenaltyEstimate is an illustrative fine amount in the merchant's
// currency. Available is false when no rate exists for the requested
// currency; the caller must fall back to USD display.
type PenaltyEstimate struct {
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currencyCode"`
	Available    bool            `json:"available"`
}

// Advisory is a triggered advisory-rule message attached to a result.
type Advisory struct {
	RuleID   string `json:"ruleId"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Action   string `json:"action,omitempty"`
}

// ClassificationResult is the evaluator output: immutable once produced,
// owned by the caller.
type ClassificationResult struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	SnapshotID string `json:"snapshotId"`
	MerchantID string `json:"merchantId"`

	Tier   RiskTier   `json:"tier"`
	Regime RegimeKind `json:"applicableRegime"`

	ExemptionApplied bool   `json:"exemptionApplied"`
	ExemptionReason  string `json:"exemptionReason,omitempty"`

	PSPRiskLabel string `json:"pspRiskLabel,omitempty"`

	PenaltyEstimate PenaltyEstimate `json:"penaltyEstimate"`

	AuditTrail []AuditEntry `json:"auditTrail"`
	Advisories []Advisory   `json:"advisories,omitempty"`

	TablesVersion string    `json:"tablesVersion"`
	EvaluatedAt   time.Time `json:"evaluatedAt"`
}

// ClassificationResponse is the API response for an evaluation.
type ClassificationResponse struct {
	ClassificationID string          `json:"classificationId"`
	SnapshotID       string          `json:"snapshotId"`
	MerchantID       string          `json:"merchantId"`
	Tier             RiskTier        `json:"tier"`
	Regime           RegimeKind      `json:"applicableRegime"`
	ExemptionApplied bool            `json:"exemptionApplied"`
	ExemptionReason  string          `json:"exemptionReason,omitempty"`
	PSPRiskLabel     string          `json:"pspRiskLabel,omitempty"`
	PenaltyEstimate  PenaltyEstimate `json:"penaltyEstimate"`
	Advisories       []Advisory      `json:"advisories,omitempty"`
	AuditTrail       []AuditEntry    `json:"auditTrail"`

	Metadata ClassificationMetadata `json:"metadata"`
}

// ClassificationMetadata carries processing information for the response.
type ClassificationMetadata struct {
	TraceID       string `json:"traceId"`
	TotalMs       int64  `json:"totalMs"`
	TablesVersion string `json:"tablesVersion"`
	EngineVersion string `json:"engineVersion"`
	Evaluations   int64  `json:"evaluationsToday,omitempty"`
}

// ToResponse converts a result into the API response shape.
func (c *ClassificationResult) ToResponse() *ClassificationResponse {
	return &ClassificationResponse{
		ClassificationID: c.ID,
		SnapshotID:       c.SnapshotID,
		MerchantID:       c.MerchantID,
		Tier:             c.Tier,
		Regime:           c.Regime,
		ExemptionApplied: c.ExemptionApplied,
		ExemptionReason:  c.ExemptionReason,
		PSPRiskLabel:     c.PSPRiskLabel,
		PenaltyEstimate:  c.PenaltyEstimate,
		Advisories:       c.Advisories,
		AuditTrail:       c.AuditTrail,
		Metadata: ClassificationMetadata{
			TablesVersion: c.TablesVersion,
		},
	}
}
