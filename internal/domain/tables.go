// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Region is a card-network reporting region.
type Region string

const (
	RegionUS    Region = "US"
	RegionEU    Region = "EU"
	RegionCEMEA Region = "CEMEA"
	RegionLAC   Region = "LAC"
	RegionAP    Region = "AP"
)

// KnownRegions lists every region the engine accepts.
var KnownRegions = []Region{RegionUS, RegionEU, RegionCEMEA, RegionLAC, RegionAP}

// Metric identifies a dispute-ratio regime.
type Metric string

const (
	// MetricVAMP is the Visa Acquirer Monitoring Program dispute ratio.
	MetricVAMP Metric = "vamp"

	// MetricPIXMED is the Brazilian PIX MED instant-payment dispute ratio.
	MetricPIXMED Metric = "pix_med"
)

// RegionThreshold holds the official dispute-ratio boundaries for one
// (region, metric) pair. CurrentThreshold is the warning floor today;
// FutureThreshold is the next boundary above it, and becomes the warning
// floor itself once EffectiveDate passes (the "3-month rule" transition).
type RegionThreshold struct {
	Region Region `json:"region"`
	Metric Metric `json:"metric"`

	// Thresholds are fractions, e.g. 0.0065 for 0.65%.
	CurrentThreshold float64 `json:"currentThreshold"`
	FutureThreshold  float64 `json:"futureThreshold"`

	// EffectiveDate is when the future regime takes over.
	EffectiveDate time.Time `json:"effectiveDate"`

	// CriticalMultiplier, when set, derives the red-tier floor as
	// warningFloor * multiplier instead of using FutureThreshold.
	CriticalMultiplier float64 `json:"criticalMultiplier,omitempty"`
}

// RegimeKind labels which threshold regime applied to an evaluation.
type RegimeKind string

const (
	RegimeCurrent RegimeKind = "current"
	RegimeFuture  RegimeKind = "future"
)

// PSPShadowBand is one rung of a PSP's informal risk ladder. PSPs cut
// merchants off well before the official thresholds, so these bands sit
// below the regulatory boundaries.
type PSPShadowBand struct {
	// LowerBound is the dispute-ratio fraction at which the band starts.
	LowerBound float64 `json:"lowerBound"`

	Label       string `json:"label"`
	Consequence string `json:"consequence"`
}

// ExemptionScope constrains which transaction mixes an exemption covers.
type ExemptionScope string

const (
	ScopeDomesticOnly        ExemptionScope = "domestic_only"
	ScopeCrossBorderIncluded ExemptionScope = "cross_border_included"
)

// CountryExemption is a country-specific carve-out from the threshold
// regime. An exemption with a zero ValidUntil is open-ended.
type CountryExemption struct {
	CountryCode string         `json:"countryCode"`
	Scope       ExemptionScope `json:"scope"`
	ValidFrom   time.Time      `json:"validFrom"`
	ValidUntil  time.Time      `json:"validUntil,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// ActiveAt reports whether the exemption covers the given date.
func (e *CountryExemption) ActiveAt(asOf time.Time) bool {
	if asOf.Before(e.ValidFrom) {
		return false
	}
	if !e.ValidUntil.IsZero() && asOf.After(e.ValidUntil) {
		return false
	}
	return true
}

// CurrencyRate converts from the canonical USD base: local amount =
// usd amount * RateToUSD. Rates are approximate and refreshed quarterly.
type CurrencyRate struct {
	CurrencyCode string          `json:"currencyCode"`
	RateToUSD    decimal.Decimal `json:"rateToUsd"`
	AsOf         time.Time       `json:"asOf"`
}

// PenaltyBand maps a risk tier to an illustrative fine range in USD.
// Evaluation uses the band minimum as the conservative estimate.
type PenaltyBand struct {
	Tier   RiskTier        `json:"tier"`
	MinUSD decimal.Decimal `json:"minUsd"`
	MaxUSD decimal.Decimal `json:"maxUsd"`
}

// AdvisoryRule is an operator-authored CEL expression over a snapshot and
// its classification. When the expression evaluates true the advisory
// message is attached to the result for the bot layer to render.
type AdvisoryRule struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	Severity   string `json:"severity"` // "info", "warning", "critical"
	Message    string `json:"message"`
	Action     string `json:"action,omitempty"`
	Enabled    bool   `json:"enabled"`
}

// TableSet is one complete, versioned configuration document. A table set
// is validated as a whole and published atomically; partial updates are
// never visible to evaluations.
type TableSet struct {
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`

	RegionThresholds []RegionThreshold `json:"regionThresholds"`

	// PSPBands is the default shadow ladder; PSPOverrides replaces it
	// for specific PSP IDs.
	PSPBands     []PSPShadowBand            `json:"pspBands"`
	PSPOverrides map[string][]PSPShadowBand `json:"pspOverrides,omitempty"`

	Exemptions    []CountryExemption `json:"exemptions"`
	CurrencyRates []CurrencyRate     `json:"currencyRates"`
	PenaltyBands  []PenaltyBand      `json:"penaltyBands"`
	AdvisoryRules []AdvisoryRule     `json:"advisoryRules,omitempty"`
}
