package ruleset

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var knownRegions = func() map[domain.Region]bool {
	m := make(map[domain.Region]bool, len(domain.KnownRegions))
	for _, r := range domain.KnownRegions {
		m[r] = true
	}
	return m
}()

var knownTiers = map[domain.RiskTier]bool{
	domain.TierGreen:    true,
	domain.TierWatch:    true,
	domain.TierRed:      true,
	domain.TierCritical: true,
}

// Validate checks the structural integrity of a table set. All shape and
// consistency errors surface here, at the load boundary, so evaluation
// never has to handle malformed rows.
func Validate(tables *domain.TableSet) error {
	if tables.Version == "" {
		return domain.NewConfigError("table_set", "version is required")
	}

	if err := validateThresholds(tables.RegionThresholds); err != nil {
		return err
	}

	if err := validateBands("psp_bands", tables.PSPBands); err != nil {
		return err
	}
	for pspID, bands := range tables.PSPOverrides {
		if err := validateBands("psp_overrides["+pspID+"]", bands); err != nil {
			return err
		}
	}

	if err := validateExemptions(tables.Exemptions); err != nil {
		return err
	}
	if err := validateRates(tables.CurrencyRates); err != nil {
		return err
	}
	if err := validatePenalties(tables.PenaltyBands); err != nil {
		return err
	}
	return validateAdvisories(tables.AdvisoryRules)
}

func validateThresholds(rows []domain.RegionThreshold) error {
	seen := make(map[thresholdKey]bool, len(rows))

	for _, row := range rows {
		if !knownRegions[row.Region] {
			return domain.NewConfigError("region_thresholds", "unknown region %q", row.Region)
		}
		if row.Metric == "" {
			return domain.NewConfigError("region_thresholds", "%s: metric is required", row.Region)
		}
		if row.CurrentThreshold <= 0 {
			return domain.NewConfigError("region_thresholds",
				"%s/%s: current threshold must be positive, got %v", row.Region, row.Metric, row.CurrentThreshold)
		}
		// The future threshold is the next tier boundary above the
		// warning floor; a future value at or below current would
		// collapse the watch band. Enforced, never auto-corrected.
		if row.FutureThreshold <= row.CurrentThreshold {
			return domain.NewConfigError("region_thresholds",
				"%s/%s: future threshold %v must exceed current threshold %v",
				row.Region, row.Metric, row.FutureThreshold, row.CurrentThreshold)
		}
		if row.EffectiveDate.IsZero() {
			return domain.NewConfigError("region_thresholds",
				"%s/%s: effective date is required", row.Region, row.Metric)
		}
		if row.CriticalMultiplier < 0 {
			return domain.NewConfigError("region_thresholds",
				"%s/%s: critical multiplier must not be negative", row.Region, row.Metric)
		}

		key := thresholdKey{region: row.Region, metric: row.Metric}
		if seen[key] {
			return domain.NewConfigError("region_thresholds",
				"duplicate row for %s/%s: at most one regime per region and metric", row.Region, row.Metric)
		}
		seen[key] = true
	}
	return nil
}

func validateBands(table string, bands []domain.PSPShadowBand) error {
	prev := -1.0
	for _, b := range bands {
		if b.LowerBound <= 0 {
			return domain.NewConfigError(table, "band %q: lower bound must be positive", b.Label)
		}
		if b.LowerBound <= prev {
			return domain.NewConfigError(table,
				"band %q: lower bounds must be strictly increasing (%v after %v)", b.Label, b.LowerBound, prev)
		}
		if b.Label == "" {
			return domain.NewConfigError(table, "band at %v: label is required", b.LowerBound)
		}
		prev = b.LowerBound
	}
	return nil
}

func validateExemptions(exemptions []domain.CountryExemption) error {
	for _, e := range exemptions {
		code := strings.ToUpper(e.CountryCode)
		if len(code) != 2 {
			return domain.NewConfigError("exemptions", "invalid country code %q", e.CountryCode)
		}
		if e.Scope != domain.ScopeDomesticOnly && e.Scope != domain.ScopeCrossBorderIncluded {
			return domain.NewConfigError("exemptions", "%s: unknown scope %q", code, e.Scope)
		}
		if e.ValidFrom.IsZero() {
			return domain.NewConfigError("exemptions", "%s: valid_from is required", code)
		}
		if !e.ValidUntil.IsZero() && e.ValidUntil.Before(e.ValidFrom) {
			return domain.NewConfigError("exemptions",
				"%s: valid_until %s precedes valid_from %s",
				code, e.ValidUntil.Format("2006-01-02"), e.ValidFrom.Format("2006-01-02"))
		}
	}
	return nil
}

func validateRates(rates []domain.CurrencyRate) error {
	seen := make(map[string]bool, len(rates))
	for _, r := range rates {
		code := strings.ToUpper(r.CurrencyCode)
		if len(code) != 3 {
			return domain.NewConfigError("currency_rates", "invalid currency code %q", r.CurrencyCode)
		}
		if !r.RateToUSD.IsPositive() {
			return domain.NewConfigError("currency_rates", "%s: rate must be positive, got %s", code, r.RateToUSD)
		}
		if seen[code] {
			return domain.NewConfigError("currency_rates", "duplicate rate for %s", code)
		}
		seen[code] = true
	}
	return nil
}

func validatePenalties(bands []domain.PenaltyBand) error {
	seen := make(map[domain.RiskTier]bool, len(bands))
	prevMin := decimal.NewFromInt(-1)

	for _, b := range bands {
		if !knownTiers[b.Tier] {
			return domain.NewConfigError("penalty_bands", "unknown tier %q", b.Tier)
		}
		if b.MinUSD.IsNegative() {
			return domain.NewConfigError("penalty_bands", "%s: minimum must not be negative", b.Tier)
		}
		if b.MaxUSD.LessThan(b.MinUSD) {
			return domain.NewConfigError("penalty_bands",
				"%s: maximum %s below minimum %s", b.Tier, b.MaxUSD, b.MinUSD)
		}
		if seen[b.Tier] {
			return domain.NewConfigError("penalty_bands", "duplicate band for tier %s", b.Tier)
		}
		if b.MinUSD.LessThan(prevMin) {
			return domain.NewConfigError("penalty_bands",
				"%s: band minimums must not decrease across tiers", b.Tier)
		}
		seen[b.Tier] = true
		prevMin = b.MinUSD
	}
	return nil
}

func validateAdvisories(rules []domain.AdvisoryRule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return domain.NewConfigError("advisory_rules", "rule id is required")
		}
		if seen[r.ID] {
			return domain.NewConfigError("advisory_rules", "duplicate rule id %q", r.ID)
		}
		if r.Expression == "" {
			return domain.NewConfigError("advisory_rules", "%s: expression is required", r.ID)
		}
		if r.Message == "" {
			return domain.NewConfigError("advisory_rules", "%s: message is required", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}
