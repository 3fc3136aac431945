// Package ruleset holds the versioned compliance rule tables and exposes
// read-only lookups over them. A table set is validated as a whole and
// published with a single pointer swap, so concurrent evaluations always
// observe one internally consistent version.
package ruleset

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Store is the process-wide configuration store. Lookups do no I/O and
// take no locks beyond a pointer read; Reload swaps the entire table set
// atomically or not at all.
type Store struct {
	mu     sync.RWMutex
	tables *indexedTables
}

// indexedTables is one published, immutable table-set version with lookup
// indexes built at load time.
type indexedTables struct {
	src *domain.TableSet

	thresholds map[thresholdKey]domain.RegionThreshold
	exemptions map[string][]domain.CountryExemption // by country code
	rates      map[string]domain.CurrencyRate       // by upper-cased code
	penalties  map[domain.RiskTier]domain.PenaltyBand
}

type thresholdKey struct {
	region domain.Region
	metric domain.Metric
}

// New creates a store and loads the initial table set. A validation
// failure is fatal: the engine must not serve without consistent tables.
func New(tables *domain.TableSet) (*Store, error) {
	s := &Store{}
	if err := s.Reload(tables); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload validates the new table set and, only on success, publishes it.
// On failure the previously published tables remain active.
func (s *Store) Reload(tables *domain.TableSet) error {
	indexed, err := buildIndex(tables)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tables = indexed
	s.mu.Unlock()
	return nil
}

func (s *Store) current() *indexedTables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables
}

// Version returns the published table-set version.
func (s *Store) Version() string {
	return s.current().src.Version
}

// LastUpdated returns the published table set's update timestamp.
func (s *Store) LastUpdated() time.Time {
	return s.current().src.LastUpdated
}

// TableSet returns the published source document.
func (s *Store) TableSet() *domain.TableSet {
	return s.current().src
}

// ResolvedRegime is the outcome of regime resolution for one lookup: the
// operative warning floor and the next boundary above it.
type ResolvedRegime struct {
	Row          domain.RegionThreshold
	Kind         domain.RegimeKind
	WarningFloor float64
	RedFloor     float64
}

// RegionThreshold resolves the threshold regime for (region, metric) at
// asOf. Before the row's effective date the current regime applies; on or
// after it, the future thresholds take over.
func (s *Store) RegionThreshold(region domain.Region, metric domain.Metric, asOf time.Time) (*ResolvedRegime, error) {
	t := s.current()

	row, ok := t.thresholds[thresholdKey{region: region, metric: metric}]
	if !ok {
		return nil, &domain.UnknownRegionError{Region: region, Metric: metric, AsOf: asOf}
	}

	resolved := &ResolvedRegime{Row: row}
	if asOf.Before(row.EffectiveDate) {
		resolved.Kind = domain.RegimeCurrent
		resolved.WarningFloor = row.CurrentThreshold
		if row.CriticalMultiplier > 0 {
			resolved.RedFloor = row.CurrentThreshold * row.CriticalMultiplier
		} else {
			resolved.RedFloor = row.FutureThreshold
		}
	} else {
		resolved.Kind = domain.RegimeFuture
		resolved.WarningFloor = row.FutureThreshold
		multiplier := row.CriticalMultiplier
		if multiplier <= 0 {
			multiplier = defaultCriticalMultiplier
		}
		resolved.RedFloor = row.FutureThreshold * multiplier
	}

	return resolved, nil
}

// defaultCriticalMultiplier derives the red floor under the future regime
// when the row does not configure one.
const defaultCriticalMultiplier = 1.5

// PSPBand returns the highest shadow band whose lower bound is at or below
// the observed ratio, using the PSP-specific ladder when one exists. A nil
// return means the ratio sits below all bands: no elevated PSP risk.
func (s *Store) PSPBand(pspID string, ratio float64) *domain.PSPShadowBand {
	t := s.current()

	bands := t.src.PSPBands
	if pspID != "" {
		if override, ok := t.src.PSPOverrides[pspID]; ok {
			bands = override
		}
	}

	// Bands are validated strictly increasing, so the last qualifying
	// band is the highest.
	var match *domain.PSPShadowBand
	for i := range bands {
		if ratio >= bands[i].LowerBound {
			match = &bands[i]
		}
	}
	return match
}

// TerminalBand returns the highest band of the ladder that applies to the
// given PSP, or nil when the ladder is empty.
func (s *Store) TerminalBand(pspID string) *domain.PSPShadowBand {
	t := s.current()

	bands := t.src.PSPBands
	if pspID != "" {
		if override, ok := t.src.PSPOverrides[pspID]; ok {
			bands = override
		}
	}
	if len(bands) == 0 {
		return nil
	}
	return &bands[len(bands)-1]
}

// Exemption returns the exemption active for the country at asOf, else nil.
func (s *Store) Exemption(countryCode string, asOf time.Time) *domain.CountryExemption {
	t := s.current()

	for i := range t.exemptions[strings.ToUpper(countryCode)] {
		e := &t.exemptions[strings.ToUpper(countryCode)][i]
		if e.ActiveAt(asOf) {
			return e
		}
	}
	return nil
}

// Convert converts a USD amount into the target currency. USD amounts are
// canonical; every other currency is derived by multiplication. A missing
// rate is a CurrencyError: the engine never substitutes a default rate.
func (s *Store) Convert(amountUSD decimal.Decimal, currency string) (decimal.Decimal, error) {
	code := strings.ToUpper(currency)
	if code == "USD" || code == "" {
		return amountUSD, nil
	}

	rate, ok := s.current().rates[code]
	if !ok {
		return decimal.Zero, &domain.CurrencyError{Currency: code}
	}
	return amountUSD.Mul(rate.RateToUSD).Round(2), nil
}

// PenaltyFloor returns the conservative (lowest) illustrative fine in USD
// for the tier. Tiers with no configured band estimate zero.
func (s *Store) PenaltyFloor(tier domain.RiskTier) decimal.Decimal {
	band, ok := s.current().penalties[tier]
	if !ok {
		return decimal.Zero
	}
	return band.MinUSD
}

// AdvisoryRules returns the published advisory rules.
func (s *Store) AdvisoryRules() []domain.AdvisoryRule {
	return s.current().src.AdvisoryRules
}

// buildIndex validates the table set and builds lookup indexes.
func buildIndex(tables *domain.TableSet) (*indexedTables, error) {
	if tables == nil {
		return nil, domain.NewConfigError("table_set", "table set is required")
	}
	if err := Validate(tables); err != nil {
		return nil, err
	}

	idx := &indexedTables{
		src:        tables,
		thresholds: make(map[thresholdKey]domain.RegionThreshold, len(tables.RegionThresholds)),
		exemptions: make(map[string][]domain.CountryExemption),
		rates:      make(map[string]domain.CurrencyRate, len(tables.CurrencyRates)),
		penalties:  make(map[domain.RiskTier]domain.PenaltyBand, len(tables.PenaltyBands)),
	}

	for _, row := range tables.RegionThresholds {
		idx.thresholds[thresholdKey{region: row.Region, metric: row.Metric}] = row
	}
	for _, e := range tables.Exemptions {
		code := strings.ToUpper(e.CountryCode)
		idx.exemptions[code] = append(idx.exemptions[code], e)
	}
	// Newest exemption first, so the most recently granted one wins when
	// windows overlap.
	for code := range idx.exemptions {
		list := idx.exemptions[code]
		sort.Slice(list, func(i, j int) bool {
			return list[i].ValidFrom.After(list[j].ValidFrom)
		})
		idx.exemptions[code] = list
	}
	for _, r := range tables.CurrencyRates {
		idx.rates[strings.ToUpper(r.CurrencyCode)] = r
	}
	for _, p := range tables.PenaltyBands {
		idx.penalties[p.Tier] = p
	}

	return idx, nil
}
