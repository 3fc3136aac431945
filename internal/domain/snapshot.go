package domain

import (
	"time"
)

// MerchantMetricsSnapshot is the evaluator input: one merchant's observed
// metrics and jurisdiction at a point in time. Snapshots are transient,
// created per evaluation call and owned by the caller; the engine never
// mutates or retains one.
type MerchantMetricsSnapshot struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	MerchantID string `json:"merchantId"`

	Region      Region `json:"region"`
	CountryCode string `json:"countryCode"`
	PSPID       string `json:"pspId,omitempty"`
	Metric      Metric `json:"metric"`

	// DisputeRatio is a fraction, e.g. 0.0065 for 0.65%.
	DisputeRatio float64 `json:"disputeRatio"`

	// DomesticMix reports whether both legs of the merchant's
	// transaction mix are domestic for CountryCode.
	DomesticMix bool `json:"domesticMix"`

	AsOfDate     time.Time `json:"asOfDate"`
	CurrencyCode string    `json:"currencyCode"`
}

// SnapshotRequest is the API request payload for an evaluation.
type SnapshotRequest struct {
	MerchantID   string  `json:"merchantId"`
	Region       Region  `json:"region"`
	CountryCode  string  `json:"countryCode"`
	PSPID        string  `json:"pspId,omitempty"`
	Metric       Metric  `json:"metric"`
	DisputeRatio float64 `json:"disputeRatio"`
	DomesticMix  bool    `json:"domesticMix"`
	AsOfDate     string  `json:"asOfDate,omitempty"` // YYYY-MM-DD, defaults to today
	CurrencyCode string  `json:"currencyCode,omitempty"`
}

// ToSnapshot converts a request into a snapshot. The caller supplies the
// generated ID and tenant.
func (r *SnapshotRequest) ToSnapshot(id, tenantID string) (*MerchantMetricsSnapshot, error) {
	asOf := time.Now().UTC()
	if r.AsOfDate != "" {
		parsed, err := time.Parse("2006-01-02", r.AsOfDate)
		if err != nil {
			return nil, err
		}
		asOf = parsed
	}

	currency := r.CurrencyCode
	if currency == "" {
		currency = "USD"
	}

	return &MerchantMetricsSnapshot{
		ID:           id,
		TenantID:     tenantID,
		MerchantID:   r.MerchantID,
		Region:       r.Region,
		CountryCode:  r.CountryCode,
		PSPID:        r.PSPID,
		Metric:       r.Metric,
		DisputeRatio: r.DisputeRatio,
		DomesticMix:  r.DomesticMix,
		AsOfDate:     asOf,
		CurrencyCode: currency,
	}, nil
}
