//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel threshold engine.
//
// These tests verify the COMPLETE evaluation pipeline:
//
//	Snapshot → Exemption → Regime → Tier → PSP Band → Penalty
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. SNAPSHOT: One merchant's dispute metrics at a point in time
//
// 2. REGIME: Which threshold generation applies. Before a row's effective
//    date the current thresholds hold; on or after it the future ones do.
//
// 3. TIER: green / watch / red / critical. Thresholds are inclusive
//    floors, so a boundary-equal ratio lands in the stricter tier.
//
// 4. PSP BAND: The informal ladder PSPs act on before any network
//    program does. Reaching the terminal band escalates the tier to
//    critical regardless of the regulatory math.
//
// 5. EXEMPTION: A country carve-out. A qualifying exemption forces green
//    and zeroes the penalty; the PSP band is still reported.
//
// REQUIRED TABLES (must be published before running tests):
//
// Start Kestrel with the repository seed document:
//   KESTREL_TABLES=./config/tables.json go run cmd/kestrel/main.go
//
// | Table row              | Values                                      |
// |------------------------|---------------------------------------------|
// | US/vamp                | 0.0065 current, 0.01 future (2026-10-01)    |
// | PSP bands              | 0.003 / 0.005 / 0.009                       |
// | BR exemption           | domestic_only, open-ended                   |
// | watch penalty band     | 5,000 - 25,000 USD                          |
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// EvaluateRequest is the snapshot sent to POST /evaluate
type EvaluateRequest struct {
	MerchantID   string  `json:"merchantId"`
	Region       string  `json:"region"`
	CountryCode  string  `json:"countryCode"`
	PSPID        string  `json:"pspId,omitempty"`
	Metric       string  `json:"metric"`
	DisputeRatio float64 `json:"disputeRatio"`
	DomesticMix  bool    `json:"domesticMix"`
	AsOfDate     string  `json:"asOfDate,omitempty"`
	CurrencyCode string  `json:"currencyCode,omitempty"`
}

// EvaluateResponse is what POST /evaluate returns
type EvaluateResponse struct {
	ClassificationID string           `json:"classificationId"`
	SnapshotID       string           `json:"snapshotId"`
	MerchantID       string           `json:"merchantId"`
	Tier             string           `json:"tier"`
	Regime           string           `json:"applicableRegime"`
	ExemptionApplied bool             `json:"exemptionApplied"`
	ExemptionReason  string           `json:"exemptionReason"`
	PSPRiskLabel     string           `json:"pspRiskLabel"`
	PenaltyEstimate  PenaltyEstimate  `json:"penaltyEstimate"`
	AuditTrail       []AuditEntry     `json:"auditTrail"`
	Metadata         ResponseMetadata `json:"metadata"`
}

type PenaltyEstimate struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
	Available    bool   `json:"available"`
}

type AuditEntry struct {
	RuleID  string `json:"ruleId"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
}

type ResponseMetadata struct {
	TraceID       string `json:"traceId"`
	TotalMs       int64  `json:"totalMs"`
	TablesVersion string `json:"tablesVersion"`
	EngineVersion string `json:"engineVersion"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func evaluate(t *testing.T, config TestConfig, req EvaluateRequest) EvaluateResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var result EvaluateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}

	return result
}

func postEvaluate(t *testing.T, config TestConfig, req EvaluateRequest, withTenant bool) *http.Response {
	t.Helper()

	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/evaluate", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if withTenant {
		httpReq.Header.Set("X-Tenant-ID", config.TenantID)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

// ============================================================================
// SCENARIO 1: Clean Merchant (Green Tier)
// ============================================================================

func TestCleanMerchant_Green(t *testing.T) {
	/*
	   SCENARIO: A US merchant running a 0.1% dispute ratio

	   EXPECTED BEHAVIOR:
	   - No exemption for US
	   - Current regime applies (as-of predates 2026-10-01)
	   - 0.001 < 0.0065 warning floor → green
	   - 0.001 below all PSP bands → no PSP risk label
	   - Green carries no penalty floor
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-clean-001",
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.001,
		AsOfDate:     "2026-08-15",
	})

	if result.Tier != "green" {
		t.Errorf("Expected green tier, got %s", result.Tier)
	}
	if result.Regime != "current" {
		t.Errorf("Expected current regime, got %s", result.Regime)
	}
	if result.PSPRiskLabel != "" {
		t.Errorf("Expected no PSP risk label, got %s", result.PSPRiskLabel)
	}
	if result.ExemptionApplied {
		t.Error("Expected no exemption for US")
	}

	t.Logf("✓ Clean merchant: tier=%s, regime=%s", result.Tier, result.Regime)
}

// ============================================================================
// SCENARIO 2: Warning Floor Boundary
// ============================================================================

func TestExactWarningFloor_Watch(t *testing.T) {
	/*
	   SCENARIO: Dispute ratio exactly at the 0.65% warning floor

	   EXPECTED BEHAVIOR:
	   - Thresholds are inclusive floors: 0.0065 >= 0.0065 → watch
	   - 0.0065 sits in the remediation_required PSP band (>= 0.005)
	   - Watch tier carries the 5,000 USD conservative penalty floor

	   WHY THIS TEST:
	   Boundary conditions catch off-by-one errors in threshold logic.
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-boundary-001",
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.0065,
		AsOfDate:     "2026-08-15",
	})

	if result.Tier != "watch" {
		t.Errorf("Expected watch at exact floor (inclusive), got %s", result.Tier)
	}
	if result.PSPRiskLabel != "remediation_required" {
		t.Errorf("Expected remediation_required band, got %s", result.PSPRiskLabel)
	}
	if !result.PenaltyEstimate.Available {
		t.Error("Expected penalty estimate available")
	}
	if result.PenaltyEstimate.Amount != "5000" {
		t.Errorf("Expected 5000 USD penalty floor, got %s", result.PenaltyEstimate.Amount)
	}

	t.Logf("✓ Boundary: 0.0065 exactly → tier=%s, band=%s", result.Tier, result.PSPRiskLabel)
}

func TestJustBelowWarningFloor_Green(t *testing.T) {
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-below-001",
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.0064,
		AsOfDate:     "2026-08-15",
	})

	if result.Tier != "green" {
		t.Errorf("Expected green just below the floor, got %s", result.Tier)
	}

	t.Logf("✓ Just below floor: 0.0064 → tier=%s", result.Tier)
}

// ============================================================================
// SCENARIO 3: Regime Transition
// ============================================================================

func TestRegimeTransition(t *testing.T) {
	/*
	   SCENARIO: The same 0.8% ratio evaluated either side of 2026-10-01

	   EXPECTED BEHAVIOR:
	   - Before: current regime, 0.008 >= 0.0065 → watch
	   - On/after: future regime, 0.008 < 0.01 → green

	   WHY THIS MATTERS:
	   The threshold transition relaxes the warning floor. A merchant can
	   legitimately move DOWN a tier when the future regime lands.
	*/
	config := getTestConfig()

	req := EvaluateRequest{
		MerchantID:   "merch-regime-001",
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.008,
	}

	req.AsOfDate = "2026-09-30"
	before := evaluate(t, config, req)
	if before.Regime != "current" || before.Tier != "watch" {
		t.Errorf("Expected current/watch before transition, got %s/%s", before.Regime, before.Tier)
	}

	req.AsOfDate = "2026-10-01"
	after := evaluate(t, config, req)
	if after.Regime != "future" || after.Tier != "green" {
		t.Errorf("Expected future/green on transition date, got %s/%s", after.Regime, after.Tier)
	}

	t.Logf("✓ Regime transition: 0.008 → %s before, %s after", before.Tier, after.Tier)
}

// ============================================================================
// SCENARIO 4: PSP Terminal Band Escalation
// ============================================================================

func TestTerminalBand_Critical(t *testing.T) {
	/*
	   SCENARIO: A 0.9% ratio, at the terminal PSP shadow band

	   EXPECTED BEHAVIOR:
	   - Regulatory math alone: 0.009 < 0.00975 red floor → watch
	   - BUT 0.009 >= 0.009 terminal band → escalated to critical

	   WHY THIS MATTERS:
	   PSPs terminate merchants before any network program acts. The tier
	   reflects the real-world consequence, not just the regulatory label.
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-terminal-001",
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.009,
		AsOfDate:     "2026-08-15",
	})

	if result.Tier != "critical" {
		t.Errorf("Expected critical via terminal band, got %s", result.Tier)
	}
	if result.PSPRiskLabel != "termination_likely" {
		t.Errorf("Expected termination_likely band, got %s", result.PSPRiskLabel)
	}

	t.Logf("✓ Terminal band escalation: 0.009 → tier=%s", result.Tier)
}

// ============================================================================
// SCENARIO 5: Country Exemption
// ============================================================================

func TestBrazilDomesticExemption(t *testing.T) {
	/*
	   SCENARIO: A BR merchant with a domestic mix and a ratio that would
	   otherwise classify critical

	   EXPECTED BEHAVIOR:
	   - BR domestic_only exemption is active and the mix qualifies
	   - Tier forced green, exemption reason attached
	   - PSP band still reported (informational)
	   - Penalty estimate zero
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-br-001",
		Region:       "LAC",
		CountryCode:  "BR",
		Metric:       "pix_med",
		DisputeRatio: 0.02,
		DomesticMix:  true,
		AsOfDate:     "2026-08-15",
		CurrencyCode: "BRL",
	})

	if result.Tier != "green" {
		t.Errorf("Expected green for exempt merchant, got %s", result.Tier)
	}
	if !result.ExemptionApplied {
		t.Error("Expected exemption applied")
	}
	if result.PSPRiskLabel != "termination_likely" {
		t.Errorf("Expected PSP band still reported, got %q", result.PSPRiskLabel)
	}
	if result.PenaltyEstimate.Amount != "0" {
		t.Errorf("Expected zero penalty for exempt merchant, got %s", result.PenaltyEstimate.Amount)
	}

	t.Logf("✓ Exempt merchant: tier=%s, reason=%q", result.Tier, result.ExemptionReason)
}

func TestBrazilCrossBorder_NotExempt(t *testing.T) {
	/*
	   SCENARIO: Same BR merchant, but the mix includes cross-border volume

	   EXPECTED: domestic_only scope does not cover it → full pipeline runs
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-br-002",
		Region:       "LAC",
		CountryCode:  "BR",
		Metric:       "pix_med",
		DisputeRatio: 0.02,
		DomesticMix:  false,
		AsOfDate:     "2026-08-15",
	})

	if result.ExemptionApplied {
		t.Error("Expected no exemption for cross-border mix")
	}
	if result.Tier != "critical" {
		t.Errorf("Expected critical without the exemption, got %s", result.Tier)
	}

	t.Logf("✓ Cross-border mix: tier=%s", result.Tier)
}

// ============================================================================
// SCENARIO 6: Audit Trail
// ============================================================================

func TestAuditTrailComplete(t *testing.T) {
	/*
	   SCENARIO: Verify every pipeline stage leaves an audit entry

	   The trail is the compliance artifact: exemption, regime, tier,
	   psp_band, penalty, in that order.
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-audit-001",
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.007,
		AsOfDate:     "2026-08-15",
	})

	want := []string{"exemption", "regime", "tier", "psp_band", "penalty"}
	if len(result.AuditTrail) != len(want) {
		t.Fatalf("Expected %d audit entries, got %d: %+v", len(want), len(result.AuditTrail), result.AuditTrail)
	}
	for i, kind := range want {
		if result.AuditTrail[i].Kind != kind {
			t.Errorf("Entry %d: expected kind %s, got %s", i, kind, result.AuditTrail[i].Kind)
		}
		if result.AuditTrail[i].Outcome == "" {
			t.Errorf("Entry %d: empty outcome", i)
		}
	}

	t.Logf("✓ Audit trail complete: %d entries", len(result.AuditTrail))
}

// ============================================================================
// SCENARIO 7: Input Validation
// ============================================================================

func TestMissingMerchantID_Error(t *testing.T) {
	config := getTestConfig()

	resp := postEvaluate(t, config, EvaluateRequest{
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.005,
	}, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing merchantId, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation: missing merchantId → HTTP %d", resp.StatusCode)
}

func TestUnknownRegionMapping_Unprocessable(t *testing.T) {
	/*
	   SCENARIO: AP has no pix_med threshold row

	   EXPECTED: HTTP 422. Thresholds are regulatory, so an unknown
	   mapping aborts rather than defaulting to some tier.
	*/
	config := getTestConfig()

	resp := postEvaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-unknown-001",
		Region:       "AP",
		CountryCode:  "JP",
		Metric:       "pix_med",
		DisputeRatio: 0.005,
		AsOfDate:     "2026-08-15",
	}, true)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for unknown region mapping, got %d", resp.StatusCode)
	}

	t.Logf("✓ Unknown mapping: AP/pix_med → HTTP %d", resp.StatusCode)
}

func TestMissingTenantHeader_Error(t *testing.T) {
	config := getTestConfig()

	resp := postEvaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-tenant-001",
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.005,
	}, false)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 400 or 401 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation: missing tenant → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 8: Currency Handling
// ============================================================================

func TestPenaltyCurrencyConversion(t *testing.T) {
	/*
	   SCENARIO: The same watch-tier merchant billed in different currencies

	   EXPECTED BEHAVIOR:
	   - EUR: 5,000 USD floor * 0.92 = 4,600 EUR
	   - JPY: no rate in the tables → estimate unavailable, tier stands
	*/
	config := getTestConfig()

	req := EvaluateRequest{
		MerchantID:   "merch-fx-001",
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.007,
		AsOfDate:     "2026-08-15",
	}

	t.Run("EUR", func(t *testing.T) {
		req.CurrencyCode = "EUR"
		result := evaluate(t, config, req)

		if !result.PenaltyEstimate.Available {
			t.Fatal("Expected EUR estimate available")
		}
		if result.PenaltyEstimate.Amount != "4600" {
			t.Errorf("Expected 4600 EUR, got %s", result.PenaltyEstimate.Amount)
		}
	})

	t.Run("MissingRate", func(t *testing.T) {
		req.CurrencyCode = "JPY"
		result := evaluate(t, config, req)

		if result.PenaltyEstimate.Available {
			t.Error("Expected JPY estimate unavailable")
		}
		if result.Tier != "watch" {
			t.Errorf("Expected tier to stand despite missing rate, got %s", result.Tier)
		}
	})
}

// ============================================================================
// SCENARIO 9: Response Metadata Verification
// ============================================================================

func TestResponseMetadata(t *testing.T) {
	/*
	   SCENARIO: Verify response includes all required metadata

	   This ensures the API contract is stable for clients.
	*/
	config := getTestConfig()

	result := evaluate(t, config, EvaluateRequest{
		MerchantID:   "merch-metadata-001",
		Region:       "US",
		CountryCode:  "US",
		Metric:       "vamp",
		DisputeRatio: 0.004,
		AsOfDate:     "2026-08-15",
	})

	if result.ClassificationID == "" {
		t.Error("Missing classificationId")
	}
	if result.SnapshotID == "" {
		t.Error("Missing snapshotId")
	}
	if result.Metadata.TraceID == "" {
		t.Error("Missing metadata.traceId")
	}
	if result.Metadata.TablesVersion == "" {
		t.Error("Missing metadata.tablesVersion")
	}
	if result.Metadata.EngineVersion == "" {
		t.Error("Missing metadata.engineVersion")
	}

	// Note: TotalMs can be 0 for very fast operations (sub-millisecond)
	if result.Metadata.TotalMs < 0 {
		t.Error("Invalid metadata.totalMs (negative)")
	}

	t.Logf("✓ Metadata complete: classId=%s, traceId=%s, tables=%s",
		result.ClassificationID[:8], result.Metadata.TraceID[:8], result.Metadata.TablesVersion)
}
