// Benchmark tool for replaying merchant snapshot data against Kestrel.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/snapshots.csv -url http://localhost:8080
//
// This tool:
//   1. Reads merchant metrics snapshots (optionally with expected tier labels)
//   2. Sends each snapshot to Kestrel for classification
//   3. Compares Kestrel's tier with the expected label when present
//   4. Reports per-tier accuracy, latency, and throughput
//
// Expected CSV columns (header required, case-insensitive):
//   merchant_id,region,country,psp_id,metric,dispute_ratio,domestic_mix,as_of,currency,expected_tier
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SnapshotRow represents a row from the snapshots dataset
type SnapshotRow struct {
	MerchantID   string
	Region       string
	Country      string
	PSPID        string
	Metric       string
	DisputeRatio float64
	DomesticMix  bool
	AsOf         string
	Currency     string
	ExpectedTier string
}

// EvaluateRequest is the Kestrel API request format
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

// EvaluateResponse is the Kestrel API response format
type EvaluateResponse struct {
	ClassificationID string `json:"classificationId"`
	Tier             string `json:"tier"`
	Regime           string `json:"applicableRegime"`
	ExemptionApplied bool   `json:"exemptionApplied"`
	PSPRiskLabel     string `json:"pspRiskLabel"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	TotalLabeled   int64
	TotalMatched   int64

	TierCounts sync.Map // tier -> *int64
	Mismatches sync.Map // "expected->got" -> *int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to snapshots CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum snapshots to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each snapshot result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/snapshots.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        KESTREL BENCHMARK - Merchant Snapshot Replay           ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Kestrel URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:    %s\n", *tenantID)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read snapshot data
	fmt.Printf("\nReading snapshots from %s...\n", *csvPath)
	snapshots, err := readSnapshotCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d snapshots\n", len(snapshots))

	labeled := 0
	for _, s := range snapshots {
		if s.ExpectedTier != "" {
			labeled++
		}
	}
	fmt.Printf("  - Labeled:   %d\n", labeled)
	fmt.Printf("  - Unlabeled: %d\n", len(snapshots)-labeled)

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(snapshots, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readSnapshotCSV(path string, limit int) ([]SnapshotRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	col := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var snapshots []SnapshotRow

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		ratio, err := strconv.ParseFloat(col(record, "dispute_ratio"), 64)
		if err != nil {
			continue
		}

		row := SnapshotRow{
			MerchantID:   col(record, "merchant_id"),
			Region:       col(record, "region"),
			Country:      col(record, "country"),
			PSPID:        col(record, "psp_id"),
			Metric:       col(record, "metric"),
			DisputeRatio: ratio,
			DomesticMix:  col(record, "domestic_mix") == "1" || strings.EqualFold(col(record, "domestic_mix"), "true"),
			AsOf:         col(record, "as_of"),
			Currency:     col(record, "currency"),
			ExpectedTier: strings.ToLower(col(record, "expected_tier")),
		}

		snapshots = append(snapshots, row)

		if limit > 0 && len(snapshots) >= limit {
			break
		}
	}

	return snapshots, nil
}

func runBenchmark(snapshots []SnapshotRow, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan SnapshotRow, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for row := range work {
				start := time.Now()
				result, err := evaluateSnapshot(client, baseURL, tenantID, row)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", row.MerchantID, err)
					}
					continue
				}

				bumpCounter(&metrics.TierCounts, result.Tier)

				if row.ExpectedTier != "" {
					atomic.AddInt64(&metrics.TotalLabeled, 1)
					if result.Tier == row.ExpectedTier {
						atomic.AddInt64(&metrics.TotalMatched, 1)
					} else {
						bumpCounter(&metrics.Mismatches, row.ExpectedTier+" -> "+result.Tier)
					}
				}

				if verbose {
					status := "✓"
					if row.ExpectedTier != "" && result.Tier != row.ExpectedTier {
						status = "✗"
					}
					fmt.Printf("%s %-12s | %-5s %-8s | ratio %.4f | tier %-8s | regime %-7s | psp %s\n",
						status,
						row.MerchantID,
						row.Region,
						row.Metric,
						row.DisputeRatio,
						result.Tier,
						result.Regime,
						result.PSPRiskLabel,
					)
				}
			}
		}()
	}

	// Send work
	for _, row := range snapshots {
		work <- row
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func bumpCounter(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func evaluateSnapshot(client *http.Client, baseURL, tenantID string, row SnapshotRow) (*EvaluateResponse, error) {
	req := EvaluateRequest{
		MerchantID:   row.MerchantID,
		Region:       row.Region,
		CountryCode:  row.Country,
		PSPID:        row.PSPID,
		Metric:       row.Metric,
		DisputeRatio: row.DisputeRatio,
		DomesticMix:  row.DomesticMix,
		AsOfDate:     row.AsOf,
		CurrencyCode: row.Currency,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 TIER DISTRIBUTION\n")
	for _, tier := range []string{"green", "watch", "red", "critical"} {
		if v, ok := m.TierCounts.Load(tier); ok {
			fmt.Printf("   %-9s %d\n", tier+":", atomic.LoadInt64(v.(*int64)))
		}
	}

	if m.TotalLabeled > 0 {
		accuracy := float64(m.TotalMatched) / float64(m.TotalLabeled)
		fmt.Printf("\n🎯 LABEL AGREEMENT\n")
		fmt.Printf("   Labeled:    %d\n", m.TotalLabeled)
		fmt.Printf("   Matched:    %d\n", m.TotalMatched)
		fmt.Printf("   Accuracy:   %.4f\n", accuracy)

		fmt.Printf("\n🔍 MISMATCHES (expected -> got)\n")
		m.Mismatches.Range(func(k, v any) bool {
			fmt.Printf("   %-22s %d\n", k.(string)+":", atomic.LoadInt64(v.(*int64)))
			return true
		})
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		eps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f evals/sec\n", eps)
	}

	fmt.Println()
}
