package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/advisory"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evaluator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/ruleset"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	store     *ruleset.Store
	evaluator *evaluator.Evaluator
	advisor   *advisory.Engine
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, store *ruleset.Store, eval *evaluator.Evaluator, advisor *advisory.Engine, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		store:     store,
		evaluator: eval,
		advisor:   advisor,
		version:   version,
	}
}

// evaluationsWindow is the counter window for the daily evaluation count
// reported in response metadata.
const evaluationsWindow = 24 * time.Hour

// classificationTTL is how long classification results stay cached for
// re-rendering by the bot layer.
const classificationTTL = time.Hour

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	// Parse request
	var req domain.SnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate required fields
	if req.MerchantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "merchantId is required",
		})
		return
	}
	if req.Region == "" || req.Metric == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "region and metric are required",
		})
		return
	}
	if req.DisputeRatio < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "disputeRatio must not be negative",
		})
		return
	}

	snap, err := req.ToSnapshot(uuid.New().String(), tenantID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "asOfDate must be YYYY-MM-DD",
		})
		return
	}

	// Save snapshot if repository is available
	if h.repo != nil {
		if err := h.repo.SaveSnapshot(ctx, tenantID, snap); err != nil {
			slog.Error("failed to save snapshot", "error", err)
			// Evaluation proceeds; persistence is best-effort here.
		}
	}

	// Classify
	result, err := h.evaluator.Evaluate(snap)
	if err != nil {
		var unknownRegion *domain.UnknownRegionError
		if errors.As(err, &unknownRegion) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": unknownRegion.Error(),
			})
			return
		}
		slog.Error("evaluation failed", "merchant_id", snap.MerchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "evaluation failed",
		})
		return
	}

	// Advisory rules
	if h.advisor != nil {
		result.Advisories = h.advisor.Evaluate(snap, result)
	}

	// Save classification
	if h.repo != nil {
		if err := h.repo.SaveClassification(ctx, tenantID, result); err != nil {
			slog.Error("failed to save classification", "error", err)
		}
	}

	// Cache for bot re-rendering
	var evaluations int64
	if h.cache != nil {
		key := domain.ClassificationCacheKey(snap.MerchantID, snap.Metric, snap.AsOfDate)
		if err := h.cache.SetClassification(ctx, tenantID, key, result, classificationTTL); err != nil {
			slog.Error("failed to cache classification", "error", err)
		}
		if n, err := h.cache.IncrementCounter(ctx, tenantID, "evaluations", evaluationsWindow); err == nil {
			evaluations = n
		}
	}

	// Publish events
	if h.bus != nil {
		payload, _ := json.Marshal(result)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicClassificationCompleted, payload); err != nil {
			slog.Error("failed to publish classification", "error", err)
		}
		if result.Tier == domain.TierCritical {
			if err := h.bus.Publish(ctx, tenantID, domain.TopicClassificationCritical, payload); err != nil {
				slog.Error("failed to publish critical classification", "error", err)
			}
		}
	}

	resp := result.ToResponse()
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.EngineVersion = h.version
	resp.Metadata.Evaluations = evaluations

	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
		"tables":  h.store.Version(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetClassification retrieves a classification by ID.
func (h *Handler) GetClassification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	resultID := chi.URLParam(r, "id")

	if resultID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "classification id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	result, err := h.repo.GetClassification(ctx, tenantID, resultID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get classification", "id", resultID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "classification not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ListMerchantClassifications retrieves a merchant's classification history.
// The optional ?days=N query parameter bounds the window (default 90).
func (h *Handler) ListMerchantClassifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	merchantID := chi.URLParam(r, "id")

	if merchantID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "merchant id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	days := 90
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "days must be a positive integer",
			})
			return
		}
		days = parsed
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	results, err := h.repo.ListClassificationsByMerchant(ctx, tenantID, merchantID, since)
	if err != nil {
		slog.Error("failed to list classifications", "merchant_id", merchantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list classifications",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"merchantId":      merchantID,
		"classifications": results,
		"count":           len(results),
	})
}

// GetTables returns the currently published table set.
func (h *Handler) GetTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.TableSet())
}

// ListTableVersions returns all stored table-set versions.
func (h *Handler) ListTableVersions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	versions, err := h.repo.ListTableSetVersions(r.Context())
	if err != nil {
		slog.Error("failed to list table set versions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list table set versions",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
		"active":   h.store.Version(),
		"count":    len(versions),
	})
}

// UpdateTables validates and publishes a new table set. The previous
// tables stay active if validation fails; a rejected document is never
// partially applied.
func (h *Handler) UpdateTables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var tables domain.TableSet
	if err := json.NewDecoder(r.Body).Decode(&tables); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if tables.LastUpdated.IsZero() {
		tables.LastUpdated = time.Now().UTC()
	}

	if err := h.publishTables(&tables); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	// Persist only after the tables passed validation.
	if h.repo != nil {
		if err := h.repo.SaveTableSet(ctx, &tables); err != nil {
			slog.Error("failed to save table set", "version", tables.Version, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "tables published but not persisted",
			})
			return
		}
	}

	h.notifyTablesReloaded(ctx, tenantID, tables.Version)

	slog.Info("table set published", "version", tables.Version)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "table set published",
		"version": tables.Version,
	})
}

// ReloadTables re-publishes a stored table set. With ?version=V the named
// version is loaded; otherwise the most recently stored one.
func (h *Handler) ReloadTables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var tables *domain.TableSet
	var err error
	if version := r.URL.Query().Get("version"); version != "" {
		tables, err = h.repo.GetTableSet(ctx, version)
	} else {
		tables, err = h.repo.GetLatestTableSet(ctx)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no stored table set found",
			})
			return
		}
		slog.Error("failed to load table set", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load table set",
		})
		return
	}

	if err := h.publishTables(tables); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	h.notifyTablesReloaded(ctx, tenantID, tables.Version)

	slog.Info("table set reloaded", "version", tables.Version)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "table set reloaded",
		"version": tables.Version,
	})
}

// publishTables swaps the store and advisory engine to the new tables.
// Either both succeed or neither is touched.
func (h *Handler) publishTables(tables *domain.TableSet) error {
	// Compile advisories first so a bad expression never leaves the
	// store and advisory engine on different versions.
	if h.advisor != nil {
		if err := h.advisor.Reload(tables.AdvisoryRules); err != nil {
			return err
		}
	}
	if err := h.store.Reload(tables); err != nil {
		// Roll the advisory engine back to the active version.
		if h.advisor != nil {
			_ = h.advisor.Reload(h.store.AdvisoryRules())
		}
		return err
	}
	return nil
}

func (h *Handler) notifyTablesReloaded(ctx context.Context, tenantID, version string) {
	if h.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"version": version})
	if err := h.bus.Publish(ctx, tenantID, domain.TopicTablesReloaded, payload); err != nil {
		slog.Error("failed to publish tables reloaded event", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
