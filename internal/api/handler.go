package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/forensics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// maxUploadBytes bounds a population upload.
const maxUploadBytes = 256 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	rules    *rules.Engine
	pipeline *pipeline.Pipeline
	version  string
}

// NewHandler creates a new API handler. Cache and bus may be nil; without a
// bus, async analysis is unavailable.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, ruleEngine *rules.Engine, p *pipeline.Pipeline, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		rules:    ruleEngine,
		pipeline: p,
		version:  version,
	}
}

// CreatePopulationRequest is the request body for POST /populations.
type CreatePopulationRequest struct {
	ID      string               `json:"id,omitempty"`
	Name    string               `json:"name"`
	Mapping domain.ColumnMapping `json:"mapping"`
	Rows    []RowInput           `json:"rows"`
}

// RowInput is one uploaded record. ID is optional; the unique id and
// monetary value are read from Raw through the mapping.
type RowInput struct {
	ID  string         `json:"id,omitempty"`
	Raw map[string]any `json:"raw"`
}

// CreatePopulation handles POST /populations.
func (h *Handler) CreatePopulation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreatePopulationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Rows) == 0 {
		writeError(w, http.StatusBadRequest, "rows are required")
		return
	}

	pop := &domain.Population{
		ID:      req.ID,
		Name:    req.Name,
		Mapping: req.Mapping,
	}
	if pop.ID == "" {
		pop.ID = uuid.New().String()
	} else if _, err := h.repo.GetPopulation(ctx, tenantID, pop.ID); err == nil {
		writeError(w, http.StatusConflict, "population already exists")
		return
	}

	rows := BuildRows(req.Mapping, req.Rows)
	if err := h.repo.SavePopulation(ctx, tenantID, pop, rows); err != nil {
		slog.Error("failed to save population",
			"tenant_id", tenantID,
			"population_id", pop.ID,
			"error", err,
		)
		writeStoreError(w, err, "failed to save population")
		return
	}

	slog.Info("population created",
		"tenant_id", tenantID,
		"population_id", pop.ID,
		"rows", pop.RowCount,
	)
	writeJSON(w, http.StatusCreated, pop)
}

// BuildRows turns uploaded records into rows, resolving the unique id and
// monetary value through the mapping. Missing or null amounts stay nil;
// present ones go through forensics.ParseValue, so unparsable text is 0.
func BuildRows(mapping domain.ColumnMapping, in []RowInput) []*domain.Row {
	rows := make([]*domain.Row, len(in))
	for i, rec := range in {
		row := &domain.Row{ID: rec.ID, Raw: rec.Raw}
		if row.Raw == nil {
			row.Raw = map[string]any{}
		}
		if mapping.UniqueID != "" {
			row.UniqueID = forensics.Text(row.Raw[mapping.UniqueID])
		}
		if mapping.MonetaryValue != "" {
			if v, ok := row.Raw[mapping.MonetaryValue]; ok && v != nil {
				amount := forensics.ParseValue(v)
				row.MonetaryValue = &amount
			}
		}
		rows[i] = row
	}
	return rows
}

// GetPopulation handles GET /populations/{id}.
func (h *Handler) GetPopulation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pop, err := h.repo.GetPopulation(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "failed to load population")
		return
	}
	writeJSON(w, http.StatusOK, pop)
}

// ListRows handles GET /populations/{id}/rows?minScore=.
func (h *Handler) ListRows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	popID := chi.URLParam(r, "id")

	minScore := 0.0
	if raw := r.URL.Query().Get("minScore"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 100 {
			writeError(w, http.StatusBadRequest, "minScore must be a number between 0 and 100")
			return
		}
		minScore = v
	}

	if _, err := h.repo.GetPopulation(ctx, tenantID, popID); err != nil {
		writeStoreError(w, err, "failed to load population")
		return
	}

	rows, err := h.repo.ListScoredRows(ctx, tenantID, popID, minScore)
	if err != nil {
		slog.Error("failed to list rows", "population_id", popID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rows")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"populationId": popID,
		"minScore":     minScore,
		"count":        len(rows),
		"rows":         rows,
	})
}

// Analyze handles POST /populations/{id}/analyze.
// Query parameters: async=true queues the run on the bus, seed overrides the
// isolation forest seed, force=true bypasses the report cache.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	q := r.URL.Query()

	req := domain.AnalysisRequest{
		TenantID:     tenantID,
		PopulationID: chi.URLParam(r, "id"),
		TraceID:      GetTraceID(ctx),
	}
	if raw := q.Get("seed"); raw != "" {
		seed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "seed must be an unsigned integer")
			return
		}
		req.Seed = &seed
	}
	var err error
	if req.Force, err = boolParam(q.Get("force")); err != nil {
		writeError(w, http.StatusBadRequest, "force must be a boolean")
		return
	}
	async, err := boolParam(q.Get("async"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "async must be a boolean")
		return
	}

	if async {
		h.enqueue(ctx, w, req)
		return
	}

	analysis, err := h.pipeline.Run(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrEmptyPopulation):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusServiceUnavailable, "analysis cancelled")
		default:
			writeStoreError(w, err, "analysis failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (h *Handler) enqueue(ctx context.Context, w http.ResponseWriter, req domain.AnalysisRequest) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "async analysis requires an event bus")
		return
	}
	if _, err := h.repo.GetPopulation(ctx, req.TenantID, req.PopulationID); err != nil {
		writeStoreError(w, err, "failed to load population")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode request")
		return
	}
	if err := h.bus.Publish(ctx, req.TenantID, domain.TopicAnalysisRequested, payload); err != nil {
		slog.Error("failed to queue analysis",
			"tenant_id", req.TenantID,
			"population_id", req.PopulationID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "failed to queue analysis")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":       "queued",
		"populationId": req.PopulationID,
		"traceId":      req.TraceID,
	})
}

// GetAnalysis handles GET /populations/{id}/analysis.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	analysis, err := h.repo.GetLatestAnalysis(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "failed to load analysis")
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether storage and the bus accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if h.repo != nil {
		checks["repository"] = "ok"
		if err := h.repo.Ping(r.Context()); err != nil {
			checks["repository"] = err.Error()
			ready = false
		}
	}
	if h.bus != nil {
		checks["bus"] = "ok"
		if err := h.bus.Ping(r.Context()); err != nil {
			checks["bus"] = err.Error()
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// ListRules returns the rules loaded for the tenant.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.rules.GetLoadedRules(GetTenantID(r.Context()))

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a stored rule, enabled or not.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rule, err := h.repo.GetRuleConfig(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "failed to load rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates, stores and activates a custom audit rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}
	if req.Weight < 0 || req.Weight > 100 {
		writeError(w, http.StatusBadRequest, "weight must be between 0 and 100")
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}

	rule := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Bands:       req.Bands,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	if err := h.rules.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}
	if err := h.repo.SaveRuleConfig(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save rule config", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}
	count, err := h.reload(ctx, tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rule saved but reload failed: "+err.Error())
		return
	}

	slog.Info("rule created",
		"tenant_id", tenantID,
		"id", rule.ID,
		"enabled", rule.Enabled,
		"rules_count", count,
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":        rule,
		"rulesLoaded": count,
	})
}

// ReloadRules reloads the tenant's rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	count, err := h.reload(ctx, tenantID)
	if err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "tenant_id", tenantID, "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

func (h *Handler) reload(ctx context.Context, tenantID string) (int, error) {
	stored, err := h.repo.ListRuleConfigs(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if err := h.rules.ReloadRules(tenantID, stored); err != nil {
		return 0, err
	}
	return h.rules.RulesCount(tenantID), nil
}

func boolParam(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps repository sentinel errors to HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
