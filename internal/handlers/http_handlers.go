// Package handlers exposes the HTTP API of the SLA engine: policy
// administration, synchronous outcome recording, scorecard reads, reporting
// and the violation query surface.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/marketgate/sla-engine/internal/config"
	"github.com/marketgate/sla-engine/internal/database"
	"github.com/marketgate/sla-engine/internal/engine"
	"github.com/marketgate/sla-engine/internal/escalation"
	"github.com/marketgate/sla-engine/internal/reporting"
	"github.com/marketgate/sla-engine/internal/sla"
)

// HTTPHandler handles HTTP requests for the SLA engine
type HTTPHandler struct {
	config        *config.Config
	logger        *slog.Logger
	engine        *engine.Engine
	policyRepo    *database.PolicyRepository
	scorecardRepo *database.ScorecardRepository
	violationRepo *database.ViolationRepository
	reporting     *reporting.Service
	escalator     *escalation.Escalator
	validate      *validator.Validate
	startTime     time.Time
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	cfg *config.Config,
	logger *slog.Logger,
	eng *engine.Engine,
	policyRepo *database.PolicyRepository,
	scorecardRepo *database.ScorecardRepository,
	violationRepo *database.ViolationRepository,
	reportingService *reporting.Service,
	escalator *escalation.Escalator,
) *HTTPHandler {
	return &HTTPHandler{
		config:        cfg,
		logger:        logger,
		engine:        eng,
		policyRepo:    policyRepo,
		scorecardRepo: scorecardRepo,
		violationRepo: violationRepo,
		reporting:     reportingService,
		escalator:     escalator,
		validate:      validator.New(),
		startTime:     time.Now(),
	}
}

// RegisterRoutes registers all HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.healthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", h.getStatus).Methods("GET")

	// Policy administration. The resolve route is registered before the
	// {id} route so "resolve" is never captured as a policy ID.
	api.HandleFunc("/policies/resolve", h.resolvePolicy).Methods("GET")
	api.HandleFunc("/policies", h.createPolicy).Methods("POST")
	api.HandleFunc("/policies", h.listPolicies).Methods("GET")
	api.HandleFunc("/policies/{id}", h.getPolicy).Methods("GET")
	api.HandleFunc("/policies/{id}", h.updatePolicy).Methods("PUT")
	api.HandleFunc("/policies/{id}", h.deactivatePolicy).Methods("DELETE")
	api.HandleFunc("/policies/{id}/deactivate", h.deactivatePolicy).Methods("POST")
	api.HandleFunc("/policies/{id}/escalation", h.resolveEscalation).Methods("GET")

	// Synchronous outcome recording (the Kafka consumer is the other intake).
	api.HandleFunc("/actions", h.recordAction).Methods("POST")

	// Scorecards
	api.HandleFunc("/scorecards/{admin_id}", h.getScorecard).Methods("GET")
	api.HandleFunc("/scorecards/{admin_id}/complaints", h.recordComplaint).Methods("POST")

	// Reporting
	api.HandleFunc("/reports/top-performers", h.getTopPerformers).Methods("GET")
	api.HandleFunc("/reports/trend/{admin_id}", h.getTrend).Methods("GET")
	api.HandleFunc("/reports/team", h.getTeamComparison).Methods("GET")
	api.HandleFunc("/reports/generate", h.generateReport).Methods("POST")

	// Violations
	api.HandleFunc("/violations", h.listViolations).Methods("GET")
}

func (h *HTTPHandler) healthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "sla-engine",
		"timestamp": time.Now().UTC(),
	})
}

func (h *HTTPHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     "sla-engine",
		"environment": h.config.Environment,
		"uptime":      time.Since(h.startTime).String(),
		"engine":      h.engine.GetStats(),
	})
}

type createPolicyRequest struct {
	EntityType         string                  `json:"entity_type" validate:"required"`
	ActionType         string                  `json:"action_type" validate:"required"`
	Priority           string                  `json:"priority" validate:"required"`
	TimeTargets        sla.TimeTargets         `json:"time_targets" validate:"required"`
	BusinessHours      sla.BusinessHoursConfig `json:"business_hours"`
	EscalationChain    sla.EscalationChain     `json:"escalation_chain"`
	MaxEscalationLevel int                     `json:"max_escalation_level"`
	EffectiveDate      *time.Time              `json:"effective_date,omitempty"`
	ExpiryDate         *time.Time              `json:"expiry_date,omitempty"`
	CreatedBy          string                  `json:"created_by" validate:"required"`
}

func (h *HTTPHandler) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	policy := &sla.Policy{
		EntityType:         sla.EntityType(req.EntityType),
		ActionType:         sla.ActionType(req.ActionType),
		Priority:           sla.Priority(req.Priority),
		TimeTargets:        req.TimeTargets,
		BusinessHours:      req.BusinessHours,
		EscalationChain:    req.EscalationChain,
		MaxEscalationLevel: req.MaxEscalationLevel,
		IsActive:           true,
		ExpiryDate:         req.ExpiryDate,
	}
	if req.EffectiveDate != nil {
		policy.EffectiveDate = *req.EffectiveDate
	}

	if err := h.policyRepo.Create(r.Context(), policy, req.CreatedBy); err != nil {
		h.writeDomainError(w, "Failed to create policy", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, policy)
}

func (h *HTTPHandler) listPolicies(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := database.PolicyFilter{
		EntityType: sla.EntityType(query.Get("entity_type")),
		ActionType: sla.ActionType(query.Get("action_type")),
		Priority:   sla.Priority(query.Get("priority")),
		ActiveOnly: query.Get("active_only") == "true",
		Limit:      intQueryParam(query.Get("limit"), 50),
		Offset:     intQueryParam(query.Get("offset"), 0),
	}

	policies, total, err := h.policyRepo.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list policies", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    total,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

func (h *HTTPHandler) getPolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	policy, err := h.policyRepo.GetByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get policy", err)
		return
	}

	h.writeJSON(w, http.StatusOK, policy)
}

type updatePolicyRequest struct {
	TimeTargets        sla.TimeTargets         `json:"time_targets" validate:"required"`
	BusinessHours      sla.BusinessHoursConfig `json:"business_hours"`
	EscalationChain    sla.EscalationChain     `json:"escalation_chain"`
	MaxEscalationLevel int                     `json:"max_escalation_level"`
	IsActive           *bool                   `json:"is_active,omitempty"`
	EffectiveDate      *time.Time              `json:"effective_date,omitempty"`
	ExpiryDate         *time.Time              `json:"expiry_date,omitempty"`
	ChangedBy          string                  `json:"changed_by" validate:"required"`
	Reason             string                  `json:"reason" validate:"required"`
}

func (h *HTTPHandler) updatePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	policy, err := h.policyRepo.GetByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get policy", err)
		return
	}

	policy.TimeTargets = req.TimeTargets
	policy.BusinessHours = req.BusinessHours
	policy.EscalationChain = req.EscalationChain
	policy.MaxEscalationLevel = req.MaxEscalationLevel
	if req.IsActive != nil {
		policy.IsActive = *req.IsActive
	}
	if req.EffectiveDate != nil {
		policy.EffectiveDate = *req.EffectiveDate
	}
	policy.ExpiryDate = req.ExpiryDate

	if err := h.policyRepo.Update(r.Context(), policy, req.ChangedBy, req.Reason); err != nil {
		h.writeDomainError(w, "Failed to update policy", err)
		return
	}

	h.writeJSON(w, http.StatusOK, policy)
}

func (h *HTTPHandler) deactivatePolicy(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	changedBy := r.URL.Query().Get("changed_by")
	if changedBy == "" {
		h.writeError(w, http.StatusBadRequest, "changed_by query parameter is required", nil)
		return
	}
	reason := r.URL.Query().Get("reason")

	if err := h.policyRepo.Deactivate(r.Context(), id, changedBy, reason); err != nil {
		h.writeDomainError(w, "Failed to deactivate policy", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": "deactivated",
	})
}

func (h *HTTPHandler) resolvePolicy(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	entityType, err := sla.ParseEntityType(query.Get("entity_type"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid entity_type", err)
		return
	}
	actionType, err := sla.ParseActionType(query.Get("action_type"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid action_type", err)
		return
	}
	priority, err := sla.ParsePriority(query.Get("priority"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid priority", err)
		return
	}

	resolved, err := h.engine.ResolveTargets(r.Context(), entityType, actionType, priority)
	if err != nil {
		h.writeDomainError(w, "Failed to resolve policy", err)
		return
	}

	response := map[string]interface{}{
		"entity_type":  entityType,
		"action_type":  actionType,
		"priority":     priority,
		"time_targets": resolved.Targets,
		"used_default": resolved.UsedDefault,
	}
	if resolved.Policy != nil {
		response["policy"] = resolved.Policy
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *HTTPHandler) resolveEscalation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ageHours, err := strconv.ParseFloat(r.URL.Query().Get("age_hours"), 64)
	if err != nil || ageHours < 0 {
		h.writeError(w, http.StatusBadRequest, "age_hours must be a non-negative number", err)
		return
	}

	policy, err := h.policyRepo.GetByID(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get policy", err)
		return
	}

	response := map[string]interface{}{
		"policy_id":           id,
		"violation_age_hours": ageHours,
		"level":               h.escalator.CurrentLevel(policy, ageHours),
	}
	if target := h.escalator.Resolve(policy, ageHours); target != nil {
		response["target"] = target
	}
	h.writeJSON(w, http.StatusOK, response)
}

type recordActionRequest struct {
	EntityType    string    `json:"entity_type" validate:"required"`
	EntityID      string    `json:"entity_id" validate:"required"`
	AdminID       string    `json:"admin_id" validate:"required"`
	SubmittedAt   time.Time `json:"submitted_at" validate:"required"`
	ActionTakenAt time.Time `json:"action_taken_at" validate:"required"`
	ActionType    string    `json:"action_type" validate:"required"`
	Priority      string    `json:"priority" validate:"required"`
}

func (h *HTTPHandler) recordAction(w http.ResponseWriter, r *http.Request) {
	var req recordActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	outcome := sla.ActionOutcome{
		EntityType:    sla.EntityType(req.EntityType),
		EntityID:      req.EntityID,
		AdminID:       req.AdminID,
		SubmittedAt:   req.SubmittedAt,
		ActionTakenAt: req.ActionTakenAt,
		ActionType:    sla.ActionType(req.ActionType),
		Priority:      sla.Priority(req.Priority),
	}

	if err := h.engine.Record(r.Context(), outcome); err != nil {
		h.writeDomainError(w, "Failed to record action", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"admin_id":       req.AdminID,
		"entity_id":      req.EntityID,
		"response_hours": outcome.ResponseHours(),
		"status":         "recorded",
	})
}

func (h *HTTPHandler) getScorecard(w http.ResponseWriter, r *http.Request) {
	adminID := mux.Vars(r)["admin_id"]
	query := r.URL.Query()

	periodType := sla.PeriodMonthly
	if raw := query.Get("period_type"); raw != "" {
		parsed, err := sla.ParsePeriodType(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid period_type", err)
			return
		}
		periodType = parsed
	}

	period := query.Get("period")
	if period == "" {
		period = sla.CurrentPeriod(periodType, time.Now())
	}

	card, err := h.scorecardRepo.Get(r.Context(), adminID, period, periodType)
	if err != nil {
		h.writeDomainError(w, "Failed to get scorecard", err)
		return
	}

	h.writeJSON(w, http.StatusOK, card)
}

// recordComplaint registers one quality complaint on the administrator's
// current daily and monthly scorecards, retried on version conflicts.
func (h *HTTPHandler) recordComplaint(w http.ResponseWriter, r *http.Request) {
	adminID := mux.Vars(r)["admin_id"]
	now := time.Now()

	for _, periodType := range []sla.PeriodType{sla.PeriodDaily, sla.PeriodMonthly} {
		period := sla.CurrentPeriod(periodType, now)
		if err := h.applyComplaint(r, adminID, period, periodType); err != nil {
			h.writeDomainError(w, "Failed to record complaint", err)
			return
		}
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"admin_id": adminID,
		"status":   "recorded",
	})
}

func (h *HTTPHandler) applyComplaint(r *http.Request, adminID, period string, periodType sla.PeriodType) error {
	retries := h.config.SLA.SaveRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		card, err := h.scorecardRepo.GetOrCreate(r.Context(), adminID, period, periodType)
		if err != nil {
			return err
		}
		card.AddComplaint()

		lastErr = h.scorecardRepo.Save(r.Context(), card)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, sla.ErrVersionConflict) {
			return lastErr
		}
	}
	return lastErr
}

func (h *HTTPHandler) getTopPerformers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	periodType := sla.PeriodMonthly
	if raw := query.Get("period_type"); raw != "" {
		parsed, err := sla.ParsePeriodType(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid period_type", err)
			return
		}
		periodType = parsed
	}
	limit := intQueryParam(query.Get("limit"), 10)

	performers, err := h.reporting.TopPerformers(r.Context(), periodType, limit)
	if err != nil {
		h.writeDomainError(w, "Failed to get top performers", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"period_type": periodType,
		"performers":  performers,
	})
}

func (h *HTTPHandler) getTrend(w http.ResponseWriter, r *http.Request) {
	adminID := mux.Vars(r)["admin_id"]
	query := r.URL.Query()

	periodType := sla.PeriodMonthly
	if raw := query.Get("period_type"); raw != "" {
		parsed, err := sla.ParsePeriodType(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid period_type", err)
			return
		}
		periodType = parsed
	}
	lastN := intQueryParam(query.Get("periods"), 6)

	trend, err := h.reporting.Trend(r.Context(), adminID, periodType, lastN)
	if err != nil {
		h.writeDomainError(w, "Failed to get trend", err)
		return
	}

	h.writeJSON(w, http.StatusOK, trend)
}

func (h *HTTPHandler) getTeamComparison(w http.ResponseWriter, r *http.Request) {
	periodType := sla.PeriodMonthly
	if raw := r.URL.Query().Get("period_type"); raw != "" {
		parsed, err := sla.ParsePeriodType(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid period_type", err)
			return
		}
		periodType = parsed
	}

	comparison, err := h.reporting.TeamComparison(r.Context(), periodType)
	if err != nil {
		h.writeDomainError(w, "Failed to get team comparison", err)
		return
	}

	h.writeJSON(w, http.StatusOK, comparison)
}

type generateReportRequest struct {
	Kind       string    `json:"kind" validate:"required"`
	PeriodType string    `json:"period_type" validate:"required"`
	From       time.Time `json:"from" validate:"required"`
	To         time.Time `json:"to" validate:"required"`
	AdminIDs   []string  `json:"admin_ids,omitempty"`
}

func (h *HTTPHandler) generateReport(w http.ResponseWriter, r *http.Request) {
	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	periodType, err := sla.ParsePeriodType(req.PeriodType)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid period_type", err)
		return
	}

	report, err := h.reporting.GenerateReport(r.Context(),
		reporting.ReportKind(req.Kind), periodType, req.From, req.To, req.AdminIDs)
	if err != nil {
		h.writeDomainError(w, "Failed to generate report", err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) listViolations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := database.ViolationFilter{
		AdminID:       query.Get("admin_id"),
		EntityType:    sla.EntityType(query.Get("entity_type")),
		ViolationType: sla.ViolationType(query.Get("violation_type")),
		SeverityLevel: sla.SeverityLevel(query.Get("severity")),
		Limit:         intQueryParam(query.Get("limit"), 50),
		Offset:        intQueryParam(query.Get("offset"), 0),
	}

	if raw := query.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid from, expected RFC3339", err)
			return
		}
		filter.DateFrom = &t
	}
	if raw := query.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid to, expected RFC3339", err)
			return
		}
		filter.DateTo = &t
	}

	rows, total, err := h.violationRepo.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list violations", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"violations": rows,
		"total":      total,
		"limit":      filter.Limit,
		"offset":     filter.Offset,
	})
}

// writeDomainError maps domain sentinel errors to HTTP status codes.
func (h *HTTPHandler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var validationErr *sla.ValidationError
	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, sla.ErrPolicyNotFound), errors.Is(err, sla.ErrScorecardNotFound):
		h.writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, sla.ErrVersionConflict):
		h.writeError(w, http.StatusConflict, message, err)
	default:
		h.writeError(w, http.StatusInternalServerError, message, err)
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC(),
	}
	if err != nil {
		response["details"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
	}
	h.writeJSON(w, status, response)
}

func intQueryParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
