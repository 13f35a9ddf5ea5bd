package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/api/middleware"
	"github.com/plategate/vehicle-access-backend/internal/domain/accessevent"
	"github.com/plategate/vehicle-access-backend/internal/domain/exception"
	"github.com/plategate/vehicle-access-backend/internal/domain/policy"
	"github.com/plategate/vehicle-access-backend/internal/metrics"
	exceptionsvc "github.com/plategate/vehicle-access-backend/internal/service/exception"
	"github.com/plategate/vehicle-access-backend/internal/service/policyadmin"
	"github.com/plategate/vehicle-access-backend/internal/service/reconciliation"
	"github.com/plategate/vehicle-access-backend/internal/service/verification"
)

// Reconciler drives the full pipeline for one raw event.
type Reconciler interface {
	Reconcile(ctx context.Context, raw verification.RawEvent) (*reconciliation.Outcome, error)
}

// EventService is the slice of the verification service the handlers use.
type EventService interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*accessevent.AccessEvent, error)
	ListEvents(ctx context.Context, filter verification.EventFilter) ([]*accessevent.AccessEvent, error)
	ManualVerify(ctx context.Context, eventID uuid.UUID, decision accessevent.VerificationStatus, note string, actor uuid.UUID) (*accessevent.AccessEvent, error)
}

// RequestService is the slice of the exception lifecycle service the handlers
// use.
type RequestService interface {
	CreateRequest(ctx context.Context, input exceptionsvc.CreateInput) (*exception.ExceptionRequest, error)
	Approve(ctx context.Context, requestID, approver uuid.UUID) (*exception.ExceptionRequest, error)
	Reject(ctx context.Context, requestID, approver uuid.UUID) (*exception.ExceptionRequest, error)
	Cancel(ctx context.Context, requestID, actor uuid.UUID) (*exception.ExceptionRequest, error)
	GetRequest(ctx context.Context, requestID uuid.UUID) (*exception.ExceptionRequest, error)
	ListRequests(ctx context.Context, filter exceptionsvc.RequestFilter) ([]*exception.ExceptionRequest, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// PolicyService is the policy administration surface.
type PolicyService interface {
	CreatePolicy(ctx context.Context, input policyadmin.CreateInput) (*policy.AccessPolicy, error)
	UpdatePolicy(ctx context.Context, id uuid.UUID, input policyadmin.CreateInput) (*policy.AccessPolicy, error)
	DeactivatePolicy(ctx context.Context, id uuid.UUID) (*policy.AccessPolicy, error)
	GetPolicy(ctx context.Context, id uuid.UUID) (*policy.AccessPolicy, error)
	ListPolicies(ctx context.Context) ([]*policy.AccessPolicy, error)
}

// HealthChecker reports store connectivity for the health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds the HTTP surface of the service.
type Handler struct {
	reconciler Reconciler
	events     EventService
	requests   RequestService
	policies   PolicyService
	health     HealthChecker

	auth     *middleware.Authenticator
	limiter  *middleware.RateLimiter
	validate *validator.Validate
	registry *prometheus.Registry
	metrics  *metrics.Reconciliation
	ws       http.Handler
	logger   *zap.Logger

	nowFunc func() time.Time
}

type HandlerDeps struct {
	Reconciler Reconciler
	Events     EventService
	Requests   RequestService
	Policies   PolicyService
	Health     HealthChecker
	Auth       *middleware.Authenticator
	Limiter    *middleware.RateLimiter
	Registry   *prometheus.Registry
	Metrics    *metrics.Reconciliation
	WebSocket  http.Handler
	Logger     *zap.Logger
}

func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		reconciler: deps.Reconciler,
		events:     deps.Events,
		requests:   deps.Requests,
		policies:   deps.Policies,
		health:     deps.Health,
		auth:       deps.Auth,
		limiter:    deps.Limiter,
		validate:   validator.New(),
		registry:   deps.Registry,
		metrics:    deps.Metrics,
		ws:         deps.WebSocket,
		logger:     deps.Logger,
		nowFunc:    time.Now,
	}
}

// Routes builds the service mux. Ingestion is rate limited but unauthenticated
// since the recognition devices sit on the gate network; everything else
// requires a token and mutating admin routes require the admin role.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))

	mux.Handle("POST /api/v1/access-events", h.limiter.Limit(http.HandlerFunc(h.handleIngest)))
	if h.ws != nil {
		mux.Handle("GET /api/v1/recognition/stream", h.limiter.Limit(h.ws))
	}

	mux.Handle("GET /api/v1/access-events", h.auth.Authenticate(http.HandlerFunc(h.handleListEvents)))
	mux.Handle("GET /api/v1/access-events/{id}", h.auth.Authenticate(http.HandlerFunc(h.handleGetEvent)))
	mux.Handle("POST /api/v1/access-events/{id}/verify",
		h.auth.RequireRole(middleware.RoleGuard, http.HandlerFunc(h.handleVerifyEvent)))

	mux.Handle("POST /api/v1/exception-requests", h.auth.Authenticate(http.HandlerFunc(h.handleCreateRequest)))
	mux.Handle("GET /api/v1/exception-requests", h.auth.Authenticate(http.HandlerFunc(h.handleListRequests)))
	mux.Handle("GET /api/v1/exception-requests/{id}", h.auth.Authenticate(http.HandlerFunc(h.handleGetRequest)))
	mux.Handle("POST /api/v1/exception-requests/{id}/approve",
		h.auth.RequireRole(middleware.RoleAdmin, h.requestTransition(h.requests.Approve)))
	mux.Handle("POST /api/v1/exception-requests/{id}/reject",
		h.auth.RequireRole(middleware.RoleAdmin, h.requestTransition(h.requests.Reject)))
	mux.Handle("POST /api/v1/exception-requests/{id}/cancel",
		h.auth.Authenticate(h.requestTransition(h.requests.Cancel)))

	mux.Handle("POST /api/v1/policies",
		h.auth.RequireRole(middleware.RoleAdmin, http.HandlerFunc(h.handleCreatePolicy)))
	mux.Handle("GET /api/v1/policies", h.auth.Authenticate(http.HandlerFunc(h.handleListPolicies)))
	mux.Handle("GET /api/v1/policies/{id}", h.auth.Authenticate(http.HandlerFunc(h.handleGetPolicy)))
	mux.Handle("PUT /api/v1/policies/{id}",
		h.auth.RequireRole(middleware.RoleAdmin, http.HandlerFunc(h.handleUpdatePolicy)))
	mux.Handle("DELETE /api/v1/policies/{id}",
		h.auth.RequireRole(middleware.RoleAdmin, http.HandlerFunc(h.handleDeactivatePolicy)))

	mux.Handle("POST /api/v1/admin/sweep-expired",
		h.auth.RequireRole(middleware.RoleAdmin, http.HandlerFunc(h.handleSweep)))

	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeValidationError(w, err)
		return
	}

	raw, err := req.toRawEvent(h.nowFunc())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	outcome, err := h.reconciler.Reconcile(r.Context(), raw)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, reconcileResponse{
		Event:            outcome.Event,
		AppliedRequest:   outcome.AppliedRequest,
		Violated:         outcome.Violated,
		ViolationReasons: outcome.ViolationReasons,
	})
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event id"})
		return
	}
	e, err := h.events.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFromQuery(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	events, err := h.events.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}

func (h *Handler) handleVerifyEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event id"})
		return
	}

	var req verifyEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeValidationError(w, err)
		return
	}
	decision, err := accessevent.ParseVerificationStatus(req.Decision)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	claims, _ := middleware.ClaimsFrom(r.Context())
	e, err := h.events.ManualVerify(r.Context(), id, decision, req.Note, claims.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, err)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeValidationError(w, err)
		return
	}
	requestType, err := exception.ParseRequestType(req.RequestType)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	claims, _ := middleware.ClaimsFrom(r.Context())
	created, err := h.requests.CreateRequest(r.Context(), exceptionsvc.CreateInput{
		RequesterID:      claims.UserID,
		RequesterName:    claims.Name,
		LicensePlate:     req.LicensePlate,
		Reason:           req.Reason,
		RequestType:      requestType,
		PlannedEntryTime: req.PlannedEntryTime,
		PlannedExitTime:  req.PlannedExitTime,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// requestTransition adapts approve/reject/cancel, which share a shape, into
// one handler.
func (h *Handler) requestTransition(op func(ctx context.Context, requestID, actor uuid.UUID) (*exception.ExceptionRequest, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request id"})
			return
		}
		claims, _ := middleware.ClaimsFrom(r.Context())
		updated, err := op(r.Context(), id, claims.UserID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	})
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request id"})
		return
	}
	req, err := h.requests.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	filter, err := requestFilterFromQuery(r)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	// Non-admin callers only see their own requests.
	claims, _ := middleware.ClaimsFrom(r.Context())
	if claims.Role != middleware.RoleAdmin && claims.Role != middleware.RoleGuard {
		uid := claims.UserID
		filter.RequesterID = &uid
	}

	requests, err := h.requests.ListRequests(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listRequestsResponse{Requests: requests})
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	count, err := h.requests.SweepExpired(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ExpiredRequests.Add(float64(count))
	}
	writeJSON(w, http.StatusOK, sweepResponse{Expired: count})
}

func (h *Handler) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decodePolicyInput(w, r)
	if !ok {
		return
	}
	p, err := h.policies.CreatePolicy(r.Context(), input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid policy id"})
		return
	}
	input, ok := h.decodePolicyInput(w, r)
	if !ok {
		return
	}
	p, err := h.policies.UpdatePolicy(r.Context(), id, input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleDeactivatePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid policy id"})
		return
	}
	p, err := h.policies.DeactivatePolicy(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid policy id"})
		return
	}
	p, err := h.policies.GetPolicy(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.ListPolicies(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listPoliciesResponse{Policies: policies})
}

func (h *Handler) decodePolicyInput(w http.ResponseWriter, r *http.Request) (policyadmin.CreateInput, bool) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, err)
		return policyadmin.CreateInput{}, false
	}
	if err := h.validate.Struct(&req); err != nil {
		writeValidationError(w, err)
		return policyadmin.CreateInput{}, false
	}

	days := make([]time.Weekday, len(req.WorkingDays))
	for i, d := range req.WorkingDays {
		days[i] = time.Weekday(d)
	}
	return policyadmin.CreateInput{
		Name:                  req.Name,
		StartMinute:           req.StartMinute,
		EndMinute:             req.EndMinute,
		WorkingDays:           days,
		LateToleranceMinutes:  req.LateToleranceMinutes,
		EarlyToleranceMinutes: req.EarlyToleranceMinutes,
	}, true
}

func eventFilterFromQuery(r *http.Request) (verification.EventFilter, error) {
	q := r.URL.Query()
	filter := verification.EventFilter{
		Plate:  q.Get("plate"),
		GateID: q.Get("gate_id"),
	}

	if s := q.Get("status"); s != "" {
		status, err := accessevent.ParseVerificationStatus(s)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}
	if s := q.Get("action"); s != "" {
		action, err := accessevent.ParseAction(s)
		if err != nil {
			return filter, err
		}
		filter.Action = &action
	}
	if err := parseTimeParam(q.Get("from"), &filter.From); err != nil {
		return filter, err
	}
	if err := parseTimeParam(q.Get("to"), &filter.To); err != nil {
		return filter, err
	}
	filter.Limit = intParam(q.Get("limit"))
	filter.Offset = intParam(q.Get("offset"))
	return filter, nil
}

func requestFilterFromQuery(r *http.Request) (exceptionsvc.RequestFilter, error) {
	q := r.URL.Query()
	filter := exceptionsvc.RequestFilter{Plate: q.Get("plate")}

	if s := q.Get("status"); s != "" {
		status, err := exception.ParseStatus(s)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}
	if s := q.Get("requester_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return filter, err
		}
		filter.RequesterID = &id
	}
	if err := parseTimeParam(q.Get("from"), &filter.From); err != nil {
		return filter, err
	}
	if err := parseTimeParam(q.Get("to"), &filter.To); err != nil {
		return filter, err
	}
	filter.Limit = intParam(q.Get("limit"))
	filter.Offset = intParam(q.Get("offset"))
	return filter, nil
}

func parseTimeParam(value string, out **time.Time) error {
	if value == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return err
	}
	*out = &ts
	return nil
}

func intParam(value string) int {
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
