package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/platform/middleware"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
	"github.com/pesio-ai/be-command-gateway/internal/service"
	"github.com/pesio-ai/be-command-gateway/internal/worker"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// EventReader lists recent audit entries.
type EventReader interface {
	ListEvents(ctx context.Context, limit int) ([]*repository.Event, error)
}

// HTTPHandler serves the gateway's JSON API.
type HTTPHandler struct {
	users     *service.UserService
	rules     *service.RuleService
	commands  *service.CommandService
	approvals *service.ApprovalService
	sweeper   *worker.Sweeper
	events    EventReader
	timeout   time.Duration
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	users *service.UserService,
	rules *service.RuleService,
	commands *service.CommandService,
	approvals *service.ApprovalService,
	sweeper *worker.Sweeper,
	events EventReader,
	timeout time.Duration,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		users:     users,
		rules:     rules,
		commands:  commands,
		approvals: approvals,
		sweeper:   sweeper,
		events:    events,
		timeout:   timeout,
		log:       log,
	}
}

// Routes builds the router.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(&h.log.Logger))
	r.Use(middleware.Recovery(&h.log.Logger))
	if h.timeout > 0 {
		r.Use(chimw.Timeout(h.timeout))
	}

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Get("/rules", h.ListRules)
		r.Post("/commands", h.SubmitCommand)
		r.Get("/commands", h.ListCommands)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(repository.RoleAdmin, repository.RoleApprover))
			r.Get("/approvals/pending", h.ListPendingApprovals)
			r.Get("/approvals/{id}", h.GetApproval)
			r.Post("/approvals/{id}/vote", h.Vote)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(repository.RoleAdmin))
			r.Post("/users", h.CreateUser)
			r.Post("/rules", h.CreateRule)
			r.Post("/approvals/{id}/escalate", h.Escalate)
			r.Post("/approvals/{id}/auto-reject", h.AutoReject)
			r.Post("/approvals/sweep", h.Sweep)
			r.Get("/events", h.ListEvents)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────────────────────────────

type ctxKey struct{}

// authenticate resolves the API key to a user and stores it on the context.
func (h *HTTPHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.users.Authenticate(r.Context(), r.Header.Get(APIKeyHeader))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func requireRole(roles ...repository.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := currentUser(r)
			for _, role := range roles {
				if user != nil && user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusForbidden, errorBody(errors.ErrCodeForbidden, "insufficient role"))
		})
	}
}

func currentUser(r *http.Request) *repository.User {
	u, _ := r.Context().Value(ctxKey{}).(*repository.User)
	return u
}

// ── Handlers ─────────────────────────────────────────────────────────────────

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createUserRequest struct {
	Name      string               `json:"name"`
	Role      repository.Role      `json:"role"`
	Seniority repository.Seniority `json:"seniority"`
	Credits   *int                 `json:"credits"`
}

// CreateUser handles POST /api/v1/users.
func (h *HTTPHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.users.Create(r.Context(), currentUser(r).ID, &service.CreateUserRequest{
		Name:      req.Name,
		Role:      repository.Role(strings.ToLower(string(req.Role))),
		Seniority: repository.Seniority(strings.ToLower(string(req.Seniority))),
		Credits:   req.Credits,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":   user.ID,
		"name":      user.Name,
		"role":      user.Role,
		"seniority": user.Seniority,
		"credits":   user.Credits,
		"api_key":   user.APIKey,
	})
}

// ListRules handles GET /api/v1/rules.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.ListRules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*repository.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

type createRuleRequest struct {
	Name               string          `json:"name"`
	Pattern            string          `json:"pattern"`
	Action             string          `json:"action"`
	Priority           *int            `json:"priority"`
	Threshold          *int            `json:"threshold"`
	ActiveHoursStart   *string         `json:"active_hours_start"`
	ActiveHoursEnd     *string         `json:"active_hours_end"`
	SeniorityOverrides json.RawMessage `json:"seniority_overrides"`
}

// CreateRule handles POST /api/v1/rules.
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if !h.decode(w, r, &req) {
		return
	}

	rule := &repository.Rule{
		Name:             strings.TrimSpace(req.Name),
		Pattern:          req.Pattern,
		Action:           repository.Action(strings.ToUpper(strings.TrimSpace(req.Action))),
		Priority:         service.DefaultPriority,
		Threshold:        req.Threshold,
		ActiveHoursStart: req.ActiveHoursStart,
		ActiveHoursEnd:   req.ActiveHoursEnd,
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if raw := strings.TrimSpace(string(req.SeniorityOverrides)); raw != "" && raw != "null" {
		rule.SeniorityOverrides = raw
	}

	res, err := h.rules.CreateRule(r.Context(), currentUser(r).ID, rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type submitCommandRequest struct {
	CommandText string `json:"command_text"`
}

// SubmitCommand handles POST /api/v1/commands.
func (h *HTTPHandler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req submitCommandRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.commands.Submit(r.Context(), currentUser(r), req.CommandText)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := map[string]any{
		"command_id": res.Command.ID,
		"status":     res.Command.Status,
		"action":     res.Action,
	}
	if res.Command.Result != nil {
		body["result"] = *res.Command.Result
	}
	if res.Balance != nil {
		body["credits_remaining"] = *res.Balance
	}
	status := http.StatusOK
	if res.Approval != nil {
		status = http.StatusAccepted
		body["status"] = "PENDING_APPROVAL"
		body["approval_id"] = res.Approval.ID
		body["threshold_required"] = res.Approval.ThresholdRequired
		body["expires_at"] = res.Approval.ExpiresAt
	}
	writeJSON(w, status, body)
}

// ListCommands handles GET /api/v1/commands.
func (h *HTTPHandler) ListCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.commands.List(r.Context(), currentUser(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

// ListPendingApprovals handles GET /api/v1/approvals/pending.
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.approvals.ListPending(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if pending == nil {
		pending = []*repository.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

// GetApproval handles GET /api/v1/approvals/{id}.
func (h *HTTPHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	detail, err := h.approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type voteRequest struct {
	Vote string `json:"vote"`
}

// Vote handles POST /api/v1/approvals/{id}/vote.
func (h *HTTPHandler) Vote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !h.decode(w, r, &req) {
		return
	}

	vote := repository.VoteValue(strings.ToUpper(strings.TrimSpace(req.Vote)))
	res, err := h.approvals.CastVote(r.Context(), chi.URLParam(r, "id"), currentUser(r), vote)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := map[string]any{
		"approval_id": res.Approval.ID,
		"approvals":   res.Tally.Approvals,
		"rejections":  res.Tally.Rejections,
		"threshold":   res.Approval.ThresholdRequired,
		"status":      res.Approval.State(),
	}
	if res.Approval.Resolved {
		body["outcome"] = res.Approval.Outcome
		body["command_status"] = res.Command.Status
		if res.Command.Result != nil {
			body["result"] = *res.Command.Result
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// Escalate handles POST /api/v1/approvals/{id}/escalate.
func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := h.approvals.Escalate(r.Context(), id, currentUser(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval_id": id, "escalated": changed})
}

// AutoReject handles POST /api/v1/approvals/{id}/auto-reject.
func (h *HTTPHandler) AutoReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed, err := h.approvals.ExpireTimedOut(r.Context(), id, currentUser(r).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval_id": id, "rejected": changed})
}

// Sweep handles POST /api/v1/approvals/sweep.
func (h *HTTPHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sweeper.Sweep(r.Context()))
}

// ListEvents handles GET /api/v1/events?limit=N.
func (h *HTTPHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			h.writeError(w, r, errors.InvalidInput("limit", "must be between 1 and 1000"))
			return
		}
		limit = n
	}

	events, err := h.events.ListEvents(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*repository.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ── Encoding ─────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(errors.ErrCodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	code := errors.CodeOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody(code, msg))
}

func errorBody(code errors.ErrorCode, msg string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": msg}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
