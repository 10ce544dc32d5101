package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Jgorzitza/HotDash-sub021/internal/audit"
	"github.com/Jgorzitza/HotDash-sub021/internal/conversation"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
	"github.com/Jgorzitza/HotDash-sub021/internal/queue"
	"github.com/Jgorzitza/HotDash-sub021/internal/redact"
	"github.com/Jgorzitza/HotDash-sub021/internal/requestctx"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeQueueError maps queue errors onto HTTP statuses. Reasons travel
// verbatim: denial and conflict text is part of the audit trail, never
// collapsed into a generic failure message.
func writeQueueError(w http.ResponseWriter, err error) {
	var verr *queue.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   "validation_failed",
			"message": verr.Error(),
			"fields":  verr.Fields,
		})
		return
	}
	var conflict *queue.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":            "state_conflict",
			"message":          conflict.Error(),
			"current_status":   string(conflict.Current),
			"attempted_status": string(conflict.Attempted),
		})
		return
	}
	var denied *queue.GateDeniedError
	if errors.As(err, &denied) {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":   "execution_denied",
			"message": denied.Error(),
			"reasons": denied.Reasons,
		})
		return
	}
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		resp["components"] = map[string]string{
			"policy_engine": "ok",
			"action_queue":  "ok",
			"audit_store":   "ok",
		}
		resp["rule_version"] = s.policyEngine.Rules().VersionTag
	}
	writeJSON(w, http.StatusOK, resp)
}

type routeRequest struct {
	ConversationID string                 `json:"conversation_id"`
	SessionID      string                 `json:"session_id"`
	Intent         string                 `json:"intent"`
	Sentiment      conversation.Sentiment `json:"sentiment"`
	Urgency        conversation.Urgency   `json:"urgency"`
	Customer       conversation.Customer  `json:"customer"`
	Messages       []conversation.Message `json:"messages"`
	CreatedAt      time.Time              `json:"created_at"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "conversation_id is required")
		return
	}
	if req.Sentiment != "" && !req.Sentiment.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown sentiment "+strconv.Quote(string(req.Sentiment)))
		return
	}
	if req.Urgency != "" && !req.Urgency.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown urgency "+strconv.Quote(string(req.Urgency)))
		return
	}

	conv := conversation.New(req.ConversationID, req.Customer)
	conv.SessionID = req.SessionID
	conv.Intent = req.Intent
	conv.Sentiment = req.Sentiment
	conv.Urgency = req.Urgency
	conv.Messages = req.Messages
	if !req.CreatedAt.IsZero() {
		conv.CreatedAt = req.CreatedAt
	}

	decision, err := s.router.DecideHandoff(r.Context(), conv)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", req.ConversationID).Msg("route_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleActionSubmit(w http.ResponseWriter, r *http.Request) {
	var it queue.Item
	if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if it.Agent == "" {
		it.Agent = requestctx.Actor(r.Context())
	}
	stored, err := s.actionQueue.Submit(r.Context(), it)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleActionsTop(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	ranked, err := s.actionQueue.TopActions(r.Context(), limit)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	type entry struct {
		*queue.Item
		Score float64 `json:"score"`
	}
	out := make([]entry, len(ranked))
	for i, rk := range ranked {
		out[i] = entry{Item: rk.Item, Score: rk.Score}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": out, "count": len(out)})
}

func (s *Server) handleActionGet(w http.ResponseWriter, r *http.Request) {
	it, err := s.actionQueue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"action": it,
		"score":  queue.Score(it),
	})
}

func (s *Server) handleActionApprove(w http.ResponseWriter, r *http.Request) {
	it, err := s.actionQueue.Approve(r.Context(), chi.URLParam(r, "id"), requestctx.Actor(r.Context()))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleActionReject(w http.ResponseWriter, r *http.Request) {
	it, err := s.actionQueue.Reject(r.Context(), chi.URLParam(r, "id"), requestctx.Actor(r.Context()))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// handleActionExecute runs the automated execution path by default; a body
// of {"manual": true} records an execution the operator carried out by hand
// for items that deny automated execution.
func (s *Server) handleActionExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Manual bool `json:"manual"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	operator := requestctx.Actor(r.Context())
	var (
		it  *queue.Item
		err error
	)
	if req.Manual {
		it, err = s.actionQueue.ExecuteManual(r.Context(), id, operator)
	} else {
		it, err = s.actionQueue.Execute(r.Context(), id, operator)
	}
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

type authorizeContext struct {
	SessionID        string    `json:"session_id"`
	OwnerSession     string    `json:"owner_session"`
	CustomerID       string    `json:"customer_id"`
	ActorCustomer    string    `json:"actor_customer"`
	ContextCreatedAt time.Time `json:"context_created_at"`
}

func (c authorizeContext) toRequestContext() policy.RequestContext {
	return policy.RequestContext{
		SessionID:        c.SessionID,
		OwnerSession:     c.OwnerSession,
		CustomerID:       c.CustomerID,
		ActorCustomer:    c.ActorCustomer,
		ContextCreatedAt: c.ContextCreatedAt,
	}
}

func (s *Server) handleActionAuthorize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Context authorizeContext `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	it, decision, err := s.actionQueue.RecordAuthorization(r.Context(), chi.URLParam(r, "id"), req.Context.toRequestContext())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"action":   it,
		"decision": decision,
	})
}

func (s *Server) handleActionOutcome(w http.ResponseWriter, r *http.Request) {
	var outcome queue.Outcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	it, err := s.actionQueue.RecordOutcome(r.Context(), chi.URLParam(r, "id"), outcome)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleProducers(w http.ResponseWriter, r *http.Request) {
	stats, err := s.actionQueue.ProducerStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	type entry struct {
		queue.ProducerStats
		Reliability float64 `json:"reliability"`
	}
	out := make([]entry, len(stats))
	for i, st := range stats {
		out[i] = entry{ProducerStats: st, Reliability: st.Reliability()}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"producers": out})
}

type authorizeRequest struct {
	Agent    string           `json:"agent"`
	Resource string           `json:"resource"`
	Action   string           `json:"action"`
	Context  authorizeContext `json:"context"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	decision := s.policyEngine.Authorize(r.Context(), req.Agent, req.Resource, req.Action, req.Context.toRequestContext())

	entry := policy.CreateAuditEntry(req.Agent, req.Action, req.Resource, decision, time.Now().UTC())
	if err := s.auditStore.Append(r.Context(), "authorize", requestctx.CorrelationID(r.Context()), entry); err != nil {
		log.Error().Err(err).Str("agent", req.Agent).Msg("audit_append_error")
	}

	writeJSON(w, http.StatusOK, decision)
}

type redactRequest struct {
	Text  string   `json:"text"`
	Rules []string `json:"rules,omitempty"`
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	var req redactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}

	rules := redact.AllRules()
	if len(req.Rules) > 0 {
		rules = redact.Rules{}
		for _, name := range req.Rules {
			switch name {
			case "email":
				rules.Email = true
			case "phone":
				rules.Phone = true
			case "address":
				rules.Address = true
			default:
				writeError(w, http.StatusBadRequest, "invalid_request", "unknown redaction rule "+strconv.Quote(name))
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"redacted": redact.Apply(req.Text, rules),
	})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from, to time.Time
	var err error
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC3339")
			return
		}
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.auditStore.List(r.Context(), q.Get("agent"), from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.auditStore.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.auditStore.Verify(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "signature_valid": ok})
}
