// Copyright 2025 Digbi Health
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"digbigpt/platform/shared/logger"
)

// DefaultUserType is assumed when the caller does not send one
const DefaultUserType = "DIGBI_GPT"

// AskRequest is the POST /api/v1/ask payload
type AskRequest struct {
	Question string `json:"question"`
	UserID   string `json:"user_id"`
	UserType string `json:"user_type,omitempty"`
	Language string `json:"language,omitempty"`

	// Agent forces a specific agent, bypassing keyword routing.
	Agent string `json:"agent,omitempty"`

	// Params carries tool arguments such as drug_name, year, or
	// member_id_hash for agents whose tools need them.
	Params map[string]any `json:"params,omitempty"`
}

// AskResponse is the POST /api/v1/ask response payload
type AskResponse struct {
	Answer                 string `json:"answer"`
	Table                  *Table `json:"table"`
	AgentUsed              string `json:"agent_used"`
	CorrectiveRetryApplied bool   `json:"corrective_retry_applied"`
	RetrySucceeded         bool   `json:"retry_succeeded"`
	Cached                 bool   `json:"cached"`
	QueryTimeMs            int64  `json:"query_time_ms"`
	Timestamp              string `json:"timestamp"`
}

// errorResponse is the uniform error envelope
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server carries the wired components behind the HTTP handlers
type Server struct {
	registry    *AgentRegistry
	coordinator *Coordinator
	cache       *QueryCache
	audit       *AuditLogger
	metrics     *MetricsCollector
	claims      *ClaimsStore
	log         *logger.Logger
}

// NewServer wires the handler set from its components. cache, audit,
// metrics, and claims may be nil in reduced deployments.
func NewServer(registry *AgentRegistry, coordinator *Coordinator, cache *QueryCache, audit *AuditLogger, metrics *MetricsCollector, claims *ClaimsStore) *Server {
	return &Server{
		registry:    registry,
		coordinator: coordinator,
		cache:       cache,
		audit:       audit,
		metrics:     metrics,
		claims:      claims,
		log:         logger.New("api"),
	}
}

// HandleAsk is POST /api/v1/ask: route the question, run the coordinator,
// and return the settled answer.
func (s *Server) HandleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "missing_question", "question is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	if req.UserType == "" {
		req.UserType = DefaultUserType
	}

	ctx := r.Context()

	// Param-bearing requests bypass the cache: the key covers only the
	// question and user type.
	cacheable := len(req.Params) == 0

	if cacheable {
		if cached := s.cache.Get(ctx, req.Question, req.UserType); cached != nil {
			s.metrics.ObserveCache(true)
			table := cached.Table
			if table == nil {
				table = EmptyTable()
			}
			writeJSON(w, http.StatusOK, AskResponse{
				Answer:      cached.Text,
				Table:       table,
				AgentUsed:   cached.AgentUsed,
				Cached:      true,
				QueryTimeMs: time.Since(start).Milliseconds(),
				Timestamp:   time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		s.metrics.ObserveCache(false)
	}

	agentID := req.Agent
	if agentID == "" {
		routed, err := s.registry.RouteQuery(req.Question)
		if err != nil {
			writeError(w, http.StatusNotFound, "no_agent", err.Error())
			return
		}
		agentID = routed
	}

	agent, err := s.registry.ResolveAgent(agentID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_agent", err.Error())
		return
	}

	mctx := NewModelContext(uuid.NewString(), req.Question, req.UserID, req.UserType)
	mctx.Language = req.Language
	mctx.SetToolParams(req.Params)

	result, err := s.coordinator.Execute(ctx, agentID, mctx, behaviorsFor(agent))
	duration := time.Since(start)

	if err != nil {
		status, code := classifyError(err)
		s.metrics.ObserveRequest(agentID, code, duration)
		s.recordAudit(mctx, req, agentID, code, nil, duration, err)
		s.log.ErrorWithCode(req.UserID, mctx.ContextID, "Ask request failed", status, err,
			map[string]interface{}{"agent": agentID, "code": code})
		writeError(w, status, code, err.Error())
		return
	}

	table := mctx.LastTable()
	if table == nil {
		table = EmptyTable()
	}

	s.metrics.ObserveRequest(agentID, "ok", duration)
	s.recordAudit(mctx, req, agentID, "ok", result, duration, nil)
	if cacheable {
		s.cache.Put(ctx, req.Question, req.UserType, result, table)
	}

	writeJSON(w, http.StatusOK, AskResponse{
		Answer:                 result.Text,
		Table:                  table,
		AgentUsed:              result.AgentUsed,
		CorrectiveRetryApplied: result.CorrectiveRetryApplied,
		RetrySucceeded:         result.RetrySucceeded,
		QueryTimeMs:            duration.Milliseconds(),
		Timestamp:              time.Now().UTC().Format(time.RFC3339),
	})
}

// agentSummary is one row of GET /api/v1/agents
type agentSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Guardrails  []string `json:"guardrails,omitempty"`
}

// HandleListAgents is GET /api/v1/agents
func (s *Server) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	names := s.registry.ListAgents()

	summaries := make([]agentSummary, 0, len(names))
	for _, name := range names {
		agent, err := s.registry.ResolveAgent(name)
		if err != nil {
			continue
		}
		summaries = append(summaries, agentSummary{
			Name:        agent.Name,
			Description: agent.Description,
			Tools:       agent.Tools,
			Guardrails:  agent.Guardrails,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": summaries,
		"count":  len(summaries),
	})
}

// HandleHealth is GET /health: liveness plus dependency checks
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]string{}
	healthy := true

	if s.claims != nil {
		if err := s.claims.Ping(ctx); err != nil {
			checks["claims_db"] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			checks["claims_db"] = "healthy"
		}
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			// Cache is soft: report but stay healthy.
			checks["cache"] = "degraded: " + err.Error()
		} else {
			checks["cache"] = "healthy"
		}
	}

	stats := s.registry.Stats()

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    state,
		"checks":    checks,
		"agents":    stats.AgentCount,
		"domains":   stats.DomainCount,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReload is POST /api/v1/admin/reload: re-read agent configs
func (s *Server) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"agents": stats.AgentCount,
	})
}

// behaviorsFor maps an agent's configured behavior names onto checks
func behaviorsFor(agent *AgentDef) []RequiredBehavior {
	var behaviors []RequiredBehavior
	for _, name := range agent.RequiredBehaviors {
		switch name {
		case "knowledge_base_search":
			behaviors = append(behaviors, RequireToolUsage(ToolTypeFileSearch, KnowledgeBaseGuidance))
		case "claims_data_lookup":
			behaviors = append(behaviors, RequireToolUsage(ToolTypeClaimsSQL,
				"Answer from the claims warehouse: run the appropriate claims query before responding."))
		}
	}
	return behaviors
}

// recordAudit queues the request outcome when auditing is enabled
func (s *Server) recordAudit(mctx *ModelContext, req AskRequest, agentID, status string, result *FinalResult, duration time.Duration, err error) {
	if s.audit == nil {
		return
	}

	entry := AuditEntry{
		ContextID:  mctx.ContextID,
		UserToken:  req.UserID,
		UserType:   req.UserType,
		Question:   req.Question,
		AgentUsed:  agentID,
		Status:     status,
		DurationMs: duration.Milliseconds(),
	}
	if result != nil {
		entry.RetryApplied = result.CorrectiveRetryApplied
		entry.RetrySucceeded = result.RetrySucceeded
	}
	var trip *GuardrailTrip
	if errors.As(err, &trip) {
		entry.GuardrailTripped = trip.Guardrail
	}

	s.audit.Record(entry)
}

// classifyError maps coordinator errors onto HTTP status and code
func classifyError(err error) (int, string) {
	var (
		cfgErr   *ConfigurationError
		inputErr *InvalidInputError
		trip     *GuardrailTrip
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusNotFound, "configuration_error"
	case errors.As(err, &inputErr):
		return http.StatusBadRequest, "invalid_input"
	case errors.As(err, &trip):
		return http.StatusUnprocessableEntity, "guardrail_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 499, "cancelled"
	default:
		return http.StatusBadGateway, "upstream_failure"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
