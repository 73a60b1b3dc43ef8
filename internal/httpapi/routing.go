package httpapi

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/routing"
	"github.com/ent0n29/tracerail/internal/tasks"
)

type routeRequest struct {
	routing.Context
	// CreateTask, when true, creates a review task for human verdicts.
	CreateTask bool            `json:"create_task"`
	Task       *tasks.TaskData `json:"task,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		respondError(w, http.StatusServiceUnavailable, "routing_disabled", "routing engine not configured")
		return
	}
	var req routeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !req.CreateTask {
		respondJSON(w, http.StatusOK, s.engine.Route(req.Context))
		return
	}

	var template tasks.TaskData
	if req.Task != nil {
		template = *req.Task
	}
	sub, err := s.controller.Submit(r.Context(), req.Context, template)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	status := http.StatusOK
	if sub.Task != nil && !sub.Deduplicated {
		status = http.StatusCreated
	}
	respondJSON(w, status, sub)
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	reloader, ok := s.engine.(routing.Reloader)
	if !ok {
		respondError(w, http.StatusNotImplemented, "rules_unsupported", "routing engine has no rule set")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"health": s.engine.Health(),
		"rules":  reloader.Rules(),
	})
}

// handleReloadRules swaps the rule set. A YAML body replaces the rules
// directly; an empty body re-reads the configured rules file. A bad rule set
// leaves the active one in place.
func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	reloader, ok := s.engine.(routing.Reloader)
	if !ok {
		respondError(w, http.StatusNotImplemented, "rules_unsupported", "routing engine has no rule set")
		return
	}

	var body []byte
	if r.Body != nil {
		defer r.Body.Close()
		data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		body = data
	}

	var (
		rules []routing.Rule
		err   error
	)
	if strings.TrimSpace(string(body)) != "" {
		rules, err = routing.ParseRules(body, routing.ParseOptions{
			Source:       "request body",
			RequireRules: s.cfg.RoutingRequireRules,
		})
	} else {
		if s.cfg.RoutingRulesFile == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "no rules in body and no rules file configured")
			return
		}
		rules, err = routing.LoadRulesFile(s.cfg.RoutingRulesFile, s.cfg.RoutingRequireRules)
	}
	if err == nil {
		err = reloader.Reload(rules)
	}
	if err != nil {
		s.logger.Warn("rule reload rejected", zap.Error(err))
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.engine.Health())
}
