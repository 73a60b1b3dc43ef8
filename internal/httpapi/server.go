package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/tracerail/internal/config"
	"github.com/ent0n29/tracerail/internal/lifecycle"
	"github.com/ent0n29/tracerail/internal/observability"
	"github.com/ent0n29/tracerail/internal/routing"
	"github.com/ent0n29/tracerail/internal/sla"
	"github.com/ent0n29/tracerail/internal/tasks"
)

type Server struct {
	cfg        config.Config
	controller *lifecycle.Controller
	engine     routing.Engine
	metrics    *observability.Metrics
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, controller *lifecycle.Controller, engine routing.Engine, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		controller: controller,
		engine:     engine,
		metrics:    metrics,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/route", s.handleRoute)
	r.Get("/v1/rules", s.handleListRules)
	r.Post("/v1/rules/reload", s.handleReloadRules)

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/overdue", s.handleOverdueTasks)
	r.Get("/v1/tasks/stream", s.handleTaskStream)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/tasks/{id}/events", s.handleListTaskEvents)
	r.Post("/v1/tasks/{id}/{action}", s.handleTaskSignal)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"task_store_mode": s.taskStoreMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil || s.controller == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "routing engine or task controller not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"routing":         s.engine.Health(),
		"open_tasks":      s.controller.Manager().CountOpen(),
		"task_store_mode": s.taskStoreMode(),
	})
}

func (s *Server) taskStoreMode() string {
	switch {
	case s.controller == nil:
		return "disabled"
	case strings.HasPrefix(s.cfg.DatabaseURL, "postgres"):
		return "postgres"
	case s.cfg.DatabaseURL != "":
		return "sqlite"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps domain errors onto status codes.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case tasks.IsValidationError(err), errors.Is(err, sla.ErrInvalidSLA):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, tasks.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, tasks.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case routing.IsConfigurationError(err):
		respondError(w, http.StatusUnprocessableEntity, "invalid_configuration", err.Error())
	case errors.Is(err, lifecycle.ErrClosed), errors.Is(err, lifecycle.ErrNoEngine):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
