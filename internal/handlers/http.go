package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/engine"
	"github.com/mase-health/autobilling-engine/internal/store"
)

// StatusReporter exposes live engine gauges for the status endpoint.
type StatusReporter struct {
	QueueDepth       func() int
	DeferredChains   func() int
	QueuedDeliveries func() int
	AuditDropped     func() int64
}

// Server carries the HTTP handler dependencies.
type Server struct {
	logger     *zap.Logger
	store      store.Store
	dispatcher *engine.Dispatcher
	rules      *engine.RuleEngine
	status     StatusReporter
	startedAt  time.Time
}

// NewServer creates the HTTP handler set.
func NewServer(st store.Store, dispatcher *engine.Dispatcher, rules *engine.RuleEngine, status StatusReporter, logger *zap.Logger) *Server {
	return &Server{
		logger:     logger,
		store:      st,
		dispatcher: dispatcher,
		rules:      rules,
		status:     status,
		startedAt:  time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1/autobilling").Subrouter()
	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handleSaveConfig).Methods(http.MethodPost)
	api.HandleFunc("/triggers/{id}/execute", s.handleExecuteTrigger).Methods(http.MethodPost)
	api.HandleFunc("/check", s.handleCheckBillingRequest).Methods(http.MethodPost)
	api.HandleFunc("/deadletters", s.handleListDeadLetters).Methods(http.MethodGet)
	api.HandleFunc("/deadletters/{id}/replay", s.handleReplayDeadLetter).Methods(http.MethodPost)
	api.HandleFunc("/violations", s.handleListViolations).Methods(http.MethodGet)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	// Marshal a counter-consistent copy; the live snapshot mutates while
	// executions run.
	doc := s.dispatcher.SnapshotView()
	if doc == nil {
		writeError(w, http.StatusNotFound, "no configuration loaded")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleSaveConfig validates the full document and either rejects it with
// every problem itemized or activates it atomically. A rejected save leaves
// the running configuration untouched.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var doc billing.ConfigDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if verrs := billing.ValidateDocument(&doc); verrs.HasErrors() {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"valid":  false,
			"errors": verrs.Errors,
		})
		return
	}

	current := s.dispatcher.Snapshot()
	if current != nil {
		doc.Version = current.Version + 1
	} else if doc.Version < 1 {
		doc.Version = 1
	}
	doc.LastUpdated = time.Now()

	if err := s.store.SaveDocument(r.Context(), &doc); err != nil {
		s.logger.Error("Failed to persist configuration", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to persist configuration")
		return
	}

	s.dispatcher.Apply(&doc)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"version": doc.Version,
	})
}

func (s *Server) handleExecuteTrigger(w http.ResponseWriter, r *http.Request) {
	triggerID := mux.Vars(r)["id"]

	var fields map[string]interface{}
	if r.Body != nil {
		// An empty body means a bare manual run.
		_ = json.NewDecoder(r.Body).Decode(&fields)
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}

	if err := s.dispatcher.ExecuteManual(triggerID, fields); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleCheckBillingRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string                 `json:"subjectId"`
		Fields    map[string]interface{} `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	decision := s.rules.CheckBillingRequest(req.SubjectID, req.Fields)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proceed":  decision.Proceed(),
		"decision": decision,
	})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	includeReplayed := r.URL.Query().Get("includeReplayed") == "true"

	letters, err := s.store.ListDeadLetters(r.Context(), includeReplayed)
	if err != nil {
		s.logger.Error("Failed to list dead letters", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []*store.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.dispatcher.ReplayDeadLetter(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	var states []billing.ViolationState
	for _, raw := range r.URL.Query()["state"] {
		states = append(states, billing.ViolationState(raw))
	}

	violations, err := s.store.ListViolations(r.Context(), states)
	if err != nil {
		s.logger.Error("Failed to list violations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list violations")
		return
	}
	if violations == nil {
		violations = []*billing.Violation{}
	}
	writeJSON(w, http.StatusOK, violations)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListPendingTasks(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		s.logger.Error("Failed to list tasks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*billing.PendingTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.store.ListAuditEntries(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list audit entries", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := s.dispatcher.Snapshot()

	payload := map[string]interface{}{
		"uptime": time.Since(s.startedAt).String(),
	}
	if doc != nil {
		enabledTriggers := 0
		for _, t := range doc.Triggers {
			if t.Enabled {
				enabledTriggers++
			}
		}
		payload["enabled"] = doc.Config.Enabled
		payload["configVersion"] = doc.Version
		payload["triggers"] = len(doc.Triggers)
		payload["enabledTriggers"] = enabledTriggers
		payload["thresholds"] = len(doc.Thresholds)
	}
	if s.status.QueueDepth != nil {
		payload["queueDepth"] = s.status.QueueDepth()
	}
	if s.status.DeferredChains != nil {
		payload["deferredChains"] = s.status.DeferredChains()
	}
	if s.status.QueuedDeliveries != nil {
		payload["queuedNotifications"] = s.status.QueuedDeliveries()
	}
	if s.status.AuditDropped != nil {
		payload["auditEntriesDropped"] = s.status.AuditDropped()
	}

	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
