// Package gateway is the HTTP adapter over the routing core: a REST surface
// for tasks, instances, delegations, patterns and rules, plus a WebSocket
// stream of bus events. It owns the error-to-status mapping, bearer auth and
// per-client rate limiting; no domain logic lives here.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/basket/hopper/internal/bus"
	"github.com/basket/hopper/internal/delegation"
	"github.com/basket/hopper/internal/hoppererr"
	"github.com/basket/hopper/internal/instance"
	"github.com/basket/hopper/internal/learning"
	otelpkg "github.com/basket/hopper/internal/otel"
	"github.com/basket/hopper/internal/persistence"
	"github.com/basket/hopper/internal/routing"
	"github.com/basket/hopper/internal/shared"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Store       *persistence.Store
	Registry    *instance.Registry
	Router      *routing.Router
	Delegations *delegation.Engine
	Learning    *learning.Engine
	Bus         *bus.Bus

	AuthToken          string
	RateLimitPerMinute int

	// ConfigFingerprint is the hash of the active config, exposed on
	// /healthz so operators can tell which configuration a process runs.
	ConfigFingerprint string

	// RulesPath is where PUT /api/rules persists the rule document.
	RulesPath string

	// Tracer and Metrics are optional; nil disables the corresponding
	// telemetry.
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics

	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rateLimiter
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := newRateLimiter(cfg.RateLimitPerMinute, logger)
	limiter.metrics = cfg.Metrics
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
	}
}

// StartEviction launches the rate-limiter bucket sweeper. Call once at boot.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.startEviction(ctx, 5*time.Minute, 30*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", s.handlePatchTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/transition", s.handleTransitionTask)
	mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("POST /api/tasks/{id}/route", s.handleRouteTask)
	mux.HandleFunc("GET /api/tasks/{id}/suggestions", s.handleTaskSuggestions)
	mux.HandleFunc("GET /api/tasks/{id}/delegations", s.handleTaskDelegations)
	mux.HandleFunc("GET /api/tasks/{id}/context", s.handleTaskContext)
	mux.HandleFunc("POST /api/tasks/{id}/outcome", s.handleTaskOutcome)
	mux.HandleFunc("POST /api/tasks/{id}/feedback", s.handleTaskFeedback)

	mux.HandleFunc("POST /api/instances", s.handleCreateInstance)
	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/children", s.handleInstanceChildren)
	mux.HandleFunc("GET /api/instances/{id}/hierarchy", s.handleInstanceHierarchy)
	mux.HandleFunc("GET /api/instances/{id}/queue", s.handleInstanceQueue)
	mux.HandleFunc("POST /api/instances/{id}/{action}", s.handleInstanceAction)

	mux.HandleFunc("POST /api/delegations", s.handleCreateDelegation)
	mux.HandleFunc("GET /api/delegations/{id}", s.handleGetDelegation)
	mux.HandleFunc("POST /api/delegations/{id}/{action}", s.handleDelegationAction)

	mux.HandleFunc("GET /api/patterns", s.handleListPatterns)
	mux.HandleFunc("GET /api/patterns/{id}", s.handleGetPattern)

	mux.HandleFunc("GET /api/rules", s.handleGetRules)
	mux.HandleFunc("PUT /api/rules", s.handlePutRules)

	mux.HandleFunc("POST /api/maintenance/consolidate", s.handleConsolidate)
	mux.HandleFunc("POST /api/maintenance/reindex", s.handleReindex)

	auth := newAuthMiddleware(s.cfg.AuthToken)
	return s.limiter.wrap(auth.wrap(s.instrument(mux)))
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func queryInt(r *http.Request, key, fallback string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		v = fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// --- system ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.DB().PingContext(r.Context()) == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"config_hash": s.cfg.ConfigFingerprint,
		"time_unix":   time.Now().Unix(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts := map[string]int{}
	for _, st := range []persistence.TaskStatus{
		persistence.TaskStatusPending,
		persistence.TaskStatusClaimed,
		persistence.TaskStatusInProgress,
		persistence.TaskStatusBlocked,
		persistence.TaskStatusDone,
		persistence.TaskStatusCancelled,
	} {
		_, total, err := s.cfg.Store.ListTasks(ctx, persistence.TaskFilter{Status: st}, persistence.Page{Limit: 1})
		if err != nil {
			writeError(w, err)
			return
		}
		counts[string(st)] = total
	}

	var patternCount, activePatterns int
	if patterns, err := s.cfg.Store.ListPatterns(ctx); err == nil {
		patternCount = len(patterns)
		for _, p := range patterns {
			if p.Active {
				activePatterns++
			}
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":           counts,
		"patterns_total":  patternCount,
		"patterns_active": activePatterns,
		"ratelimit_keys":  s.limiter.bucketCount(),
		"alloc_bytes":     mem.Alloc,
	})
}

// --- tasks ---

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title        string   `json:"title"`
		Description  string   `json:"description"`
		Project      string   `json:"project"`
		Tags         []string `json:"tags"`
		Capabilities []string `json:"capabilities"`
		Dependencies []string `json:"dependencies"`
		Priority     string   `json:"priority"`
		InstanceID   string   `json:"instance_id"`

		ExternalPlatform string `json:"external_platform"`
		ExternalID       string `json:"external_id"`
		ExternalURL      string `json:"external_url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	task, err := s.cfg.Store.CreateTask(r.Context(), persistence.TaskSpec{
		Title:        body.Title,
		Description:  body.Description,
		Project:      body.Project,
		Tags:         body.Tags,
		Capabilities: body.Capabilities,
		Dependencies: body.Dependencies,
		Priority:     persistence.TaskPriority(body.Priority),
		InstanceID:   body.InstanceID,

		ExternalPlatform: body.ExternalPlatform,
		ExternalID:       body.ExternalID,
		ExternalURL:      body.ExternalURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Status:     persistence.TaskStatus(q.Get("status")),
		InstanceID: q.Get("instance"),
		Project:    q.Get("project"),
		Tag:        q.Get("tag"),
		Priority:   persistence.TaskPriority(q.Get("priority")),
	}
	page := persistence.Page{Limit: queryInt(r, "limit", "50"), Offset: queryInt(r, "offset", "0")}

	var (
		tasks []*persistence.Task
		total int
		err   error
	)
	if search := q.Get("q"); search != "" {
		tasks, total, err = s.cfg.Store.SearchTasks(r.Context(), search, filter, page)
	} else {
		tasks, total, err = s.cfg.Store.ListTasks(r.Context(), filter, page)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title        *string   `json:"title"`
		Description  *string   `json:"description"`
		Project      *string   `json:"project"`
		Tags         *[]string `json:"tags"`
		Capabilities *[]string `json:"capabilities"`
		Dependencies *[]string `json:"dependencies"`
		Priority     *string   `json:"priority"`
		ExternalURL  *string   `json:"external_url"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	patch := persistence.TaskPatch{
		Title:        body.Title,
		Description:  body.Description,
		Project:      body.Project,
		Tags:         body.Tags,
		Capabilities: body.Capabilities,
		Dependencies: body.Dependencies,
		ExternalURL:  body.ExternalURL,
	}
	if body.Priority != nil {
		p := persistence.TaskPriority(*body.Priority)
		patch.Priority = &p
	}
	task, err := s.cfg.Store.UpdateTask(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	deleted, err := s.cfg.Store.DeleteTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, hoppererr.NotFound("task", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
		Result string `json:"result"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	id := r.PathValue("id")
	task, err := s.cfg.Store.TransitionTask(r.Context(), id, persistence.TaskStatus(body.Status))
	if err != nil {
		writeError(w, err)
		return
	}

	// Completing a delegated task closes out its delegation chain.
	bubbled := 0
	if task.Status == persistence.TaskStatusDone && s.cfg.Delegations != nil {
		n, err := s.cfg.Delegations.BubbleCompletion(r.Context(), id, body.Result)
		if err != nil {
			s.logger.Warn("gateway: bubble completion failed",
				"task_id", id, "trace_id", shared.TraceID(r.Context()), "error", err)
		} else {
			bubbled = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "delegations_completed": bubbled})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.cfg.Store.TaskEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []persistence.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRouteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.cfg.Router.Route(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	episodeID := ""
	if s.cfg.Learning != nil {
		task, err := s.cfg.Store.GetTask(r.Context(), id)
		if err == nil {
			ep, err := s.cfg.Learning.RecordRouting(r.Context(), task, res)
			if err != nil {
				s.logger.Warn("gateway: record routing failed",
					"task_id", id, "trace_id", shared.TraceID(r.Context()), "error", err)
			} else {
				episodeID = ep.ID
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"target_id":  res.TargetID,
		"confidence": res.Confidence,
		"strategy":   res.Strategy,
		"reasoning":  res.Reasoning,
		"factors":    res.Factors,
		"considered": res.Considered,
		"episode_id": episodeID,
	})
}

func (s *Server) handleTaskSuggestions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", "5")
	suggestions, err := s.cfg.Router.Suggestions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(suggestions))
	for _, sg := range suggestions {
		out = append(out, map[string]any{
			"target_id":     sg.TargetID,
			"confidence":    sg.Confidence,
			"strategy":      sg.Strategy,
			"reasoning":     sg.Reasoning,
			"pattern_id":    sg.PatternID,
			"similar_tasks": sg.SimilarTasks,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": out})
}

func (s *Server) handleTaskDelegations(w http.ResponseWriter, r *http.Request) {
	chain, err := s.cfg.Delegations.Chain(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if chain == nil {
		chain = []*persistence.Delegation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": chain})
}

func (s *Server) handleTaskContext(w http.ResponseWriter, r *http.Request) {
	var available []string
	if raw := r.URL.Query().Get("instances"); raw != "" {
		available = strings.Split(raw, ",")
	}
	rc, err := s.cfg.Learning.BuildContext(r.Context(), r.PathValue("id"), available)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleTaskOutcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Success    bool   `json:"success"`
		DurationMS int64  `json:"duration_ms"`
		Notes      string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	id := r.PathValue("id")
	err := s.cfg.Learning.RecordOutcome(r.Context(), id, body.Success,
		time.Duration(body.DurationMS)*time.Millisecond, body.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "recorded": true})
}

func (s *Server) handleTaskFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WasGoodMatch       bool      `json:"was_good_match"`
		ShouldHaveRoutedTo *string   `json:"should_have_routed_to"`
		QualityScore       *float64  `json:"quality_score"`
		Complexity         *int      `json:"complexity"`
		Rework             *bool     `json:"rework"`
		UnexpectedBlockers *[]string `json:"unexpected_blockers"`
		MissingSkills      *[]string `json:"missing_skills"`
		Notes              *string   `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	fb, err := s.cfg.Learning.ProcessFeedback(r.Context(), persistence.FeedbackSpec{
		TaskID:             r.PathValue("id"),
		WasGoodMatch:       body.WasGoodMatch,
		ShouldHaveRoutedTo: body.ShouldHaveRoutedTo,
		QualityScore:       body.QualityScore,
		Complexity:         body.Complexity,
		Rework:             body.Rework,
		UnexpectedBlockers: body.UnexpectedBlockers,
		MissingSkills:      body.MissingSkills,
		Notes:              body.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

// --- instances ---

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string         `json:"name"`
		Scope    string         `json:"scope"`
		Type     string         `json:"type"`
		ParentID string         `json:"parent_id"`
		Config   map[string]any `json:"config"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	inst, err := s.cfg.Registry.Create(r.Context(), persistence.InstanceSpec{
		Name:     body.Name,
		Scope:    persistence.InstanceScope(body.Scope),
		Type:     persistence.InstanceType(body.Type),
		ParentID: body.ParentID,
		Config:   body.Config,
		Metadata: body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instances, err := s.cfg.Registry.List(r.Context(), persistence.InstanceFilter{
		Scope:    persistence.InstanceScope(q.Get("scope")),
		Status:   persistence.InstanceStatus(q.Get("status")),
		ParentID: q.Get("parent"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if instances == nil {
		instances = []*persistence.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.cfg.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstanceChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.cfg.Registry.Children(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if children == nil {
		children = []*persistence.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": children})
}

func (s *Server) handleInstanceHierarchy(w http.ResponseWriter, r *http.Request) {
	chain, err := s.cfg.Registry.Hierarchy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hierarchy": chain})
}

func (s *Server) handleInstanceQueue(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.cfg.Registry.TaskQueue(r.Context(), r.PathValue("id"), queryInt(r, "limit", "50"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": tasks})
}

func (s *Server) handleInstanceAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")

	if action == "handle" {
		var body struct {
			TaskID string `json:"task_id"`
		}
		if err := decodeBody(r, &body); err != nil || body.TaskID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "task_id required"})
			return
		}
		decision, err := s.cfg.Registry.HandleIncoming(r.Context(), id, body.TaskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"action":     decision.Action,
			"target_id":  decision.TargetID,
			"confidence": decision.Confidence,
			"strategy":   decision.Strategy,
			"reasoning":  decision.Reasoning,
		})
		return
	}

	var inst *persistence.Instance
	var err error
	switch action {
	case "start":
		inst, err = s.cfg.Registry.Start(r.Context(), id)
	case "stop":
		inst, err = s.cfg.Registry.Stop(r.Context(), id)
	case "pause":
		inst, err = s.cfg.Registry.Pause(r.Context(), id)
	case "resume":
		inst, err = s.cfg.Registry.Resume(r.Context(), id)
	case "restart":
		inst, err = s.cfg.Registry.Restart(r.Context(), id)
	case "terminate":
		inst, err = s.cfg.Registry.Terminate(r.Context(), id)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown action " + strconv.Quote(action)})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// --- delegations ---

func (s *Server) handleCreateDelegation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID   string `json:"task_id"`
		TargetID string `json:"target_id"`
		Type     string `json:"type"`
		Notes    string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	del, err := s.cfg.Delegations.Delegate(r.Context(), body.TaskID, body.TargetID,
		persistence.DelegationType(body.Type), body.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, del)
}

func (s *Server) handleGetDelegation(w http.ResponseWriter, r *http.Request) {
	del, err := s.cfg.Store.GetDelegation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, del)
}

func (s *Server) handleDelegationAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Reason string `json:"reason"`
		Result string `json:"result"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
			return
		}
	}

	var del *persistence.Delegation
	var err error
	switch r.PathValue("action") {
	case "accept":
		del, err = s.cfg.Delegations.Accept(r.Context(), id)
	case "reject":
		del, err = s.cfg.Delegations.Reject(r.Context(), id, body.Reason)
	case "complete":
		del, err = s.cfg.Delegations.Complete(r.Context(), id, body.Result)
	case "cancel":
		del, err = s.cfg.Delegations.Cancel(r.Context(), id, body.Reason)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown action " + strconv.Quote(r.PathValue("action"))})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, del)
}

// --- patterns ---

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	var (
		patterns []*persistence.Pattern
		err      error
	)
	if r.URL.Query().Get("active") == "true" {
		patterns, err = s.cfg.Store.ActivePatterns(r.Context(), 0)
	} else {
		patterns, err = s.cfg.Store.ListPatterns(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if patterns == nil {
		patterns = []*persistence.Pattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns})
}

func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	p, err := s.cfg.Store.GetPattern(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- rules ---

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	rs := s.cfg.Router.Rules()
	if rs == nil {
		rs = &routing.RuleSet{}
	}
	data, err := yaml.Marshal(rs)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(data)
}

func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	data, err := readAll(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	rs, err := routing.ParseRules(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if s.cfg.RulesPath != "" {
		if err := routing.SaveRules(s.cfg.RulesPath, rs); err != nil {
			writeError(w, err)
			return
		}
	}
	s.cfg.Router.SetRules(rs)
	s.logger.Info("gateway: rules replaced", "rules", len(rs.Rules))
	writeJSON(w, http.StatusOK, map[string]any{"rules": len(rs.Rules), "saved": s.cfg.RulesPath != ""})
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
}

// --- maintenance ---

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Learning.RunConsolidation(r.Context(), time.Time{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"episodes": report.Episodes,
		"buckets":  report.Buckets,
		"created":  report.Created,
		"refined":  report.Refined,
	})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Learning.RebuildSimilarityIndex(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reindexed": true})
}
