// Package routing implements the layered task router: explicit project
// resolution, learned-pattern matching, similar-task analysis, declarative
// rules, and a deterministic fallback, tried in that order under a soft
// time budget.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/hopper/internal/bus"
	"github.com/basket/hopper/internal/hoppererr"
	otelpkg "github.com/basket/hopper/internal/otel"
	"github.com/basket/hopper/internal/persistence"
)

// Strategy names, recorded on every routing result and episode.
const (
	StrategyExplicit = "explicit"
	StrategyLearning = "learning"
	StrategySimilar  = "similar_task"
	StrategyRules    = "rules"
	StrategyDefault  = "default"
)

// PatternQuery asks the consolidated store for patterns matching a task's
// shape.
type PatternQuery struct {
	Tags          []string
	Priority      persistence.TaskPriority
	Title         string
	MinConfidence float64
	Limit         int
}

// PatternMatch is one matching pattern and its combined score.
type PatternMatch struct {
	Pattern *persistence.Pattern
	Score   float64
}

// PatternMatcher is implemented by the consolidated store.
type PatternMatcher interface {
	FindMatching(ctx context.Context, q PatternQuery) ([]PatternMatch, error)
}

// Suggestion is one routing candidate with provenance.
type Suggestion struct {
	TargetID     string
	Confidence   float64
	Strategy     string
	Reasoning    string
	PatternID    string
	SimilarTasks []string
}

// SimilarTaskAnalyzer is implemented by the learning engine: it recalls
// similar past tasks and scores their historical targets. A nil suggestion
// means no signal.
type SimilarTaskAnalyzer interface {
	SimilarTaskSuggestion(ctx context.Context, t *persistence.Task) (*Suggestion, error)
}

// Config tunes the router.
type Config struct {
	// Budget is the soft routing deadline. On expiry the router falls
	// through to the default strategy. Zero means 250ms.
	Budget time.Duration

	// MinConfidence is the pattern-match threshold. Zero means 0.5.
	MinConfidence float64

	// Fallback picks the default strategy: "least_loaded" (default) or
	// "round_robin".
	Fallback string

	// Tracer and Metrics are optional; nil disables the corresponding
	// telemetry.
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

func (c Config) normalize() Config {
	if c.Budget <= 0 {
		c.Budget = 250 * time.Millisecond
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.5
	}
	if c.Fallback == "" {
		c.Fallback = "least_loaded"
	}
	return c
}

// Result is a routing decision.
type Result struct {
	TargetID   string
	Confidence float64
	Strategy   string
	Reasoning  string
	Factors    map[string]any
	Considered []string
}

// Router is the stateless layered resolver. All routing state lives in the
// store and the injected matchers; the only mutable state here is the
// hot-reloadable rule set and the round-robin cursors.
type Router struct {
	store    *persistence.Store
	bus      *bus.Bus
	patterns PatternMatcher
	similar  SimilarTaskAnalyzer
	cfg      Config
	logger   *slog.Logger

	rules atomic.Pointer[RuleSet]

	mu sync.Mutex
	rr map[string]int // round-robin cursor per source instance
}

// NewRouter wires the router. patterns and similar may be nil; the
// corresponding strategies are then skipped.
func NewRouter(store *persistence.Store, b *bus.Bus, patterns PatternMatcher, similar SimilarTaskAnalyzer, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:    store,
		bus:      b,
		patterns: patterns,
		similar:  similar,
		cfg:      cfg.normalize(),
		logger:   logger,
		rr:       make(map[string]int),
	}
}

// SetRules swaps the active rule set. Safe to call concurrently with Route.
func (r *Router) SetRules(rs *RuleSet) {
	r.rules.Store(rs)
}

// Rules returns the active rule set, nil when none is loaded.
func (r *Router) Rules() *RuleSet {
	return r.rules.Load()
}

// CanDelegate reports whether source may hand a task to target: target must
// be a different, routable instance that is a child of source, a sibling of
// source, or at an equal-or-deeper scope rank.
func CanDelegate(source, target *persistence.Instance) bool {
	if source == nil || target == nil || target.ID == source.ID {
		return false
	}
	if !target.Status.Routable() {
		return false
	}
	if target.ParentID == source.ID {
		return true
	}
	if target.ParentID != "" && target.ParentID == source.ParentID {
		return true
	}
	return persistence.ScopeRank(target.Scope) >= persistence.ScopeRank(source.Scope)
}

// Route resolves a delegation target for the task. The source is the task's
// current owner (its origin when unassigned); candidates are the source's
// routable children.
func (r *Router) Route(ctx context.Context, taskID string) (*Result, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	sourceID := task.InstanceID
	if sourceID == "" {
		sourceID = task.OriginID
	}
	var source *persistence.Instance
	if sourceID != "" {
		source, err = r.store.GetInstance(ctx, sourceID)
		if err != nil {
			return nil, fmt.Errorf("resolve routing source: %w", err)
		}
	}

	candidates, err := r.candidatesFor(ctx, source)
	if err != nil {
		return nil, err
	}

	res, err := r.ResolveTarget(ctx, task, source, candidates)
	if err != nil {
		return nil, err
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicRoutingDecision, bus.RoutingDecisionEvent{
			TaskID:     task.ID,
			TargetID:   res.TargetID,
			Strategy:   res.Strategy,
			Confidence: res.Confidence,
		})
	}
	return res, nil
}

// candidatesFor lists the instances the source may delegate to. With no
// source the whole routable tree is eligible.
func (r *Router) candidatesFor(ctx context.Context, source *persistence.Instance) ([]*persistence.Instance, error) {
	if source == nil {
		all, err := r.store.ListInstances(ctx, persistence.InstanceFilter{})
		if err != nil {
			return nil, err
		}
		var out []*persistence.Instance
		for _, inst := range all {
			if inst.Status.Routable() {
				out = append(out, inst)
			}
		}
		return out, nil
	}
	children, err := r.store.ChildInstances(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	var out []*persistence.Instance
	for _, inst := range children {
		if CanDelegate(source, inst) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// ResolveTarget runs the strategy chain over an explicit candidate set.
// Scope behaviors use it to restrict routing to a slice of the tree.
func (r *Router) ResolveTarget(ctx context.Context, task *persistence.Task, source *persistence.Instance, candidates []*persistence.Instance) (*Result, error) {
	start := time.Now()
	var span trace.Span
	if r.cfg.Tracer != nil {
		ctx, span = otelpkg.StartSpan(ctx, r.cfg.Tracer, "routing.resolve",
			otelpkg.AttrTaskID.String(task.ID))
		defer span.End()
	}

	deadline := time.Now().Add(r.cfg.Budget)
	considered := make([]string, 0, len(candidates))
	for _, c := range candidates {
		considered = append(considered, c.ID)
	}

	expired := func() bool {
		return time.Now().After(deadline) || ctx.Err() != nil
	}

	type strategy func(context.Context, *persistence.Task, *persistence.Instance, []*persistence.Instance) (*Result, error)
	chain := []strategy{r.routeExplicit, r.routePattern, r.routeSimilar, r.routeRules}

	timedOut := false
	for _, try := range chain {
		if expired() {
			timedOut = true
			break
		}
		res, err := try(ctx, task, source, candidates)
		if err != nil {
			return nil, err
		}
		if res != nil {
			res.Considered = considered
			r.observe(ctx, span, start, res, false)
			return res, nil
		}
	}

	res, err := r.routeDefault(ctx, task, source, candidates)
	if err != nil {
		return nil, err
	}
	res.Considered = considered
	r.observe(ctx, span, start, res, timedOut)
	if timedOut {
		res.Reasoning = "routing budget exceeded, fell back to default strategy"
		if r.bus != nil {
			r.bus.Publish(bus.TopicRoutingTimeout, bus.RoutingDecisionEvent{
				TaskID:     task.ID,
				TargetID:   res.TargetID,
				Strategy:   res.Strategy,
				Confidence: res.Confidence,
			})
		}
		r.logger.Warn("routing budget exceeded", "task", task.ID, "budget", r.cfg.Budget)
	}
	return res, nil
}

// observe records the resolution on the optional span and instruments.
func (r *Router) observe(ctx context.Context, span trace.Span, start time.Time, res *Result, timedOut bool) {
	if span != nil {
		span.SetAttributes(otelpkg.AttrStrategy.String(res.Strategy))
	}
	m := r.cfg.Metrics
	if m == nil {
		return
	}
	m.RoutingDuration.Record(ctx, time.Since(start).Seconds())
	m.RoutingDecisions.Add(ctx, 1,
		metric.WithAttributes(otelpkg.AttrStrategy.String(res.Strategy)))
	if timedOut {
		m.RoutingTimeouts.Add(ctx, 1)
	}
}

func (r *Router) routeExplicit(ctx context.Context, task *persistence.Task, source *persistence.Instance, candidates []*persistence.Instance) (*Result, error) {
	if task.Project == "" {
		return nil, nil
	}
	inst, err := r.store.GetInstanceByName(ctx, persistence.ScopeProject, task.Project)
	if err != nil {
		if hoppererr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !r.acceptable(source, inst) {
		return nil, nil
	}
	return &Result{
		TargetID:   inst.ID,
		Confidence: 1.0,
		Strategy:   StrategyExplicit,
		Reasoning:  fmt.Sprintf("task names project %q", task.Project),
	}, nil
}

func (r *Router) routePattern(ctx context.Context, task *persistence.Task, source *persistence.Instance, candidates []*persistence.Instance) (*Result, error) {
	if r.patterns == nil {
		return nil, nil
	}
	matches, err := r.patterns.FindMatching(ctx, PatternQuery{
		Tags:          task.Tags,
		Priority:      task.Priority,
		Title:         task.Title,
		MinConfidence: r.cfg.MinConfidence,
		Limit:         5,
	})
	if err != nil {
		return nil, fmt.Errorf("pattern matching: %w", err)
	}
	for _, m := range matches {
		target := r.resolveDestination(ctx, m.Pattern.TargetInstance, candidates)
		if target == nil || !r.acceptable(source, target) {
			continue
		}
		return &Result{
			TargetID:   target.ID,
			Confidence: m.Score,
			Strategy:   StrategyLearning,
			Reasoning:  fmt.Sprintf("learned pattern %q matched", m.Pattern.Name),
			Factors:    map[string]any{"pattern_id": m.Pattern.ID},
		}, nil
	}
	return nil, nil
}

func (r *Router) routeSimilar(ctx context.Context, task *persistence.Task, source *persistence.Instance, candidates []*persistence.Instance) (*Result, error) {
	if r.similar == nil {
		return nil, nil
	}
	sug, err := r.similar.SimilarTaskSuggestion(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("similar-task analysis: %w", err)
	}
	if sug == nil || sug.Confidence <= 0.3 {
		return nil, nil
	}
	target := r.resolveDestination(ctx, sug.TargetID, candidates)
	if target == nil || !r.acceptable(source, target) {
		return nil, nil
	}
	return &Result{
		TargetID:   target.ID,
		Confidence: sug.Confidence,
		Strategy:   StrategySimilar,
		Reasoning:  sug.Reasoning,
		Factors:    map[string]any{"similar_tasks": sug.SimilarTasks},
	}, nil
}

func (r *Router) routeRules(ctx context.Context, task *persistence.Task, source *persistence.Instance, candidates []*persistence.Instance) (*Result, error) {
	rs := r.rules.Load()
	if rs == nil {
		return nil, nil
	}
	match := rs.Evaluate(task)
	if match == nil {
		return nil, nil
	}
	target := r.resolveDestination(ctx, match.Rule.Destination, candidates)
	if target == nil || !r.acceptable(source, target) {
		return nil, nil
	}
	return &Result{
		TargetID:   target.ID,
		Confidence: match.Score,
		Strategy:   StrategyRules,
		Reasoning:  fmt.Sprintf("rule %q matched", match.Rule.ID),
		Factors:    map[string]any{"rule_id": match.Rule.ID},
	}, nil
}

// routeDefault is the deterministic load balancer over the candidate set.
func (r *Router) routeDefault(ctx context.Context, task *persistence.Task, source *persistence.Instance, candidates []*persistence.Instance) (*Result, error) {
	valid := make([]*persistence.Instance, 0, len(candidates))
	for _, c := range candidates {
		if r.acceptable(source, c) {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		return nil, hoppererr.Unavailable("no delegation candidates")
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].ID < valid[j].ID })

	var target *persistence.Instance
	switch r.cfg.Fallback {
	case "round_robin":
		key := ""
		if source != nil {
			key = source.ID
		}
		r.mu.Lock()
		cursor := r.rr[key]
		r.rr[key] = cursor + 1
		r.mu.Unlock()
		target = valid[cursor%len(valid)]
	default:
		best, bestLoad := valid[0], -1
		for _, c := range valid {
			load, err := r.store.CountActiveTasks(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if bestLoad < 0 || load < bestLoad {
				best, bestLoad = c, load
			}
		}
		target = best
	}
	return &Result{
		TargetID:   target.ID,
		Confidence: 0.5,
		Strategy:   StrategyDefault,
		Reasoning:  fmt.Sprintf("%s fallback over %d candidates", r.cfg.Fallback, len(valid)),
	}, nil
}

// Suggestions merges pattern and similar-task candidates, best first.
func (r *Router) Suggestions(ctx context.Context, taskID string, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = 5
	}
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var out []Suggestion
	if r.patterns != nil {
		matches, err := r.patterns.FindMatching(ctx, PatternQuery{
			Tags:          task.Tags,
			Priority:      task.Priority,
			Title:         task.Title,
			MinConfidence: r.cfg.MinConfidence,
			Limit:         limit,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			out = append(out, Suggestion{
				TargetID:   m.Pattern.TargetInstance,
				Confidence: m.Score,
				Strategy:   StrategyLearning,
				Reasoning:  fmt.Sprintf("learned pattern %q matched", m.Pattern.Name),
				PatternID:  m.Pattern.ID,
			})
		}
	}
	if r.similar != nil {
		sug, err := r.similar.SimilarTaskSuggestion(ctx, task)
		if err != nil {
			return nil, err
		}
		if sug != nil {
			out = append(out, *sug)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// acceptable applies the delegation validity filter, degrading to a plain
// routable check when there is no source instance.
func (r *Router) acceptable(source, target *persistence.Instance) bool {
	if target == nil {
		return false
	}
	if source == nil {
		return target.Status.Routable()
	}
	return CanDelegate(source, target)
}

// resolveDestination maps a rule or pattern destination onto an instance:
// candidate ids and names first, then a store lookup by id.
func (r *Router) resolveDestination(ctx context.Context, dest string, candidates []*persistence.Instance) *persistence.Instance {
	if dest == "" {
		return nil
	}
	for _, c := range candidates {
		if c.ID == dest || c.Name == dest {
			return c
		}
	}
	inst, err := r.store.GetInstance(ctx, dest)
	if err != nil {
		return nil
	}
	return inst
}
