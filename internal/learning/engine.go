package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/basket/hopper/internal/bus"
	"github.com/basket/hopper/internal/memory"
	otelpkg "github.com/basket/hopper/internal/otel"
	"github.com/basket/hopper/internal/persistence"
	"github.com/basket/hopper/internal/routing"
	"github.com/basket/hopper/internal/similarity"
)

// Config tunes the learning engine facade.
type Config struct {
	// ContextTTL is how long cached routing contexts live. Zero means 1h.
	ContextTTL time.Duration

	// SimilarLimit caps similar-task recall. Zero means 5.
	SimilarLimit int

	// Extractor configures consolidation runs.
	Extractor ExtractorConfig

	// Metrics is optional; nil disables instrument recording.
	Metrics *otelpkg.Metrics
}

func (c Config) normalize() Config {
	if c.ContextTTL <= 0 {
		c.ContextTTL = time.Hour
	}
	if c.SimilarLimit <= 0 {
		c.SimilarLimit = 5
	}
	return c
}

// RoutingContext is the working-memory payload assembled for one task.
type RoutingContext struct {
	TaskID             string                   `json:"task_id"`
	Title              string                   `json:"title"`
	Tags               []string                 `json:"tags,omitempty"`
	Priority           persistence.TaskPriority `json:"priority,omitempty"`
	SimilarTasks       []string                 `json:"similar_tasks,omitempty"`
	AvailableInstances []string                 `json:"available_instances,omitempty"`
}

// Engine is the facade over working memory, the episodic store, the
// similarity searcher, the consolidated store, feedback, and the pattern
// extractor. All collaborators are injected; nothing here is a singleton.
type Engine struct {
	store     *persistence.Store
	patterns  *ConsolidatedStore
	extractor *Extractor
	searcher  *similarity.Searcher
	cache     memory.Cache
	bus       *bus.Bus
	logger    *slog.Logger
	cfg       Config
}

// NewEngine wires the learning engine.
func NewEngine(store *persistence.Store, cache memory.Cache, searcher *similarity.Searcher, b *bus.Bus, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.normalize()
	return &Engine{
		store:     store,
		patterns:  NewConsolidatedStore(store),
		extractor: NewExtractor(store, b, cfg.Extractor, logger),
		searcher:  searcher,
		cache:     cache,
		bus:       b,
		logger:    logger,
		cfg:       cfg,
	}
}

// FindMatching exposes the consolidated store to the router.
func (e *Engine) FindMatching(ctx context.Context, q routing.PatternQuery) ([]routing.PatternMatch, error) {
	return e.patterns.FindMatching(ctx, q)
}

// SimilarTaskSuggestion recalls similar past tasks and scores their
// historical targets: success_rate scaled by min(1, total/3) per target,
// best target wins. Nil when history carries no signal.
func (e *Engine) SimilarTaskSuggestion(ctx context.Context, t *persistence.Task) (*routing.Suggestion, error) {
	matches := e.searcher.Search(t.Title+" "+t.Description, t.Tags, e.cfg.SimilarLimit)
	if len(matches) == 0 {
		return nil, nil
	}
	taskIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.ID != t.ID {
			taskIDs = append(taskIDs, m.ID)
		}
	}
	if len(taskIDs) == 0 {
		return nil, nil
	}

	episodes, err := e.store.EpisodesForTasks(ctx, taskIDs)
	if err != nil {
		return nil, err
	}

	type tally struct {
		total   int
		success int
		tasks   []string
	}
	byTarget := make(map[string]*tally)
	for _, ep := range episodes {
		if ep.Outcome == nil {
			continue
		}
		tl := byTarget[ep.ChosenInstance]
		if tl == nil {
			tl = &tally{}
			byTarget[ep.ChosenInstance] = tl
		}
		tl.total++
		if ep.Outcome.Success {
			tl.success++
		}
		tl.tasks = append(tl.tasks, ep.TaskID)
	}

	var best *routing.Suggestion
	targets := make([]string, 0, len(byTarget))
	for target := range byTarget {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		tl := byTarget[target]
		if tl.success == 0 {
			continue
		}
		rate := float64(tl.success) / float64(tl.total)
		volume := float64(tl.total) / 3.0
		if volume > 1 {
			volume = 1
		}
		score := rate * volume
		if best == nil || score > best.Confidence {
			best = &routing.Suggestion{
				TargetID:     target,
				Confidence:   score,
				Strategy:     routing.StrategySimilar,
				Reasoning:    fmt.Sprintf("%d of %d similar tasks succeeded at this instance", tl.success, tl.total),
				SimilarTasks: tl.tasks,
			}
		}
	}
	return best, nil
}

// BuildContext returns the task's routing context, from working memory
// when cached, assembling and caching it otherwise.
func (e *Engine) BuildContext(ctx context.Context, taskID string, availableInstances []string) (*RoutingContext, error) {
	if data, ok, err := e.cache.Get(ctx, taskID); err != nil {
		e.logger.Warn("working memory read failed", "task", taskID, "error", err)
	} else if ok {
		var rc RoutingContext
		if err := json.Unmarshal(data, &rc); err == nil {
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.CacheHits.Add(ctx, 1)
			}
			return &rc, nil
		}
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.CacheMisses.Add(ctx, 1)
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	matches := e.searcher.Search(task.Title+" "+task.Description, task.Tags, e.cfg.SimilarLimit)
	similar := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.ID != task.ID {
			similar = append(similar, m.ID)
		}
	}

	rc := &RoutingContext{
		TaskID:             task.ID,
		Title:              task.Title,
		Tags:               task.Tags,
		Priority:           task.Priority,
		SimilarTasks:       similar,
		AvailableInstances: availableInstances,
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("encode routing context: %w", err)
	}
	if err := e.cache.Set(ctx, taskID, data, e.cfg.ContextTTL); err != nil {
		e.logger.Warn("working memory write failed", "task", taskID, "error", err)
	}
	return rc, nil
}

// GetRoutingSuggestions merges pattern matches and the similar-task
// suggestion, best confidence first.
func (e *Engine) GetRoutingSuggestions(ctx context.Context, taskID string, limit int) ([]routing.Suggestion, error) {
	if limit <= 0 {
		limit = 5
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	matches, err := e.patterns.FindMatching(ctx, routing.PatternQuery{
		Tags:     task.Tags,
		Priority: task.Priority,
		Title:    task.Title,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]routing.Suggestion, 0, len(matches)+1)
	for _, m := range matches {
		out = append(out, routing.Suggestion{
			TargetID:   m.Pattern.TargetInstance,
			Confidence: m.Score,
			Strategy:   routing.StrategyLearning,
			Reasoning:  fmt.Sprintf("learned pattern %q matched", m.Pattern.Name),
			PatternID:  m.Pattern.ID,
		})
	}
	if sug, err := e.SimilarTaskSuggestion(ctx, task); err != nil {
		return nil, err
	} else if sug != nil {
		out = append(out, *sug)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordRouting persists an episode for a routing decision and indexes the
// task for future recall.
func (e *Engine) RecordRouting(ctx context.Context, task *persistence.Task, res *routing.Result) (*persistence.Episode, error) {
	ep := &persistence.Episode{
		TaskID: task.ID,
		Task: persistence.TaskSnapshot{
			Title:    task.Title,
			Tags:     task.Tags,
			Priority: task.Priority,
			Status:   task.Status,
		},
		InstancesConsidered: res.Considered,
		ChosenInstance:      res.TargetID,
		Confidence:          res.Confidence,
		Strategy:            res.Strategy,
		Reasoning:           res.Reasoning,
		DecisionFactors:     res.Factors,
	}
	if err := e.store.InsertEpisode(ctx, ep); err != nil {
		return nil, err
	}
	e.searcher.Add(task.ID, task.Title+" "+task.Description, task.Tags, task.CreatedAt)
	return ep, nil
}

// RecordOutcome sets the latest episode's outcome for the task and, when
// the decision came from a pattern, feeds the result back into that
// pattern's confidence. Repeating the same outcome is a no-op.
func (e *Engine) RecordOutcome(ctx context.Context, taskID string, success bool, duration time.Duration, notes string) error {
	ep, err := e.store.LatestEpisodeForTask(ctx, taskID)
	if err != nil {
		return err
	}
	if ep == nil {
		return fmt.Errorf("no episode recorded for task %q", taskID)
	}
	alreadySet := ep.Outcome != nil
	if err := e.store.SetEpisodeOutcome(ctx, ep.ID, persistence.EpisodeOutcome{
		Success:  success,
		Duration: duration,
		Notes:    notes,
	}); err != nil {
		return err
	}
	if alreadySet {
		return nil
	}
	return e.propagateToPattern(ctx, ep, success)
}

// ProcessFeedback upserts the verdict, links it to the latest episode, and
// marks the episode outcome accordingly.
func (e *Engine) ProcessFeedback(ctx context.Context, spec persistence.FeedbackSpec) (*persistence.Feedback, error) {
	fb, err := e.store.UpsertFeedback(ctx, spec)
	if err != nil {
		return nil, err
	}
	ep, err := e.store.LatestEpisodeForTask(ctx, fb.TaskID)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return fb, nil
	}
	if err := e.store.LinkEpisodeFeedback(ctx, ep.ID, fb.TaskID); err != nil {
		return nil, err
	}
	if ep.Outcome == nil {
		if err := e.store.SetEpisodeOutcome(ctx, ep.ID, persistence.EpisodeOutcome{
			Success: fb.WasGoodMatch,
			Notes:   "from feedback",
		}); err != nil {
			return nil, err
		}
		if err := e.propagateToPattern(ctx, ep, fb.WasGoodMatch); err != nil {
			return nil, err
		}
	}
	return fb, nil
}

// RunConsolidation mines patterns from recent successful episodes.
func (e *Engine) RunConsolidation(ctx context.Context, since time.Time) (*ConsolidationReport, error) {
	report, err := e.extractor.Run(ctx, since)
	if err != nil {
		return nil, err
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ConsolidationRuns.Add(ctx, 1)
		e.cfg.Metrics.PatternsCreated.Add(ctx, int64(report.Created))
	}
	return report, nil
}

// RebuildSimilarityIndex reloads the whole searcher corpus from the task
// store.
func (e *Engine) RebuildSimilarityIndex(ctx context.Context) error {
	var docs []similarity.Document
	page := persistence.Page{Limit: 500}
	for {
		tasks, total, err := e.store.ListTasks(ctx, persistence.TaskFilter{}, page)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			docs = append(docs, similarity.Document{
				ID:        t.ID,
				Text:      t.Title + " " + t.Description,
				Tags:      t.Tags,
				CreatedAt: t.CreatedAt,
			})
		}
		page.Offset += len(tasks)
		if len(tasks) == 0 || page.Offset >= total {
			break
		}
	}
	return e.searcher.Reindex(ctx, docs)
}

// SweepWorkingMemory expires cache entries and aged-out corpus documents.
func (e *Engine) SweepWorkingMemory(ctx context.Context) (int, error) {
	removed, err := e.cache.ClearExpired(ctx)
	if err != nil {
		return removed, err
	}
	removed += e.searcher.SweepExpired(time.Now())
	return removed, nil
}

// PruneEpisodes drops episodes past the retention horizon.
func (e *Engine) PruneEpisodes(ctx context.Context, retention time.Duration) (int64, error) {
	return e.store.PruneEpisodes(ctx, time.Now().Add(-retention))
}

// DeactivateStalePatterns retires low-confidence patterns not refined
// within the window.
func (e *Engine) DeactivateStalePatterns(ctx context.Context, confidenceFloor float64, window time.Duration) (int64, error) {
	return e.store.DeactivateStalePatterns(ctx, confidenceFloor, time.Now().Add(-window))
}

func (e *Engine) propagateToPattern(ctx context.Context, ep *persistence.Episode, success bool) error {
	pid, ok := ep.DecisionFactors["pattern_id"].(string)
	if !ok || pid == "" {
		return nil
	}
	if _, err := e.store.RecordPatternOutcome(ctx, pid, success); err != nil {
		return fmt.Errorf("update pattern %s: %w", pid, err)
	}
	return nil
}
