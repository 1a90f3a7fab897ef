package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/basket/hopper/internal/bus"
	"github.com/basket/hopper/internal/persistence"
)

// ExtractorConfig tunes consolidation.
type ExtractorConfig struct {
	// MinEpisodes is the smallest bucket worth mining. Zero means 3.
	MinEpisodes int

	// MinConfidence drops candidates below this confidence. Zero means 0.2.
	MinConfidence float64

	// IncrementalWindow is the default lookback for incremental runs. Zero
	// means 7 days.
	IncrementalWindow time.Duration
}

func (c ExtractorConfig) normalize() ExtractorConfig {
	if c.MinEpisodes <= 0 {
		c.MinEpisodes = 3
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.2
	}
	if c.IncrementalWindow <= 0 {
		c.IncrementalWindow = 7 * 24 * time.Hour
	}
	return c
}

// Extractor mines reusable routing patterns from successful episodes.
// Repeated runs over the same episodes refine existing patterns instead of
// duplicating them; the auto-generated name is the idempotency key.
type Extractor struct {
	store  *persistence.Store
	bus    *bus.Bus
	cfg    ExtractorConfig
	logger *slog.Logger
}

// NewExtractor wires the extractor.
func NewExtractor(store *persistence.Store, b *bus.Bus, cfg ExtractorConfig, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{store: store, bus: b, cfg: cfg.normalize(), logger: logger}
}

// ConsolidationReport summarizes one run.
type ConsolidationReport struct {
	Since    time.Time
	Episodes int
	Buckets  int
	Created  int
	Refined  int
}

// Run consolidates successful episodes newer than since into patterns. A
// zero since uses the incremental window. Partial progress is kept when
// ctx is cancelled between buckets.
func (e *Extractor) Run(ctx context.Context, since time.Time) (*ConsolidationReport, error) {
	if since.IsZero() {
		since = time.Now().Add(-e.cfg.IncrementalWindow)
	}
	episodes, err := e.store.SuccessfulEpisodesSince(ctx, since)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string][]*persistence.Episode)
	for _, ep := range episodes {
		buckets[ep.ChosenInstance] = append(buckets[ep.ChosenInstance], ep)
	}
	targets := make([]string, 0, len(buckets))
	for target := range buckets {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	report := &ConsolidationReport{Since: since, Episodes: len(episodes), Buckets: len(buckets)}
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		bucket := buckets[target]
		if len(bucket) < e.cfg.MinEpisodes {
			continue
		}
		cand := mineBucket(target, bucket)
		if cand == nil || cand.Confidence < e.cfg.MinConfidence {
			continue
		}
		created, err := e.persist(ctx, cand)
		if err != nil {
			return report, err
		}
		if created {
			report.Created++
		} else {
			report.Refined++
		}
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicConsolidationRun, *report)
	}
	e.logger.Info("consolidation run",
		"since", since, "episodes", report.Episodes,
		"created", report.Created, "refined", report.Refined)
	return report, nil
}

// candidate is a mined pattern before persistence.
type candidate struct {
	Name           string
	RequiredTags   []string
	OptionalTags   []string
	Keywords       []string
	Priority       persistence.TaskPriority
	TargetInstance string
	Confidence     float64
	SourceEpisodes []string
}

// mineBucket derives one candidate from a bucket of episodes routed to the
// same instance. Nil when the bucket carries no tag, text, or priority
// signal.
func mineBucket(target string, bucket []*persistence.Episode) *candidate {
	n := len(bucket)

	tagCounts := make(map[string]int)
	priorityCounts := make(map[persistence.TaskPriority]int)
	keywordCounts := make(map[string]int)
	sources := make([]string, 0, n)
	for _, ep := range bucket {
		sources = append(sources, ep.ID)
		seen := make(map[string]struct{}, len(ep.Task.Tags))
		for _, tag := range ep.Task.Tags {
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			tagCounts[tag]++
		}
		if ep.Task.Priority != "" {
			priorityCounts[ep.Task.Priority]++
		}
		seenKw := make(map[string]struct{})
		for _, tok := range strings.Fields(strings.ToLower(ep.Task.Title)) {
			tok = strings.Trim(tok, ".,:;!?\"'()[]")
			if len(tok) <= 3 {
				continue
			}
			if _, dup := seenKw[tok]; dup {
				continue
			}
			seenKw[tok] = struct{}{}
			keywordCounts[tok]++
		}
	}

	var required, optional []string
	for tag, count := range tagCounts {
		ratio := float64(count) / float64(n)
		switch {
		case ratio >= 0.8:
			required = append(required, tag)
		case ratio >= 0.3:
			optional = append(optional, tag)
		}
	}
	sortByCount := func(list []string, counts map[string]int) {
		sort.Slice(list, func(i, j int) bool {
			if counts[list[i]] != counts[list[j]] {
				return counts[list[i]] > counts[list[j]]
			}
			return list[i] < list[j]
		})
	}
	sortByCount(required, tagCounts)
	sortByCount(optional, tagCounts)

	var priority persistence.TaskPriority
	for p, count := range priorityCounts {
		if float64(count)/float64(n) >= 0.7 {
			priority = p
			break
		}
	}

	var keywords []string
	for kw, count := range keywordCounts {
		if float64(count)/float64(n) >= 0.5 {
			keywords = append(keywords, kw)
		}
	}
	sortByCount(keywords, keywordCounts)
	if len(keywords) > 5 {
		keywords = keywords[:5]
	}

	if len(required) == 0 && len(optional) == 0 && len(keywords) == 0 && priority == "" {
		return nil
	}

	confidence := 0.1 +
		min(0.4, 0.1*float64(len(required))) +
		min(0.2, 0.05*float64(len(keywords))) +
		min(0.3, 0.03*float64(n))
	if confidence > 1 {
		confidence = 1
	}

	return &candidate{
		Name:           patternName(required, keywords, priority, target),
		RequiredTags:   required,
		OptionalTags:   optional,
		Keywords:       keywords,
		Priority:       priority,
		TargetInstance: target,
		Confidence:     confidence,
		SourceEpisodes: sources,
	}
}

// patternName builds the deterministic name that keys idempotent runs:
// "{req1-req2-req3}_{priority?}_to-{target}".
func patternName(required, keywords []string, priority persistence.TaskPriority, target string) string {
	head := required
	if len(head) == 0 {
		head = keywords
	}
	if len(head) > 3 {
		head = head[:3]
	}
	base := "general"
	if len(head) > 0 {
		base = strings.Join(head, "-")
	}
	if priority != "" {
		base += "_" + string(priority)
	}
	return fmt.Sprintf("%s_to-%s", base, target)
}

// persist creates a new active pattern or refines the one the candidate's
// name already points at. Refinement never lowers confidence.
func (e *Extractor) persist(ctx context.Context, cand *candidate) (created bool, err error) {
	existing, err := e.store.GetPatternByName(ctx, cand.Name)
	if err != nil {
		return false, err
	}
	if existing != nil {
		refined, err := e.store.RefinePattern(ctx, existing.ID,
			cand.RequiredTags, cand.OptionalTags, cand.Keywords,
			cand.Priority, cand.Confidence, cand.SourceEpisodes)
		if err != nil {
			return false, err
		}
		if e.bus != nil {
			e.bus.Publish(bus.TopicPatternRefined, bus.PatternEvent{
				PatternID:  refined.ID,
				Name:       refined.Name,
				TargetID:   refined.TargetInstance,
				Confidence: refined.Confidence,
			})
		}
		return false, nil
	}

	p := &persistence.Pattern{
		Name:           cand.Name,
		RequiredTags:   cand.RequiredTags,
		OptionalTags:   cand.OptionalTags,
		Keywords:       cand.Keywords,
		Priority:       cand.Priority,
		TargetInstance: cand.TargetInstance,
		Confidence:     cand.Confidence,
		SourceEpisodes: cand.SourceEpisodes,
		Active:         true,
	}
	if err := e.store.InsertPattern(ctx, p); err != nil {
		return false, err
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicPatternCreated, bus.PatternEvent{
			PatternID:  p.ID,
			Name:       p.Name,
			TargetID:   p.TargetInstance,
			Confidence: p.Confidence,
		})
	}
	return true, nil
}
