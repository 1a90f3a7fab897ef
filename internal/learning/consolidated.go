// Package learning binds the three memory tiers: working memory (cached
// routing contexts), episodic memory (routing episodes), and consolidated
// memory (learned patterns), plus the extractor that mines the latter from
// the former.
package learning

import (
	"context"
	"sort"
	"strings"

	"github.com/basket/hopper/internal/persistence"
	"github.com/basket/hopper/internal/routing"
)

// ConsolidatedStore matches learned patterns against task shapes. Pattern
// persistence and confidence updates live in the backing store; this layer
// owns the matching math.
type ConsolidatedStore struct {
	store *persistence.Store
}

// NewConsolidatedStore wraps the persistence layer.
func NewConsolidatedStore(store *persistence.Store) *ConsolidatedStore {
	return &ConsolidatedStore{store: store}
}

// FindMatching scores every active pattern above the confidence threshold
// against the query. A pattern matches when its criteria average at least
// 0.5; the returned score is that average scaled by the pattern's
// confidence. A pattern whose criteria are all inapplicable to the query
// matches unconditionally at its confidence.
func (c *ConsolidatedStore) FindMatching(ctx context.Context, q routing.PatternQuery) ([]routing.PatternMatch, error) {
	patterns, err := c.store.ActivePatterns(ctx, q.MinConfidence)
	if err != nil {
		return nil, err
	}

	var out []routing.PatternMatch
	for _, p := range patterns {
		score, ok := scorePattern(p, q)
		if !ok {
			continue
		}
		out = append(out, routing.PatternMatch{Pattern: p, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Pattern.Confidence != out[j].Pattern.Confidence {
			return out[i].Pattern.Confidence > out[j].Pattern.Confidence
		}
		return out[i].Pattern.ID < out[j].Pattern.ID
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func scorePattern(p *persistence.Pattern, q routing.PatternQuery) (float64, bool) {
	var sum float64
	criteria := 0

	if (len(p.RequiredTags) > 0 || len(p.OptionalTags) > 0) && len(q.Tags) > 0 {
		criteria++
		tags := make(map[string]struct{}, len(q.Tags))
		for _, t := range q.Tags {
			tags[t] = struct{}{}
		}
		for _, req := range p.RequiredTags {
			if _, ok := tags[req]; !ok {
				return 0, false // missing required tag disqualifies outright
			}
		}
		contribution := 1.0
		if len(p.OptionalTags) > 0 {
			overlap := 0
			for _, opt := range p.OptionalTags {
				if _, ok := tags[opt]; ok {
					overlap++
				}
			}
			contribution = 1.0 + 0.2*float64(overlap)/float64(len(p.OptionalTags))
		}
		sum += contribution
	}

	if p.Priority != "" && q.Priority != "" {
		// Counts as an evaluated criterion even on a miss.
		criteria++
		if p.Priority == q.Priority {
			sum += 1.0
		}
	}

	if len(p.Keywords) > 0 && q.Title != "" {
		criteria++
		title := strings.ToLower(q.Title)
		present := 0
		for _, kw := range p.Keywords {
			if strings.Contains(title, strings.ToLower(kw)) {
				present++
			}
		}
		sum += float64(present) / float64(len(p.Keywords))
	}

	if criteria == 0 {
		// Catchall: nothing applicable to this query.
		return p.Confidence, true
	}
	ratio := sum / float64(criteria)
	if ratio < 0.5 {
		return 0, false
	}
	return ratio * p.Confidence, true
}
