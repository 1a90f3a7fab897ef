package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/hopper/internal/hoppererr"
	"github.com/google/uuid"
)

// InsertPattern stores a new learned pattern. Patterns must carry at least
// one criterion.
func (s *Store) InsertPattern(ctx context.Context, p *Pattern) error {
	if !p.HasCriteria() {
		return hoppererr.Validation("criteria", "pattern must carry at least one criterion")
	}
	if p.TargetInstance == "" {
		return hoppererr.Validation("target_instance", "must be non-empty")
	}
	if p.Priority != "" && !ValidPriority(p.Priority) {
		return hoppererr.Validation("priority", fmt.Sprintf("unknown priority %q", p.Priority))
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Type == "" {
		p.Type = classifyPattern(p)
	}
	activeInt := 0
	if p.Active {
		activeInt = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO patterns (
				id, name, type, required_tags, optional_tags, keywords, priority,
				target_instance, confidence, usage_count, success_count, failure_count,
				source_episodes, active, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, p.ID, p.Name, string(p.Type),
			marshalStrings(p.RequiredTags), marshalStrings(p.OptionalTags), marshalStrings(p.Keywords),
			string(p.Priority), p.TargetInstance, p.Confidence,
			p.UsageCount, p.SuccessCount, p.FailureCount,
			marshalStrings(p.SourceEpisodes), activeInt); err != nil {
			return fmt.Errorf("insert pattern: %w", err)
		}
		return nil
	})
}

// classifyPattern derives the pattern type from the criteria it carries.
func classifyPattern(p *Pattern) PatternType {
	hasTags := len(p.RequiredTags) > 0 || len(p.OptionalTags) > 0
	hasText := len(p.Keywords) > 0
	hasPriority := p.Priority != ""
	switch {
	case hasTags && !hasText && !hasPriority:
		return PatternTag
	case hasText && !hasTags && !hasPriority:
		return PatternText
	case hasPriority && !hasTags && !hasText:
		return PatternPriority
	default:
		return PatternCombined
	}
}

// GetPattern retrieves a pattern by id.
func (s *Store) GetPattern(ctx context.Context, id string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx, patternSelect+` WHERE id = ?;`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hoppererr.NotFound("pattern", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern: %w", err)
	}
	return p, nil
}

// GetPatternByName retrieves a pattern by its auto-generated name.
// Returns nil when no pattern carries the name.
func (s *Store) GetPatternByName(ctx context.Context, name string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx, patternSelect+` WHERE name = ?;`, name)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern by name: %w", err)
	}
	return p, nil
}

// ActivePatterns returns active patterns with confidence >= minConfidence,
// highest confidence first.
func (s *Store) ActivePatterns(ctx context.Context, minConfidence float64) ([]*Pattern, error) {
	rows, err := s.db.QueryContext(ctx, patternSelect+`
		WHERE active = 1 AND confidence >= ?
		ORDER BY confidence DESC, id ASC;
	`, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("active patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// ListPatterns returns every pattern, newest first.
func (s *Store) ListPatterns(ctx context.Context) ([]*Pattern, error) {
	rows, err := s.db.QueryContext(ctx, patternSelect+` ORDER BY created_at DESC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// RecordPatternOutcome increments the pattern's usage counters and applies
// the EMA confidence rule: below five usages confidence is left alone, after
// that it moves toward the observed success rate.
func (s *Store) RecordPatternOutcome(ctx context.Context, id string, success bool) (*Pattern, error) {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pattern outcome tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var usage, successCount, failureCount int
		var confidence float64
		err = tx.QueryRowContext(ctx,
			`SELECT usage_count, success_count, failure_count, confidence FROM patterns WHERE id = ?;`, id,
		).Scan(&usage, &successCount, &failureCount, &confidence)
		if errors.Is(err, sql.ErrNoRows) {
			return hoppererr.NotFound("pattern", id)
		}
		if err != nil {
			return fmt.Errorf("read pattern counters: %w", err)
		}

		usage++
		if success {
			successCount++
		} else {
			failureCount++
		}
		if usage >= 5 {
			successRate := float64(successCount) / float64(successCount+failureCount)
			confidence = 0.3*confidence + 0.7*successRate
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE patterns
			SET usage_count = ?, success_count = ?, failure_count = ?, confidence = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, usage, successCount, failureCount, confidence, id); err != nil {
			return fmt.Errorf("record pattern outcome: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetPattern(ctx, id)
}

// RefinePattern replaces the pattern's criteria with the merged lists,
// raises its confidence to at least floor, appends source episodes, and
// stamps last_refined_at.
func (s *Store) RefinePattern(ctx context.Context, id string, requiredTags, optionalTags, keywords []string, priority TaskPriority, floor float64, sourceEpisodes []string) (*Pattern, error) {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin refine tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var confidence float64
		var sources string
		err = tx.QueryRowContext(ctx, `SELECT confidence, source_episodes FROM patterns WHERE id = ?;`, id).
			Scan(&confidence, &sources)
		if errors.Is(err, sql.ErrNoRows) {
			return hoppererr.NotFound("pattern", id)
		}
		if err != nil {
			return fmt.Errorf("read pattern for refine: %w", err)
		}
		if floor > confidence {
			confidence = floor
		}
		merged := mergeUnique(unmarshalStrings(sources), sourceEpisodes)

		if _, err := tx.ExecContext(ctx, `
			UPDATE patterns
			SET required_tags = ?, optional_tags = ?, keywords = ?, priority = ?,
				confidence = ?, source_episodes = ?,
				updated_at = CURRENT_TIMESTAMP, last_refined_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, marshalStrings(requiredTags), marshalStrings(optionalTags), marshalStrings(keywords),
			string(priority), confidence, marshalStrings(merged), id); err != nil {
			return fmt.Errorf("refine pattern: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetPattern(ctx, id)
}

// SetPatternActive flips the active flag.
func (s *Store) SetPatternActive(ctx context.Context, id string, active bool) error {
	activeInt := 0
	if active {
		activeInt = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE patterns SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, activeInt, id)
		if err != nil {
			return fmt.Errorf("set pattern active: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set pattern active rows: %w", err)
		}
		if n == 0 {
			return hoppererr.NotFound("pattern", id)
		}
		return nil
	})
}

// DeactivateStalePatterns disables active patterns whose confidence fell
// below the floor and which have not been refined since the cutoff.
// Returns the number deactivated.
func (s *Store) DeactivateStalePatterns(ctx context.Context, confidenceFloor float64, refinedBefore time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE patterns
			SET active = 0, updated_at = CURRENT_TIMESTAMP
			WHERE active = 1 AND confidence < ?
			  AND COALESCE(last_refined_at, created_at) < ?;
		`, confidenceFloor, refinedBefore.UTC())
		if err != nil {
			return fmt.Errorf("deactivate stale patterns: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deactivate stale rows: %w", err)
		}
		return nil
	})
	return n, err
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

const patternSelect = `
	SELECT id, name, type, required_tags, optional_tags, keywords, priority,
		target_instance, confidence, usage_count, success_count, failure_count,
		source_episodes, active, created_at, updated_at, last_refined_at
	FROM patterns`

func scanPattern(row rowScanner) (*Pattern, error) {
	var p Pattern
	var typ, required, optional, keywords, priority, sources string
	var active int
	var lastRefined sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &typ, &required, &optional, &keywords, &priority,
		&p.TargetInstance, &p.Confidence, &p.UsageCount, &p.SuccessCount, &p.FailureCount,
		&sources, &active, &p.CreatedAt, &p.UpdatedAt, &lastRefined); err != nil {
		return nil, err
	}
	p.Type = PatternType(typ)
	p.RequiredTags = unmarshalStrings(required)
	p.OptionalTags = unmarshalStrings(optional)
	p.Keywords = unmarshalStrings(keywords)
	p.Priority = TaskPriority(priority)
	p.SourceEpisodes = unmarshalStrings(sources)
	p.Active = active == 1
	if lastRefined.Valid {
		t := lastRefined.Time
		p.LastRefinedAt = &t
	}
	return &p, nil
}

func scanPatterns(rows *sql.Rows) ([]*Pattern, error) {
	var out []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pattern rows: %w", err)
	}
	return out, nil
}
