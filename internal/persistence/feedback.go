package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/hopper/internal/hoppererr"
)

// FeedbackSpec upserts feedback for a task. Nil fields keep their stored
// values on update (last-write-wins per field); WasGoodMatch is always
// required.
type FeedbackSpec struct {
	TaskID             string
	WasGoodMatch       bool
	ShouldHaveRoutedTo *string
	QualityScore       *float64
	Complexity         *int
	Rework             *bool
	UnexpectedBlockers *[]string
	MissingSkills      *[]string
	Notes              *string
}

// UpsertFeedback saves the verdict for a task. Feedback is one row per
// task: a second save updates in place.
func (s *Store) UpsertFeedback(ctx context.Context, spec FeedbackSpec) (*Feedback, error) {
	if spec.TaskID == "" {
		return nil, hoppererr.Validation("task_id", "must be non-empty")
	}
	if spec.Complexity != nil && (*spec.Complexity < 1 || *spec.Complexity > 5) {
		return nil, hoppererr.Validation("complexity", "must be in 1..5")
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin feedback tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := getFeedbackTx(ctx, tx, spec.TaskID)
		if err != nil {
			return err
		}
		if existing == nil {
			existing = &Feedback{TaskID: spec.TaskID}
		}

		existing.WasGoodMatch = spec.WasGoodMatch
		if spec.ShouldHaveRoutedTo != nil {
			existing.ShouldHaveRoutedTo = *spec.ShouldHaveRoutedTo
		}
		if spec.QualityScore != nil {
			existing.QualityScore = *spec.QualityScore
		}
		if spec.Complexity != nil {
			existing.Complexity = *spec.Complexity
		}
		if spec.Rework != nil {
			existing.Rework = *spec.Rework
		}
		if spec.UnexpectedBlockers != nil {
			existing.UnexpectedBlockers = *spec.UnexpectedBlockers
		}
		if spec.MissingSkills != nil {
			existing.MissingSkills = *spec.MissingSkills
		}
		if spec.Notes != nil {
			existing.Notes = *spec.Notes
		}

		goodInt, reworkInt := 0, 0
		if existing.WasGoodMatch {
			goodInt = 1
		}
		if existing.Rework {
			reworkInt = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feedback (
				task_id, was_good_match, should_have_routed_to, quality_score,
				complexity, rework, unexpected_blockers, missing_skills, notes,
				created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(task_id) DO UPDATE SET
				was_good_match = excluded.was_good_match,
				should_have_routed_to = excluded.should_have_routed_to,
				quality_score = excluded.quality_score,
				complexity = excluded.complexity,
				rework = excluded.rework,
				unexpected_blockers = excluded.unexpected_blockers,
				missing_skills = excluded.missing_skills,
				notes = excluded.notes,
				updated_at = CURRENT_TIMESTAMP;
		`, existing.TaskID, goodInt, existing.ShouldHaveRoutedTo, existing.QualityScore,
			existing.Complexity, reworkInt,
			marshalStrings(existing.UnexpectedBlockers), marshalStrings(existing.MissingSkills),
			existing.Notes); err != nil {
			return fmt.Errorf("upsert feedback: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetFeedback(ctx, spec.TaskID)
}

// GetFeedback fetches feedback by task id.
func (s *Store) GetFeedback(ctx context.Context, taskID string) (*Feedback, error) {
	row := s.db.QueryRowContext(ctx, feedbackSelect+` WHERE task_id = ?;`, taskID)
	fb, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hoppererr.NotFound("feedback", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	return fb, nil
}

// FeedbackStats summarizes recorded verdicts for routing analytics.
type FeedbackStats struct {
	Total           int     `json:"total"`
	GoodMatches     int     `json:"good_matches"`
	GoodMatchRate   float64 `json:"good_match_rate"`
	ReworkCount     int     `json:"rework_count"`
	AvgQualityScore float64 `json:"avg_quality_score"`
	AvgComplexity   float64 `json:"avg_complexity"`
}

// FeedbackAnalytics aggregates all feedback rows.
func (s *Store) FeedbackAnalytics(ctx context.Context) (*FeedbackStats, error) {
	var stats FeedbackStats
	var avgQuality, avgComplexity sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(was_good_match), 0),
			COALESCE(SUM(rework), 0),
			AVG(quality_score),
			AVG(CASE WHEN complexity > 0 THEN complexity END)
		FROM feedback;
	`).Scan(&stats.Total, &stats.GoodMatches, &stats.ReworkCount, &avgQuality, &avgComplexity)
	if err != nil {
		return nil, fmt.Errorf("feedback analytics: %w", err)
	}
	if stats.Total > 0 {
		stats.GoodMatchRate = float64(stats.GoodMatches) / float64(stats.Total)
	}
	stats.AvgQualityScore = avgQuality.Float64
	stats.AvgComplexity = avgComplexity.Float64
	return &stats, nil
}

const feedbackSelect = `
	SELECT task_id, was_good_match, should_have_routed_to, quality_score,
		complexity, rework, unexpected_blockers, missing_skills, notes,
		created_at, updated_at
	FROM feedback`

func scanFeedback(row rowScanner) (*Feedback, error) {
	var fb Feedback
	var good, rework int
	var blockers, skills string
	if err := row.Scan(&fb.TaskID, &good, &fb.ShouldHaveRoutedTo, &fb.QualityScore,
		&fb.Complexity, &rework, &blockers, &skills, &fb.Notes,
		&fb.CreatedAt, &fb.UpdatedAt); err != nil {
		return nil, err
	}
	fb.WasGoodMatch = good == 1
	fb.Rework = rework == 1
	fb.UnexpectedBlockers = unmarshalStrings(blockers)
	fb.MissingSkills = unmarshalStrings(skills)
	return &fb, nil
}

func getFeedbackTx(ctx context.Context, tx *sql.Tx, taskID string) (*Feedback, error) {
	row := tx.QueryRowContext(ctx, feedbackSelect+` WHERE task_id = ?;`, taskID)
	fb, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feedback: %w", err)
	}
	return fb, nil
}
