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

// InsertEpisode stores a routing episode. The task snapshot is kept by
// value so the record survives later task mutation.
func (s *Store) InsertEpisode(ctx context.Context, ep *Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	factors, err := marshalMap(ep.DecisionFactors)
	if err != nil {
		return hoppererr.Validation("decision_factors", err.Error())
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO episodes (
				id, task_id, task_title, task_tags, task_priority, task_status,
				instances_considered, chosen_instance, confidence, strategy,
				reasoning, decision_factors, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, ep.ID, ep.TaskID, ep.Task.Title, marshalStrings(ep.Task.Tags),
			string(ep.Task.Priority), string(ep.Task.Status),
			marshalStrings(ep.InstancesConsidered), ep.ChosenInstance,
			ep.Confidence, ep.Strategy, ep.Reasoning, factors); err != nil {
			return fmt.Errorf("insert episode: %w", err)
		}
		return nil
	})
}

// GetEpisode retrieves an episode by id.
func (s *Store) GetEpisode(ctx context.Context, id string) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, episodeSelect+` WHERE id = ?;`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hoppererr.NotFound("episode", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

// LatestEpisodeForTask returns the most recent episode recorded for a task,
// or nil when the task was never routed.
func (s *Store) LatestEpisodeForTask(ctx context.Context, taskID string) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, episodeSelect+`
		WHERE task_id = ?
		ORDER BY created_at DESC, id ASC
		LIMIT 1;
	`, taskID)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest episode: %w", err)
	}
	return ep, nil
}

// SetEpisodeOutcome records the episode's outcome. The outcome transitions
// at most once: recording the same success value again is a no-op, while a
// conflicting value is rejected.
func (s *Store) SetEpisodeOutcome(ctx context.Context, id string, outcome EpisodeOutcome) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin outcome tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existing sql.NullInt64
		err = tx.QueryRowContext(ctx, `SELECT outcome_success FROM episodes WHERE id = ?;`, id).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return hoppererr.NotFound("episode", id)
		}
		if err != nil {
			return fmt.Errorf("read episode outcome: %w", err)
		}
		if existing.Valid {
			recorded := existing.Int64 == 1
			if recorded == outcome.Success {
				return nil // Idempotent repeat.
			}
			return hoppererr.InvalidTransition("episode",
				fmt.Sprintf("outcome=%t", recorded), fmt.Sprintf("outcome=%t", outcome.Success))
		}

		successInt := 0
		if outcome.Success {
			successInt = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE episodes
			SET outcome_success = ?, outcome_duration_ms = ?, outcome_notes = ?
			WHERE id = ?;
		`, successInt, outcome.Duration.Milliseconds(), outcome.Notes, id); err != nil {
			return fmt.Errorf("set episode outcome: %w", err)
		}
		return tx.Commit()
	})
}

// LinkEpisodeFeedback records the feedback reference on an episode.
func (s *Store) LinkEpisodeFeedback(ctx context.Context, id, feedbackTaskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE episodes SET feedback_task_id = ? WHERE id = ?;`, feedbackTaskID, id)
		if err != nil {
			return fmt.Errorf("link episode feedback: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("link episode feedback rows: %w", err)
		}
		if n == 0 {
			return hoppererr.NotFound("episode", id)
		}
		return nil
	})
}

// SuccessfulEpisodesSince returns episodes with a recorded successful
// outcome newer than since, oldest first. Consolidation input.
func (s *Store) SuccessfulEpisodesSince(ctx context.Context, since time.Time) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx, episodeSelect+`
		WHERE outcome_success = 1 AND created_at >= ?
		ORDER BY created_at ASC, id ASC;
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("successful episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// EpisodesForInstance returns episodes whose chosen instance matches,
// newest first, up to limit.
func (s *Store) EpisodesForInstance(ctx context.Context, instanceID string, limit int) ([]*Episode, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, episodeSelect+`
		WHERE chosen_instance = ?
		ORDER BY created_at DESC, id ASC
		LIMIT ?;
	`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("episodes for instance: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// EpisodesForTasks returns episodes for the given task ids, newest first.
// Used by the similar-task routing step to score candidate targets.
func (s *Store) EpisodesForTasks(ctx context.Context, taskIDs []string) ([]*Episode, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(taskIDs))
	for i, id := range taskIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, episodeSelect+`
		WHERE task_id IN (`+placeholders+`)
		ORDER BY created_at DESC, id ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("episodes for tasks: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// PruneEpisodes deletes episodes older than the horizon and returns the
// number removed.
func (s *Store) PruneEpisodes(ctx context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM episodes WHERE created_at < ?;`, olderThan.UTC())
		if err != nil {
			return fmt.Errorf("prune episodes: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune episodes rows: %w", err)
		}
		return nil
	})
	return removed, err
}

const episodeSelect = `
	SELECT id, task_id, task_title, task_tags, task_priority, task_status,
		instances_considered, chosen_instance, confidence, strategy, reasoning,
		decision_factors, outcome_success, outcome_duration_ms, outcome_notes,
		feedback_task_id, created_at
	FROM episodes`

func scanEpisode(row rowScanner) (*Episode, error) {
	var ep Episode
	var tags, priority, status, considered, factors string
	var outcomeSuccess sql.NullInt64
	var outcomeDurationMS sql.NullInt64
	var outcomeNotes string
	if err := row.Scan(&ep.ID, &ep.TaskID, &ep.Task.Title, &tags, &priority, &status,
		&considered, &ep.ChosenInstance, &ep.Confidence, &ep.Strategy, &ep.Reasoning,
		&factors, &outcomeSuccess, &outcomeDurationMS, &outcomeNotes,
		&ep.FeedbackTaskID, &ep.CreatedAt); err != nil {
		return nil, err
	}
	ep.Task.Tags = unmarshalStrings(tags)
	ep.Task.Priority = TaskPriority(priority)
	ep.Task.Status = TaskStatus(status)
	ep.InstancesConsidered = unmarshalStrings(considered)
	ep.DecisionFactors = unmarshalMap(factors)
	if outcomeSuccess.Valid {
		ep.Outcome = &EpisodeOutcome{
			Success:  outcomeSuccess.Int64 == 1,
			Duration: time.Duration(outcomeDurationMS.Int64) * time.Millisecond,
			Notes:    outcomeNotes,
		}
	}
	return &ep, nil
}

func scanEpisodes(rows *sql.Rows) ([]*Episode, error) {
	var out []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("episode rows: %w", err)
	}
	return out, nil
}
