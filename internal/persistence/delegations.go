package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/hopper/internal/hoppererr"
	"github.com/google/uuid"
)

// InsertDelegation stores a new delegation record in status pending.
func (s *Store) InsertDelegation(ctx context.Context, d *Delegation) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DelegationPending
	}
	if d.Type == "" {
		d.Type = DelegationRoute
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO delegations (id, task_id, source_id, target_id, type, status, result, reason, notes, delegated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, d.ID, d.TaskID, d.SourceID, d.TargetID, string(d.Type), string(d.Status),
			d.Result, d.Reason, d.Notes); err != nil {
			return fmt.Errorf("insert delegation: %w", err)
		}
		return nil
	})
}

// GetDelegation retrieves a delegation by id.
func (s *Store) GetDelegation(ctx context.Context, id string) (*Delegation, error) {
	row := s.db.QueryRowContext(ctx, delegationSelect+` WHERE id = ?;`, id)
	d, err := scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hoppererr.NotFound("delegation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	return d, nil
}

// ActiveDelegationForTask returns the task's pending or accepted delegation,
// or nil when none exists. At most one can exist at a time.
func (s *Store) ActiveDelegationForTask(ctx context.Context, taskID string) (*Delegation, error) {
	row := s.db.QueryRowContext(ctx, delegationSelect+`
		WHERE task_id = ? AND status IN (?, ?)
		ORDER BY delegated_at DESC, id ASC
		LIMIT 1;
	`, taskID, string(DelegationPending), string(DelegationAccepted))
	d, err := scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active delegation: %w", err)
	}
	return d, nil
}

// DelegationChain returns all delegations for a task ordered by
// delegated_at ascending, the order observers of the chain see. Hops
// created within the same second tie on delegated_at, so rowid breaks
// the tie by insertion order rather than by random UUID.
func (s *Store) DelegationChain(ctx context.Context, taskID string) ([]*Delegation, error) {
	rows, err := s.db.QueryContext(ctx, delegationSelect+`
		WHERE task_id = ?
		ORDER BY delegated_at ASC, rowid ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("delegation chain: %w", err)
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delegation rows: %w", err)
	}
	return out, nil
}

// UpdateDelegationStatus performs a guarded status update: the row is only
// touched when its current status is one of allowedFrom. Returns the number
// of rows changed (0 means the guard failed).
func (s *Store) UpdateDelegationStatus(ctx context.Context, id string, next DelegationStatus, result, reason string, allowedFrom ...DelegationStatus) (int64, error) {
	if len(allowedFrom) == 0 {
		return 0, fmt.Errorf("update delegation status: no allowed source states")
	}
	placeholders := ""
	args := []any{}
	sets := `status = ?`
	args = append(args, string(next))
	if result != "" {
		sets += `, result = ?`
		args = append(args, result)
	}
	if reason != "" {
		sets += `, reason = ?`
		args = append(args, reason)
	}
	switch next {
	case DelegationAccepted:
		sets += `, accepted_at = CURRENT_TIMESTAMP`
	case DelegationCompleted, DelegationRejected, DelegationCancelled:
		sets += `, completed_at = CURRENT_TIMESTAMP`
	}
	args = append(args, id)
	for i, from := range allowedFrom {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(from))
	}

	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE delegations SET `+sets+` WHERE id = ? AND status IN (`+placeholders+`);`, args...)
		if err != nil {
			return fmt.Errorf("update delegation status: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update delegation rows: %w", err)
		}
		return nil
	})
	return affected, err
}

// CountActiveDelegationsToTarget returns the number of pending or accepted
// delegations whose target is the given instance. Used for least-loaded
// fallback balancing.
func (s *Store) CountActiveDelegationsToTarget(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM delegations
		WHERE target_id = ? AND status IN (?, ?);
	`, instanceID, string(DelegationPending), string(DelegationAccepted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active delegations: %w", err)
	}
	return n, nil
}

const delegationSelect = `
	SELECT id, task_id, source_id, target_id, type, status, result, reason, notes,
		delegated_at, accepted_at, completed_at
	FROM delegations`

func scanDelegation(row rowScanner) (*Delegation, error) {
	var d Delegation
	var typ, status string
	var acceptedAt, completedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.TaskID, &d.SourceID, &d.TargetID, &typ, &status,
		&d.Result, &d.Reason, &d.Notes, &d.DelegatedAt, &acceptedAt, &completedAt); err != nil {
		return nil, err
	}
	d.Type = DelegationType(typ)
	d.Status = DelegationStatus(status)
	if acceptedAt.Valid {
		t := acceptedAt.Time
		d.AcceptedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return &d, nil
}
