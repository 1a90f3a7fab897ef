package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/hopper/internal/bus"
	"github.com/basket/hopper/internal/hoppererr"
	"github.com/google/uuid"
)

var allowedInstanceTransitions = map[InstanceStatus]map[InstanceStatus]struct{}{
	InstanceStatusCreated: {
		InstanceStatusStarting:   {},
		InstanceStatusRunning:    {},
		InstanceStatusTerminated: {},
	},
	InstanceStatusStarting: {
		InstanceStatusRunning: {},
		InstanceStatusError:   {},
	},
	InstanceStatusRunning: {
		InstanceStatusStopping: {},
		InstanceStatusPaused:   {},
		InstanceStatusError:    {},
	},
	InstanceStatusStopping: {
		InstanceStatusStopped: {},
		InstanceStatusError:   {},
	},
	InstanceStatusStopped: {
		InstanceStatusStarting:   {},
		InstanceStatusRunning:    {},
		InstanceStatusTerminated: {},
	},
	InstanceStatusPaused: {
		InstanceStatusRunning:  {},
		InstanceStatusStopping: {},
	},
	InstanceStatusError: {
		InstanceStatusStarting:   {},
		InstanceStatusRunning:    {},
		InstanceStatusTerminated: {},
	},
}

// InstanceSpec is the input for creating an instance.
type InstanceSpec struct {
	Name     string
	Scope    InstanceScope
	Type     InstanceType
	ParentID string
	Config   map[string]any
	Metadata map[string]any
}

// InstanceFilter narrows ListInstances results.
type InstanceFilter struct {
	Scope    InstanceScope
	Status   InstanceStatus
	ParentID string
}

// CreateInstance inserts an instance in status created. The parent must
// exist and the new edge must keep the tree acyclic with monotone scope
// rank from root to leaf.
func (s *Store) CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, hoppererr.Validation("name", "must be non-empty")
	}
	if !ValidScope(spec.Scope) {
		return nil, hoppererr.Validation("scope", fmt.Sprintf("unknown scope %q", spec.Scope))
	}
	if spec.Type == "" {
		spec.Type = InstancePersistent
	}
	switch spec.Type {
	case InstancePersistent, InstanceEphemeral, InstanceTemporary:
	default:
		return nil, hoppererr.Validation("type", fmt.Sprintf("unknown type %q", spec.Type))
	}

	if spec.ParentID != "" {
		parent, err := s.GetInstance(ctx, spec.ParentID)
		if err != nil {
			return nil, err
		}
		if ScopeRank(spec.Scope) < ScopeRank(parent.Scope) {
			return nil, hoppererr.Validation("scope",
				fmt.Sprintf("scope %s cannot sit under parent scope %s", spec.Scope, parent.Scope))
		}
	}

	configJSON, err := marshalMap(spec.Config)
	if err != nil {
		return nil, hoppererr.Validation("config", err.Error())
	}
	metaJSON, err := marshalMap(spec.Metadata)
	if err != nil {
		return nil, hoppererr.Validation("metadata", err.Error())
	}

	id := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create instance tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO instances (id, name, scope, type, parent_id, status, config, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, spec.Name, string(spec.Scope), string(spec.Type),
			nullString(spec.ParentID), string(InstanceStatusCreated), configJSON, metaJSON); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return hoppererr.Validation("name",
					fmt.Sprintf("instance %q already exists in scope %s", spec.Name, spec.Scope))
			}
			return fmt.Errorf("create instance: %w", err)
		}
		if err := appendInstanceEventTx(ctx, tx, id, "", InstanceStatusCreated, "create"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

// GetInstance fetches an instance by id.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, instanceSelect+` WHERE id = ?;`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hoppererr.NotFound("instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// GetInstanceByName fetches an instance by (scope, name).
func (s *Store) GetInstanceByName(ctx context.Context, scope InstanceScope, name string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, instanceSelect+` WHERE scope = ? AND name = ?;`, string(scope), name)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hoppererr.NotFound("instance", string(scope)+"/"+name)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance by name: %w", err)
	}
	return inst, nil
}

// ListInstances returns instances matching the filter, ordered by id for
// deterministic iteration.
func (s *Store) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var conds []string
	var args []any
	if filter.Scope != "" {
		conds = append(conds, "scope = ?")
		args = append(args, string(filter.Scope))
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ParentID != "" {
		conds = append(conds, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	query := instanceSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

// ChildInstances returns the direct children of parentID, ordered by id.
func (s *Store) ChildInstances(ctx context.Context, parentID string) ([]*Instance, error) {
	return s.ListInstances(ctx, InstanceFilter{ParentID: parentID})
}

// ChildInstancesByScope returns the direct children of parentID with the
// given scope, ordered by id.
func (s *Store) ChildInstancesByScope(ctx context.Context, parentID string, scope InstanceScope) ([]*Instance, error) {
	return s.ListInstances(ctx, InstanceFilter{ParentID: parentID, Scope: scope})
}

// UpdateInstanceConfig replaces the instance's config map.
func (s *Store) UpdateInstanceConfig(ctx context.Context, id string, config map[string]any) (*Instance, error) {
	configJSON, err := marshalMap(config)
	if err != nil {
		return nil, hoppererr.Validation("config", err.Error())
	}
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE instances SET config = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, configJSON, id)
		if err != nil {
			return fmt.Errorf("update instance config: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update instance config rows: %w", err)
		}
		if n == 0 {
			return hoppererr.NotFound("instance", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

// TransitionInstance moves an instance through the lifecycle machine.
// force bypasses the transition table (operator-override restart) but never
// leaves terminated.
func (s *Store) TransitionInstance(ctx context.Context, id string, next InstanceStatus, force bool) (*Instance, error) {
	var oldStatus InstanceStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin instance transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM instances WHERE id = ?;`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return hoppererr.NotFound("instance", id)
		}
		if err != nil {
			return fmt.Errorf("read instance status: %w", err)
		}
		oldStatus = InstanceStatus(current)

		if oldStatus == InstanceStatusTerminated {
			return hoppererr.InvalidTransition("instance", current, string(next))
		}
		if !force {
			if _, ok := allowedInstanceTransitions[oldStatus][next]; !ok {
				return hoppererr.InvalidTransition("instance", current, string(next))
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE instances SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
			string(next), id); err != nil {
			return fmt.Errorf("transition instance: %w", err)
		}
		reason := "transition"
		if force {
			reason = "operator_override"
		}
		if err := appendInstanceEventTx(ctx, tx, id, oldStatus, next, reason); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicInstanceStateChanged, bus.InstanceStateChangedEvent{
		InstanceID: id,
		OldStatus:  string(oldStatus),
		NewStatus:  string(next),
	})
	return s.GetInstance(ctx, id)
}

// InstanceHierarchy returns the chain from id up to the root, starting with
// the instance itself.
func (s *Store) InstanceHierarchy(ctx context.Context, id string) ([]*Instance, error) {
	var chain []*Instance
	seen := make(map[string]bool)
	current := id
	for current != "" {
		if seen[current] {
			return nil, fmt.Errorf("instance hierarchy cycle at %q", current)
		}
		seen[current] = true
		inst, err := s.GetInstance(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, inst)
		current = inst.ParentID
	}
	return chain, nil
}

// IsDescendant reports whether candidate sits below ancestorID in the tree.
func (s *Store) IsDescendant(ctx context.Context, ancestorID, candidate string) (bool, error) {
	chain, err := s.InstanceHierarchy(ctx, candidate)
	if err != nil {
		return false, err
	}
	for _, inst := range chain[1:] {
		if inst.ID == ancestorID {
			return true, nil
		}
	}
	return false, nil
}

func appendInstanceEventTx(ctx context.Context, tx *sql.Tx, id string, from, to InstanceStatus, reason string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instance_events (instance_id, state_from, state_to, reason)
		VALUES (?, ?, ?, ?);
	`, id, nullString(string(from)), nullString(string(to)), reason); err != nil {
		return fmt.Errorf("append instance event: %w", err)
	}
	return nil
}

const instanceSelect = `
	SELECT id, name, scope, type, COALESCE(parent_id, ''), status, config, metadata, created_at, updated_at
	FROM instances`

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var scope, typ, status, config, metadata string
	if err := row.Scan(&inst.ID, &inst.Name, &scope, &typ, &inst.ParentID, &status,
		&config, &metadata, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Scope = InstanceScope(scope)
	inst.Type = InstanceType(typ)
	inst.Status = InstanceStatus(status)
	inst.Config = unmarshalMap(config)
	inst.Metadata = unmarshalMap(metadata)
	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]*Instance, error) {
	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("instance rows: %w", err)
	}
	return out, nil
}
