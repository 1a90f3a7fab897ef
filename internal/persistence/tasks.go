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

// TaskSpec is the input for creating a task.
type TaskSpec struct {
	Title            string
	Description      string
	Project          string
	Tags             []string
	Capabilities     []string
	Dependencies     []string
	Priority         TaskPriority
	InstanceID       string // initial owner; also recorded as origin
	ExternalPlatform string
	ExternalID       string
	ExternalURL      string
}

// TaskPatch updates a subset of task content fields. Nil fields are left
// unchanged. Status is never patched here; use TransitionTask.
type TaskPatch struct {
	Title        *string
	Description  *string
	Project      *string
	Tags         *[]string
	Capabilities *[]string
	Dependencies *[]string
	Priority     *TaskPriority
	ExternalURL  *string
}

// TaskFilter narrows List and Search results.
type TaskFilter struct {
	Status     TaskStatus
	InstanceID string
	Project    string
	Tag        string
	Priority   TaskPriority
}

// Page is a limit/offset pagination window.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// CreateTask inserts a task in status pending and appends the creation event.
func (s *Store) CreateTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	if strings.TrimSpace(spec.Title) == "" {
		return nil, hoppererr.Validation("title", "must be non-empty")
	}
	if spec.Priority != "" && !ValidPriority(spec.Priority) {
		return nil, hoppererr.Validation("priority", fmt.Sprintf("unknown priority %q", spec.Priority))
	}

	task := &Task{
		ID:               uuid.NewString(),
		Title:            spec.Title,
		Description:      spec.Description,
		Project:          spec.Project,
		Tags:             spec.Tags,
		Capabilities:     spec.Capabilities,
		Dependencies:     spec.Dependencies,
		Priority:         spec.Priority,
		Status:           TaskStatusPending,
		InstanceID:       spec.InstanceID,
		OriginID:         spec.InstanceID,
		ExternalPlatform: spec.ExternalPlatform,
		ExternalID:       spec.ExternalID,
		ExternalURL:      spec.ExternalURL,
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, title, description, project, tags, capabilities, dependencies,
				priority, status, instance_id, origin_id,
				external_platform, external_id, external_url,
				created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, task.ID, task.Title, task.Description, task.Project,
			marshalStrings(task.Tags), marshalStrings(task.Capabilities), marshalStrings(task.Dependencies),
			string(task.Priority), string(task.Status),
			nullString(task.InstanceID), nullString(task.OriginID),
			task.ExternalPlatform, task.ExternalID, task.ExternalURL); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, "task.created", "", TaskStatusPending, `{"reason":"create"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	created, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
		TaskID:     created.ID,
		InstanceID: created.InstanceID,
		NewStatus:  string(created.Status),
	})
	s.refreshTaskIndex(ctx)
	return created, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?;`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hoppererr.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask applies a content patch and returns the updated task.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*Task, error) {
	if patch.Priority != nil && *patch.Priority != "" && !ValidPriority(*patch.Priority) {
		return nil, hoppererr.Validation("priority", fmt.Sprintf("unknown priority %q", *patch.Priority))
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, hoppererr.Validation("title", "must be non-empty")
	}

	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Project != nil {
		add("project", *patch.Project)
	}
	if patch.Tags != nil {
		add("tags", marshalStrings(*patch.Tags))
	}
	if patch.Capabilities != nil {
		add("capabilities", marshalStrings(*patch.Capabilities))
	}
	if patch.Dependencies != nil {
		add("dependencies", marshalStrings(*patch.Dependencies))
	}
	if patch.Priority != nil {
		add("priority", string(*patch.Priority))
	}
	if patch.ExternalURL != nil {
		add("external_url", *patch.ExternalURL)
	}
	if len(sets) == 0 {
		return s.GetTask(ctx, id)
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task rows: %w", err)
		}
		if n == 0 {
			return hoppererr.NotFound("task", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshTaskIndex(ctx)
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task and its event ledger. Returns false when the
// task does not exist.
func (s *Store) DeleteTask(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete task rows: %w", err)
		}
		deleted = n > 0
		if deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?;`, id); err != nil {
				return fmt.Errorf("delete task events: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.refreshTaskIndex(ctx)
	}
	return deleted, nil
}

// ListTasks returns tasks matching the filter, newest first, plus the total
// match count before pagination.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter, page Page) ([]*Task, int, error) {
	where, args := taskFilterClause(filter)
	page = page.normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`+where+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := taskSelect + where + ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?;`
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// SearchTasks matches q against title and description (case-insensitive
// substring) combined with the filter.
func (s *Store) SearchTasks(ctx context.Context, q string, filter TaskFilter, page Page) ([]*Task, int, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return s.ListTasks(ctx, filter, page)
	}
	where, args := taskFilterClause(filter)
	if where == "" {
		where = ` WHERE`
	} else {
		where += ` AND`
	}
	like := "%" + strings.ToLower(q) + "%"
	where += ` (LOWER(title) LIKE ? OR LOWER(description) LIKE ?)`
	args = append(args, like, like)
	page = page.normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`+where+`;`, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task search: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		taskSelect+where+` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?;`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// TransitionTask moves a task through the status machine, appending the
// transition to the ledger in the same transaction. started_at is stamped on
// the first move to in_progress, stopped_at on reaching a terminal state.
func (s *Store) TransitionTask(ctx context.Context, id string, next TaskStatus) (*Task, error) {
	var oldStatus TaskStatus
	var newOwner string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		var owner sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT status, instance_id FROM tasks WHERE id = ?;`, id).Scan(&current, &owner)
		if errors.Is(err, sql.ErrNoRows) {
			return hoppererr.NotFound("task", id)
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		oldStatus = TaskStatus(current)
		newOwner = owner.String

		if _, ok := allowedTaskTransitions[oldStatus][next]; !ok {
			return hoppererr.InvalidTransition("task", current, string(next))
		}

		sets := `status = ?, updated_at = CURRENT_TIMESTAMP`
		if next == TaskStatusInProgress && oldStatus == TaskStatusClaimed {
			sets += `, started_at = COALESCE(started_at, CURRENT_TIMESTAMP)`
		}
		if next.IsTerminal() {
			sets += `, stopped_at = CURRENT_TIMESTAMP`
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+sets+` WHERE id = ?;`, string(next), id); err != nil {
			return fmt.Errorf("transition task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, id, "task.state_changed", oldStatus, next, "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:     id,
		InstanceID: newOwner,
		OldStatus:  string(oldStatus),
		NewStatus:  string(next),
	})
	switch next {
	case TaskStatusDone:
		s.publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: id, InstanceID: newOwner, OldStatus: string(oldStatus), NewStatus: string(next)})
	case TaskStatusCancelled:
		s.publish(bus.TopicTaskCancelled, bus.TaskStateChangedEvent{TaskID: id, InstanceID: newOwner, OldStatus: string(oldStatus), NewStatus: string(next)})
	}
	s.refreshTaskIndex(ctx)
	return s.GetTask(ctx, id)
}

// AssignTask moves task ownership to instanceID ("" clears it) and records
// the assignment in the ledger. expectOwner guards against racing
// delegations: when non-nil, the update only applies if the current owner
// matches, otherwise ErrConflict is returned.
func (s *Store) AssignTask(ctx context.Context, id, instanceID string, expectOwner *string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin assign tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var owner sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT instance_id FROM tasks WHERE id = ?;`, id).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return hoppererr.NotFound("task", id)
		}
		if err != nil {
			return fmt.Errorf("read task owner: %w", err)
		}
		if expectOwner != nil && owner.String != *expectOwner {
			return hoppererr.ErrConflict
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET instance_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
			nullString(instanceID), id); err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		payload := fmt.Sprintf(`{"from":%q,"to":%q}`, owner.String, instanceID)
		if err := s.appendTaskEventTx(ctx, tx, id, "task.assigned", "", "", payload); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// CountActiveTasks returns the number of claimed or in_progress tasks owned
// by the instance.
func (s *Store) CountActiveTasks(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE instance_id = ? AND status IN (?, ?);
	`, instanceID, string(TaskStatusClaimed), string(TaskStatusInProgress)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

// QueuedTasks returns the instance's pending tasks in priority-then-FIFO
// order, the order an orchestration executor drains its queue.
func (s *Store) QueuedTasks(ctx context.Context, instanceID string, limit int) ([]*Task, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE instance_id = ? AND status = ?
		ORDER BY CASE priority
			WHEN 'urgent' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
			ELSE 2
		END ASC, created_at ASC, id ASC
		LIMIT ?;
	`, instanceID, string(TaskStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("queued tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TaskEvents returns the task's ledger in append order.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), COALESCE(state_to, ''), payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var from, to string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &from, &to, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = TaskStatus(from)
		ev.StateTo = TaskStatus(to)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, eventType string, from, to TaskStatus, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, payload_json)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, eventType, nullString(string(from)), nullString(string(to)), payload); err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

const taskSelect = `
	SELECT id, title, description, project, tags, capabilities, dependencies,
		priority, status, COALESCE(instance_id, ''), COALESCE(origin_id, ''),
		external_platform, external_id, external_url,
		created_at, updated_at, started_at, stopped_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var tags, caps, deps, priority, status string
	var startedAt, stoppedAt sql.NullTime
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Project, &tags, &caps, &deps,
		&priority, &status, &t.InstanceID, &t.OriginID,
		&t.ExternalPlatform, &t.ExternalID, &t.ExternalURL,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &stoppedAt,
	); err != nil {
		return nil, err
	}
	t.Tags = unmarshalStrings(tags)
	t.Capabilities = unmarshalStrings(caps)
	t.Dependencies = unmarshalStrings(deps)
	t.Priority = TaskPriority(priority)
	t.Status = TaskStatus(status)
	if startedAt.Valid {
		started := startedAt.Time
		t.StartedAt = &started
	}
	if stoppedAt.Valid {
		stopped := stoppedAt.Time
		t.StoppedAt = &stopped
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func taskFilterClause(filter TaskFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.InstanceID != "" {
		conds = append(conds, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.Tag != "" {
		// Tags are stored as a JSON array of strings.
		conds = append(conds, "tags LIKE ?")
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
