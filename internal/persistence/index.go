package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// TaskIndex is the JSON sidecar mirroring the store's by-status / by-tag /
// by-project views. It is rebuildable from scratch and never authoritative;
// writes are best-effort.
type TaskIndex struct {
	ByStatus  map[string][]string `json:"by_status"`
	ByTag     map[string][]string `json:"by_tag"`
	ByProject map[string][]string `json:"by_project"`
}

const indexFileName = "tasks.json"

// RebuildTaskIndex regenerates the sidecar from the tasks table and writes
// it atomically (temp file + rename).
func (s *Store) RebuildTaskIndex(ctx context.Context) (*TaskIndex, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, tags, project FROM tasks ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("rebuild index query: %w", err)
	}
	defer rows.Close()

	idx := &TaskIndex{
		ByStatus:  make(map[string][]string),
		ByTag:     make(map[string][]string),
		ByProject: make(map[string][]string),
	}
	for rows.Next() {
		var id, status, tags, project string
		if err := rows.Scan(&id, &status, &tags, &project); err != nil {
			return nil, fmt.Errorf("rebuild index scan: %w", err)
		}
		idx.ByStatus[status] = append(idx.ByStatus[status], id)
		for _, tag := range unmarshalStrings(tags) {
			idx.ByTag[tag] = append(idx.ByTag[tag], id)
		}
		if project != "" {
			idx.ByProject[project] = append(idx.ByProject[project], id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rebuild index rows: %w", err)
	}
	for _, m := range []map[string][]string{idx.ByStatus, idx.ByTag, idx.ByProject} {
		for _, ids := range m {
			sort.Strings(ids)
		}
	}

	if s.indexDir != "" {
		if err := s.writeTaskIndex(idx); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// ReadTaskIndex loads the sidecar from disk. Missing file returns an empty
// index: callers fall back to the store.
func (s *Store) ReadTaskIndex() (*TaskIndex, error) {
	idx := &TaskIndex{
		ByStatus:  make(map[string][]string),
		ByTag:     make(map[string][]string),
		ByProject: make(map[string][]string),
	}
	if s.indexDir == "" {
		return idx, nil
	}
	data, err := os.ReadFile(filepath.Join(s.indexDir, indexFileName))
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task index: %w", err)
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("decode task index: %w", err)
	}
	return idx, nil
}

func (s *Store) writeTaskIndex(idx *TaskIndex) error {
	if err := os.MkdirAll(s.indexDir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task index: %w", err)
	}
	tmp := filepath.Join(s.indexDir, indexFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task index: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.indexDir, indexFileName)); err != nil {
		return fmt.Errorf("rename task index: %w", err)
	}
	return nil
}

// refreshTaskIndex rewrites the sidecar after a task mutation. Failures are
// swallowed: the sidecar is not authoritative.
func (s *Store) refreshTaskIndex(ctx context.Context) {
	if s.indexDir == "" {
		return
	}
	_, _ = s.RebuildTaskIndex(ctx)
}
