// Package persistence implements the SQLite-backed store for all Hopper
// entities: tasks, instances, delegations, routing episodes, learned
// patterns, and feedback. The store owns the task and instance state
// machines; every transition runs inside a transaction and is appended to
// an event ledger before commit.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/hopper/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "hopper-v1-2026-07-02-routing-core"

	// v2 adds the episodes.feedback_id column and the patterns.last_refined_at
	// column used by consolidation refinement.
	schemaVersionV2  = 2
	schemaChecksumV2 = "hopper-v2-2026-07-19-learning"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// TaskStatus is a state in the task state machine.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusClaimed    TaskStatus = "claimed"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal task state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusClaimed:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusClaimed: {
		TaskStatusInProgress: {},
		TaskStatusPending:    {}, // Release back to the queue.
		TaskStatusCancelled:  {},
	},
	TaskStatusInProgress: {
		TaskStatusDone:      {},
		TaskStatusBlocked:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusBlocked: {
		TaskStatusInProgress: {}, // Resume.
		TaskStatusCancelled:  {},
	},
}

// TaskPriority orders tasks in orchestration queues.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ValidPriority reports whether p is one of the four known priorities.
func ValidPriority(p TaskPriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// PriorityRank maps priorities to queue order; lower rank dequeues first.
func PriorityRank(p TaskPriority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2 // Unset priority queues as medium.
	}
}

// Task is the unit of work tracked through the status machine.
type Task struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Project      string       `json:"project,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Priority     TaskPriority `json:"priority,omitempty"`
	Status       TaskStatus   `json:"status"`
	InstanceID   string       `json:"instance_id,omitempty"` // current owner, "" when unassigned
	OriginID     string       `json:"origin_id,omitempty"`   // instance the task entered the tree at

	ExternalPlatform string `json:"external_platform,omitempty"`
	ExternalID       string `json:"external_id,omitempty"`
	ExternalURL      string `json:"external_url,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// TaskEvent is one row of the append-only task transition ledger.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to,omitempty"`
	Payload   string     `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// InstanceScope is the role an instance plays in the routing tree.
type InstanceScope string

const (
	ScopeGlobal        InstanceScope = "global"
	ScopeProject       InstanceScope = "project"
	ScopeOrchestration InstanceScope = "orchestration"
	ScopePersonal      InstanceScope = "personal"
	ScopeFamily        InstanceScope = "family"
	ScopeEvent         InstanceScope = "event"
	ScopeFederated     InstanceScope = "federated"
)

// ValidScope reports whether s names a known scope.
func ValidScope(s InstanceScope) bool {
	switch s {
	case ScopeGlobal, ScopeProject, ScopeOrchestration, ScopePersonal,
		ScopeFamily, ScopeEvent, ScopeFederated:
		return true
	}
	return false
}

// ScopeRank orders scopes from root (global) down toward orchestration.
// Scopes that inherit project behavior share the project rank; federated
// shares global's.
func ScopeRank(s InstanceScope) int {
	switch s {
	case ScopeGlobal, ScopeFederated:
		return 0
	case ScopeProject, ScopePersonal, ScopeFamily, ScopeEvent:
		return 1
	case ScopeOrchestration:
		return 2
	default:
		return 1
	}
}

// InstanceType distinguishes long-lived nodes from transient ones.
type InstanceType string

const (
	InstancePersistent InstanceType = "persistent"
	InstanceEphemeral  InstanceType = "ephemeral"
	InstanceTemporary  InstanceType = "temporary"
)

// InstanceStatus is a state in the instance lifecycle machine.
type InstanceStatus string

const (
	InstanceStatusCreated    InstanceStatus = "created"
	InstanceStatusStarting   InstanceStatus = "starting"
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusStopping   InstanceStatus = "stopping"
	InstanceStatusStopped    InstanceStatus = "stopped"
	InstanceStatusPaused     InstanceStatus = "paused"
	InstanceStatusError      InstanceStatus = "error"
	InstanceStatusTerminated InstanceStatus = "terminated"
)

// Routable reports whether the instance may receive delegations.
func (s InstanceStatus) Routable() bool {
	return s == InstanceStatusRunning || s == InstanceStatusCreated
}

// Instance is a node in the routing tree.
type Instance struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Scope    InstanceScope  `json:"scope"`
	Type     InstanceType   `json:"type"`
	ParentID string         `json:"parent_id,omitempty"`
	Status   InstanceStatus `json:"status"`

	// Config carries scope-specific knobs: capabilities, tags,
	// orchestration_threshold, max_concurrent_tasks, auto_delegate,
	// routing_strategy.
	Config map[string]any `json:"config,omitempty"`

	// Metadata carries runtime counters maintained by the host.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConfigInt reads an integer knob from the instance config, tolerating the
// numeric types YAML and JSON decoding produce.
func (i *Instance) ConfigInt(key string, def int) int {
	v, ok := i.Config[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// ConfigBool reads a boolean knob from the instance config.
func (i *Instance) ConfigBool(key string, def bool) bool {
	if v, ok := i.Config[key].(bool); ok {
		return v
	}
	return def
}

// ConfigString reads a string knob from the instance config.
func (i *Instance) ConfigString(key, def string) string {
	if v, ok := i.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigStrings reads a string-list knob from the instance config.
func (i *Instance) ConfigStrings(key string) []string {
	v, ok := i.Config[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// DelegationType classifies why a task moved.
type DelegationType string

const (
	DelegationRoute     DelegationType = "route"
	DelegationDecompose DelegationType = "decompose"
	DelegationEscalate  DelegationType = "escalate"
	DelegationReassign  DelegationType = "reassign"
)

// DelegationStatus is a state in the delegation state machine.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationAccepted  DelegationStatus = "accepted"
	DelegationRejected  DelegationStatus = "rejected"
	DelegationCompleted DelegationStatus = "completed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// Active reports whether the delegation still holds the task.
func (s DelegationStatus) Active() bool {
	return s == DelegationPending || s == DelegationAccepted
}

// Terminal reports whether the delegation reached a final state.
func (s DelegationStatus) Terminal() bool {
	return s == DelegationRejected || s == DelegationCompleted || s == DelegationCancelled
}

// Delegation is one hop of a task down the instance tree.
type Delegation struct {
	ID       string           `json:"id"`
	TaskID   string           `json:"task_id"`
	SourceID string           `json:"source_id"`
	TargetID string           `json:"target_id"`
	Type     DelegationType   `json:"type"`
	Status   DelegationStatus `json:"status"`
	Result   string           `json:"result,omitempty"` // opaque payload from the executor
	Reason   string           `json:"reason,omitempty"` // rejection reason
	Notes    string           `json:"notes,omitempty"`

	DelegatedAt time.Time  `json:"delegated_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskSnapshot captures the routed task at decision time. Episodes keep it
// by value so they survive later task mutation.
type TaskSnapshot struct {
	Title    string       `json:"title"`
	Tags     []string     `json:"tags,omitempty"`
	Priority TaskPriority `json:"priority,omitempty"`
	Status   TaskStatus   `json:"status"`
}

// EpisodeOutcome is the eventual result of a routing decision. It is set at
// most once.
type EpisodeOutcome struct {
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration,omitempty"`
	Notes    string        `json:"notes,omitempty"`
}

// Episode is an after-the-fact record of one routing choice.
type Episode struct {
	ID                  string          `json:"id"`
	TaskID              string          `json:"task_id"`
	Task                TaskSnapshot    `json:"task"`
	InstancesConsidered []string        `json:"instances_considered,omitempty"`
	ChosenInstance      string          `json:"chosen_instance"`
	Confidence          float64         `json:"confidence"`
	Strategy            string          `json:"strategy"`
	Reasoning           string          `json:"reasoning,omitempty"`
	DecisionFactors     map[string]any  `json:"decision_factors,omitempty"`
	Outcome             *EpisodeOutcome `json:"outcome,omitempty"`
	FeedbackTaskID      string          `json:"feedback_task_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// PatternType classifies the criteria a learned pattern carries.
type PatternType string

const (
	PatternTag      PatternType = "tag"
	PatternText     PatternType = "text"
	PatternPriority PatternType = "priority"
	PatternCombined PatternType = "combined"
)

// Pattern is a learned routing rule mined from successful episodes.
type Pattern struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Type           PatternType  `json:"type"`
	RequiredTags   []string     `json:"required_tags,omitempty"`
	OptionalTags   []string     `json:"optional_tags,omitempty"`
	Keywords       []string     `json:"keywords,omitempty"`
	Priority       TaskPriority `json:"priority,omitempty"`
	TargetInstance string       `json:"target_instance"`

	Confidence     float64  `json:"confidence"`
	UsageCount     int      `json:"usage_count"`
	SuccessCount   int      `json:"success_count"`
	FailureCount   int      `json:"failure_count"`
	SourceEpisodes []string `json:"source_episodes,omitempty"`
	Active         bool     `json:"active"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastRefinedAt *time.Time `json:"last_refined_at,omitempty"`
}

// HasCriteria reports whether the pattern carries at least one criterion.
// A pattern with none is illegal.
func (p *Pattern) HasCriteria() bool {
	return len(p.RequiredTags) > 0 || len(p.OptionalTags) > 0 ||
		len(p.Keywords) > 0 || p.Priority != ""
}

// Feedback is the user verdict on a routing decision, one row per task.
type Feedback struct {
	TaskID             string    `json:"task_id"`
	WasGoodMatch       bool      `json:"was_good_match"`
	ShouldHaveRoutedTo string    `json:"should_have_routed_to,omitempty"`
	QualityScore       float64   `json:"quality_score,omitempty"`
	Complexity         int       `json:"complexity,omitempty"` // 1..5
	Rework             bool      `json:"rework,omitempty"`
	UnexpectedBlockers []string  `json:"unexpected_blockers,omitempty"`
	MissingSkills      []string  `json:"missing_skills,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db       *sql.DB
	bus      *bus.Bus // may be nil in tests
	indexDir string   // sidecar index directory, "" disables the sidecar
}

// DefaultDBPath returns ~/.hopper/hopper.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hopper", "hopper.db")
}

// Open opens (or creates) the store at path. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:       db,
		bus:      eventBus,
		indexDir: filepath.Join(filepath.Dir(path), ".index"),
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for read-only diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}

		// v1 → v2: the learning columns. CREATE TABLE IF NOT EXISTS below
		// no-ops on tables that already exist, so existing tables must be
		// altered here before the ledger is stamped v2.
		upgrades := []struct {
			table, column, ddl string
		}{
			{"episodes", "feedback_task_id",
				`ALTER TABLE episodes ADD COLUMN feedback_task_id TEXT NOT NULL DEFAULT '';`},
			{"patterns", "last_refined_at",
				`ALTER TABLE patterns ADD COLUMN last_refined_at DATETIME;`},
		}
		for _, up := range upgrades {
			if err := addColumnIfMissing(ctx, tx, up.table, up.column, up.ddl); err != nil {
				return fmt.Errorf("upgrade schema v%d to v%d: %w", schemaVersionV1, schemaVersionV2, err)
			}
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			capabilities TEXT NOT NULL DEFAULT '[]',
			dependencies TEXT NOT NULL DEFAULT '[]',
			priority TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			instance_id TEXT,
			origin_id TEXT,
			external_platform TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			external_url TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			stopped_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			scope TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'persistent',
			parent_id TEXT,
			status TEXT NOT NULL DEFAULT 'created',
			config TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(scope, name)
		);`,
		`CREATE TABLE IF NOT EXISTS instance_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS delegations (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'route',
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			delegated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			accepted_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_title TEXT NOT NULL DEFAULT '',
			task_tags TEXT NOT NULL DEFAULT '[]',
			task_priority TEXT NOT NULL DEFAULT '',
			task_status TEXT NOT NULL DEFAULT '',
			instances_considered TEXT NOT NULL DEFAULT '[]',
			chosen_instance TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			strategy TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			decision_factors TEXT NOT NULL DEFAULT '{}',
			outcome_success INTEGER,
			outcome_duration_ms INTEGER,
			outcome_notes TEXT NOT NULL DEFAULT '',
			feedback_task_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS patterns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL DEFAULT 'combined',
			required_tags TEXT NOT NULL DEFAULT '[]',
			optional_tags TEXT NOT NULL DEFAULT '[]',
			keywords TEXT NOT NULL DEFAULT '[]',
			priority TEXT NOT NULL DEFAULT '',
			target_instance TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			source_episodes TEXT NOT NULL DEFAULT '[]',
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_refined_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS feedback (
			task_id TEXT PRIMARY KEY,
			was_good_match INTEGER NOT NULL DEFAULT 0,
			should_have_routed_to TEXT NOT NULL DEFAULT '',
			quality_score REAL NOT NULL DEFAULT 0,
			complexity INTEGER NOT NULL DEFAULT 0,
			rework INTEGER NOT NULL DEFAULT 0,
			unexpected_blockers TEXT NOT NULL DEFAULT '[]',
			missing_skills TEXT NOT NULL DEFAULT '[]',
			notes TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_parent ON instances(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_scope ON instances(scope);`,
		`CREATE INDEX IF NOT EXISTS idx_delegations_task ON delegations(task_id, delegated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_delegations_status ON delegations(status);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_task ON episodes(task_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_chosen ON episodes(chosen_instance, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_active ON patterns(active, confidence);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum)
		VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// addColumnIfMissing applies ddl when table exists without column. A table
// that does not exist yet is left for the CREATE TABLE statements, which
// carry the full current shape.
func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, ddl string) error {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?);`, table)
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	tableExists := false
	columnExists := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect table %s: %w", table, err)
		}
		tableExists = true
		if name == column {
			columnExists = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect table %s: %w", table, err)
	}
	if !tableExists || columnExists {
		return nil
	}
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
