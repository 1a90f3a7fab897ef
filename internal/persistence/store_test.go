package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/hopper/internal/persistence"
)

// seedV1Database writes a database in the v1 shape: the routing-core tables
// without the learning columns, with the ledger stamped at version 1.
func seedV1Database(t *testing.T, dbPath string) {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()

	statements := []string{
		`CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`INSERT INTO schema_migrations (version, checksum)
			VALUES (1, 'hopper-v1-2026-07-02-routing-core');`,
		`CREATE TABLE episodes (
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
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE patterns (
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
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`INSERT INTO episodes (id, task_id, chosen_instance, strategy)
			VALUES ('ep-old', 't-old', 'svc-api', 'explicit');`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed v1 db: %v", err)
		}
	}
}

func TestOpenUpgradesV1Schema(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "hopper.db")
	seedV1Database(t, dbPath)

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}

	// The pre-upgrade row reads back through the v2 scan list.
	ep, err := store.GetEpisode(ctx, "ep-old")
	if err != nil {
		t.Fatalf("get pre-upgrade episode: %v", err)
	}
	if ep.ChosenInstance != "svc-api" || ep.FeedbackTaskID != "" {
		t.Fatalf("pre-upgrade episode = %+v", ep)
	}

	// New rows exercise the added columns on both tables.
	fresh := insertTestEpisode(t, store, "t-new", "svc-web")
	if err := store.LinkEpisodeFeedback(ctx, fresh.ID, "t-new"); err != nil {
		t.Fatalf("link feedback on upgraded schema: %v", err)
	}
	p := &persistence.Pattern{
		Name:           "auth-to-api",
		RequiredTags:   []string{"auth"},
		TargetInstance: "svc-api",
		Confidence:     0.6,
		Active:         true,
	}
	if err := store.InsertPattern(ctx, p); err != nil {
		t.Fatalf("insert pattern on upgraded schema: %v", err)
	}
	if _, err := store.GetPattern(ctx, p.ID); err != nil {
		t.Fatalf("get pattern on upgraded schema: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening takes the version-match path against the v2 checksum.
	store, err = persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen upgraded db: %v", err)
	}
	defer store.Close()
	if _, err := store.GetEpisode(ctx, "ep-old"); err != nil {
		t.Fatalf("get episode after reopen: %v", err)
	}
}
