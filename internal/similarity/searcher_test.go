package similarity_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/hopper/internal/similarity"
)

func newTestSearcher(t *testing.T) *similarity.Searcher {
	t.Helper()
	s, err := similarity.NewSearcher(similarity.DefaultConfig())
	if err != nil {
		t.Fatalf("new searcher: %v", err)
	}
	return s
}

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"Implement Login", []string{"implement", "login"}},
		{"the API is ready", []string{"api", "ready"}},
		{"fix db-conn_2 now!", []string{"fix", "db-conn_2", "now"}},
		{"a I 1 22", nil},
	}
	for _, tc := range cases {
		got := similarity.Tokenize(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("Tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("Tokenize(%q) = %v, want %v", tc.in, got, tc.want)
			}
		}
	}
}

func TestWeightsMustSumToOne(t *testing.T) {
	_, err := similarity.NewSearcher(similarity.Config{TextWeight: 0.5, TagWeight: 0.6})
	if err == nil {
		t.Fatal("expected error for weights not summing to 1")
	}
}

func TestRecallRanking(t *testing.T) {
	s := newTestSearcher(t)
	base := time.Now()
	s.Add("d1", "implement login", nil, base)
	s.Add("d2", "implement logout", nil, base.Add(time.Second))
	s.Add("d3", "database migration", nil, base.Add(2*time.Second))

	matches := s.Search("implement login flow", nil, 10)
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2 (d3 must score 0)", len(matches))
	}
	if matches[0].ID != "d1" {
		t.Fatalf("first = %s, want d1", matches[0].ID)
	}
	if matches[1].ID != "d2" {
		t.Fatalf("second = %s, want d2 (shared 'implement' term)", matches[1].ID)
	}
	if matches[0].Score <= matches[1].Score {
		t.Fatalf("scores not ordered: %f <= %f", matches[0].Score, matches[1].Score)
	}
}

func TestTagJaccardBlending(t *testing.T) {
	s := newTestSearcher(t)
	now := time.Now()
	s.Add("tagged", "unrelated words entirely", []string{"api", "auth"}, now)
	s.Add("texty", "deploy the service", nil, now)

	// Query that only shares tags with "tagged".
	matches := s.Search("nothing in common", []string{"api", "auth"}, 10)
	if len(matches) != 1 || matches[0].ID != "tagged" {
		t.Fatalf("matches = %+v, want only tagged", matches)
	}
	// Jaccard = 1.0, weight 0.4, no text match.
	if diff := matches[0].Score - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %f, want 0.4", matches[0].Score)
	}
}

func TestTieBreakByRecencyThenID(t *testing.T) {
	s := newTestSearcher(t)
	base := time.Now()
	s.Add("b", "same text here", nil, base)
	s.Add("a", "same text here", nil, base)
	s.Add("newer", "same text here", nil, base.Add(time.Minute))

	matches := s.Search("same text here", nil, 10)
	if len(matches) != 3 {
		t.Fatalf("matches = %d", len(matches))
	}
	if matches[0].ID != "newer" {
		t.Fatalf("first = %s, want newer", matches[0].ID)
	}
	if matches[1].ID != "a" || matches[2].ID != "b" {
		t.Fatalf("tie order = %s, %s; want a, b", matches[1].ID, matches[2].ID)
	}
}

func TestAddReplacesAndRemove(t *testing.T) {
	s := newTestSearcher(t)
	now := time.Now()
	s.Add("other", "unrelated filler", nil, now)
	s.Add("d1", "first version", nil, now)
	s.Add("d1", "second version", nil, now)
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}

	if m := s.Search("first", nil, 5); len(m) != 0 {
		t.Fatalf("old terms still indexed: %+v", m)
	}
	if m := s.Search("second", nil, 5); len(m) != 1 || m[0].ID != "d1" {
		t.Fatalf("new terms missing: %+v", m)
	}

	s.Remove("d1")
	s.Remove("d1") // idempotent
	if s.Len() != 1 {
		t.Fatalf("len after remove = %d", s.Len())
	}
}

func TestCorpusCapEvictsOldest(t *testing.T) {
	s, err := similarity.NewSearcher(similarity.Config{TextWeight: 0.6, TagWeight: 0.4, MaxCorpus: 2})
	if err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	s.Add("old", "alpha task", nil, base)
	s.Add("mid", "beta task", nil, base.Add(time.Second))
	s.Add("new", "gamma task", nil, base.Add(2*time.Second))

	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	if m := s.Search("alpha", nil, 5); len(m) != 0 {
		t.Fatalf("evicted doc still found: %+v", m)
	}
	// Evictions decrement df: "task" now appears in 2 docs, not 3, so idf
	// stays consistent and both survivors still match.
	if m := s.Search("task", nil, 5); len(m) != 0 {
		// idf(task) = log(2/2) = 0, so a pure "task" query scores zero.
		t.Fatalf("ubiquitous term should score 0, got %+v", m)
	}
}

func TestSweepExpired(t *testing.T) {
	s, err := similarity.NewSearcher(similarity.Config{TextWeight: 0.6, TagWeight: 0.4, MaxAge: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	s.Add("stale", "old task", nil, now.Add(-2*time.Hour))
	s.Add("fresh", "new task", nil, now)

	if removed := s.SweepExpired(now); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}
}

func TestReindex(t *testing.T) {
	s := newTestSearcher(t)
	s.Add("gone", "will be dropped", nil, time.Now())

	err := s.Reindex(context.Background(), []similarity.Document{
		{ID: "d1", Text: "implement login", CreatedAt: time.Now()},
		{ID: "d2", Text: "fix deploy", Tags: []string{"ops"}, CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	if m := s.Search("dropped", nil, 5); len(m) != 0 {
		t.Fatalf("stale doc survived reindex: %+v", m)
	}
	if m := s.Search("login", nil, 5); len(m) != 1 || m[0].ID != "d1" {
		t.Fatalf("reindexed doc missing: %+v", m)
	}
}

func TestReindexHonorsCancellation(t *testing.T) {
	s := newTestSearcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	docs := make([]similarity.Document, 10)
	for i := range docs {
		docs[i] = similarity.Document{ID: string(rune('a' + i)), Text: "x y z"}
	}
	if err := s.Reindex(ctx, docs); err == nil {
		t.Fatal("expected context error")
	}
}
