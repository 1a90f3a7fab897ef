package routing_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/hopper/internal/hoppererr"
	"github.com/basket/hopper/internal/persistence"
	"github.com/basket/hopper/internal/routing"
)

func task(title string, tags []string, priority persistence.TaskPriority) *persistence.Task {
	return &persistence.Task{ID: "t1", Title: title, Tags: tags, Priority: priority}
}

func evalRule(t *testing.T, r *routing.Rule, tk *persistence.Task) *routing.RuleMatch {
	t.Helper()
	r.Enabled = true
	if err := r.Validate(true); err != nil {
		t.Fatalf("validate: %v", err)
	}
	rs := &routing.RuleSet{Version: 1, Rules: []*routing.Rule{r}}
	return rs.Evaluate(tk)
}

func TestKeywordRuleScoring(t *testing.T) {
	r := &routing.Rule{
		ID: "kw", Type: routing.RuleKeyword, Destination: "dest", Weight: 1.0,
		Keywords: []string{"deploy", "release"},
	}
	m := evalRule(t, r, task("deploy the release now", nil, ""))
	if m == nil {
		t.Fatal("expected match")
	}
	if diff := m.Score - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %f, want 1.0", m.Score)
	}

	half := evalRule(t, &routing.Rule{
		ID: "kw2", Type: routing.RuleKeyword, Destination: "dest", Weight: 1.0,
		Keywords: []string{"deploy", "rollback"},
	}, task("deploy the release", nil, ""))
	if half == nil || half.Score != 0.5 {
		t.Fatalf("partial match score = %+v, want 0.5", half)
	}

	if m := evalRule(t, &routing.Rule{
		ID: "kw3", Type: routing.RuleKeyword, Destination: "dest", Weight: 1.0,
		Keywords: []string{"rollback"},
	}, task("deploy the release", nil, "")); m != nil {
		t.Fatalf("unexpected match: %+v", m)
	}
}

func TestKeywordWholeWord(t *testing.T) {
	r := &routing.Rule{
		ID: "kw", Type: routing.RuleKeyword, Destination: "dest", Weight: 1.0,
		Keywords: []string{"dep"}, WholeWord: true,
	}
	if m := evalRule(t, r, task("deploy service", nil, "")); m != nil {
		t.Fatalf("whole-word should not match substring: %+v", m)
	}
	r2 := &routing.Rule{
		ID: "kw2", Type: routing.RuleKeyword, Destination: "dest", Weight: 1.0,
		Keywords: []string{"dep"}, WholeWord: true,
	}
	if m := evalRule(t, r2, task("update dep list", nil, "")); m == nil {
		t.Fatal("whole-word should match the standalone token")
	}
}

func TestKeywordWeights(t *testing.T) {
	r := &routing.Rule{
		ID: "kw", Type: routing.RuleKeyword, Destination: "dest", Weight: 1.0,
		Keywords:       []string{"urgent", "deploy"},
		KeywordWeights: map[string]float64{"urgent": 2.0},
	}
	// Sum 2.0 over 2 keywords, capped at 1 before the rule weight.
	m := evalRule(t, r, task("urgent fix", nil, ""))
	if m == nil || m.Score != 1.0 {
		t.Fatalf("weighted score = %+v, want 1.0", m)
	}
}

func TestTagRuleScoring(t *testing.T) {
	r := &routing.Rule{
		ID: "tg", Type: routing.RuleTag, Destination: "dest", Weight: 1.0,
		RequiredTags: []string{"api"},
		OptionalTags: []string{"python", "go"},
		TagPatterns:  []string{"^svc-"},
	}
	m := evalRule(t, r, task("x", []string{"api", "python", "svc-auth"}, ""))
	if m == nil {
		t.Fatal("expected match")
	}
	// 0.5 required + 0.3*(1/2) optional + 0.2 pattern = 0.85.
	if diff := m.Score - 0.85; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %f, want 0.85", m.Score)
	}

	missing := &routing.Rule{
		ID: "tg2", Type: routing.RuleTag, Destination: "dest", Weight: 1.0,
		RequiredTags: []string{"api", "db"},
	}
	if m := evalRule(t, missing, task("x", []string{"api"}, "")); m != nil {
		t.Fatalf("missing required tag must not match: %+v", m)
	}
}

func TestPriorityRule(t *testing.T) {
	exact := &routing.Rule{
		ID: "pr", Type: routing.RulePriority, Destination: "dest", Weight: 1.0,
		Priorities: []string{"critical"},
	}
	// The task-model "urgent" sits at the critical rung of the rule ladder.
	m := evalRule(t, exact, task("x", nil, persistence.PriorityUrgent))
	if m == nil || m.Score != 1.0 {
		t.Fatalf("exact priority = %+v, want score 1.0", m)
	}

	interval := &routing.Rule{
		ID: "pr2", Type: routing.RulePriority, Destination: "dest", Weight: 1.0,
		MinPriority: "critical", MaxPriority: "high",
	}
	m = evalRule(t, interval, task("x", nil, persistence.PriorityHigh))
	if m == nil || m.Score != 0.8 {
		t.Fatalf("interval priority = %+v, want score 0.8", m)
	}
	if m := evalRule(t, &routing.Rule{
		ID: "pr3", Type: routing.RulePriority, Destination: "dest", Weight: 1.0,
		MinPriority: "critical", MaxPriority: "high",
	}, task("x", nil, persistence.PriorityLow)); m != nil {
		t.Fatalf("low outside [critical, high] must not match: %+v", m)
	}
}

func TestCompositeRules(t *testing.T) {
	and := &routing.Rule{
		ID: "cp", Type: routing.RuleComposite, Destination: "dest", Weight: 1.0,
		Operator: routing.OpAnd,
		SubRules: []*routing.Rule{
			{ID: "s1", Type: routing.RuleKeyword, Weight: 1.0, Keywords: []string{"deploy"}},
			{ID: "s2", Type: routing.RuleTag, Weight: 1.0, RequiredTags: []string{"ops"}},
		},
	}
	m := evalRule(t, and, task("deploy it", []string{"ops"}, ""))
	if m == nil {
		t.Fatal("and should match")
	}
	// Mean of child scores 1.0 and 0.5.
	if diff := m.Score - 0.75; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("and score = %f, want 0.75", m.Score)
	}
	if m := evalRule(t, &routing.Rule{
		ID: "cp2", Type: routing.RuleComposite, Destination: "dest", Weight: 1.0,
		Operator: routing.OpAnd,
		SubRules: []*routing.Rule{
			{ID: "s1", Type: routing.RuleKeyword, Weight: 1.0, Keywords: []string{"deploy"}},
			{ID: "s2", Type: routing.RuleTag, Weight: 1.0, RequiredTags: []string{"ops"}},
		},
	}, task("deploy it", nil, "")); m != nil {
		t.Fatalf("and with one failing child must not match: %+v", m)
	}

	not := &routing.Rule{
		ID: "cp3", Type: routing.RuleComposite, Destination: "dest", Weight: 0.9,
		Operator: routing.OpNot,
		SubRules: []*routing.Rule{
			{ID: "s1", Type: routing.RuleTag, Weight: 1.0, RequiredTags: []string{"frontend"}},
		},
	}
	m = evalRule(t, not, task("x", []string{"backend"}, ""))
	if m == nil || m.Score != 0.9 {
		t.Fatalf("not score = %+v, want 0.9", m)
	}
}

func TestRuleValidation(t *testing.T) {
	cases := []struct {
		name string
		rule *routing.Rule
	}{
		{"empty id", &routing.Rule{Type: routing.RuleKeyword, Destination: "d", Weight: 1, Keywords: []string{"x"}}},
		{"weight out of range", &routing.Rule{ID: "r", Type: routing.RuleKeyword, Destination: "d", Weight: 1.5, Keywords: []string{"x"}}},
		{"no destination", &routing.Rule{ID: "r", Type: routing.RuleKeyword, Weight: 1, Keywords: []string{"x"}}},
		{"keyword without keywords", &routing.Rule{ID: "r", Type: routing.RuleKeyword, Destination: "d", Weight: 1}},
		{"tag without criteria", &routing.Rule{ID: "r", Type: routing.RuleTag, Destination: "d", Weight: 1}},
		{"bad tag pattern", &routing.Rule{ID: "r", Type: routing.RuleTag, Destination: "d", Weight: 1, TagPatterns: []string{"("}}},
		{"unknown priority", &routing.Rule{ID: "r", Type: routing.RulePriority, Destination: "d", Weight: 1, Priorities: []string{"mega"}}},
		{"not with two children", &routing.Rule{
			ID: "r", Type: routing.RuleComposite, Destination: "d", Weight: 1, Operator: routing.OpNot,
			SubRules: []*routing.Rule{
				{ID: "a", Type: routing.RuleKeyword, Weight: 1, Keywords: []string{"x"}},
				{ID: "b", Type: routing.RuleKeyword, Weight: 1, Keywords: []string{"y"}},
			},
		}},
		{"and with no children", &routing.Rule{ID: "r", Type: routing.RuleComposite, Destination: "d", Weight: 1, Operator: routing.OpAnd}},
		{"unknown operator", &routing.Rule{
			ID: "r", Type: routing.RuleComposite, Destination: "d", Weight: 1, Operator: "xor",
			SubRules: []*routing.Rule{{ID: "a", Type: routing.RuleKeyword, Weight: 1, Keywords: []string{"x"}}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate(true)
			if !hoppererr.IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestEvaluatePrefersHigherRulePriority(t *testing.T) {
	rs := &routing.RuleSet{Version: 1, Rules: []*routing.Rule{
		{ID: "low", Type: routing.RuleKeyword, Destination: "a", Weight: 1.0, Enabled: true, Priority: 1, Keywords: []string{"deploy"}},
		{ID: "high", Type: routing.RuleKeyword, Destination: "b", Weight: 0.4, Enabled: true, Priority: 10, Keywords: []string{"deploy"}},
		{ID: "disabled", Type: routing.RuleKeyword, Destination: "c", Weight: 1.0, Priority: 99, Keywords: []string{"deploy"}},
	}}
	if err := rs.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	m := rs.Evaluate(task("deploy now", nil, ""))
	if m == nil || m.Rule.ID != "high" {
		t.Fatalf("match = %+v, want rule high", m)
	}
}

const rulesYAML = `version: 1
rules:
  - id: ops-keywords
    type: keyword
    name: ops keywords
    destination: ops-team
    weight: 0.9
    enabled: true
    priority: 5
    keywords: [deploy, rollback]
    whole_word: true
  - id: api-tags
    type: tag
    destination: svc-api
    weight: 1.0
    enabled: true
    required_tags: [api]
    optional_tags: [python, go]
`

func TestRulesRoundTrip(t *testing.T) {
	rs, err := routing.ParseRules([]byte(rulesYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rs.Rules) != 2 || rs.Rules[0].ID != "ops-keywords" {
		t.Fatalf("rules = %+v", rs.Rules)
	}

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := routing.SaveRules(path, rs); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := routing.LoadRules(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(again.Rules) != len(rs.Rules) {
		t.Fatalf("round trip lost rules: %d vs %d", len(again.Rules), len(rs.Rules))
	}
	for i := range rs.Rules {
		a, b := rs.Rules[i], again.Rules[i]
		if a.ID != b.ID || a.Type != b.Type || a.Destination != b.Destination ||
			a.Weight != b.Weight || a.Enabled != b.Enabled || a.Priority != b.Priority {
			t.Fatalf("rule %d changed: %+v vs %+v", i, a, b)
		}
	}
}

func TestParseRulesRejectsUnknownField(t *testing.T) {
	doc := `version: 1
rules:
  - id: r1
    type: keyword
    destination: d
    weight: 0.5
    enabled: true
    keywords: [x]
    surprise: true
`
	if _, err := routing.ParseRules([]byte(doc)); err == nil {
		t.Fatal("expected schema rejection of unknown field")
	}
}

func TestWatchRulesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *routing.RuleSet, 4)
	err := routing.WatchRules(ctx, path, slog.Default(), func(rs *routing.RuleSet) {
		applied <- rs
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	updated := rulesYAML + `  - id: extra
    type: priority
    destination: escalation
    weight: 1.0
    enabled: true
    priorities: [critical]
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case rs := <-applied:
		if len(rs.Rules) != 3 {
			t.Fatalf("reloaded rules = %d, want 3", len(rs.Rules))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
