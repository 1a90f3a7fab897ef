package routing

import (
	"regexp"
	"sort"
	"strings"

	"github.com/basket/hopper/internal/hoppererr"
	"github.com/basket/hopper/internal/persistence"
)

// RuleType discriminates the four declarative rule kinds.
type RuleType string

const (
	RuleKeyword   RuleType = "keyword"
	RuleTag       RuleType = "tag"
	RulePriority  RuleType = "priority"
	RuleComposite RuleType = "composite"
)

// CompositeOp combines sub-rules.
type CompositeOp string

const (
	OpAnd CompositeOp = "and"
	OpOr  CompositeOp = "or"
	OpNot CompositeOp = "not"
)

// Rule is one declarative routing rule. The YAML field set is shared across
// kinds; Validate enforces which fields each kind requires.
type Rule struct {
	ID          string   `yaml:"id"`
	Type        RuleType `yaml:"type"`
	Name        string   `yaml:"name,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Destination string   `yaml:"destination,omitempty"`
	Weight      float64  `yaml:"weight"`
	Enabled     bool     `yaml:"enabled"`
	Priority    int      `yaml:"priority,omitempty"`
	CreatedBy   string   `yaml:"created_by,omitempty"`

	Keywords       []string           `yaml:"keywords,omitempty"`
	CaseSensitive  bool               `yaml:"case_sensitive,omitempty"`
	WholeWord      bool               `yaml:"whole_word,omitempty"`
	KeywordWeights map[string]float64 `yaml:"keyword_weights,omitempty"`

	RequiredTags []string `yaml:"required_tags,omitempty"`
	OptionalTags []string `yaml:"optional_tags,omitempty"`
	TagPatterns  []string `yaml:"tag_patterns,omitempty"`

	Priorities  []string `yaml:"priorities,omitempty"`
	MinPriority string   `yaml:"min_priority,omitempty"`
	MaxPriority string   `yaml:"max_priority,omitempty"`

	Operator CompositeOp `yaml:"operator,omitempty"`
	SubRules []*Rule     `yaml:"sub_rules,omitempty"`

	compiledPatterns []*regexp.Regexp
}

// rulePriorityIndex maps a rule-ladder priority name to its index in
// [critical, high, medium, low]. Lower index means higher priority. The
// task-model "urgent" aliases "critical". Returns -1 for unknown names.
func rulePriorityIndex(p string) int {
	switch strings.ToLower(p) {
	case "critical", "urgent":
		return 0
	case "high":
		return 1
	case "medium":
		return 2
	case "low":
		return 3
	}
	return -1
}

// Validate checks the rule and compiles its tag patterns. topLevel rules
// must carry a destination; sub-rules inherit their parent's.
func (r *Rule) Validate(topLevel bool) error {
	if r.ID == "" {
		return hoppererr.Validation("rule.id", "must be non-empty")
	}
	if r.Weight < 0 || r.Weight > 1 {
		return hoppererr.Validation("rule.weight", "must be in [0, 1]")
	}
	if topLevel && r.Destination == "" {
		return hoppererr.Validation("rule.destination", "must be non-empty")
	}

	switch r.Type {
	case RuleKeyword:
		if len(r.Keywords) == 0 {
			return hoppererr.Validation("rule.keywords", "keyword rule needs at least one keyword")
		}
	case RuleTag:
		if len(r.RequiredTags) == 0 && len(r.OptionalTags) == 0 && len(r.TagPatterns) == 0 {
			return hoppererr.Validation("rule.tags", "tag rule needs required, optional, or pattern criteria")
		}
		r.compiledPatterns = r.compiledPatterns[:0]
		for _, p := range r.TagPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return hoppererr.Validation("rule.tag_patterns", "invalid pattern "+p)
			}
			r.compiledPatterns = append(r.compiledPatterns, re)
		}
	case RulePriority:
		if len(r.Priorities) == 0 && r.MinPriority == "" && r.MaxPriority == "" {
			return hoppererr.Validation("rule.priorities", "priority rule needs membership or an interval")
		}
		for _, p := range r.Priorities {
			if rulePriorityIndex(p) < 0 {
				return hoppererr.Validation("rule.priorities", "unknown priority "+p)
			}
		}
		if r.MinPriority != "" && rulePriorityIndex(r.MinPriority) < 0 {
			return hoppererr.Validation("rule.min_priority", "unknown priority "+r.MinPriority)
		}
		if r.MaxPriority != "" && rulePriorityIndex(r.MaxPriority) < 0 {
			return hoppererr.Validation("rule.max_priority", "unknown priority "+r.MaxPriority)
		}
	case RuleComposite:
		switch r.Operator {
		case OpAnd, OpOr:
			if len(r.SubRules) == 0 {
				return hoppererr.Validation("rule.sub_rules", string(r.Operator)+" needs at least one sub-rule")
			}
		case OpNot:
			if len(r.SubRules) != 1 {
				return hoppererr.Validation("rule.sub_rules", "not needs exactly one sub-rule")
			}
		default:
			return hoppererr.Validation("rule.operator", "must be and, or, or not")
		}
		for _, sub := range r.SubRules {
			if err := sub.Validate(false); err != nil {
				return err
			}
		}
	default:
		return hoppererr.Validation("rule.type", "must be keyword, tag, priority, or composite")
	}
	return nil
}

// match evaluates the rule against a task and returns (score, matched).
func (r *Rule) match(t *persistence.Task) (float64, bool) {
	switch r.Type {
	case RuleKeyword:
		return r.matchKeyword(t)
	case RuleTag:
		return r.matchTag(t)
	case RulePriority:
		return r.matchPriority(t)
	case RuleComposite:
		return r.matchComposite(t)
	}
	return 0, false
}

func (r *Rule) matchKeyword(t *persistence.Task) (float64, bool) {
	text := t.Title + " " + t.Description
	if !r.CaseSensitive {
		text = strings.ToLower(text)
	}
	var sum float64
	for _, kw := range r.Keywords {
		needle := kw
		if !r.CaseSensitive {
			needle = strings.ToLower(needle)
		}
		var hit bool
		if r.WholeWord {
			hit = containsWholeWord(text, needle)
		} else {
			hit = strings.Contains(text, needle)
		}
		if !hit {
			continue
		}
		w, ok := r.KeywordWeights[kw]
		if !ok {
			w = 1.0
		}
		sum += w
	}
	if sum == 0 {
		return 0, false
	}
	frac := sum / float64(len(r.Keywords))
	if frac > 1 {
		frac = 1
	}
	return frac * r.Weight, true
}

func (r *Rule) matchTag(t *persistence.Task) (float64, bool) {
	tags := make(map[string]struct{}, len(t.Tags))
	for _, tag := range t.Tags {
		tags[tag] = struct{}{}
	}

	var score float64
	matched := false
	if len(r.RequiredTags) > 0 {
		for _, req := range r.RequiredTags {
			if _, ok := tags[req]; !ok {
				return 0, false
			}
		}
		score += 0.5
		matched = true
	}
	if len(r.OptionalTags) > 0 {
		overlap := 0
		for _, opt := range r.OptionalTags {
			if _, ok := tags[opt]; ok {
				overlap++
			}
		}
		score += 0.3 * float64(overlap) / float64(len(r.OptionalTags))
		if overlap > 0 {
			matched = true
		}
	}
	for _, re := range r.compiledPatterns {
		for tag := range tags {
			if re.MatchString(tag) {
				score += 0.2
				matched = true
				break
			}
		}
	}
	if !matched {
		return 0, false
	}
	if score > 1 {
		score = 1
	}
	return score * r.Weight, true
}

func (r *Rule) matchPriority(t *persistence.Task) (float64, bool) {
	idx := rulePriorityIndex(string(t.Priority))
	if idx < 0 {
		return 0, false
	}
	if len(r.Priorities) > 0 {
		for _, p := range r.Priorities {
			if rulePriorityIndex(p) == idx {
				return 1.0 * r.Weight, true
			}
		}
		return 0, false
	}
	// Inclusive interval over the ladder; an empty bound is open.
	lo, hi := 0, 3
	if r.MinPriority != "" {
		lo = rulePriorityIndex(r.MinPriority)
	}
	if r.MaxPriority != "" {
		hi = rulePriorityIndex(r.MaxPriority)
	}
	if idx < lo || idx > hi {
		return 0, false
	}
	return 0.8 * r.Weight, true
}

func (r *Rule) matchComposite(t *persistence.Task) (float64, bool) {
	switch r.Operator {
	case OpAnd:
		var sum float64
		for _, sub := range r.SubRules {
			score, ok := sub.match(t)
			if !ok {
				return 0, false
			}
			sum += score
		}
		return (sum / float64(len(r.SubRules))) * r.Weight, true
	case OpOr:
		best := -1.0
		for _, sub := range r.SubRules {
			if score, ok := sub.match(t); ok && score > best {
				best = score
			}
		}
		if best < 0 {
			return 0, false
		}
		return best * r.Weight, true
	case OpNot:
		if _, ok := r.SubRules[0].match(t); ok {
			return 0, false
		}
		return r.Weight, true
	}
	return 0, false
}

// containsWholeWord reports whether word occurs in text bounded by
// non-word characters on both sides.
func containsWholeWord(text, word string) bool {
	if word == "" {
		return false
	}
	for start := 0; start <= len(text)-len(word); {
		idx := strings.Index(text[start:], word)
		if idx < 0 {
			return false
		}
		i := start + idx
		j := i + len(word)
		before := i == 0 || !isWordByte(text[i-1])
		after := j == len(text) || !isWordByte(text[j])
		if before && after {
			return true
		}
		start = i + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

// RuleSet is the loaded rules document.
type RuleSet struct {
	Version int     `yaml:"version"`
	Rules   []*Rule `yaml:"rules"`
}

// Validate validates every top-level rule.
func (rs *RuleSet) Validate() error {
	seen := make(map[string]struct{}, len(rs.Rules))
	for _, r := range rs.Rules {
		if _, dup := seen[r.ID]; dup {
			return hoppererr.Validation("rule.id", "duplicate id "+r.ID)
		}
		seen[r.ID] = struct{}{}
		if err := r.Validate(true); err != nil {
			return err
		}
	}
	return nil
}

// RuleMatch is one matching rule and its score.
type RuleMatch struct {
	Rule  *Rule
	Score float64
}

// Evaluate runs every enabled rule against the task and returns the best
// match by rule priority, then score, then id. Nil when nothing matches.
func (rs *RuleSet) Evaluate(t *persistence.Task) *RuleMatch {
	if rs == nil {
		return nil
	}
	var matches []RuleMatch
	for _, r := range rs.Rules {
		if !r.Enabled {
			continue
		}
		if score, ok := r.match(t); ok {
			matches = append(matches, RuleMatch{Rule: r, Score: score})
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Rule.Priority != matches[j].Rule.Priority {
			return matches[i].Rule.Priority > matches[j].Rule.Priority
		}
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Rule.ID < matches[j].Rule.ID
	})
	return &matches[0]
}
