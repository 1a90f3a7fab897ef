package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// rulesSchemaJSON is the structural contract for the rules document. Go-side
// Validate covers the semantic constraints the schema cannot express
// (destination required at the top level, not-operator arity).
const rulesSchemaJSON = `{
  "type": "object",
  "required": ["rules"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
  },
  "additionalProperties": false,
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "type": {"enum": ["keyword", "tag", "priority", "composite"]},
        "name": {"type": "string"},
        "description": {"type": "string"},
        "destination": {"type": "string"},
        "weight": {"type": "number", "minimum": 0, "maximum": 1},
        "enabled": {"type": "boolean"},
        "priority": {"type": "integer"},
        "created_by": {"type": "string"},
        "keywords": {"type": "array", "items": {"type": "string"}},
        "case_sensitive": {"type": "boolean"},
        "whole_word": {"type": "boolean"},
        "keyword_weights": {"type": "object", "additionalProperties": {"type": "number"}},
        "required_tags": {"type": "array", "items": {"type": "string"}},
        "optional_tags": {"type": "array", "items": {"type": "string"}},
        "tag_patterns": {"type": "array", "items": {"type": "string"}},
        "priorities": {"type": "array", "items": {"type": "string"}},
        "min_priority": {"type": "string"},
        "max_priority": {"type": "string"},
        "operator": {"enum": ["and", "or", "not"]},
        "sub_rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
      },
      "additionalProperties": false
    }
  }
}`

var (
	rulesSchemaOnce sync.Once
	rulesSchema     *jsonschema.Schema
	rulesSchemaErr  error
)

func compiledRulesSchema() (*jsonschema.Schema, error) {
	rulesSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rulesSchemaJSON))
		if err != nil {
			rulesSchemaErr = fmt.Errorf("unmarshal rules schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("rules.json", doc); err != nil {
			rulesSchemaErr = fmt.Errorf("add rules schema resource: %w", err)
			return
		}
		rulesSchema, rulesSchemaErr = c.Compile("rules.json")
	})
	return rulesSchema, rulesSchemaErr
}

// ParseRules decodes, schema-checks, and validates a YAML rules document.
func ParseRules(data []byte) (*RuleSet, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	schema, err := compiledRulesSchema()
	if err != nil {
		return nil, err
	}
	// Round-trip through JSON so the validator sees json.Number values.
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode rules for validation: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonBytes)))
	if err != nil {
		return nil, fmt.Errorf("decode rules for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("rules schema validation: %w", err)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// LoadRules reads and parses the rules file at path.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// SaveRules writes the rule set as YAML via a temp file and rename, so
// readers never observe a partial document.
func SaveRules(path string, rs *RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write rules file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace rules file: %w", err)
	}
	return nil
}

// WatchRules reloads the rules file on change and hands each valid rule set
// to apply. Invalid documents are logged and skipped; the previous rules
// stay in effect.
func WatchRules(ctx context.Context, path string, logger *slog.Logger, apply func(*RuleSet)) error {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors and SaveRules replace the file by rename,
	// which drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				rs, err := LoadRules(path)
				if err != nil {
					logger.Error("rules reload failed", "path", path, "error", err)
					continue
				}
				apply(rs)
				logger.Info("rules reloaded", "path", path, "rules", len(rs.Rules))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Error("rules watcher error", "error", err)
			}
		}
	}()
	return nil
}
