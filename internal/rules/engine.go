package rules

import (
	"fmt"
	"os"
	"strings"

	"github.com/tracer-cloud/tracer/internal/trigger"
	"go.uber.org/zap"
)

// Engine evaluates a loaded RuleSet against process start records.
type Engine struct {
	set *RuleSet
	log *zap.Logger
}

// NewEngine wraps a loaded RuleSet for evaluation.
func NewEngine(set *RuleSet, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{set: set, log: log}
}

// LoadFiles reads and parses the include and exclude rule files. Either path
// may be empty, in which case that list is empty. A YAML syntax error is
// fatal; a single rule with an unparsable predicate is logged and skipped.
func LoadFiles(includePath, excludePath string, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	set := &RuleSet{}

	if includePath != "" {
		rules, err := loadRuleFile(includePath, log)
		if err != nil {
			return nil, fmt.Errorf("include rules: %w", err)
		}
		set.Include = rules
	}

	if excludePath != "" {
		rules, err := loadRuleFile(excludePath, log)
		if err != nil {
			return nil, fmt.Errorf("exclude rules: %w", err)
		}
		set.Exclude = rules
	}

	return NewEngine(set, log), nil
}

func loadRuleFile(path string, log *zap.Logger) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	rules, skipped, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, e := range skipped {
		log.Warn("skipping unparsable rule", zap.String("file", path), zap.Error(e))
	}
	return rules, nil
}

// Identify evaluates exclude rules first; if any match, it returns ("",
// false) — the process is explicitly ignored. Otherwise it evaluates
// include rules in declaration order and returns the display name of the
// first match, with "{subcommand}" substituted if the matching rule
// captured one.
func (e *Engine) Identify(p *trigger.ProcessStart) (string, bool) {
	if p == nil || len(p.Argv) == 0 {
		return "", false
	}
	for _, rule := range e.set.Exclude {
		if r := evaluate(rule.Condition, p); r.matched {
			return "", false
		}
	}

	for _, rule := range e.set.Include {
		r := evaluate(rule.Condition, p)
		if !r.matched {
			continue
		}
		label := rule.DisplayName
		if r.captured {
			label = strings.ReplaceAll(label, "{subcommand}", r.subcmd)
		}
		return label, true
	}

	return "", false
}
