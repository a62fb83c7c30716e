package rules

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// document is the top-level shape of a rules YAML file: a flat, ordered
// list of rules under a "rules" key. The include rules file and the
// exclude rules file share this shape; the caller (LoadFiles) decides which
// list each file populates.
type document struct {
	Rules []yamlRule `yaml:"rules"`
}

type yamlRule struct {
	DisplayName string    `yaml:"display_name"`
	Condition   yaml.Node `yaml:"condition"`
}

// javaFields decodes the body of a `java:` condition node.
type javaFields struct {
	Jar         *string  `yaml:"jar"`
	Class       *string  `yaml:"class"`
	Subcommands []string `yaml:"subcommands"`
}

// ParseDocument parses a single rules YAML document (raw bytes) into an
// ordered list of rules. A YAML syntax error is returned as err (fatal to
// the caller). A rule whose predicate fails to parse is omitted from the
// returned list and reported via skipped instead of failing the whole file.
func ParseDocument(data []byte) (rules []*Rule, skipped []error, err error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse rules yaml: %w", err)
	}

	for i, yr := range doc.Rules {
		rule, buildErr := buildRule(yr)
		if buildErr != nil {
			skipped = append(skipped, fmt.Errorf("rule %d (%q): %w", i, yr.DisplayName, buildErr))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, skipped, nil
}

func buildRule(yr yamlRule) (*Rule, error) {
	if yr.DisplayName == "" {
		return nil, fmt.Errorf("missing display_name")
	}
	cond, err := parseCondition(&yr.Condition)
	if err != nil {
		return nil, err
	}
	return &Rule{DisplayName: yr.DisplayName, Condition: cond}, nil
}

// simpleStringKeys maps predicate YAML keys to the Condition.Kind they
// produce for single-string-valued predicates.
var simpleStringKeys = map[string]Kind{
	"process_name_is":       KindProcessNameIs,
	"process_name_contains": KindProcessNameContains,
	"args_contain":          KindArgsContain,
	"args_not_contain":      KindArgsNotContain,
	"first_arg_is":          KindFirstArgIs,
	"command_contains":      KindCommandContains,
	"command_not_contains":  KindCommandNotContains,
	"command_matches_regex": KindCommandMatchesRegex,
}

// parseCondition decodes one condition node, dispatching on whichever
// recognised predicate key is found first. Other keys in the node are
// ignored; a node with no recognised key is an error.
func parseCondition(node *yaml.Node) (*Condition, error) {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("condition must be a mapping, got %v", node)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]

		if kind, ok := simpleStringKeys[key]; ok {
			var s string
			if err := val.Decode(&s); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			c := &Condition{Kind: kind, Value: s}
			if kind == KindCommandMatchesRegex {
				re, err := regexp.Compile(s)
				if err != nil {
					return nil, fmt.Errorf("command_matches_regex %q: %w", s, err)
				}
				c.Regex = re
			}
			return c, nil
		}

		switch key {
		case "min_args":
			var n int
			if err := val.Decode(&n); err != nil {
				return nil, fmt.Errorf("min_args: %w", err)
			}
			return &Condition{Kind: KindMinArgs, MinArgs: n}, nil

		case "subcommand_is_one_of":
			var list []string
			if err := val.Decode(&list); err != nil {
				return nil, fmt.Errorf("subcommand_is_one_of: %w", err)
			}
			return &Condition{Kind: KindSubcommandIsOneOf, Subcommands: list}, nil

		case "java":
			var jf javaFields
			if err := val.Decode(&jf); err != nil {
				return nil, fmt.Errorf("java: %w", err)
			}
			return &Condition{
				Kind:        KindJava,
				JavaJar:     jf.Jar,
				JavaClass:   jf.Class,
				Subcommands: jf.Subcommands,
			}, nil

		case "and", "or":
			var children []yaml.Node
			if err := val.Decode(&children); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			parsed := make([]*Condition, 0, len(children))
			for i := range children {
				child, err := parseCondition(&children[i])
				if err != nil {
					return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
				}
				parsed = append(parsed, child)
			}
			kind := KindAnd
			if key == "or" {
				kind = KindOr
			}
			return &Condition{Kind: kind, Children: parsed}, nil
		}
	}

	return nil, fmt.Errorf("condition has no recognised predicate key")
}
