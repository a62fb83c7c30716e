package rules

import (
	"strings"

	"github.com/tracer-cloud/tracer/internal/trigger"
)

// result is the outcome of evaluating a Condition: whether it matched, and
// the subcommand it captured (if any). A capture propagates out of and/or
// per the rule in evaluate's And/Or cases.
type result struct {
	matched   bool
	subcmd    string
	captured  bool
}

// evaluate walks the condition tree against a process start record.
func evaluate(c *Condition, p *trigger.ProcessStart) result {
	if c == nil {
		return result{}
	}

	switch c.Kind {
	case KindProcessNameIs:
		return result{matched: p.Comm == c.Value}

	case KindProcessNameContains:
		return result{matched: strings.Contains(p.Comm, c.Value)}

	case KindMinArgs:
		return result{matched: len(p.Argv)-1 > c.MinArgs}

	case KindArgsContain:
		return result{matched: containsArg(p.Argv, c.Value)}

	case KindArgsNotContain:
		return result{matched: !containsArg(p.Argv, c.Value)}

	case KindFirstArgIs:
		return result{matched: len(p.Argv) > 1 && p.Argv[1] == c.Value}

	case KindCommandContains:
		return result{matched: strings.Contains(p.CommandString, c.Value)}

	case KindCommandNotContains:
		return result{matched: !strings.Contains(p.CommandString, c.Value)}

	case KindCommandMatchesRegex:
		if c.Regex == nil {
			return result{matched: false}
		}
		return result{matched: c.Regex.MatchString(p.CommandString)}

	case KindSubcommandIsOneOf:
		sub, ok := firstPositionalArg(p.Argv)
		if !ok {
			return result{matched: false}
		}
		for _, want := range c.Subcommands {
			if sub == want {
				return result{matched: true, subcmd: sub, captured: true}
			}
		}
		return result{matched: false}

	case KindJava:
		return evaluateJava(c, p)

	case KindAnd:
		return evaluateAnd(c.Children, p)

	case KindOr:
		return evaluateOr(c.Children, p)

	default:
		return result{matched: false}
	}
}

// containsArg reports whether s appears verbatim among p.Argv[1:].
func containsArg(argv []string, s string) bool {
	for _, a := range argv[1:] {
		if a == s {
			return true
		}
	}
	return false
}

// firstPositionalArg returns the first argument (from argv[1:]) that does
// not begin with "-", which is the matched subcommand for the
// subcommand_is_one_of predicate.
func firstPositionalArg(argv []string) (string, bool) {
	for _, a := range argv[1:] {
		if !strings.HasPrefix(a, "-") {
			return a, true
		}
	}
	return "", false
}

// evaluateJava matches `java -jar <jar>` or `java <class>`, where jar/class
// (when set on the condition) must equal the actual value found, and when
// subcommands is set, the positional argument following the jar/class must
// be one of them.
func evaluateJava(c *Condition, p *trigger.ProcessStart) result {
	if p.Comm != "java" {
		return result{matched: false}
	}

	var invokedJar, invokedClass string
	var jarIdx, classIdx = -1, -1

	for i := 1; i < len(p.Argv); i++ {
		if p.Argv[i] == "-jar" && i+1 < len(p.Argv) {
			invokedJar = p.Argv[i+1]
			jarIdx = i + 1
			break
		}
		if !strings.HasPrefix(p.Argv[i], "-") {
			invokedClass = p.Argv[i]
			classIdx = i
			break
		}
	}

	matched := false
	nextIdx := -1
	switch {
	case jarIdx >= 0:
		if c.JavaJar == nil || *c.JavaJar == invokedJar {
			matched = true
			nextIdx = jarIdx + 1
		}
	case classIdx >= 0:
		if c.JavaClass == nil || *c.JavaClass == invokedClass {
			matched = true
			nextIdx = classIdx + 1
		}
	}

	if !matched {
		return result{matched: false}
	}

	if len(c.Subcommands) == 0 {
		return result{matched: true}
	}

	if nextIdx < 0 || nextIdx >= len(p.Argv) {
		return result{matched: false}
	}
	next := p.Argv[nextIdx]
	for _, want := range c.Subcommands {
		if next == want {
			return result{matched: true, subcmd: next, captured: true}
		}
	}
	return result{matched: false}
}

// evaluateAnd short-circuits on the first non-match. If multiple children
// capture a subcommand, the last captured wins.
func evaluateAnd(children []*Condition, p *trigger.ProcessStart) result {
	out := result{matched: true}
	for _, child := range children {
		r := evaluate(child, p)
		if !r.matched {
			return result{matched: false}
		}
		if r.captured {
			out.subcmd = r.subcmd
			out.captured = true
		}
	}
	return out
}

// evaluateOr short-circuits on the first match, carrying up its capture.
func evaluateOr(children []*Condition, p *trigger.ProcessStart) result {
	for _, child := range children {
		r := evaluate(child, p)
		if r.matched {
			return r
		}
	}
	return result{matched: false}
}
