// Package rules implements the declarative YAML rule engine that maps a
// process start record to a human-meaningful tool label.
//
// Rule lists are static data, not code, so they can be reviewed
// independently of the daemon binary.
package rules

import "regexp"

// Kind identifies the variant of a Condition node.
type Kind uint8

const (
	KindProcessNameIs Kind = iota
	KindProcessNameContains
	KindMinArgs
	KindArgsContain
	KindArgsNotContain
	KindFirstArgIs
	KindCommandContains
	KindCommandNotContains
	KindCommandMatchesRegex
	KindSubcommandIsOneOf
	KindJava
	KindAnd
	KindOr
)

// Condition is a node in the predicate tree. Exactly the fields relevant to
// Kind are populated; the rest are zero values.
type Condition struct {
	Kind Kind

	// String-valued simple predicates: ProcessNameIs, ProcessNameContains,
	// ArgsContain, ArgsNotContain, FirstArgIs, CommandContains,
	// CommandNotContains.
	Value string

	// MinArgs.
	MinArgs int

	// CommandMatchesRegex: compiled at load time. Nil if the source regex
	// failed to compile — such a condition never matches.
	Regex *regexp.Regexp

	// SubcommandIsOneOf and Java.Subcommands.
	Subcommands []string

	// Java predicate fields.
	JavaJar   *string
	JavaClass *string

	// And / Or children.
	Children []*Condition
}

// Rule is a {display_name, condition} pair. display_name may contain the
// literal "{subcommand}", substituted with the matched subcommand at
// evaluation time.
type Rule struct {
	DisplayName string
	Condition   *Condition
}

// RuleSet is a loaded, compiled pair of include/exclude rule lists.
type RuleSet struct {
	Include []*Rule
	Exclude []*Rule
}
