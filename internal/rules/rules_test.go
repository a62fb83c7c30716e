package rules

import (
	"testing"

	"github.com/tracer-cloud/tracer/internal/trigger"
)

func start(argv ...string) *trigger.ProcessStart {
	comm := ""
	if len(argv) > 0 {
		comm = argv[0]
	}
	return &trigger.ProcessStart{
		Comm:          comm,
		Argv:          argv,
		CommandString: joinArgs(argv),
	}
}

func joinArgs(argv []string) string {
	s := ""
	for i, a := range argv {
		if i > 0 {
			s += " "
		}
		s += a
	}
	return s
}

// Scenario 1: subcommand templating.
// argv=["samtools","sort","file.bam"]; rule: samtools {subcommand} with
// and[process_name_is: samtools, subcommand_is_one_of: [sort, view]].
func TestSubcommandTemplating(t *testing.T) {
	yamlDoc := []byte(`
rules:
  - display_name: "samtools {subcommand}"
    condition:
      and:
        - process_name_is: samtools
        - subcommand_is_one_of: ["sort", "view"]
`)
	rules, skipped, err := ParseDocument(yamlDoc)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("unexpected skipped rules: %v", skipped)
	}

	eng := NewEngine(&RuleSet{Include: rules}, nil)

	label, ok := eng.Identify(start("samtools", "sort", "file.bam"))
	if !ok {
		t.Fatal("expected a match")
	}
	if label != "samtools sort" {
		t.Errorf("label = %q, want %q", label, "samtools sort")
	}
}

// Scenario 2: exclusion precedence.
// argv=["cat","--help","a.fastq"]; include matches cat + command_contains
// fastq; exclude matches command_contains --help. Expected: no match.
func TestExclusionPrecedence(t *testing.T) {
	includeDoc := []byte(`
rules:
  - display_name: "cat fastq"
    condition:
      and:
        - process_name_is: cat
        - command_contains: fastq
`)
	excludeDoc := []byte(`
rules:
  - display_name: "help invocation"
    condition:
      command_contains: "--help"
`)

	includeRules, skipped1, err := ParseDocument(includeDoc)
	if err != nil || len(skipped1) != 0 {
		t.Fatalf("ParseDocument(include): err=%v skipped=%v", err, skipped1)
	}
	excludeRules, skipped2, err := ParseDocument(excludeDoc)
	if err != nil || len(skipped2) != 0 {
		t.Fatalf("ParseDocument(exclude): err=%v skipped=%v", err, skipped2)
	}

	eng := NewEngine(&RuleSet{Include: includeRules, Exclude: excludeRules}, nil)

	_, ok := eng.Identify(start("cat", "--help", "a.fastq"))
	if ok {
		t.Fatal("expected exclude rule to suppress the match")
	}
}

func TestMinArgsExcludesProcessName(t *testing.T) {
	c := &Condition{Kind: KindMinArgs, MinArgs: 2}
	p := start("samtools", "sort", "-o", "file.bam")
	if r := evaluate(c, p); !r.matched {
		t.Error("expected min_args(2) to match argv with 3 trailing args")
	}

	c2 := &Condition{Kind: KindMinArgs, MinArgs: 2}
	p2 := start("samtools", "sort", "file.bam")
	if r := evaluate(c2, p2); r.matched {
		t.Error("expected min_args(2) not to match argv with only 2 trailing args")
	}
}

func TestFirstArgIs(t *testing.T) {
	c := &Condition{Kind: KindFirstArgIs, Value: "sort"}
	if r := evaluate(c, start("samtools", "sort", "x.bam")); !r.matched {
		t.Error("expected first_arg_is to match")
	}
	if r := evaluate(c, start("samtools", "view", "x.bam")); r.matched {
		t.Error("expected first_arg_is not to match")
	}
}

// Or short-circuits on its first matching child and carries up that child's
// capture; children after the first match are never evaluated, so a later
// capturing child cannot overwrite an earlier match.
func TestOrFirstMatchCaptureWins(t *testing.T) {
	// The first matching child captures nothing; the second would capture
	// "sort" but must never run.
	cond := &Condition{
		Kind: KindOr,
		Children: []*Condition{
			{Kind: KindProcessNameIs, Value: "samtools"},
			{Kind: KindSubcommandIsOneOf, Subcommands: []string{"sort"}},
		},
	}
	r := evaluate(cond, start("samtools", "sort", "x.bam"))
	if !r.matched {
		t.Fatal("expected or to match")
	}
	if r.captured {
		t.Errorf("expected no capture when the first matching child captures nothing, got %q", r.subcmd)
	}

	// Both children can match and capture; the first one's capture is the
	// one carried up.
	cond = &Condition{
		Kind: KindOr,
		Children: []*Condition{
			{Kind: KindSubcommandIsOneOf, Subcommands: []string{"sort", "index"}},
			{Kind: KindSubcommandIsOneOf, Subcommands: []string{"sort", "view"}},
		},
	}
	r = evaluate(cond, start("samtools", "sort", "x.bam"))
	if !r.matched || r.subcmd != "sort" {
		t.Errorf("expected the first matching child's capture, got matched=%v subcmd=%q", r.matched, r.subcmd)
	}
}

// And evaluates every child; when more than one captures, the last capture
// wins.
func TestAndLastCaptureWins(t *testing.T) {
	cond := &Condition{
		Kind: KindAnd,
		Children: []*Condition{
			{Kind: KindSubcommandIsOneOf, Subcommands: []string{"sort", "index"}},
			{Kind: KindSubcommandIsOneOf, Subcommands: []string{"sort", "view"}},
		},
	}
	r := evaluate(cond, start("samtools", "sort", "x.bam"))
	if !r.matched || !r.captured || r.subcmd != "sort" {
		t.Errorf("expected and to match with the last child's capture, got matched=%v subcmd=%q", r.matched, r.subcmd)
	}
}

func TestCommandMatchesRegexInvalidIsNonMatchNotPanic(t *testing.T) {
	c := &Condition{Kind: KindCommandMatchesRegex, Regex: nil}
	if r := evaluate(c, start("anything")); r.matched {
		t.Error("expected nil-regex condition to never match")
	}
}

func TestJavaJarWithSubcommand(t *testing.T) {
	jar := "nextflow-cli.jar"
	c := &Condition{
		Kind:        KindJava,
		JavaJar:     &jar,
		Subcommands: []string{"run", "resume"},
	}
	p := start("java", "-Xmx4g", "-jar", "nextflow-cli.jar", "run", "main.nf")
	r := evaluate(c, p)
	if !r.matched || r.subcmd != "run" {
		t.Errorf("expected java jar match capturing 'run', got matched=%v subcmd=%q", r.matched, r.subcmd)
	}
}

// An individual rule with an unrecognised predicate key is skipped, not
// fatal to the whole file: a single bad rule is logged and dropped rather
// than aborting the load.
func TestYAMLUnknownPredicateKeyIsSkippedNotFatal(t *testing.T) {
	rules, skipped, err := ParseDocument([]byte(`
rules:
  - display_name: "x"
    condition:
      not_a_real_predicate: "y"
  - display_name: "y"
    condition:
      process_name_is: "cat"
`))
	if err != nil {
		t.Fatalf("expected file-level parse to succeed, got: %v", err)
	}
	if len(skipped) != 1 {
		t.Fatalf("expected exactly one skipped rule, got %d: %v", len(skipped), skipped)
	}
	if len(rules) != 1 {
		t.Fatalf("expected the valid rule to still load, got %d rules", len(rules))
	}
}

// A YAML-level syntax error (not a condition-level issue) is fatal.
func TestYAMLSyntaxErrorIsFatal(t *testing.T) {
	_, _, err := ParseDocument([]byte("rules: [this is not valid: yaml: : :"))
	if err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

// An empty argv (a malformed trigger, e.g. a kernel record whose cmdline
// read raced the process exit) yields no match rather than panicking.
func TestIdentifyEmptyArgvIsNoMatch(t *testing.T) {
	eng := NewEngine(&RuleSet{Include: []*Rule{
		{DisplayName: "cat", Condition: &Condition{Kind: KindArgsContain, Value: "x"}},
	}}, nil)

	if _, ok := eng.Identify(&trigger.ProcessStart{}); ok {
		t.Fatal("expected no match for an empty argv")
	}
	if _, ok := eng.Identify(nil); ok {
		t.Fatal("expected no match for a nil record")
	}
}
