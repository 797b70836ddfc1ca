package rule

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxPatternLength caps regex sources in rule files to bound ReDoS risk.
const MaxPatternLength = 500

// ErrorKind classifies rule-load failures.
type ErrorKind string

const (
	// KindYamlSyntax means the file is not valid YAML.
	KindYamlSyntax ErrorKind = "yaml_syntax"
	// KindSchemaViolation means the YAML does not match the rule schema.
	KindSchemaViolation ErrorKind = "schema_violation"
	// KindDuplicateID means two rules share an id.
	KindDuplicateID ErrorKind = "duplicate_id"
	// KindInvalidRegex means a pattern failed pre-validation.
	KindInvalidRegex ErrorKind = "invalid_regex"
	// KindIO means the file or directory could not be read.
	KindIO ErrorKind = "io_error"
)

// LoadError is a rule-load failure with a classified kind.
type LoadError struct {
	Kind ErrorKind
	Path string
	Err  error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("rule load %s (%s): %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("rule load %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }

// loadErr builds a LoadError.
func loadErr(kind ErrorKind, path string, err error) error {
	return &LoadError{Kind: kind, Path: path, Err: err}
}

// literalToolPattern matches tool names that are plain literals rather
// than regexes. Mirrors the tool-name charset accepted by the HTTP layer.
var literalToolPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-:]+$`)

// IsLiteralTool reports whether a when.tool value is an exact name
// (indexable) rather than a regex.
func IsLiteralTool(pattern string) bool {
	return literalToolPattern.MatchString(pattern)
}

// ruleFileDoc is the strict YAML schema for one rule file.
// Unknown top-level keys are rejected by KnownFields.
type ruleFileDoc struct {
	ShieldName     string       `yaml:"shield_name"`
	Version        int          `yaml:"version"`
	DefaultVerdict string       `yaml:"default_verdict"`
	Rules          []ruleDoc    `yaml:"rules"`
	Honeypots      []string     `yaml:"honeypots"`
	PIIPatterns    []PIIPattern `yaml:"pii_patterns"`
	TaintChain     []string     `yaml:"taint_chain"`
}

// ruleDoc is the YAML form of a rule. Enabled and Priority are pointers
// so absent values can take their documented defaults.
type ruleDoc struct {
	ID               string      `yaml:"id"`
	Description      string      `yaml:"description"`
	When             When        `yaml:"when"`
	Then             string      `yaml:"then"`
	Message          string      `yaml:"message"`
	Severity         string      `yaml:"severity"`
	Enabled          *bool       `yaml:"enabled"`
	Priority         *int        `yaml:"priority"`
	ApprovalStrategy string      `yaml:"approval_strategy"`
	Chain            []ChainStep `yaml:"chain"`
}

// Load reads a rule set from a YAML file or a directory of YAML files.
// A directory concatenates all *.yaml/*.yml files in lexical order.
// The returned Set is fully validated and must be treated as immutable.
func Load(path string) (*Set, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, loadErr(KindIO, path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = listRuleFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, loadErr(KindIO, path, fmt.Errorf("no *.yaml or *.yml files in directory"))
		}
	}

	set := &Set{DefaultVerdict: VerdictAllow}
	seen := make(map[string]string) // rule ID -> file it came from

	for _, f := range files {
		doc, err := decodeFile(f)
		if err != nil {
			return nil, err
		}
		if err := mergeDoc(set, doc, f, seen); err != nil {
			return nil, err
		}
	}

	if err := validateSet(set); err != nil {
		return nil, err
	}

	return set, nil
}

// listRuleFiles returns the YAML files of a directory in lexical order.
func listRuleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, loadErr(KindIO, dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// decodeFile strictly decodes one rule file.
func decodeFile(path string) (*ruleFileDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErr(KindIO, path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc ruleFileDoc
	if err := dec.Decode(&doc); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			// Unknown keys and wrong value shapes surface as type errors.
			return nil, loadErr(KindSchemaViolation, path, err)
		}
		return nil, loadErr(KindYamlSyntax, path, err)
	}

	return &doc, nil
}

// mergeDoc folds one decoded file into the set. Scalar metadata keeps the
// first non-empty value; list fields are concatenated.
func mergeDoc(set *Set, doc *ruleFileDoc, path string, seen map[string]string) error {
	if set.ShieldName == "" {
		set.ShieldName = doc.ShieldName
	}
	if set.Version == 0 {
		set.Version = doc.Version
	}
	if doc.DefaultVerdict != "" {
		v, err := ParseVerdict(doc.DefaultVerdict)
		if err != nil {
			return loadErr(KindSchemaViolation, path, err)
		}
		set.DefaultVerdict = v
	}

	set.Honeypots = append(set.Honeypots, doc.Honeypots...)
	set.PIIPatterns = append(set.PIIPatterns, doc.PIIPatterns...)
	set.TaintChain = append(set.TaintChain, doc.TaintChain...)

	for i := range doc.Rules {
		r, err := normalizeRule(&doc.Rules[i], path)
		if err != nil {
			return err
		}
		if prev, dup := seen[r.ID]; dup {
			return loadErr(KindDuplicateID, path,
				fmt.Errorf("rule id %q already defined in %s", r.ID, prev))
		}
		seen[r.ID] = path
		set.Rules = append(set.Rules, r)
	}

	return nil
}

// normalizeRule converts a YAML rule doc into a validated Rule with
// documented defaults applied.
func normalizeRule(doc *ruleDoc, path string) (Rule, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return Rule{}, loadErr(KindSchemaViolation, path, fmt.Errorf("rule is missing an id"))
	}

	verdict, err := ParseVerdict(doc.Then)
	if err != nil {
		return Rule{}, loadErr(KindSchemaViolation, path, fmt.Errorf("rule %q: %w", doc.ID, err))
	}

	severity, err := ParseSeverity(doc.Severity)
	if err != nil {
		return Rule{}, loadErr(KindSchemaViolation, path, fmt.Errorf("rule %q: %w", doc.ID, err))
	}

	r := Rule{
		ID:          doc.ID,
		Description: doc.Description,
		When:        doc.When,
		Then:        verdict,
		Message:     doc.Message,
		Severity:    severity,
		Enabled:     true,
		Priority:    1,
	}
	if doc.Enabled != nil {
		r.Enabled = *doc.Enabled
	}
	if doc.Priority != nil {
		r.Priority = *doc.Priority
	}

	if doc.ApprovalStrategy != "" {
		strategy := ApprovalStrategy(strings.ToLower(doc.ApprovalStrategy))
		if !strategy.Valid() {
			return Rule{}, loadErr(KindSchemaViolation, path,
				fmt.Errorf("rule %q: unknown approval_strategy %q", doc.ID, doc.ApprovalStrategy))
		}
		r.ApprovalStrategy = strategy
	}

	for _, step := range doc.Chain {
		if step.Tool == "" {
			return Rule{}, loadErr(KindSchemaViolation, path,
				fmt.Errorf("rule %q: chain step is missing a tool", doc.ID))
		}
		if step.WithinSeconds <= 0 {
			step.WithinSeconds = DefaultChainWindowSeconds
		}
		if step.MinCount <= 0 {
			step.MinCount = 1
		}
		if step.Verdict != "" {
			v, err := ParseVerdict(step.Verdict)
			if err != nil {
				return Rule{}, loadErr(KindSchemaViolation, path,
					fmt.Errorf("rule %q: chain step: %w", doc.ID, err))
			}
			step.Verdict = string(v)
		}
		r.Chain = append(r.Chain, step)
	}

	if err := validateRulePatterns(&r, path); err != nil {
		return Rule{}, err
	}

	return r, nil
}

// validateRulePatterns pre-compiles every regex the rule carries so load
// fails fast instead of the matcher failing at evaluation time.
func validateRulePatterns(r *Rule, path string) error {
	check := func(field, pattern string) error {
		if len(pattern) > MaxPatternLength {
			return loadErr(KindInvalidRegex, path,
				fmt.Errorf("rule %q: %s pattern exceeds %d characters", r.ID, field, MaxPatternLength))
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return loadErr(KindInvalidRegex, path,
				fmt.Errorf("rule %q: %s: %w", r.ID, field, err))
		}
		return nil
	}

	for _, tool := range r.When.Tool.Values {
		if IsLiteralTool(tool) {
			continue
		}
		if err := check("tool", tool); err != nil {
			return err
		}
	}

	for field, pred := range r.When.EffectiveArgs() {
		if pred.Regex == "" {
			continue
		}
		if err := check("args."+field, pred.Regex); err != nil {
			return err
		}
	}

	if r.When.Sender != "" {
		if err := check("sender", r.When.Sender); err != nil {
			return err
		}
	}

	return nil
}

// validateSet runs whole-set validation after all files are merged.
func validateSet(set *Set) error {
	for _, p := range set.PIIPatterns {
		if p.Name == "" || p.Pattern == "" {
			return loadErr(KindSchemaViolation, "",
				fmt.Errorf("pii_patterns entries need both name and pattern"))
		}
		if len(p.Pattern) > MaxPatternLength {
			return loadErr(KindInvalidRegex, "",
				fmt.Errorf("pii pattern %q exceeds %d characters", p.Name, MaxPatternLength))
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return loadErr(KindInvalidRegex, "", fmt.Errorf("pii pattern %q: %w", p.Name, err))
		}
	}
	return nil
}
