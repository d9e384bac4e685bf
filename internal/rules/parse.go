package rules

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"go.yaml.in/yaml/v4"
)

// ParseError reports a malformed rule specification.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

func errorf(n *yaml.Node, format string, args ...any) error {
	line := 0
	if n != nil {
		line = n.Line
	}
	return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

var ruleSetKeys = []string{"destination", "rule"}

// ParseBytes parses a YAML document whose root is a list of rule sets.
func ParseBytes(data []byte) ([]RuleSet, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Msg: fmt.Sprintf("parse yaml: %v", err)}
	}
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return Parse(doc.Content[0])
	}
	return Parse(&doc)
}

// Parse compiles a YAML sequence of rule sets, each a mapping with exactly
// the keys "destination" and "rule".
func Parse(n *yaml.Node) ([]RuleSet, error) {
	n = resolve(n)
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil, errorf(n, "rules must be a list of rule sets")
	}

	sets := make([]RuleSet, 0, len(n.Content))
	for _, item := range n.Content {
		set, err := parseRuleSet(resolve(item))
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func parseRuleSet(n *yaml.Node) (RuleSet, error) {
	if n.Kind != yaml.MappingNode {
		return RuleSet{}, errorf(n, "rule set must be a mapping with keys %s", quoteKeys(ruleSetKeys))
	}

	var (
		set     RuleSet
		keys    []string
		unknown []string
		rule    *yaml.Node
	)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], resolve(n.Content[i+1])
		switch k.Value {
		case "destination":
			if v.Kind != yaml.ScalarNode || v.Value == "" {
				return RuleSet{}, errorf(v, "destination must be a non-empty folder name")
			}
			set.Destination = v.Value
		case "rule":
			rule = v
		default:
			unknown = append(unknown, k.Value)
			continue
		}
		if slices.Contains(keys, k.Value) {
			return RuleSet{}, errorf(k, "duplicate key %q in rule set", k.Value)
		}
		keys = append(keys, k.Value)
	}

	if len(unknown) > 0 {
		return RuleSet{}, errorf(n, "rule set has unknown keys: %s", quoteKeys(unknown))
	}
	for _, want := range ruleSetKeys {
		if !slices.Contains(keys, want) {
			return RuleSet{}, errorf(n, "rule set is missing required key %q", want)
		}
	}

	expr, err := parseRule(rule)
	if err != nil {
		return RuleSet{}, err
	}
	set.Rule = expr
	return set, nil
}

func parseRule(n *yaml.Node) (*Expr, error) {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return nil, errorf(n, "rule must be a mapping with exactly one key")
	}

	key, value := n.Content[0].Value, resolve(n.Content[1])
	switch strings.ToLower(key) {
	case "and", "or":
		operands, err := parseRuleList(key, value)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(key, "and") {
			return And(operands...), nil
		}
		return Or(operands...), nil
	}

	if value.Kind != yaml.ScalarNode {
		return nil, errorf(value, "pattern for %q must be a string", key)
	}
	re, err := regexp.Compile(value.Value)
	if err != nil {
		return nil, errorf(value, "invalid pattern for %q: %v", key, err)
	}
	return FieldMatch(key, re), nil
}

func parseRuleList(key string, n *yaml.Node) ([]*Expr, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, errorf(n, "%q must be followed by a list of rules", key)
	}
	if len(n.Content) == 0 {
		return nil, errorf(n, "%q needs at least one rule", key)
	}

	operands := make([]*Expr, 0, len(n.Content))
	for _, item := range n.Content {
		expr, err := parseRule(resolve(item))
		if err != nil {
			return nil, err
		}
		operands = append(operands, expr)
	}
	return operands, nil
}

// resolve follows YAML aliases to the node they refer to.
func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func quoteKeys(keys []string) string {
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = fmt.Sprintf("%q", k)
	}
	return strings.Join(quoted, ", ")
}
