// Package rules matches operator-authored custom rules against content.
//
// A rule is written as one of:
//
//	name: /regex/     regular expression (case-insensitive by default)
//	name: some text   case-insensitive substring
//	some text         substring, named by its slug
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is a named pattern compiled from a custom rule string.
type Rule struct {
	Name   string
	Source string

	regexp    *regexp.Regexp
	substring string
}

// Matches reports whether content satisfies the rule.
func (r Rule) Matches(content string) bool {
	if r.regexp != nil {
		return r.regexp.MatchString(content)
	}
	return strings.Contains(strings.ToLower(content), r.substring)
}

// Matcher evaluates an ordered list of rules.
type Matcher struct {
	rules []Rule
}

// NewMatcher creates a Matcher from compiled rules.
func NewMatcher(rules []Rule) *Matcher {
	return &Matcher{rules: rules}
}

// Rules returns the compiled rules in evaluation order.
func (m *Matcher) Rules() []Rule {
	return append([]Rule(nil), m.rules...)
}

// Match returns the names of every rule matching content, in rule order
// and without duplicates.
func (m *Matcher) Match(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	var matched []string
	seen := make(map[string]bool)
	for _, r := range m.rules {
		if seen[r.Name] {
			continue
		}
		if r.Matches(content) {
			seen[r.Name] = true
			matched = append(matched, r.Name)
		}
	}
	return matched
}

// Compile parses raw rule strings. Rules that cannot be compiled are
// skipped and reported in the returned error slice; the matcher is always
// usable.
func Compile(raw []string) (*Matcher, []error) {
	rules := make([]Rule, 0, len(raw))
	var errs []error
	for i, src := range raw {
		r, err := Parse(src)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		rules = append(rules, r)
	}
	return NewMatcher(rules), errs
}

// Parse compiles a single rule string.
func Parse(src string) (Rule, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return Rule{}, fmt.Errorf("empty rule")
	}

	name, pattern := "", src
	if idx := strings.Index(src, ":"); idx > 0 && !strings.ContainsAny(src[:idx], " /") {
		name = strings.TrimSpace(src[:idx])
		pattern = strings.TrimSpace(src[idx+1:])
	}
	if pattern == "" {
		return Rule{}, fmt.Errorf("rule %q has no pattern", name)
	}

	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		expr := pattern[1 : len(pattern)-1]
		if !strings.HasPrefix(expr, "(?") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return Rule{}, fmt.Errorf("compiling %q: %w", pattern, err)
		}
		if name == "" {
			name = Slug(pattern[1 : len(pattern)-1])
		}
		return Rule{Name: name, Source: src, regexp: re}, nil
	}

	if name == "" {
		name = Slug(pattern)
	}
	return Rule{Name: name, Source: src, substring: strings.ToLower(pattern)}, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns free text into a lowercase underscore-separated identifier.
func Slug(s string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "_")
	}
	if slug == "" {
		return "rule"
	}
	return slug
}
