// Package filter implements the forwarding rule matching and text transform engine.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"forward_bot/internal/chatref"
	"forward_bot/internal/model"
)

// Outcome is the verdict of evaluating a message against a rule.
type Outcome int

// Possible outcomes.
const (
	// Forward means the message passed every check and Result.Text holds the transformed text.
	Forward Outcome = iota
	// Blocked means a block term matched; Result.Term holds it.
	Blocked
	// Skipped means a require term or the legacy substring filter did not match.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Forward:
		return "forward"
	case Blocked:
		return "blocked"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the outcome of Evaluate.
type Result struct {
	Outcome Outcome
	Text    string
	Term    string
	Reason  string
}

type term struct {
	raw   string
	lower string
	re    *regexp.Regexp
}

// matches runs the case-insensitive pattern and falls back to a plain
// case-insensitive substring test. Empty text never matches.
func (t term) matches(text string) bool {
	if text == "" {
		return false
	}
	if t.re != nil && t.re.MatchString(text) {
		return true
	}
	return strings.Contains(strings.ToLower(text), t.lower)
}

type pair struct {
	find    string
	replace string
}

// Rule is an immutable, pre-compiled forwarding rule.
type Rule struct {
	ID          int64
	Name        string
	Sources     []model.ChatRef
	Destination model.ChatRef
	LinkRewrite bool

	block         []term
	require       []term
	filterPattern string
	subst         *regexp.Regexp
	replacement   string
	pairs         []pair
}

// Compile turns a persisted rule into a Rule. Malformed patterns never fail
// compilation; they degrade to substring matching.
func Compile(r model.ForwardingRule) Rule {
	c := Rule{
		ID:            r.ID,
		Name:          r.Name,
		Sources:       chatref.ParseList(r.Source),
		Destination:   chatref.Parse(r.Destination),
		LinkRewrite:   r.LinkRewrite,
		block:         compileTerms(r.BlockTerms),
		require:       compileTerms(r.RequireTerms),
		filterPattern: r.FilterPattern,
	}

	switch {
	case r.FilterPattern != "" && r.Replacement != "":
		re, err := regexp.Compile("(?i)" + r.FilterPattern)
		if err != nil {
			re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(r.FilterPattern))
		}
		c.subst = re
		c.replacement = convertReplacement(r.Replacement)
	case r.Replacement != "":
		c.pairs = parsePairs(r.Replacement)
	}
	return c
}

// Evaluate runs the block, require, legacy filter and transform steps in
// that order, stopping at the first step that drops the message.
func (r Rule) Evaluate(text string) Result {
	for _, t := range r.block {
		if t.matches(text) {
			return Result{Outcome: Blocked, Term: t.raw, Reason: "block term matched"}
		}
	}

	if len(r.require) > 0 {
		found := false
		for _, t := range r.require {
			if t.matches(text) {
				found = true
				break
			}
		}
		if !found {
			return Result{Outcome: Skipped, Reason: "no required term"}
		}
	}

	if r.filterPattern != "" && !strings.Contains(text, r.filterPattern) {
		return Result{Outcome: Skipped, Reason: "filter pattern not present"}
	}

	return Result{Outcome: Forward, Text: r.transform(text)}
}

func (r Rule) transform(text string) string {
	if r.subst != nil {
		return r.subst.ReplaceAllString(text, r.replacement)
	}
	for _, p := range r.pairs {
		text = strings.ReplaceAll(text, p.find, p.replace)
	}
	return text
}

func compileTerms(raw string) []term {
	var terms []term
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		t := term{raw: s, lower: strings.ToLower(s)}
		if re, err := regexp.Compile("(?i)" + s); err == nil {
			t.re = re
		}
		terms = append(terms, t)
	}
	return terms
}

// parsePairs reads "find->replace|find2->replace2". Segments without exactly
// one arrow or with an empty find side are ignored.
func parsePairs(raw string) []pair {
	var pairs []pair
	for _, seg := range strings.Split(raw, "|") {
		parts := strings.Split(seg, "->")
		if len(parts) != 2 {
			continue
		}
		find := strings.TrimSpace(parts[0])
		if find == "" {
			continue
		}
		pairs = append(pairs, pair{find: find, replace: strings.TrimSpace(parts[1])})
	}
	return pairs
}

var backref = regexp.MustCompile(`\\(\d+)|\\g<(\w+)>`)

// convertReplacement rewrites \1, \g<1> and \g<name> into Go template
// references and escapes every other '$' so it stays literal.
func convertReplacement(repl string) string {
	repl = strings.ReplaceAll(repl, "$", "$$")
	return backref.ReplaceAllStringFunc(repl, func(m string) string {
		sub := backref.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		return "${" + name + "}"
	})
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}
