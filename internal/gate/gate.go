// Package gate validates raw idea text before it enters the pipeline.
// Checks run in order: length bounds, blacklist terms, manipulation
// patterns. The gate is pure and has no side effects.
package gate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"mandato/internal/config"
)

// Violation is a gate failure with a stable code and a human reason.
type Violation struct {
	Code   string
	Reason string
}

func (v *Violation) Error() string { return v.Reason }

const (
	CodeTooShort     = "idea_too_short"
	CodeTooLong      = "idea_too_long"
	CodeBlacklisted  = "blacklisted_term"
	CodeManipulation = "manipulation_pattern"
)

// Gate holds the compiled rule set.
type Gate struct {
	minLen    int
	maxLen    int
	blacklist []string
	patterns  []*regexp.Regexp
}

// New compiles the configured rules.
func New(cfg *config.Config) (*Gate, error) {
	g := &Gate{
		minLen: cfg.Gate.MinIdeaLength,
		maxLen: cfg.Gate.MaxIdeaLength,
	}
	for _, term := range cfg.Gate.BlacklistTerms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			g.blacklist = append(g.blacklist, term)
		}
	}
	for _, raw := range cfg.Gate.InjectionPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("gate pattern %q: %w", raw, err)
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

// Check returns nil when the idea passes, or a *Violation describing the
// first failing rule.
func (g *Gate) Check(idea string) error {
	trimmed := strings.TrimSpace(idea)
	length := utf8.RuneCountInString(trimmed)
	if length < g.minLen {
		return &Violation{Code: CodeTooShort, Reason: fmt.Sprintf("idea must be at least %d characters", g.minLen)}
	}
	if length > g.maxLen {
		return &Violation{Code: CodeTooLong, Reason: fmt.Sprintf("idea must be at most %d characters", g.maxLen)}
	}
	lowered := strings.ToLower(trimmed)
	for _, term := range g.blacklist {
		if strings.Contains(lowered, term) {
			return &Violation{Code: CodeBlacklisted, Reason: fmt.Sprintf("idea contains prohibited term %q", term)}
		}
	}
	for _, re := range g.patterns {
		if re.MatchString(trimmed) {
			return &Violation{Code: CodeManipulation, Reason: "idea matches a manipulation pattern"}
		}
	}
	return nil
}
