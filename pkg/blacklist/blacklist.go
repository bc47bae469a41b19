// Package blacklist screens authenticated identities against configured
// deny rules before their events reach reducers.
package blacklist

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
)

// ErrSuspicious marks connections rejected by a deny rule.
var ErrSuspicious = errors.New("suspicious operation")

// Rule classes, in match priority order. The first class with a matching
// pattern decides; no match means allow.
const (
	VerdictAllow          = "allow"
	VerdictDeny           = "deny"
	VerdictDenyForTwoDays = "deny_for_two_days"
)

var verdictPriority = []string{VerdictDeny, VerdictDenyForTwoDays}

// Response is the control document sent to a client when its identity has
// been evaluated.
type Response struct {
	Type       string `json:"type"`
	Msg        string `json:"msg"`
	StatusCode int    `json:"status_code"`
}

// Allowed reports whether events may keep flowing.
func (r Response) Allowed() bool {
	return r.Type == VerdictAllow
}

var responses = map[string]Response{
	VerdictAllow: {
		Type:       VerdictAllow,
		Msg:        "Allow events to be sent",
		StatusCode: http.StatusOK,
	},
	VerdictDeny: {
		Type:       VerdictDeny,
		Msg:        "Deny events from being sent",
		StatusCode: http.StatusForbidden,
	},
	VerdictDenyForTwoDays: {
		Type:       VerdictDenyForTwoDays,
		Msg:        "Deny events from being sent temporarily for two days",
		StatusCode: http.StatusForbidden,
	},
}

// PatternSet matches one identity field against a list of regular
// expressions.
type PatternSet struct {
	Field    string   `yaml:"field"`
	Patterns []string `yaml:"patterns"`
}

// Config maps rule classes to their pattern sets. Classes other than deny
// and deny_for_two_days are rejected at compile time.
type Config struct {
	Rules map[string][]PatternSet `yaml:"rules"`
}

type compiledSet struct {
	field    string
	patterns []*regexp.Regexp
}

// Evaluator holds eagerly compiled rules. Created once at startup;
// stateless and safe for concurrent use afterwards.
type Evaluator struct {
	rules  map[string][]compiledSet
	logger *slog.Logger
}

// New compiles cfg. A malformed pattern or unknown rule class is a startup
// error, never a runtime one.
func New(cfg Config) (*Evaluator, error) {
	e := &Evaluator{
		rules:  make(map[string][]compiledSet),
		logger: slog.Default().With("component", "blacklist"),
	}

	for class, sets := range cfg.Rules {
		if class != VerdictDeny && class != VerdictDenyForTwoDays {
			return nil, fmt.Errorf("unknown blacklist rule class %q", class)
		}
		for _, set := range sets {
			if set.Field == "" {
				return nil, fmt.Errorf("blacklist rule class %q has a pattern set without a field", class)
			}
			compiled := compiledSet{field: set.Field}
			for _, pattern := range set.Patterns {
				re, err := regexp.Compile(pattern)
				if err != nil {
					return nil, fmt.Errorf("blacklist pattern %q for field %q: %w", pattern, set.Field, err)
				}
				compiled.patterns = append(compiled.patterns, re)
			}
			e.rules[class] = append(e.rules[class], compiled)
		}
	}

	e.logger.Info("Blacklist evaluator initialized",
		"deny_sets", len(e.rules[VerdictDeny]),
		"deny_for_two_days_sets", len(e.rules[VerdictDenyForTwoDays]))
	return e, nil
}

// Evaluate matches identity fields against the rule classes in priority
// order and returns the response for the first match, or the allow
// response.
func (e *Evaluator) Evaluate(fields map[string]string) Response {
	for _, class := range verdictPriority {
		for _, set := range e.rules[class] {
			value, ok := fields[set.field]
			if !ok || value == "" {
				continue
			}
			for _, re := range set.patterns {
				if re.MatchString(value) {
					e.logger.Warn("Identity matched blacklist rule",
						"class", class,
						"field", set.field)
					return responses[class]
				}
			}
		}
	}
	return responses[VerdictAllow]
}
