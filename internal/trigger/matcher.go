// Package trigger decides which skills and workflows an event activates.
// It performs no I/O and holds no state.
package trigger

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/KafClaw/autoflow/internal/automation"
)

// Confidence scores. They order fan-out only; every match executes.
const (
	ConfidenceFiltered   = 1.0
	ConfidenceEventMatch = 0.8
	ConfidenceSourceOnly = 0.5
)

// Owner is anything that declares trigger rules.
type Owner interface {
	OwnerID() string
	TriggerRules() []automation.TriggerRule
}

// Subject is the part of an event the matcher inspects.
type Subject struct {
	Source  string
	Type    string
	Payload automation.Payload
}

// SubjectOf builds a Subject from an event and its decoded payload.
func SubjectOf(ev *automation.Event, payload automation.Payload) Subject {
	return Subject{Source: ev.Source, Type: ev.Type, Payload: payload}
}

// Result is one activated owner.
type Result[T Owner] struct {
	Owner        T
	Confidence   float64
	TriggerIndex int
}

// Match evaluates every owner's rules against s and returns one match per
// owner (its best rule), sorted by confidence with ties kept in owner order.
func Match[T Owner](s Subject, owners []T) []Result[T] {
	var out []Result[T]
	for _, owner := range owners {
		best := -1.0
		bestIdx := -1
		for i, rule := range owner.TriggerRules() {
			c, ok := Evaluate(rule, s)
			if ok && c > best {
				best, bestIdx = c, i
			}
		}
		if bestIdx >= 0 {
			out = append(out, Result[T]{Owner: owner, Confidence: best, TriggerIndex: bestIdx})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// MatchOwner returns the direct match used for scheduler events that name
// their owner explicitly.
func MatchOwner[T Owner](owner T) Result[T] {
	return Result[T]{Owner: owner, Confidence: ConfidenceFiltered, TriggerIndex: -1}
}

// Evaluate applies a single rule to s and returns its confidence.
func Evaluate(rule automation.TriggerRule, s Subject) (float64, bool) {
	if rule.IsCron() {
		return 0, false
	}
	if rule.Source != s.Source && rule.Source != automation.SourceWildcard {
		return 0, false
	}
	eventListed := len(rule.Events) > 0
	if eventListed && !matchesAny(s.Type, rule.Events) {
		return 0, false
	}
	if !rule.Filters.Empty() {
		if !filtersPass(rule.Filters, s.Payload) {
			return 0, false
		}
		return ConfidenceFiltered, true
	}
	if eventListed {
		return ConfidenceEventMatch, true
	}
	return ConfidenceSourceOnly, true
}

func filtersPass(f *automation.TriggerFilters, p automation.Payload) bool {
	if f.Repository != "" && p.String("repository", "full_name") != f.Repository {
		return false
	}
	if len(f.Ref) > 0 {
		ref := p.String("ref")
		found := false
		for _, r := range f.Ref {
			if r == ref {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchesAny(eventType string, patterns []string) bool {
	for _, p := range patterns {
		if MatchEventType(eventType, p) {
			return true
		}
	}
	return false
}

// MatchEventType reports whether eventType matches pattern. Patterns
// without '*' compare exactly; '*' matches any run of characters and the
// pattern is anchored at both ends.
func MatchEventType(eventType, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return eventType == pattern
	}
	return globRegexp(pattern).MatchString(eventType)
}

var globCache sync.Map // pattern -> *regexp.Regexp

func globRegexp(pattern string) *regexp.Regexp {
	if re, ok := globCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	globCache.Store(pattern, re)
	return re
}
