package bracket

import (
	"errors"
	"fmt"
	"sort"
)

// Bracket maps a range of late-minutes to a score weight. MaxMinutes nil
// means unbounded. SessionID nil means the bracket applies globally.
type Bracket struct {
	ID         string  `json:"id"`
	SessionID  *string `json:"session_id,omitempty"`
	MinMinutes int     `json:"min_minutes"`
	MaxMinutes *int    `json:"max_minutes,omitempty"`
	Weight     float64 `json:"weight"`
	Label      string  `json:"label"`
}

// Result is the resolved bracket for a late duration.
type Result struct {
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// FallbackWeight applies when no bracket covers the late duration.
// Incomplete configuration degrades to this, never to an error.
const FallbackWeight = 0.50

// OnTime is the implicit bracket for check-ins within the grace window.
var OnTime = Result{Label: "on time", Weight: 1.00}

// Resolve maps lateMinutes to a bracket. Session-scoped brackets strictly
// take precedence over global ones for any minute they cover; globals are
// purely a fallback.
func Resolve(brackets []Bracket, sessionID string, lateMinutes int) Result {
	if lateMinutes <= 0 {
		return OnTime
	}
	if sessionID != "" {
		if r, ok := match(brackets, &sessionID, lateMinutes); ok {
			return r
		}
	}
	if r, ok := match(brackets, nil, lateMinutes); ok {
		return r
	}
	return Result{Label: "unclassified", Weight: FallbackWeight}
}

func match(brackets []Bracket, sessionID *string, minutes int) (Result, bool) {
	scoped := make([]Bracket, 0, len(brackets))
	for _, b := range brackets {
		if sessionID == nil {
			if b.SessionID != nil {
				continue
			}
		} else if b.SessionID == nil || *b.SessionID != *sessionID {
			continue
		}
		scoped = append(scoped, b)
	}
	sort.Slice(scoped, func(i, j int) bool {
		return scoped[i].MinMinutes > scoped[j].MinMinutes
	})
	for _, b := range scoped {
		if minutes >= b.MinMinutes && (b.MaxMinutes == nil || minutes <= *b.MaxMinutes) {
			return Result{Label: b.Label, Weight: b.Weight}, true
		}
	}
	return Result{}, false
}

// Validate rejects malformed bracket sets at configuration-write time:
// weights outside [0,1], inverted ranges, and overlaps or gaps between
// brackets of the same scope. Evaluation never validates.
func Validate(brackets []Bracket) error {
	byScope := map[string][]Bracket{}
	for _, b := range brackets {
		if b.Weight < 0 || b.Weight > 1 {
			return fmt.Errorf("bracket %q: weight %v outside [0,1]", b.Label, b.Weight)
		}
		if b.MinMinutes < 1 {
			return fmt.Errorf("bracket %q: min_minutes must be >= 1", b.Label)
		}
		if b.MaxMinutes != nil && *b.MaxMinutes < b.MinMinutes {
			return fmt.Errorf("bracket %q: max_minutes below min_minutes", b.Label)
		}
		scope := ""
		if b.SessionID != nil {
			scope = *b.SessionID
		}
		byScope[scope] = append(byScope[scope], b)
	}

	for scope, set := range byScope {
		sort.Slice(set, func(i, j int) bool { return set[i].MinMinutes < set[j].MinMinutes })
		for i := 0; i < len(set)-1; i++ {
			cur, next := set[i], set[i+1]
			if cur.MaxMinutes == nil {
				return scopeErr(scope, "unbounded bracket %q is not last", cur.Label)
			}
			if next.MinMinutes <= *cur.MaxMinutes {
				return scopeErr(scope, "brackets %q and %q overlap", cur.Label, next.Label)
			}
			if next.MinMinutes != *cur.MaxMinutes+1 {
				return scopeErr(scope, "gap between brackets %q and %q", cur.Label, next.Label)
			}
		}
	}
	return nil
}

func scopeErr(scope, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if scope == "" {
		return errors.New("global brackets: " + msg)
	}
	return fmt.Errorf("session %s brackets: %s", scope, msg)
}

// Defaults is the seed set of global brackets.
func Defaults() []Bracket {
	max := func(n int) *int { return &n }
	return []Bracket{
		{MinMinutes: 1, MaxMinutes: max(5), Weight: 0.95, Label: "slightly late"},
		{MinMinutes: 6, MaxMinutes: max(15), Weight: 0.80, Label: "late"},
		{MinMinutes: 16, MaxMinutes: max(30), Weight: 0.60, Label: "very late"},
		{MinMinutes: 31, MaxMinutes: max(60), Weight: 0.40, Label: "extremely late"},
		{MinMinutes: 61, Weight: 0.20, Label: "barely attended"},
	}
}
