package kpi

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// substringWeight scales containment matches so they never reach the confidence of an exact match.
const substringWeight = 0.9

// Match is the outcome of resolving a department name to a dataset.
type Match struct {
	DatasetKey string  `json:"dataset_key"`
	Alias      string  `json:"alias,omitempty"`
	Department string  `json:"department,omitempty"`
	Confidence float64 `json:"confidence"`
	Exact      bool    `json:"exact"`
	// Fallback is set when nothing matched and the default dataset was substituted.
	Fallback bool `json:"fallback"`
}

type candidate struct {
	key   string
	alias string
	runes int
}

// Matcher maps free-text department names to KPI dataset keys. It is immutable after
// construction and safe for concurrent use.
type Matcher struct {
	candidates []candidate
}

// NewMatcher builds a matcher from dataset keys and their aliases. Every key is also an alias of itself.
func NewMatcher(aliases map[string][]string) *Matcher {
	seen := map[candidate]bool{}
	var candidates []candidate

	add := func(key, alias string) {
		alias = Normalize(alias)
		if key == "" || alias == "" {
			return
		}
		c := candidate{key: key, alias: alias, runes: utf8.RuneCountInString(alias)}
		if seen[c] {
			return
		}
		seen[c] = true
		candidates = append(candidates, c)
	}

	for key, list := range aliases {
		add(key, key)
		for _, alias := range list {
			add(key, alias)
		}
	}

	// Longest alias first, then key and alias ascending, so the first hit is the winner.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.runes != b.runes {
			return a.runes > b.runes
		}
		if a.key != b.key {
			return a.key < b.key
		}
		return a.alias < b.alias
	})

	return &Matcher{candidates: candidates}
}

// Normalize lower-cases s, trims it and collapses inner whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Match resolves a single department name. Exact alias matches win over aliases contained
// in the name; among those the longest alias wins.
func (m *Matcher) Match(department string) (Match, bool) {
	name := Normalize(department)
	if name == "" {
		return Match{}, false
	}

	for _, c := range m.candidates {
		if c.alias == name {
			return Match{DatasetKey: c.key, Alias: c.alias, Department: department, Confidence: 1, Exact: true}, true
		}
	}

	// Only aliases the name contains count. A short generic name must not pick up
	// whichever longer alias happens to include it.
	nameRunes := utf8.RuneCountInString(name)
	for _, c := range m.candidates {
		if !strings.Contains(name, c.alias) {
			continue
		}
		return Match{
			DatasetKey: c.key,
			Alias:      c.alias,
			Department: department,
			Confidence: float64(c.runes) / float64(nameRunes) * substringWeight,
		}, true
	}

	return Match{}, false
}

// MatchPath walks a department path from the most specific segment to the root and
// returns the first segment that matches.
func (m *Matcher) MatchPath(path []string) (Match, bool) {
	for i := len(path) - 1; i >= 0; i-- {
		if match, ok := m.Match(path[i]); ok {
			return match, true
		}
	}
	return Match{}, false
}

// Resolve is MatchPath with the default dataset substituted when nothing matches.
func (m *Matcher) Resolve(path []string, defaultKey string) Match {
	if match, ok := m.MatchPath(path); ok {
		return match
	}

	department := ""
	if len(path) > 0 {
		department = path[len(path)-1]
	}
	return Match{DatasetKey: defaultKey, Department: department, Fallback: true}
}
