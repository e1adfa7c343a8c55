// Package skills implements skill matching and router/skill mode
// switching (spec §4.4). Matching is an optional pre-selection step; the
// LLM's own `LOAD SKILL <name>` / `UNLOAD SKILL` directives, handled in
// internal/runtime, are the primary mechanism. Grounded on the teacher's
// internal/multiagent.Router trigger-evaluation loop, adapted from
// agent-handoff scoring to skill keyphrase scoring.
package skills

import (
	"strings"

	"github.com/qaforge/orchestrator-core/internal/registry"
)

// Match is a scored candidate skill (spec §4.4 "score = Σ (length of each
// trigger keyphrase present in the message); ties broken by insertion
// order").
type Match struct {
	Name  string
	Score int
}

// Matcher scores skills against a user message.
type Matcher struct {
	// names preserves registration/insertion order for stable tie-breaking.
	names  []string
	skills map[string]registry.SkillDefinition
}

// NewMatcher builds a Matcher over the given skills, in the order given.
func NewMatcher(defs []registry.SkillDefinition) *Matcher {
	m := &Matcher{skills: make(map[string]registry.SkillDefinition, len(defs))}
	for _, d := range defs {
		if _, exists := m.skills[d.Name]; !exists {
			m.names = append(m.names, d.Name)
		}
		m.skills[d.Name] = d
	}
	return m
}

// Best returns the highest-scoring skill for message, or ("", false) if
// every candidate scores zero ("no match; stay in router mode").
func (m *Matcher) Best(message string) (string, bool) {
	matches := m.Score(message)
	if len(matches) == 0 {
		return "", false
	}
	return matches[0].Name, true
}

// Score ranks all candidate skills by keyphrase-length score, descending,
// with ties broken by insertion order. Zero-score skills are omitted.
func (m *Matcher) Score(message string) []Match {
	content := strings.ToLower(message)

	var out []Match
	for _, name := range m.names {
		def := m.skills[name]
		score := 0
		for _, phrase := range def.Triggers {
			p := strings.ToLower(strings.TrimSpace(phrase))
			if p == "" {
				continue
			}
			if strings.Contains(content, p) {
				score += len(p)
			}
		}
		if score > 0 {
			out = append(out, Match{Name: name, Score: score})
		}
	}

	// Stable sort by score descending; names are already in insertion
	// order, so a stable sort preserves that as the tiebreaker.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
