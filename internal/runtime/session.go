package runtime

import (
	"strings"
)

// keepLastN is the number of literal prior turns carried in the prompt
// verbatim, after the synthetic summary turns (spec §4.7 turn
// composition, §8 "prompt length carried in history = min(total prior
// turns, 2) + (summary present ? 2 : 0)").
const keepLastN = 2

// maxSummaryLines is the rolling-summary cardinality invariant (spec §8
// "lines(summary) <= 3").
const maxSummaryLines = 3

// SessionContext holds the interactive-agent state carried between
// turns of one task: literal message history, the rolling compressed
// summary, and structured context slots extracted from tool results
// (spec §3 SessionContext).
type SessionContext struct {
	Messages     []CompletionMessage
	Summary      []string
	ContextSlots map[string]string
	ActiveSkill  string
}

// NewSessionContext returns an empty session.
func NewSessionContext() *SessionContext {
	return &SessionContext{ContextSlots: make(map[string]string)}
}

// AppendTurn records a literal turn in history.
func (s *SessionContext) AppendTurn(msg CompletionMessage) {
	s.Messages = append(s.Messages, msg)
}

// AppendSummaryLine adds a new rolling-summary line, keeping only the
// most recent maxSummaryLines (spec §4.8).
func (s *SessionContext) AppendSummaryLine(line string) {
	s.Summary = append(s.Summary, line)
	if len(s.Summary) > maxSummaryLines {
		s.Summary = s.Summary[len(s.Summary)-maxSummaryLines:]
	}
}

// SummarizeTurn builds the spec §4.8 summary line for a turn:
// "• <first 30 chars of user message>… → <action summary>" where the
// action summary is the first tool name invoked, else the first 50
// chars of the assistant response.
func SummarizeTurn(userMessage string, firstToolName string, assistantText string) string {
	lead := truncate(userMessage, 30)
	var action string
	if firstToolName != "" {
		action = firstToolName
	} else {
		action = truncate(assistantText, 50)
	}
	return "• " + lead + "… → " + action
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ExtractContextSlots overwrites slot values from a successful
// context-producing tool's result (spec §4.7 step 3, §4.8 "extraction
// overwrites prior slot values").
func (s *SessionContext) ExtractContextSlots(toolName string, updates map[string]string) {
	if !ContextProducingTools[toolName] {
		return
	}
	for k, v := range updates {
		s.ContextSlots[k] = v
	}
}

// BuildHistory composes the turn's message list per spec §4.7 "Turn
// composition" step 3: a synthetic summary turn pair (if a summary is
// present and there are >= keepLastN prior messages), then the last
// keepLastN literal turns, then the current message.
func (s *SessionContext) BuildHistory(currentMessage CompletionMessage) []CompletionMessage {
	var out []CompletionMessage

	if len(s.Summary) > 0 && len(s.Messages) >= keepLastN {
		out = append(out,
			CompletionMessage{Role: "user", Content: strings.Join(s.Summary, "\n")},
			CompletionMessage{Role: "assistant", Content: "Acknowledged prior context."},
		)
	}

	tail := s.Messages
	if len(tail) > keepLastN {
		tail = tail[len(tail)-keepLastN:]
	}
	out = append(out, tail...)
	out = append(out, currentMessage)
	return out
}

// DelegationHistory returns the clean, single-turn history sent to a
// delegated child task (spec §4.7 step 4, §8 "its initial message
// history contains exactly one user turn equal to the delegation
// message").
func DelegationHistory(delegationMessage string) []CompletionMessage {
	return []CompletionMessage{{Role: "user", Content: delegationMessage}}
}

// InjectedSystemPrompt renders the active prompt with context slots
// appended, so the LLM sees current interface/tree/host/device values
// (spec §4.7 step 1 "with context slots injected... when set").
func (s *SessionContext) InjectedSystemPrompt(basePrompt string) string {
	if len(s.ContextSlots) == 0 {
		return basePrompt
	}
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nContext:\n")
	for _, k := range []string{"interface", "tree_id", "host", "device"} {
		if v, ok := s.ContextSlots[k]; ok {
			b.WriteString("- ")
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	return b.String()
}
