// Package analysis implements the result-analysis queue worker: it drains
// completion signals from a durable queue, fetches referenced artifacts,
// classifies the outcome via an LLM, persists the classification, and
// broadcasts progress to external subscribers (spec §4.9).
//
// The worker is deliberately decoupled from internal/runtime: it speaks
// to the persistence adapter's AnalysisQueueStore contract and to small,
// locally-defined LLMClient/Broadcaster/Notifier interfaces rather than
// to Instance/Task, since the classifier skill here is a single-shot
// prompt-in/label-out call with no tool dispatch loop (step 2's
// token-efficiency contract folds artifacts into the prompt verbatim so
// the model never needs to call a fetch tool).
package analysis

import (
	"fmt"
	"strings"
)

// Classification is the classifier's verdict on one script/test
// execution (spec §4.9 step 4).
type Classification string

const (
	ValidPass   Classification = "VALID_PASS"
	ValidFail   Classification = "VALID_FAIL"
	Bug         Classification = "BUG"
	ScriptIssue Classification = "SCRIPT_ISSUE"
	SystemIssue Classification = "SYSTEM_ISSUE"
)

// Valid reports whether c is one of the five declared classifications.
func (c Classification) Valid() bool {
	switch c {
	case ValidPass, ValidFail, Bug, ScriptIssue, SystemIssue:
		return true
	default:
		return false
	}
}

// Discard applies the classification rules table (spec §4.9 step 4):
// SCRIPT_ISSUE and SYSTEM_ISSUE indicate the execution itself is not
// trustworthy evidence and should be discarded from downstream reporting.
func (c Classification) Discard() bool {
	switch c {
	case ScriptIssue, SystemIssue:
		return true
	default:
		return false
	}
}

// classificationOrder is the order in which ParseClassification checks for
// each label anywhere in the model's response text, tolerating surrounding
// prose the way runtime.ParseOutput tolerates prose around DELEGATE TO /
// LOAD SKILL.
var classificationOrder = []Classification{ValidPass, ValidFail, Bug, ScriptIssue, SystemIssue}

// ParseClassification returns the first label in classificationOrder that
// appears (case-insensitively) anywhere in free-form classifier output;
// where several labels appear, the list order decides, not their position
// in the text.
func ParseClassification(text string) (Classification, error) {
	upper := strings.ToUpper(text)
	for _, c := range classificationOrder {
		if strings.Contains(upper, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownClassification, text)
}
