// Package tokencount estimates token usage for the task loop's
// empty-response diagnostic (spec §4.7 "classify as 'context overload
// probable' when the combined token count is close to the model
// limit"). Grounded on kadirpekel-hector's pkg/utils.TokenCounter,
// adapted from a per-message cookbook formula to a simple combined-text
// estimate since the runtime only needs a near-limit signal, not exact
// provider-side accounting (that belongs to the LLM adapter, out of
// scope per spec §1).
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]*tiktoken.Tiktoken)
)

// Counter counts tokens for one model's encoding.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter returns a Counter for model, falling back to cl100k_base
// when the model has no registered encoding.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	enc, ok := cache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{enc: enc}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}

	cacheMu.Lock()
	cache[model] = enc
	cacheMu.Unlock()
	return &Counter{enc: enc}, nil
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if c == nil || c.enc == nil {
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// NearLimit reports whether used tokens have reached thresholdPercent of
// limit (spec §4.7 empty-response heuristic).
func NearLimit(used, limit, thresholdPercent int) bool {
	if limit <= 0 {
		return false
	}
	return used*100 >= limit*thresholdPercent
}
