// Package resultcache implements the per-tool ResultCache described in
// spec §3: keyed by a truncated SHA-256 of tool name + canonical params,
// with a configurable TTL per tool and a TTL=0 "session-scoped" mode.
// Adapted from the teacher's internal/cache.DedupeCache (TTL map guarded
// by a mutex, prune-on-write) generalized from a boolean seen-check to a
// value cache.
package resultcache

import (
	"crypto/sha256"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Policy is the per-tool cache policy from a skill's tool_cache map
// (spec §3 SkillDefinition, §6.2).
type Policy struct {
	Enabled bool
	TTL     time.Duration // 0 means session-scoped: never age out on its own.
}

type entry struct {
	value    any
	storedAt time.Time
}

// Cache is a process-local, thread-safe result cache scoped to one agent
// instance's lifetime (spec §5 "The ResultCache is per-process and
// thread-safe; cache entries with TTL=0 are scoped to the owning
// instance's lifetime").
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Key computes the cache key for a tool call: SHA-256 of
// tool_name || canonical(params), truncated to 16 bytes, hex-encoded.
// Canonicalization sorts map keys before marshaling so that identical
// calls with differently-ordered params hash identically (spec §9
// "Caches + JSON parameter keys").
func Key(toolName string, params map[string]any) string {
	canonical := canonicalize(params)
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonical)
	sum := h.Sum(nil)
	return encodeHex(sum[:16])
}

func canonicalize(params map[string]any) []byte {
	if len(params) == 0 {
		return []byte("{}")
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, params[k])
	}
	// encoding/json on a slice preserves insertion order, giving a
	// stable byte representation regardless of the original map's
	// iteration order.
	b, err := json.Marshal(ordered)
	if err != nil {
		return []byte(toolFallback(params))
	}
	return b
}

func toolFallback(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += k + "="
		if v, err := json.Marshal(params[k]); err == nil {
			out += string(v)
		}
		out += ";"
	}
	return out
}

const hexDigits = "0123456789abcdef"

func encodeHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

// Get returns the cached value for key if it is a hit under policy (spec
// §3 "Hit rule: age ≤ ttl"). A disabled policy always misses.
func (c *Cache) Get(key string, policy Policy) (any, bool) {
	if !policy.Enabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if policy.TTL > 0 && c.now().Sub(e.storedAt) > policy.TTL {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key if policy is enabled.
func (c *Cache) Set(key string, value any, policy Policy) {
	if !policy.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, storedAt: c.now()}
}

// Clear empties the cache; called when the owning instance terminates so
// TTL=0 "session-only" entries do not outlive it (spec §3 ResultCache).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len reports the current entry count (for diagnostics/tests).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
