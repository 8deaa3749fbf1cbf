package router

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"mindloop/internal/clock"
	"mindloop/internal/types"
)

// responseCache is the tier-2 store: recent responses keyed by normalized
// prompt, with a TTL and a size bound evicting least-recently-used entries.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	clk     clock.PassiveClock
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	key     string
	resp    types.LLMResponse
	expires time.Time
}

func newResponseCache(ttl time.Duration, maxSize int, clk clock.PassiveClock) *responseCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &responseCache{
		ttl:     ttl,
		maxSize: maxSize,
		clk:     clk,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// normalizePrompt folds case and collapses whitespace so near-identical
// prompts share a cache slot. Content words are untouched.
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

func (c *responseCache) get(prompt string) (types.LLMResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := normalizePrompt(prompt)
	el, ok := c.entries[key]
	if !ok {
		return types.LLMResponse{}, false
	}

	entry := el.Value.(*cacheEntry)
	if c.clk.Now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return types.LLMResponse{}, false
	}

	c.order.MoveToFront(el)
	resp := entry.resp
	resp.Source = types.SourceLocalCached
	return resp, true
}

func (c *responseCache) put(prompt string, resp types.LLMResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := normalizePrompt(prompt)
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.resp = resp
		entry.expires = c.clk.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	el := c.order.PushFront(&cacheEntry{
		key:     key,
		resp:    resp,
		expires: c.clk.Now().Add(c.ttl),
	})
	c.entries[key] = el
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
