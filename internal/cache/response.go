package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// ResponseEntry is one cached completion: the response text and when it was
// produced. Tool calls are never cached - a cache hit is only meaningful for
// plain-text turns.
type ResponseEntry struct {
	Text      string
	CreatedAt time.Time
}

// ResponseCache is a fingerprint-keyed cache of text-only completions,
// scoped per model. It keeps its own map plus an insertion-order slice:
// entries expire by TTL, and when the cache is full the earliest-inserted
// entry is evicted. Reads do not change an entry's position.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]ResponseEntry
	order   []string // insertion order, oldest first, for size eviction
	ttl     time.Duration
	maxSize int
}

// ResponseCacheOptions configures a ResponseCache.
type ResponseCacheOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewResponseCache builds a cache with the given TTL and max entry count.
// A non-positive TTL means entries never expire by age; a non-positive
// MaxSize means no size-based eviction.
func NewResponseCache(opts ResponseCacheOptions) *ResponseCache {
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	maxSize := opts.MaxSize
	if maxSize < 0 {
		maxSize = 0
	}
	return &ResponseCache{
		entries: make(map[string]ResponseEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Fingerprint hashes (model, last few messages) into a cache key. fanOut is
// the number of trailing messages to canonicalize into the hash; callers
// typically pass the dispatcher's configured cache window.
func Fingerprint(model string, history []models.Message, fanOut int) string {
	if fanOut > 0 && fanOut < len(history) {
		history = history[len(history)-fanOut:]
	}
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	for _, msg := range history {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.ConcatText()))
		h.Write([]byte{0})
		for _, call := range msg.ToolUses() {
			h.Write([]byte(call.Name))
			h.Write(call.Input)
		}
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached text for fingerprint, or ("", false) on a miss or
// expired entry.
func (c *ResponseCache) Get(fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && time.Since(entry.CreatedAt) > c.ttl {
		delete(c.entries, fingerprint)
		return "", false
	}
	return entry.Text, true
}

// Put stores text under fingerprint, evicting the oldest entry if the cache
// is at capacity.
func (c *ResponseCache) Put(fingerprint, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fingerprint]; !exists {
		c.order = append(c.order, fingerprint)
	}
	c.entries[fingerprint] = ResponseEntry{Text: text, CreatedAt: time.Now()}
	c.evict()
}

func (c *ResponseCache) evict() {
	if c.ttl > 0 {
		cutoff := time.Now().Add(-c.ttl)
		kept := c.order[:0]
		for _, key := range c.order {
			if entry, ok := c.entries[key]; ok && entry.CreatedAt.Before(cutoff) {
				delete(c.entries, key)
				continue
			}
			kept = append(kept, key)
		}
		c.order = kept
	}

	if c.maxSize <= 0 {
		return
	}
	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Size returns the current entry count.
func (c *ResponseCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]ResponseEntry)
	c.order = nil
}
