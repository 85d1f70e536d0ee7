package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

type cacheEntry struct {
	candidates []domain.RecordingCandidate
	createdAt  time.Time
	expiresAt  time.Time
}

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// CandidateCache remembers raw search results for a short time so pending rows
// of the same lead processed in one tick share a single upstream request.
// A nil cache never hits.
type CandidateCache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewCandidateCache(config CacheConfig) *CandidateCache {
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	return &CandidateCache{
		entries:    make(map[string]cacheEntry),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *CandidateCache) Get(signature string) ([]domain.RecordingCandidate, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	entry, exists := c.entries[signature]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, signature)
		c.mu.Unlock()
		return nil, false
	}
	return append([]domain.RecordingCandidate(nil), entry.candidates...), true
}

func (c *CandidateCache) Set(signature string, candidates []domain.RecordingCandidate) {
	if c == nil {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[signature]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[signature] = cacheEntry{
		candidates: append([]domain.RecordingCandidate(nil), candidates...),
		createdAt:  now,
		expiresAt:  now.Add(c.ttl),
	}
}

func (c *CandidateCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// BuildSignature hashes the normalized request parameters.
func (c *CandidateCache) BuildSignature(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		normalized = append(normalized, strings.TrimSpace(strings.ToLower(part)))
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "||")))
	return hex.EncodeToString(sum[:])
}

func (c *CandidateCache) evictOldest() {
	if len(c.entries) == 0 {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].createdAt.Before(c.entries[keys[j]].createdAt)
	})
	delete(c.entries, keys[0])
}
