package risk

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"

	"github.com/mbd888/walletguard/internal/money"
)

// DefaultCacheSize bounds the verdict cache.
const DefaultCacheSize = 10000

// Fingerprint derives the cache key for a transfer. It deliberately omits
// the timestamp.
func Fingerprint(actorID string, amount money.Amount, recipientID, currency string) string {
	h := sha256.New()
	h.Write([]byte(actorID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(int64(amount), 10)))
	h.Write([]byte{0})
	h.Write([]byte(recipientID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(currency)))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache memoizes verdicts by fingerprint and evicts the least recently used
// entry when full. Every Clear starts a new generation; a Put carrying an
// older generation is dropped, so a verdict computed before a fit can never
// land after the fit's Clear.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used
	gen     uint64
	max     int
}

type cacheEntry struct {
	fp      string
	verdict Verdict
}

// NewCache creates a cache holding at most max entries.
func NewCache(max int) *Cache {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &Cache{entries: make(map[string]*list.Element), order: list.New(), max: max}
}

// Generation returns the current generation. Capture it before scoring.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Cache) Get(fp string) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[fp]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).verdict, true
}

// Put stores v under fp if gen is still current. It reports whether the
// entry was stored.
func (c *Cache) Put(gen uint64, fp string, v Verdict) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	if el, ok := c.entries[fp]; ok {
		el.Value.(*cacheEntry).verdict = v
		c.order.MoveToFront(el)
		return true
	}
	if c.order.Len() >= c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).fp)
	}
	c.entries[fp] = c.order.PushFront(&cacheEntry{fp: fp, verdict: v})
	return true
}

// Clear drops every entry and advances the generation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.gen++
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
