// Package ratelimit throttles API callers with one token bucket per actor
// (or per client IP for unauthenticated requests).
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/mbd888/walletguard/internal/auth"
)

var (
	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletguard",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the rate limiter, by key scope.",
	}, []string{"scope"})

	tracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletguard",
		Subsystem: "ratelimit",
		Name:      "tracked_keys",
		Help:      "Callers currently holding a bucket.",
	})
)

func init() {
	prometheus.MustRegister(rejected, tracked)
}

// Config sets the sustained rate and burst per caller.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// IdleTTL is how long an untouched bucket is kept. Zero means ten
	// minutes.
	IdleTTL time.Duration
}

// DefaultConfig is 600 requests per minute with bursts of 50.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 600, BurstSize: 50, IdleTTL: 10 * time.Minute}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds the per-key buckets.
type Limiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts evicting idle buckets in the background.
// Call Stop to end the sweeper.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	l := &Limiter{
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:   cfg.BurstSize,
		ttl:     cfg.IdleTTL,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.sweep(cfg.IdleTTL / 2)
	return l
}

// Stop ends the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *Limiter) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.now().Add(-l.ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	tracked.Set(float64(len(l.buckets)))
}

// Reserve takes one token for key. When none is available it returns false
// and how long until one will be.
func (l *Limiter) Reserve(key string) (ok bool, wait time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
		tracked.Set(float64(len(l.buckets)))
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Allow reports whether key may proceed now.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Middleware keys on the actor set by auth.Middleware, falling back to the
// client IP. Rejections get 429 with Retry-After in whole seconds.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, scope := "ip:"+c.ClientIP(), "ip"
		if id := auth.ActorID(c); id != "" {
			key, scope = "actor:"+id, "actor"
		}

		ok, wait := l.Reserve(key)
		if ok {
			c.Next()
			return
		}

		rejected.WithLabelValues(scope).Inc()
		secs := max(1, int(math.Ceil(wait.Seconds())))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "too many requests, retry later",
			"retry_after": secs,
		})
	}
}
