package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// rateLimiter is an in-process abuse guard, not a correctness mechanism; the
// admission gate lives on the database constraints.
type rateLimiter struct {
	mu      sync.Mutex
	events  map[string][]time.Time
	limit   int
	window  time.Duration
	enabled bool
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		events:  make(map[string][]time.Time),
		limit:   30,
		window:  time.Minute,
		enabled: true,
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	if !l.enabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	recent := l.events[key][:0]
	for _, at := range l.events[key] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	if len(recent) >= l.limit {
		l.events[key] = recent
		return false
	}
	l.events[key] = append(recent, now)
	return true
}

func (s *Server) enforceRateLimit(c *gin.Context, action string) bool {
	if s.limiter.allow(action+"|"+c.ClientIP(), nowUTC()) {
		return true
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	return false
}
