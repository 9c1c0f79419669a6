// Package ratelimit throttles on-demand answer generation. Limits are
// advisory: when the backing store is unreachable the limiter fails open
// so a cache outage never takes the answer pages down with it.
package ratelimit

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/moelog/aiqna/internal/cachekey"
	"github.com/moelog/aiqna/internal/store"
)

const (
	// DefaultCooldown spaces repeat generations of one question by one
	// client.
	DefaultCooldown = 60 * time.Second
	// DefaultHourlyCap bounds generations per client IP per hour.
	DefaultHourlyCap = 10
)

// Limiter enforces a per-question cooldown and a per-IP hourly cap.
type Limiter struct {
	eph       store.Ephemeral
	cooldown  time.Duration
	hourlyCap int64
}

// NewLimiter builds a limiter. Zero values select the defaults.
func NewLimiter(eph store.Ephemeral, cooldown time.Duration, hourlyCap int64) *Limiter {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if hourlyCap <= 0 {
		hourlyCap = DefaultHourlyCap
	}
	return &Limiter{eph: eph, cooldown: cooldown, hourlyCap: hourlyCap}
}

// Allow reports whether ip may trigger generation for (contentID,
// question) right now. Cache hits bypass the limiter entirely; callers
// consult it only before provider work.
func (l *Limiter) Allow(ctx context.Context, ip string, contentID int64, question string) bool {
	acquired, err := l.eph.SetNX(ctx, cachekey.FreqKey(ip, contentID, question), "1", l.cooldown)
	if err != nil {
		log.Printf("WARN: rate limit cooldown check failed, allowing request: %v", err)
		return true
	}
	if !acquired {
		return false
	}

	count, err := l.eph.Incr(ctx, cachekey.IPKey(ip), time.Hour)
	if err != nil {
		log.Printf("WARN: rate limit counter failed, allowing request: %v", err)
		return true
	}
	return count <= l.hourlyCap
}

// ClientIP extracts the caller's address, preferring proxy headers set
// by the CDN in front of the site.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
