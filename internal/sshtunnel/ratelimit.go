package sshtunnel

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tzfun/etcd-workbench/internal/apperr"
	"github.com/tzfun/etcd-workbench/internal/logutil"
)

// Two independent mechanisms keep a bastion from seeing a storm of logins:
//   - Sliding-window rate limit: max tunnel attempts per minute per bastion.
//   - Consecutive failure block: after N failed logins in a row the bastion
//     is skipped for BlockDuration.
const (
	DefaultMaxAttemptsPerMinute = 10
	DefaultMaxConsecFailures    = 5
	DefaultBlockDuration        = 5 * time.Minute
)

// RateLimitConfig holds configuration for the tunnel rate limiter.
type RateLimitConfig struct {
	MaxAttemptsPerMinute int
	MaxConsecFailures    int
	BlockDuration        time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttemptsPerMinute: DefaultMaxAttemptsPerMinute,
		MaxConsecFailures:    DefaultMaxConsecFailures,
		BlockDuration:        DefaultBlockDuration,
	}
}

type bastionRateState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// RateLimiter throttles tunnel attempts per bastion login (user@host:port).
type RateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	state  map[string]*bastionRateState
	nowFn  func() time.Time
}

func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if config.MaxAttemptsPerMinute <= 0 {
		config.MaxAttemptsPerMinute = def.MaxAttemptsPerMinute
	}
	if config.MaxConsecFailures <= 0 {
		config.MaxConsecFailures = def.MaxConsecFailures
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = def.BlockDuration
	}
	return &RateLimiter{
		config: config,
		state:  make(map[string]*bastionRateState),
		nowFn:  time.Now,
	}
}

// LimitKey identifies the bastion login a spec uses.
func LimitKey(spec Spec) string {
	return spec.User + "@" + net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
}

// Allow records an attempt for key, or returns an ErrLimited error when the
// bastion is blocked or over its per-minute budget.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(key)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		return apperr.Wrap(apperr.ErrLimited, fmt.Errorf("ssh login %s blocked for %s after %d consecutive failures",
			logutil.SanitizeForLog(key), remaining, s.consecFailures))
	}

	// Prune attempts older than 1 minute
	cutoff := now.Add(-time.Minute)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= rl.config.MaxAttemptsPerMinute {
		log.Printf("[ssh] rate limit: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(key), rl.config.MaxAttemptsPerMinute)
		return apperr.Wrap(apperr.ErrLimited, fmt.Errorf("ssh login %s: %d attempts in the last minute (max %d)",
			logutil.SanitizeForLog(key), len(s.attempts), rl.config.MaxAttemptsPerMinute))
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure count and any block for key.
func (rl *RateLimiter) RecordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := rl.getOrCreateState(key)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure counts a failed login. Reaching the threshold blocks key.
func (rl *RateLimiter) RecordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	s := rl.getOrCreateState(key)
	s.consecFailures++

	if s.consecFailures >= rl.config.MaxConsecFailures {
		s.blockedUntil = now.Add(rl.config.BlockDuration)
		log.Printf("[ssh] rate limit: blocking %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(key), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// Reset clears all state for key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.state, key)
}

// Must be called with rl.mu held.
func (rl *RateLimiter) getOrCreateState(key string) *bastionRateState {
	s, ok := rl.state[key]
	if !ok {
		s = &bastionRateState{}
		rl.state[key] = s
	}
	return s
}
