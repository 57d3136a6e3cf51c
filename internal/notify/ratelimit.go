package notify

import (
	"math"
	"sync"
	"time"
)

// RateLimiterConfig configures the penalty-decay log limiter.
//
// Adapted from the teacher's RFC 5882 flap-dampening algorithm
// (gobgp.Dampener): each occurrence of a condition adds 1.0 to a per-key
// penalty that decays exponentially with HalfLife. Once the penalty
// crosses SuppressThreshold, further occurrences are suppressed until it
// decays back below ReuseThreshold. This fits spec 4.7's log_ecn_error and
// spec 7's NOARP-migration logging far better than a fixed token bucket:
// a single burst of drops logs once, then quiets down, then can log again
// if the condition is still happening minutes later.
type RateLimiterConfig struct {
	SuppressThreshold float64
	ReuseThreshold    float64
	HalfLife          time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults for packet-path log
// suppression: log the first few occurrences, then go quiet for a while.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		SuppressThreshold: 3,
		ReuseThreshold:    2,
		HalfLife:          15 * time.Second,
	}
}

type keyPenalty struct {
	penalty    float64
	lastUpdate time.Time
	suppressed bool
}

// RateLimiter tracks log-suppression state per key (e.g. endpoint+condition).
type RateLimiter struct {
	cfg   RateLimiterConfig
	mu    sync.Mutex
	state map[string]*keyPenalty
	now   func() time.Time
}

// NewRateLimiter creates a RateLimiter with the given configuration.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		cfg:   cfg,
		state: make(map[string]*keyPenalty),
		now:   time.Now,
	}
}

// Allow records one occurrence of the condition identified by key and
// reports whether the caller should log it (true) or stay silent (false).
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	kp, ok := r.state[key]
	if !ok {
		kp = &keyPenalty{lastUpdate: now}
		r.state[key] = kp
	}

	elapsed := now.Sub(kp.lastUpdate)
	if elapsed > 0 && r.cfg.HalfLife > 0 {
		halfLives := elapsed.Seconds() / r.cfg.HalfLife.Seconds()
		kp.penalty *= math.Pow(0.5, halfLives)
	}
	kp.penalty++
	kp.lastUpdate = now

	if kp.suppressed {
		if kp.penalty < r.cfg.ReuseThreshold {
			kp.suppressed = false
			return true
		}
		return false
	}

	if kp.penalty > r.cfg.SuppressThreshold {
		kp.suppressed = true
		return true // log the transition into suppression once
	}

	return true
}
