// Package ratelimit paces calls to the remote persistence API per account
// tier, so a burst of local edits cannot trip the server's limits and get
// the client temporarily banned.
package ratelimit

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Tier is the account level reported by the remote after sign-in.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
)

// Config is the request budget of one tier.
type Config struct {
	RequestsPerMinute int
	Burst             int
}

// defaults mirror the server-side budgets; the remote may override them in
// its sign-in response.
var defaults = map[Tier]Config{
	TierAnonymous: {RequestsPerMinute: 10, Burst: 3},
	TierFree:      {RequestsPerMinute: 60, Burst: 10},
	TierPro:       {RequestsPerMinute: 600, Burst: 30},
}

// ForTier returns the default budget of a tier; unknown tiers get the
// anonymous budget rather than an error, failing toward the strictest limit.
func ForTier(tier Tier) Config {
	if cfg, ok := defaults[tier]; ok {
		return cfg
	}
	return defaults[TierAnonymous]
}

// Validate rejects budgets that would deadlock the client (a zero rate
// never admits a request) or exceed what any tier is entitled to.
func (c Config) Validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests per minute must be positive, got %d", c.RequestsPerMinute)
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be positive, got %d", c.Burst)
	}
	if c.Burst > c.RequestsPerMinute {
		return fmt.Errorf("burst %d exceeds per-minute budget %d", c.Burst, c.RequestsPerMinute)
	}
	return nil
}

// Limiter builds the token bucket for this budget.
func (c Config) Limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.RequestsPerMinute)), c.Burst)
}
