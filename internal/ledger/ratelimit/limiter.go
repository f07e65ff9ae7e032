// Package ratelimit bounds the request rate against the ledger node so
// the read path and the reconciliation tiers cannot overwhelm it.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/kodax/koda-custody-engine/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter wraps a token-bucket limiter for ledger RPC calls.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter allows rps requests per second with the given burst.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until one token is available or ctx is done. Reserve is
// used so exactly one token is consumed per call.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.RPCRateLimitWaits.Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}
