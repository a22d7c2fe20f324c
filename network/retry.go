package network

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds exponential backoff for connect and submit attempts.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      uint64
}

// DefaultRetryPolicy returns 500ms doubling up to 5s, five retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		MaxRetries:      5,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = def.MaxRetries
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	// Attempts are bounded by MaxRetries and ctx, not elapsed time.
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// Retry runs op until it succeeds, the policy gives up, or ctx ends.
// notify, when set, is called before each wait.
func Retry(ctx context.Context, policy RetryPolicy, op func() error, notify func(err error, wait time.Duration)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	err := backoff.RetryNotify(op, policy.backOff(ctx), n)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
