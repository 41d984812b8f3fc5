// Package retry provides the single retry utility used by the transport
// and both transfer engines. Retry policy lives here and nowhere else:
// callers supply the operation and the classification comes from errkind.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	// InitialInterval is the first delay. Default: 1s.
	InitialInterval time.Duration

	// MaxInterval caps the delay growth. Default: 16s.
	MaxInterval time.Duration

	// MaxRetries bounds the number of retries after the first attempt.
	// Default: 5.
	MaxRetries int

	// IsTransient decides whether an error is worth retrying.
	// Default: errkind.IsTransient.
	IsTransient func(error) bool
}

// DefaultPolicy returns the transport retry schedule: 1s, 2s, 4s, 8s, 16s.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		MaxInterval:     16 * time.Second,
		MaxRetries:      5,
		IsTransient:     errkind.IsTransient,
	}
}

// StoreReadPolicy returns the short schedule for read-after-connect store
// failures: one retry at 50ms, a second at 200ms.
func StoreReadPolicy() Policy {
	return Policy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		MaxRetries:      2,
		IsTransient:     func(error) bool { return true },
	}
}

func (p Policy) normalize() Policy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 16 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.IsTransient == nil {
		p.IsTransient = errkind.IsTransient
	}
	return p
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// retry budget, or the context is cancelled. The last error is returned
// unwrapped so callers keep its kind.
func Do(ctx context.Context, policy Policy, op func() error) error {
	policy = policy.normalize()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0 // deterministic schedule, tests depend on it
	b.MaxElapsedTime = 0

	schedule := backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(errkind.Wrap(errkind.KindCancelled, "retry", err))
		}
		err := op()
		if err == nil {
			return nil
		}
		if !policy.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, schedule)
}
