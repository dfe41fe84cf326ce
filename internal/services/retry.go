package services

import (
	"context"
	"math/rand"
	"time"
)

const (
	baseBackoff = 25 * time.Millisecond
	maxBackoff  = 2 * time.Second
)

// backoffDelay returns an exponential delay with jitter for the given attempt
// (0-based), capped at maxBackoff. Delays stay short: conflicts resolve as
// soon as the competing transaction commits.
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << uint(attempt)
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(d)))
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
