package main

import (
	"context"
	"time"

	"github.com/hako/durafmt"
)

// sleepContext waits for d or until ctx is cancelled, returning ctx.Err() in
// the latter case.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// humanDuration renders d like "2 hours 5 minutes", keeping the two most
// significant units. Sub-second durations read "just now".
func humanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		return "just now"
	}
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}
