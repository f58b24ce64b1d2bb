// Package ingest feeds readings from brokers into the ingestion engine.
package ingest

import (
	"context"
	"time"

	"vitalwatch/internal/auth"
	"vitalwatch/internal/normalize"
)

// Sink is the ingestion entry point every source delivers to.
type Sink interface {
	Ingest(ctx context.Context, payload normalize.Payload, principal auth.Principal) error
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
