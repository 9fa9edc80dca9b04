package delivery

import (
	"context"
	"time"
)

// DefaultPersistRetries is the wait before each retry of a failed save.
var DefaultPersistRetries = []time.Duration{
	500 * time.Millisecond,
	2 * time.Second,
	10 * time.Second,
}

// retry calls fn once and then once more after each delay in schedule until
// it succeeds. It returns the last error.
func retry(ctx context.Context, schedule []time.Duration, fn func() error) error {
	err := fn()
	for _, delay := range schedule {
		if err == nil {
			return nil
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		err = fn()
	}
	return err
}
