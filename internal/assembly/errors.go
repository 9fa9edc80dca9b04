package assembly

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStepTimeout marks an external step that ran past its deadline.
var ErrStepTimeout = errors.New("assembly step timed out")

// TransportError means the periodical was not accepted for delivery, either
// because packaging produced no artifact or the mail transport refused it.
type TransportError struct {
	Stage      string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transport returned status %d", e.Stage, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a later attempt could succeed without any
// change to the delivery.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrStepTimeout) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode == 0 || te.StatusCode == 429 || te.StatusCode >= 500
	}
	return false
}

// step runs fn under its own deadline. A step that ignores its context is
// abandoned once the deadline passes.
func step(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(stepCtx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s: %w: %v", name, ErrStepTimeout, err)
		}
		return err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", name, ErrStepTimeout)
	}
}
