package shell

import (
	"context"
	"errors"
	"time"
)

var ErrConditionTimeout = errors.New("condition not met before timeout")

// WaitFor polls cond every interval until it holds, timeout passes or ctx is
// done. cond is checked once up front; a non-positive timeout means that
// single check is all there is.
func WaitFor(ctx context.Context, interval, timeout time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}
	if timeout <= 0 {
		return ErrConditionTimeout
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if cond() {
				return nil
			}
			return ErrConditionTimeout
		case <-tick.C:
			if cond() {
				return nil
			}
		}
	}
}
