package batch

import (
	"context"
	"errors"
	"time"
)

// errWaitTimeout marks a wait that ran out of time before its condition
// held. Callers translate it into the phase-specific timeout error.
var errWaitTimeout = errors.New("wait timeout")

// WaitFor evaluates cond immediately and then once per interval until it
// reports true, timeout elapses, or ctx is cancelled. The remote
// side-effect being waited on is never cancelled, only abandoned.
func WaitFor(ctx context.Context, interval, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	ok, err := cond(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errWaitTimeout
		case <-ticker.C:
			ok, err := cond(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}
