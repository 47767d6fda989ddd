package command

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RunWithRetry runs spec up to retryCount+1 times, treating any error or
// non-zero exit as a retryable failure. It waits retryDelay between
// attempts. Cancellation aborts both a running command and the delay;
// a cancelled run is never retried.
func (e *Executor) RunWithRetry(ctx context.Context, spec Spec, retryCount int, retryDelay time.Duration) (*Result, error) {
	if retryCount < 0 {
		retryCount = 0
	}
	attempts := retryCount + 1

	var (
		result  *Result
		lastErr error
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		result, lastErr = e.Run(ctx, spec)
		if lastErr == nil && result.ExitCode == 0 {
			if attempt > 1 {
				e.logger.Info("command_retry_succeeded",
					"program", spec.Program,
					"attempt", attempt,
				)
			}
			return result, nil
		}

		// context.Canceled comes from the caller; context.DeadlineExceeded
		// here means the parent deadline, not the per-attempt timeout
		// (Run maps that to TimeoutError, which is retryable).
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return result, lastErr
		}

		if attempt < attempts {
			e.logger.Warn("command_retrying",
				"program", spec.Program,
				"attempt", attempt,
				"attempts", attempts,
				"exit_code", result.ExitCode,
				"error", errString(lastErr),
				"delay", retryDelay.String(),
			)

			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	if lastErr != nil {
		return result, fmt.Errorf("%s failed after %d attempts: %w", spec.Program, attempts, lastErr)
	}

	detail := lastLine(result.Stderr)
	if detail == "" {
		detail = lastLine(result.Stdout)
	}
	if detail != "" {
		return result, fmt.Errorf("%s failed after %d attempts: exit code %d: %s",
			spec.Program, attempts, result.ExitCode, detail)
	}
	return result, fmt.Errorf("%s failed after %d attempts: exit code %d",
		spec.Program, attempts, result.ExitCode)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
