package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/acolita/sshkit/internal/failure"
	"github.com/acolita/sshkit/internal/ports"
)

// Do runs fn, retrying while the policy answers ActionRetry or
// ActionReconnect for the failure kind and attempts remain. The delay grows
// linearly with the attempt number. The last error is returned unchanged.
func Do(ctx context.Context, clock ports.Clock, policy Policy, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		kind := failure.KindOf(err)
		s := policy.Strategy(kind)
		if s.Action != ActionRetry && s.Action != ActionReconnect {
			return err
		}
		if attempt >= s.MaxAttempts {
			return err
		}

		wait := s.Delay * time.Duration(attempt)
		slog.Debug("retrying after failure",
			slog.String("op", op),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", wait),
		)

		if wait > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-clock.After(wait):
			}
		} else if ctx.Err() != nil {
			return err
		}
	}
}
