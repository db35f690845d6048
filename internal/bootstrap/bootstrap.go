// Package bootstrap retries idempotent setup work until the dependency it
// needs becomes reachable. Failure here is meant to abort process startup.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/ogozo/service-checkout/internal/metrics"
	"github.com/ogozo/service-checkout/internal/retry"
	"go.uber.org/zap"
)

var ErrBootstrapFailure = errors.New("bootstrap failed")

// Action must be safe to re-run: an earlier attempt may have left partial
// artifacts behind.
type Action func(ctx context.Context) error

// InitializeWithRetry runs action up to maxAttempts times, sleeping delay
// between failures. ctx carries the host's overall startup deadline.
func InitializeWithRetry(ctx context.Context, action Action, maxAttempts int, delay time.Duration) error {
	return Run(ctx, "startup", action, retry.Fixed(maxAttempts, delay))
}

// Run is InitializeWithRetry with a named component and an arbitrary policy.
func Run(ctx context.Context, component string, action Action, policy retry.Policy) error {
	started := time.Now()
	err := policy.Do(ctx, func(ctx context.Context) error {
		if err := action(ctx); err != nil {
			metrics.BootstrapAttempts.WithLabelValues(component, "failure").Inc()
			return err
		}
		metrics.BootstrapAttempts.WithLabelValues(component, "success").Inc()
		return nil
	}, func(a retry.Attempt) {
		logging.Warn(ctx, "bootstrap attempt failed, retrying",
			zap.String("component", component),
			zap.Int("attempt", a.Number),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("retry_in", a.Next),
			zap.Error(a.Err),
		)
	})
	if err != nil {
		logging.Error(ctx, "bootstrap exhausted", err,
			zap.String("component", component),
			zap.Duration("elapsed", time.Since(started)),
		)
		return fmt.Errorf("%w: %s: %w", ErrBootstrapFailure, component, err)
	}
	logging.Info(ctx, "bootstrap complete", zap.String("component", component), zap.Duration("elapsed", time.Since(started)))
	return nil
}
