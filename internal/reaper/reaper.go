package reaper

import (
	"context"
	"time"

	"github.com/marketdesk/trading-mcp/internal/common"
	"github.com/marketdesk/trading-mcp/internal/oauth"
)

// DefaultInterval is how often the reaper sweeps the store.
const DefaultInterval = time.Hour

// Reaper periodically deletes expired authorization artifacts: auth codes,
// brokerage onboarding states, and token rows whose access and refresh
// lifetimes have both ended. Revoked-but-unexpired tokens survive sweeps so
// revocation checks keep working.
type Reaper struct {
	store    oauth.Storage
	interval time.Duration
	logger   *common.Logger
}

// New creates a reaper. A non-positive interval falls back to DefaultInterval.
func New(store oauth.Storage, interval time.Duration, logger *common.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{store: store, interval: interval, logger: logger}
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs the three cleanup batches. Each batch is independent; a failure
// in one is logged and does not block the others.
func (r *Reaper) Sweep(ctx context.Context) {
	if codes, err := r.store.DeleteExpiredCodes(ctx); err != nil {
		r.logger.Error().Err(err).Msg("reaper: failed to delete expired auth codes")
	} else if codes > 0 {
		r.logger.Info().Int64("deleted", codes).Msg("reaper: removed expired auth codes")
	}

	if states, err := r.store.DeleteExpiredStates(ctx); err != nil {
		r.logger.Error().Err(err).Msg("reaper: failed to delete expired broker states")
	} else if states > 0 {
		r.logger.Info().Int64("deleted", states).Msg("reaper: removed expired broker states")
	}

	if tokens, err := r.store.DeleteExpiredTokens(ctx); err != nil {
		r.logger.Error().Err(err).Msg("reaper: failed to delete expired tokens")
	} else if tokens > 0 {
		r.logger.Info().Int64("deleted", tokens).Msg("reaper: removed expired tokens")
	}
}
