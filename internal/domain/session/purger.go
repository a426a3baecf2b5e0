package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medportal/internal/platform/metrics"
)

// Purger removes expired sessions on an interval. It is housekeeping only:
// the Manager rejects expired sessions whether or not they were purged.
type Purger struct {
	store    Store
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewPurger(store Store, interval time.Duration, mt *metrics.Metrics, logger zerolog.Logger) *Purger {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Purger{
		store:    store,
		interval: interval,
		timeout:  30 * time.Second,
		now:      time.Now,
		metrics:  mt,
		logger:   logger.With().Str("component", "session_purger").Logger(),
	}
}

// Run purges once immediately and then every interval until ctx is done.
func (p *Purger) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PurgeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PurgeOnce(ctx)
		}
	}
}

// PurgeOnce deletes sessions expired at the current time and returns how
// many were removed.
func (p *Purger) PurgeOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	n, err := p.store.PurgeExpired(ctx, p.now().UTC())
	if err != nil {
		p.logger.Error().Err(err).Msg("purge expired sessions")
		return 0, err
	}
	p.metrics.Purged(n)
	if n > 0 {
		p.logger.Info().Int64("count", n).Msg("purged expired sessions")
	}
	return n, nil
}
