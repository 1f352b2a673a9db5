package services

import (
	"context"
	"errors"
	"time"

	"famfin/support-service/internal/models"
	"famfin/support-service/internal/utils"

	"github.com/cenkalti/backoff/v4"
)

// withRetry re-runs fn while it fails with ErrTransientIO, at most
// IORetries attempts in total with exponential backoff between them. Any
// other error is returned at once.
func (s *SupportService) withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.IOBackoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = 10 * s.opts.IOBackoff
	policy.MaxElapsedTime = 0
	policy.Clock = s.clock

	op := func() error {
		err := fn()
		if err != nil && !errors.Is(err, models.ErrTransientIO) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.log.WithError(err).WithField("backoff", wait).Debug("transient store error, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.IORetries-1)), ctx)
	return backoff.RetryNotifyWithTimer(op, b, notify, &clockTimer{clock: s.clock})
}

// clockTimer drives backoff waits from the service clock so fake clocks
// never sleep.
type clockTimer struct {
	clock utils.Clock
	c     <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.c = t.clock.After(d) }

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time { return t.c }
