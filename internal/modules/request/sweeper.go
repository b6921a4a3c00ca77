// README: Offer sweep: expires lapsed offers and advances offer rounds on a ticker.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// SweepExpiredOffers runs ExpireOffers for every request whose dispatch is
// due. Requests that changed concurrently are skipped; other failures are
// combined into the returned error. It reports how many requests it processed.
func (s *Service) SweepExpiredOffers(ctx context.Context) (int, error) {
	limit := s.cfg.SweepBatch
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.store.ListDispatchDue(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list dispatch due: %w", err)
	}

	var (
		processed int
		errs      error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		if _, err := s.ExpireOffers(ctx, id); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("request %s: %w", id, err))
			continue
		}
		processed++
	}
	return processed, errs
}

// RunOfferMonitor sweeps on every tick until ctx is done. With a lock, only
// the replica holding it sweeps on a given tick.
func (s *Service) RunOfferMonitor(ctx context.Context, lock Locker) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, lock)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context, lock Locker) {
	if lock != nil {
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			s.log.Error(ctx, "acquire offer sweep lock", err)
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := lock.Release(ctx); err != nil {
				s.log.Warn(s.log.WithField(ctx, "error", err.Error()), "release offer sweep lock")
			}
		}()
	}

	start := time.Now()
	processed, err := s.SweepExpiredOffers(ctx)
	s.metrics.ObserveSweep(time.Since(start), err)
	if err != nil {
		s.log.Error(s.log.WithField(ctx, "processed", processed), "offer sweep finished with errors", err)
		return
	}
	if processed > 0 {
		s.log.Debug(s.log.WithField(ctx, "processed", processed), "offer sweep finished")
	}
}
