package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

const reaperLockName = "hold-reaper"

// Reaper expires lapsed holds out of band. Each hold is expired in its own
// short transaction so one bad row does not stall the batch.
type Reaper struct {
	svc       *Service
	locker    redisclient.Locker
	batchSize int
	logger    zerolog.Logger
	kick      chan struct{}
}

// NewReaper builds a reaper. locker may be nil for single-replica setups.
func NewReaper(svc *Service, locker redisclient.Locker, batchSize int, logger zerolog.Logger) *Reaper {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Reaper{
		svc:       svc,
		locker:    locker,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "reaper").Logger(),
		kick:      make(chan struct{}, 1),
	}
}

// Sweep expires every hold that lapsed before now and returns how many it moved.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	candidates, err := r.svc.store.FindExpiredHolds(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, a := range candidates {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.svc.ExpireHold(ctx, a.ID, now)
		if err != nil {
			// a confirm or cancel racing the sweep wins; the row is no longer ours
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrAppointmentNotFound) {
				continue
			}
			r.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to expire hold")
			continue
		}
		if ok {
			expired++
		}
	}

	r.svc.metrics.ObserveExpired(expired)
	return expired, ctx.Err()
}

// RunOnce sweeps under the reaper lock. Another replica holding the lock is
// not an error.
func (r *Reaper) RunOnce(ctx context.Context) error {
	sweep := func(ctx context.Context) error {
		start := time.Now()
		n, err := r.Sweep(ctx, r.svc.now())
		if err != nil {
			return err
		}
		r.logger.Info().Int("expired", n).Dur("took", time.Since(start)).Msg("expiry run complete")
		return nil
	}

	if r.locker == nil {
		return sweep(ctx)
	}

	err := r.locker.WithLock(ctx, reaperLockName, sweep)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		r.logger.Debug().Msg("reaper lock held elsewhere, skipping run")
		return nil
	}
	return err
}

// Run sweeps once at startup, then on every tick or Kick until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	r.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopping")
			return
		case <-ticker.C:
			r.runLogged(ctx)
		case <-r.kick:
			r.runLogged(ctx)
		}
	}
}

// Kick asks a running reaper to sweep now. It never blocks.
func (r *Reaper) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Reaper) runLogged(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	if err := r.RunOnce(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error().Err(err).Msg("expiry run error")
	}
}
