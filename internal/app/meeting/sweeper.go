package meeting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"meetmesh/internal/pkg/logx"
)

// Liveness is the slice of the presence registry the Sweeper needs.
type Liveness interface {
	// ActiveSince reports whether anyone was live in the room at or after t.
	ActiveSince(roomCode string, t time.Time) bool

	// Prune forgets rooms that have been empty since before t.
	Prune(t time.Time) int
}

// Sweeper periodically deletes meetings that are idle in both the store and the live registry.
type Sweeper struct {
	store    Store
	live     Liveness
	interval time.Duration

	// retention is how long a meeting survives without updates or live participants.
	retention time.Duration

	now    func() time.Time
	logger zerolog.Logger
}

// NewSweeper creates a Sweeper. Run must be called to start it.
func NewSweeper(store Store, live Liveness, interval, retention time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		live:      live,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    logx.Component("sweeper"),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("retention", s.retention).
		Msg("Sweeper started.")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweeper stopped.")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Sweep failed.")
			}
		}
	}
}

// SweepOnce runs a single sweep and returns how many meetings were deleted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)

	deleted, err := s.store.SweepIdle(ctx, cutoff, func(code string) bool {
		return s.live.ActiveSince(code, cutoff)
	})
	pruned := s.live.Prune(cutoff)

	if err != nil {
		return deleted, err
	}

	if deleted > 0 || pruned > 0 {
		s.logger.Info().Int("deleted", deleted).Int("pruned_rooms", pruned).Msg("Idle meetings swept.")
	}
	return deleted, nil
}
