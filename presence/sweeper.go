package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper periodically expires stale sessions. Eviction is idempotent in
// the Store, so every instance runs its own sweeper against the shared
// state and the first one to a key wins.
type Sweeper struct {
	store    Store
	interval time.Duration
	log      zerolog.Logger

	// OnEvict is called with each batch of evicted sessions, if set.
	// Sessions already in grace had their offline announcement at
	// disconnect time; the callback receives them anyway and decides.
	OnEvict func(ctx context.Context, evicted []*Session)

	cron *cron.Cron
}

func NewSweeper(store Store, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Start schedules the sweep. Call Stop to halt it.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", spec, err)
	}
	s.cron.Start()
	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	evicted, err := s.store.Expire(ctx, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("expire failed")
		return
	}
	if len(evicted) == 0 {
		return
	}

	for _, sess := range evicted {
		s.log.Info().
			Str("courier", sess.CourierID).
			Str("branch", sess.BranchID).
			Bool("grace", sess.InGrace()).
			Time("lastUpdate", sess.LastUpdate).
			Msg("evicted stale courier")
	}

	if s.OnEvict != nil {
		s.OnEvict(ctx, evicted)
	}
}
