package dispatch

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/resq-labs/resq-core/internal/store"
)

// Sweeper periodically marks pending offers past their deadline as expired.
// Clients stop showing expired offers; server-side acceptance stays valid
// while the request itself is still pending.
type Sweeper struct {
	store *store.Store
	log   zerolog.Logger
	cron  *cron.Cron
}

// NewSweeper builds the sweeper; Start schedules it.
func NewSweeper(st *store.Store, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store: st,
		log:   log.With().Str("component", "offer-sweeper").Logger(),
		cron:  cron.New(cron.WithSeconds()),
	}
}

// Start runs the sweep every 10 seconds, half the offer TTL.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("*/10 * * * * *", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	swept, err := s.store.ExpireStaleOffers(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("offer sweep failed")
		return
	}
	if swept > 0 {
		s.log.Debug().Int64("expired", swept).Msg("swept stale offers")
	}
}
