package seats

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"

	"tonrody/internal/notify"
)

const DefaultSweepInterval = 15 * time.Second

// Sweeper periodically releases expired reservations and refreshes countdowns for
// held seats. Reserve still sweeps lazily, so a stopped Sweeper only delays releases.
type Sweeper struct {
	ledger    *Ledger
	interval  time.Duration
	now       func() time.Time
	scheduler *gocron.Scheduler
}

func NewSweeper(l *Ledger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Sweeper{ledger: l, interval: interval, now: time.Now, scheduler: s}
}

func (s *Sweeper) Start() error {
	if _, err := s.scheduler.Every(s.interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return err
	}
	s.scheduler.StartAsync()
	return nil
}

func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}

// RunOnce sweeps every lobby that currently holds reservations and returns the number of
// seats released.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	lobbies, err := s.ledger.store.ListLobbiesWithHeldSeats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("sweep: list lobbies failed")
		return 0
	}
	now := s.now().UTC()
	cutoff := now.Add(-s.ledger.cfg.ReservationTTL)
	released := 0
	for _, lobbyID := range lobbies {
		if ctx.Err() != nil {
			break
		}
		seats, err := s.ledger.ReleaseExpired(ctx, lobbyID, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("lobby_id", lobbyID).Msg("sweep: release expired failed")
			continue
		}
		released += len(seats)
		s.publishTicks(ctx, lobbyID, now)
	}
	return released
}

func (s *Sweeper) publishTicks(ctx context.Context, lobbyID string, now time.Time) {
	seats, err := s.ledger.store.ListSeats(ctx, lobbyID)
	if err != nil {
		log.Warn().Err(err).Str("lobby_id", lobbyID).Msg("sweep: list seats failed")
		return
	}
	for _, seat := range seats {
		if tick, ok := notify.TimerTick(seat, s.ledger.cfg.ReservationTTL, now); ok {
			s.ledger.pub.Publish(lobbyID, notify.EventTimerTick, tick)
		}
	}
}
