package reservations

import (
	"context"
	"errors"
	"time"

	"github.com/coralclub/tents/internal/state"
	"github.com/coralclub/tents/internal/syncer"
	"go.uber.org/zap"
)

const (
	// DefaultSweepInterval is how often the sweeper checks for expired holds.
	DefaultSweepInterval = 30 * time.Second
	sweepLogMessage      = "Purge expired reservations"
)

var errMissingEngine = errors.New("reservations: engine is required")

// Engine is the part of the sync engine the sweeper needs.
type Engine interface {
	Update(ctx context.Context, logMessage string, fn func(current state.SharedState) (state.Document, error)) (syncer.WriteResult, error)
	Subscribe(ctx context.Context) (<-chan syncer.Change, func())
}

type SweeperConfig struct {
	Engine   Engine
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Sweeper expires lapsed holds on a timer and after every document change.
type Sweeper struct {
	engine   Engine
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{engine: cfg.Engine, interval: interval, clock: clock, logger: logger}, nil
}

// Sweep expires lapsed holds in one patch and returns how many reservations it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	var outcome Outcome
	_, err := s.engine.Update(ctx, sweepLogMessage, func(current state.SharedState) (state.Document, error) {
		outcome = Expire(current.Tents, current.Reservations, s.clock())
		if !outcome.Changed() {
			return nil, nil
		}
		return outcome.Patch()
	})
	if err != nil {
		return 0, err
	}
	if len(outcome.Expired) > 0 {
		s.logger.Info("expired reservations",
			zap.Strings("reservations", outcome.Expired),
			zap.Ints("released_tents", outcome.Released))
	}
	return len(outcome.Expired), nil
}

// Run sweeps until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	changes, cleanup := s.engine.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepAndLog(ctx)
		case <-changes:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("reservation sweep failed", zap.Error(err))
	}
}
