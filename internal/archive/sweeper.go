package archive

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type SweeperConfig struct {
	// Interval between sweeps. Default: 1 hour.
	Interval time.Duration
	// OrganizationID limits sweeps to one organization; empty sweeps all.
	OrganizationID string
}

func (c *SweeperConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// Sweeper periodically deletes flagged and expired scrapes.
type Sweeper struct {
	service *Service
	config  SweeperConfig
	logger  zerolog.Logger
}

func NewSweeper(service *Service, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	cfg.defaults()
	return &Sweeper{
		service: service,
		config:  cfg,
		logger:  logger,
	}
}

// Run sweeps once immediately and then on every tick. Blocks until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	result, err := s.service.Sweep(ctx, s.config.OrganizationID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Msg("archive sweep failed")
	}
	if result.Flagged > 0 || result.Expired > 0 {
		s.logger.Info().
			Int64("flagged_deleted", result.Flagged).
			Int64("expired_deleted", result.Expired).
			Msg("archive sweep completed")
	}
}
