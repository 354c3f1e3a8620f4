// Package sampler produces a bounded-rate stream of position readings,
// trading accuracy for battery when the session is backgrounded.
package sampler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trailsense/fieldtrack/internal/wire"
	"github.com/trailsense/fieldtrack/pkg/geo"
	"github.com/trailsense/fieldtrack/pkg/logger"
)

// Source is the platform location capability. The core only calls into
// it; permission prompts, GPS hardware and motion sensors live behind
// this interface.
type Source interface {
	// RequestPermissions asks for location and motion access. A false
	// result is terminal for the session.
	RequestPermissions(ctx context.Context) (bool, error)
	// Current returns one position fix. highAccuracy selects the
	// precise (more expensive) fix path.
	Current(ctx context.Context, highAccuracy bool) (wire.PositionReading, error)
}

// OnReading receives each emitted reading.
type OnReading func(wire.PositionReading)

// Config holds the sampling cadence and filter threshold.
type Config struct {
	ForegroundInterval    time.Duration
	BackgroundInterval    time.Duration
	DisplacementThreshold float64 // meters
}

func (c *Config) applyDefaults() {
	if c.ForegroundInterval <= 0 {
		c.ForegroundInterval = 5 * time.Second
	}
	if c.BackgroundInterval <= 0 {
		c.BackgroundInterval = 15 * time.Second
	}
	if c.DisplacementThreshold <= 0 {
		c.DisplacementThreshold = 8
	}
}

// Sampler polls a Source on a timer and applies the displacement
// filter, the primary battery-saving lever: a reading closer than the
// threshold to the last emitted one is discarded.
type Sampler struct {
	cfg    Config
	logger *logger.Logger
	source Source

	mu          sync.Mutex
	running     bool
	background  bool
	cancel      context.CancelFunc
	restart     chan struct{} // wakes the loop when the duty cycle flips
	lastEmitted *wire.PositionReading
	emitted     uint64
	filtered    uint64
}

// New creates a stopped sampler.
func New(cfg Config, source Source, log *logger.Logger) *Sampler {
	cfg.applyDefaults()
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Sampler{
		cfg:    cfg,
		logger: log.WithComponent("sampler"),
		source: source,
	}
}

// Start requests permissions and begins emitting readings. The first
// reading is emitted immediately; subsequent ones follow the session's
// sample interval (or the background interval when backgrounded) and
// pass through the displacement filter. Denied permission is a
// terminal permission error.
func (s *Sampler) Start(ctx context.Context, session wire.SessionConfig, onReading OnReading) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return wire.NewError(wire.CodeConfig, "sampler already running")
	}
	s.mu.Unlock()

	granted, err := s.source.RequestPermissions(ctx)
	if err != nil {
		return wire.WrapError(err, wire.CodePermission, "permission request failed")
	}
	if !granted {
		return wire.NewError(wire.CodePermission, "location or motion permission denied")
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.running = true
	s.background = false
	s.cancel = cancel
	s.restart = make(chan struct{}, 1)
	s.lastEmitted = nil
	s.emitted, s.filtered = 0, 0
	s.mu.Unlock()

	interval := session.SampleInterval
	if interval <= 0 {
		interval = s.cfg.ForegroundInterval
	}

	go s.loop(loopCtx, interval, onReading)
	s.logger.Info("tracking started",
		zap.Duration("interval", interval),
		zap.Float64("threshold_m", s.cfg.DisplacementThreshold))
	return nil
}

// Stop cancels the timer and clears the last-known-position memo so
// the filter does not leak across sessions.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.lastEmitted = nil
	s.mu.Unlock()

	cancel()
	s.logger.Info("tracking stopped")
}

// SetBackgrounded flips the duty cycle. Backgrounded sampling runs at
// the coarser background interval with coarse accuracy; it shares the
// filter and the delivery path with foreground sampling.
func (s *Sampler) SetBackgrounded(background bool) {
	s.mu.Lock()
	if !s.running || s.background == background {
		s.mu.Unlock()
		return
	}
	s.background = background
	restart := s.restart
	s.mu.Unlock()

	select {
	case restart <- struct{}{}:
	default:
	}
	s.logger.Debug("duty cycle changed", zap.Bool("background", background))
}

// Current is a one-shot high-accuracy fetch for "send my exact
// location now" flows, bypassing the filter entirely.
func (s *Sampler) Current(ctx context.Context) (wire.PositionReading, error) {
	reading, err := s.source.Current(ctx, true)
	if err != nil {
		return wire.PositionReading{}, wire.WrapError(err, wire.CodeCapability, "one-shot position fetch failed")
	}
	return reading, nil
}

// LastEmitted returns the most recent reading that passed the filter.
func (s *Sampler) LastEmitted() (wire.PositionReading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastEmitted == nil {
		return wire.PositionReading{}, false
	}
	return *s.lastEmitted, true
}

func (s *Sampler) loop(ctx context.Context, foregroundInterval time.Duration, onReading OnReading) {
	// First reading goes out immediately, unfiltered.
	s.sample(ctx, onReading)

	for {
		s.mu.Lock()
		background := s.background
		restart := s.restart
		s.mu.Unlock()

		interval := foregroundInterval
		if background {
			interval = s.cfg.BackgroundInterval
		}

		ticker := time.NewTicker(interval)
	tick:
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-restart:
				// Duty cycle flipped, rebuild the ticker.
				ticker.Stop()
				break tick
			case <-ticker.C:
				s.sample(ctx, onReading)
			}
		}
	}
}

// sample fetches one fix and emits it unless the displacement filter
// discards it.
func (s *Sampler) sample(ctx context.Context, onReading OnReading) {
	s.mu.Lock()
	background := s.background
	s.mu.Unlock()

	reading, err := s.source.Current(ctx, !background)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("position fix failed", zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.lastEmitted != nil {
		d := geo.DistanceMeters(s.lastEmitted.Latitude, s.lastEmitted.Longitude, reading.Latitude, reading.Longitude)
		if d < s.cfg.DisplacementThreshold {
			s.filtered++
			s.mu.Unlock()
			return
		}
	}
	emitted := reading
	s.lastEmitted = &emitted
	s.emitted++
	s.mu.Unlock()

	onReading(reading)
}

// Stats reports emitted and filtered reading counts for the current
// run.
func (s *Sampler) Stats() (emitted, filtered uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted, s.filtered
}
