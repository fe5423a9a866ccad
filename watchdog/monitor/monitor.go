package monitor

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/linluma/feedwatch/shared/config"
	"github.com/linluma/feedwatch/shared/models"
	"github.com/linluma/feedwatch/watchdog/feeds"
	"github.com/linluma/feedwatch/watchdog/liveness"
	"github.com/linluma/feedwatch/watchdog/poller"
	"github.com/linluma/feedwatch/watchdog/recovery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Monitor watches every configured feed and requests recovery when one
// breaches its latency or silence threshold, closes, or fails.
type Monitor struct {
	cfg     *config.WatchdogConfig
	gate    *recovery.Gate
	tracker *liveness.Tracker
	poller  *poller.Poller

	clock       clock.Clock
	logger      zerolog.Logger
	observers   []liveness.Observer
	connectOpts feeds.Options

	mutex       sync.Mutex
	connections []*feeds.Connection
	started     bool
	stopped     bool
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock sets the time source for the tracker and poller
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithObserver adds a feed state observer
func WithObserver(o liveness.Observer) Option {
	return func(m *Monitor) {
		m.observers = append(m.observers, o)
	}
}

// WithConnectOptions overrides feed connection options
func WithConnectOptions(opts feeds.Options) Option {
	return func(m *Monitor) {
		m.connectOpts = opts
	}
}

// New builds a monitor for cfg. Nothing connects until Start.
func New(cfg *config.WatchdogConfig, trigger recovery.Trigger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:         cfg,
		gate:        recovery.NewGate(trigger),
		clock:       clock.New(),
		logger:      log.Logger,
		connectOpts: feeds.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.connectOpts.ConnectTimeout == 0 {
		m.connectOpts.ConnectTimeout = cfg.MaxSilence
	}
	if m.connectOpts.Logger == nil {
		logger := m.logger
		m.connectOpts.Logger = &logger
	}

	trackerOpts := []liveness.Option{
		liveness.WithClock(m.clock),
		liveness.WithLogger(m.logger),
	}
	for _, o := range m.observers {
		trackerOpts = append(trackerOpts, liveness.WithObserver(o))
	}
	m.tracker = liveness.NewTracker(cfg.FeedIDs(), cfg.MaxLatency, m.gate, trackerOpts...)

	m.poller = poller.New(m.tracker, m.gate, cfg.MaxSilence, cfg.HeartbeatInterval,
		poller.WithClock(m.clock),
		poller.WithLogger(m.logger),
	)
	return m
}

// Start opens one connection per feed and starts the silence poller.
// It returns immediately; calling it twice or after Shutdown does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.started || m.stopped {
		return
	}
	m.started = true

	m.logger.Info().
		Interface("feeds", m.cfg.FeedIDs()).
		Dur("max_latency", m.cfg.MaxLatency).
		Dur("max_silence", m.cfg.MaxSilence).
		Dur("heartbeat_interval", m.cfg.HeartbeatInterval).
		Msg("👀 Monitoring feeds")

	for _, feed := range m.cfg.Feeds {
		m.connections = append(m.connections, feeds.Connect(ctx, feed, m.tracker, m.connectOpts))
	}
	m.poller.Start(ctx)
}

// Shutdown stops monitoring. No recovery is requested once it begins.
// Safe to call more than once.
func (m *Monitor) Shutdown() {
	m.mutex.Lock()
	if m.stopped {
		m.mutex.Unlock()
		return
	}
	m.stopped = true
	connections := m.connections
	m.mutex.Unlock()

	m.gate.Close()
	m.tracker.Shutdown()
	m.poller.Stop()

	var wg sync.WaitGroup
	for _, conn := range connections {
		wg.Add(1)
		go func(c *feeds.Connection) {
			defer wg.Done()
			if err := c.Close(); err != nil {
				m.logger.Warn().Err(err).Str("feed", string(c.Feed().ID)).Msg("⚠️ Error closing feed")
			}
		}(conn)
	}
	wg.Wait()

	m.logger.Info().Int("feeds", len(connections)).Msg("🛑 Watchdog shut down")
}

// Snapshots returns every feed's state in configuration order
func (m *Monitor) Snapshots() []models.FeedState {
	return m.tracker.Snapshots()
}

// ConnectionHealth returns handshake health per started feed
func (m *Monitor) ConnectionHealth() map[models.FeedID]feeds.ConnectionHealth {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	health := make(map[models.FeedID]feeds.ConnectionHealth, len(m.connections))
	for _, conn := range m.connections {
		health[conn.Feed().ID] = conn.Health()
	}
	return health
}
