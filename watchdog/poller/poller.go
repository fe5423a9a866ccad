package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/feedwatch/shared/models"
	"github.com/linluma/feedwatch/watchdog/recovery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sweeper finds feeds silent for longer than maxSilence and resets them
type Sweeper interface {
	Sweep(maxSilence time.Duration) []models.StaleFeed
}

// Poller periodically checks every feed for silence and requests recovery
// for each stale one.
type Poller struct {
	sweeper    Sweeper
	trigger    recovery.Trigger
	maxSilence time.Duration
	interval   time.Duration
	clock      clock.Clock
	logger     zerolog.Logger

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Poller
type Option func(*Poller)

// WithClock sets the time source driving the ticker
func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// New creates a poller that sweeps every interval
func New(sweeper Sweeper, trigger recovery.Trigger, maxSilence, interval time.Duration, opts ...Option) *Poller {
	p := &Poller{
		sweeper:    sweeper,
		trigger:    trigger,
		maxSilence: maxSilence,
		interval:   interval,
		clock:      clock.New(),
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check runs one silence sweep and returns the number of stale feeds
func (p *Poller) Check() int {
	stale := p.sweeper.Sweep(p.maxSilence)
	for _, s := range stale {
		reason := fmt.Sprintf("%s stale ticker: %dms silence", s.ID, s.Silence.Milliseconds())
		p.logger.Warn().
			Str("feed", string(s.ID)).
			Dur("silence", s.Silence).
			Msg("🚨 Recovery triggered")
		p.trigger.Trigger(reason)
	}
	return len(stale)
}

// Start begins checking on every tick until ctx is done or Stop is called.
// Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.done != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	// Created before the goroutine so clock advances right after Start are seen
	ticker := p.clock.Ticker(p.interval)
	go p.run(ctx, ticker, p.done)
}

// Stop halts the poller and waits for the loop to exit
func (p *Poller) Stop() {
	p.mutex.Lock()
	cancel, done := p.cancel, p.done
	p.mutex.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the loop exits. It is nil before Start.
func (p *Poller) Done() <-chan struct{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.done
}

func (p *Poller) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Dur("max_silence", p.maxSilence).Msg("⏱️ Silence poller started")

	for {
		select {
		case <-ticker.C:
			p.Check()

		case <-ctx.Done():
			p.logger.Info().Msg("⏱️ Silence poller stopped")
			return
		}
	}
}
