package liveness

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/feedwatch/shared/models"
	"github.com/linluma/feedwatch/watchdog/recovery"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Observer is notified of feed state changes. Calls are made outside the
// tracker lock, in event order for a given feed.
type Observer interface {
	ConnectionChanged(id models.FeedID, connected bool)
	GapObserved(id models.FeedID, gap time.Duration)
	BreachDetected(id models.FeedID, kind models.BreachKind)
}

type feedState struct {
	connected     bool
	lastMessageAt time.Time
	lastGap       time.Duration
}

// Tracker owns the liveness state of every configured feed and checks
// the latency threshold on each message. It holds no timers.
type Tracker struct {
	mutex   sync.Mutex
	feeds   map[models.FeedID]*feedState
	order   []models.FeedID
	stopped bool

	maxLatency time.Duration
	trigger    *recovery.Gate
	clock      clock.Clock
	logger     zerolog.Logger
	observers  []Observer
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock sets the time source
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithObserver adds a state observer
func WithObserver(o Observer) Option {
	return func(t *Tracker) {
		t.observers = append(t.observers, o)
	}
}

// NewTracker creates state for each feed id. Duplicate ids share one state.
func NewTracker(ids []models.FeedID, maxLatency time.Duration, trigger recovery.Trigger, opts ...Option) *Tracker {
	t := &Tracker{
		feeds:      make(map[models.FeedID]*feedState, len(ids)),
		maxLatency: maxLatency,
		trigger:    recovery.NewGate(trigger),
		clock:      clock.New(),
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}

	now := t.clock.Now()
	for _, id := range ids {
		if _, exists := t.feeds[id]; exists {
			continue
		}
		t.feeds[id] = &feedState{lastMessageAt: now}
		t.order = append(t.order, id)
	}
	return t
}

// RecordConnected marks id connected and restarts its gap measurement
func (t *Tracker) RecordConnected(id models.FeedID) {
	t.mutex.Lock()
	st := t.lookup(id)
	if st == nil {
		t.mutex.Unlock()
		return
	}
	st.connected = true
	t.advance(st, t.clock.Now())
	t.mutex.Unlock()

	t.logger.Info().Str("feed", string(id)).Msg("📡 Feed connected")
	for _, o := range t.observers {
		o.ConnectionChanged(id, true)
	}
}

// RecordMessage measures the gap since the previous message (or connect)
// and requests recovery once if it exceeds the latency threshold.
func (t *Tracker) RecordMessage(id models.FeedID) {
	t.mutex.Lock()
	st := t.lookup(id)
	if st == nil {
		t.mutex.Unlock()
		return
	}
	now := t.clock.Now()
	gap := now.Sub(st.lastMessageAt)
	if gap < 0 {
		gap = 0
	}
	st.lastGap = gap
	t.advance(st, now)
	t.mutex.Unlock()

	for _, o := range t.observers {
		o.GapObserved(id, gap)
	}

	if gap > t.maxLatency {
		t.breach(id, models.BreachLatency, fmt.Sprintf("%s latency too high: %dms", id, gap.Milliseconds()))
	}
}

// RecordDisconnected marks id lost after a clean remote close
func (t *Tracker) RecordDisconnected(id models.FeedID, reason string) {
	t.markLost(id, models.BreachDisconnect, fmt.Sprintf("%s WebSocket closed: %s", id, reason))
}

// RecordError marks id lost after a transport failure
func (t *Tracker) RecordError(id models.FeedID, reason string) {
	t.markLost(id, models.BreachError, fmt.Sprintf("%s WebSocket error: %s", id, reason))
}

// Sweep finds feeds silent for longer than maxSilence and resets their
// last message time to now, so the next sweep starts a full new window.
func (t *Tracker) Sweep(maxSilence time.Duration) []models.StaleFeed {
	t.mutex.Lock()
	if t.stopped {
		t.mutex.Unlock()
		return nil
	}

	now := t.clock.Now()
	var stale []models.StaleFeed
	for _, id := range t.order {
		st := t.feeds[id]
		silence := now.Sub(st.lastMessageAt)
		if silence > maxSilence {
			stale = append(stale, models.StaleFeed{ID: id, Silence: silence})
			t.advance(st, now)
		}
	}
	t.mutex.Unlock()

	for _, s := range stale {
		for _, o := range t.observers {
			o.BreachDetected(s.ID, models.BreachSilence)
		}
	}
	return stale
}

// Snapshot returns a copy of id's state
func (t *Tracker) Snapshot(id models.FeedID) (models.FeedState, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	st, ok := t.feeds[id]
	if !ok {
		return models.FeedState{}, false
	}
	return st.snapshot(id), true
}

// Snapshots returns copies of every feed's state in configuration order
func (t *Tracker) Snapshots() []models.FeedState {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	states := make([]models.FeedState, 0, len(t.order))
	for _, id := range t.order {
		states = append(states, t.feeds[id].snapshot(id))
	}
	return states
}

// Shutdown freezes the tracker: later events and sweeps are ignored.
// It waits for triggers already in progress, so none fires after it returns.
func (t *Tracker) Shutdown() {
	t.mutex.Lock()
	t.stopped = true
	t.mutex.Unlock()

	t.trigger.Close()
}

func (t *Tracker) markLost(id models.FeedID, kind models.BreachKind, reason string) {
	t.mutex.Lock()
	st := t.lookup(id)
	if st == nil {
		t.mutex.Unlock()
		return
	}
	st.connected = false
	t.mutex.Unlock()

	for _, o := range t.observers {
		o.ConnectionChanged(id, false)
	}
	t.breach(id, kind, reason)
}

func (t *Tracker) breach(id models.FeedID, kind models.BreachKind, reason string) {
	t.logger.Warn().Str("feed", string(id)).Str("kind", string(kind)).Str("reason", reason).Msg("🚨 Recovery triggered")
	for _, o := range t.observers {
		o.BreachDetected(id, kind)
	}
	t.trigger.Trigger(reason)
}

// lookup must be called with the mutex held. It returns nil once the
// tracker is stopped or for ids that were never configured.
func (t *Tracker) lookup(id models.FeedID) *feedState {
	if t.stopped {
		return nil
	}
	st, ok := t.feeds[id]
	if !ok {
		t.logger.Warn().Str("feed", string(id)).Msg("Event for unknown feed ignored")
		return nil
	}
	return st
}

// advance moves lastMessageAt forward, never back
func (t *Tracker) advance(st *feedState, now time.Time) {
	if now.After(st.lastMessageAt) {
		st.lastMessageAt = now
	}
}

func (s *feedState) snapshot(id models.FeedID) models.FeedState {
	return models.FeedState{
		ID:            id,
		Connected:     s.connected,
		LastMessageAt: s.lastMessageAt,
		LastGap:       s.lastGap,
	}
}
