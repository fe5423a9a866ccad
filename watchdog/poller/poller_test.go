package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/feedwatch/shared/models"
	"github.com/linluma/feedwatch/watchdog/liveness"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mutex   sync.Mutex
	reasons []string
}

func (r *recorder) Trigger(reason string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recorder) calls() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.reasons...)
}

type fixture struct {
	clock   *clock.Mock
	tracker *liveness.Tracker
	rec     *recorder
	poller  *Poller
}

func newFixture(ids ...models.FeedID) *fixture {
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	rec := &recorder{}
	tracker := liveness.NewTracker(ids, time.Hour, rec,
		liveness.WithClock(mockClock),
		liveness.WithLogger(zerolog.Nop()),
	)
	p := New(tracker, rec, 3000*time.Millisecond, time.Second,
		WithClock(mockClock),
		WithLogger(zerolog.Nop()),
	)
	return &fixture{clock: mockClock, tracker: tracker, rec: rec, poller: p}
}

// Scenario: a connected feed goes silent; checks run every second
func TestCheck_SilenceDetection(t *testing.T) {
	f := newFixture("okx")
	f.tracker.RecordConnected("okx")
	start := f.clock.Now()

	for i := 1; i <= 3; i++ {
		f.clock.Add(time.Second)
		assert.Equal(t, 0, f.poller.Check(), "no trigger at %dms", i*1000)
	}

	f.clock.Add(time.Second)
	assert.Equal(t, 1, f.poller.Check())
	assert.Equal(t, []string{"okx stale ticker: 4000ms silence"}, f.rec.calls())

	state, _ := f.tracker.Snapshot("okx")
	assert.Equal(t, start.Add(4*time.Second), state.LastMessageAt, "silence window restarts at the check")
	assert.True(t, state.Connected)

	f.clock.Add(time.Second)
	assert.Equal(t, 0, f.poller.Check(), "only 1000ms since the reset")
	assert.Len(t, f.rec.calls(), 1)
}

func TestCheck_SilenceAcrossFeeds(t *testing.T) {
	f := newFixture("binance", "okx")
	f.tracker.RecordConnected("binance")
	f.tracker.RecordConnected("okx")

	for i := 0; i < 4; i++ {
		f.clock.Add(time.Second)
		f.tracker.RecordMessage("binance")
		f.poller.Check()
	}

	calls := f.rec.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "okx stale ticker")
}

func TestCheck_NeverConnectedFeedIsStale(t *testing.T) {
	f := newFixture("bybit")

	f.clock.Add(3500 * time.Millisecond)
	assert.Equal(t, 1, f.poller.Check())
	assert.Equal(t, []string{"bybit stale ticker: 3500ms silence"}, f.rec.calls())
}

func TestCheck_AfterTrackerShutdown(t *testing.T) {
	f := newFixture("binance")
	f.tracker.Shutdown()

	f.clock.Add(time.Minute)
	assert.Equal(t, 0, f.poller.Check())
	assert.Empty(t, f.rec.calls())
}

func TestStartStop(t *testing.T) {
	f := newFixture("okx")
	f.tracker.RecordConnected("okx")

	f.poller.Start(context.Background())
	f.poller.Start(context.Background()) // no-op

	for i := 0; i < 4; i++ {
		f.clock.Add(time.Second)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(f.rec.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.rec.calls()[0], "okx stale ticker")

	f.poller.Stop()
	f.poller.Stop()

	f.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.rec.calls(), 1, "no checks after Stop")
}

func TestStart_ContextCancel(t *testing.T) {
	f := newFixture("okx")
	assert.Nil(t, f.poller.Done())

	ctx, cancel := context.WithCancel(context.Background())
	f.poller.Start(ctx)
	cancel()

	select {
	case <-f.poller.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for poller to stop")
	}
	f.poller.Stop()
}

func TestStop_BeforeStart(t *testing.T) {
	f := newFixture("okx")
	f.poller.Stop()
}
