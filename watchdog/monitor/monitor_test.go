package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/linluma/feedwatch/shared/config"
	"github.com/linluma/feedwatch/shared/models"
	"github.com/linluma/feedwatch/watchdog/feeds"
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

func newFeedServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// holdOpen keeps the socket open until the client closes it
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(feedList ...models.Feed) *config.WatchdogConfig {
	return &config.WatchdogConfig{
		Feeds:             feedList,
		MaxLatency:        time.Second,
		MaxSilence:        10 * time.Second,
		HeartbeatInterval: time.Second,
		RestartCommand:    "true",
		Log:               config.LogConfig{Level: "info", Format: "json"},
	}
}

func testConnectOptions() feeds.Options {
	logger := zerolog.Nop()
	return feeds.Options{
		Retry: feeds.RetryConfig{
			InitialDelay:  10 * time.Millisecond,
			MaxDelay:      20 * time.Millisecond,
			MaxRetries:    0,
			BackoffFactor: 2.0,
		},
		HandshakeTimeout: 2 * time.Second,
		Logger:           &logger,
	}
}

func newTestMonitor(t *testing.T, cfg *config.WatchdogConfig, rec *recorder, opts ...Option) *Monitor {
	t.Helper()
	opts = append([]Option{
		WithLogger(zerolog.Nop()),
		WithConnectOptions(testConnectOptions()),
	}, opts...)
	m := New(cfg, rec, opts...)
	t.Cleanup(m.Shutdown)
	return m
}

func connectedCount(m *Monitor) int {
	n := 0
	for _, state := range m.Snapshots() {
		if state.Connected {
			n++
		}
	}
	return n
}

func TestMonitor_RemoteCloseTriggersRecovery(t *testing.T) {
	url := newFeedServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade"}`))
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	rec := &recorder{}
	m := newTestMonitor(t, testConfig(models.Feed{ID: "binance", URL: url}), rec)
	m.Start(context.Background())

	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.calls()[0], "binance WebSocket closed")
	assert.Contains(t, rec.calls()[0], "restart")
	assert.Equal(t, 0, connectedCount(m))
}

func TestMonitor_LatencyBreach(t *testing.T) {
	url := newFeedServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("tick"))
		time.Sleep(150 * time.Millisecond)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("tick"))
		holdOpen(conn)
	})

	cfg := testConfig(models.Feed{ID: "okx", URL: url})
	cfg.MaxLatency = 50 * time.Millisecond

	rec := &recorder{}
	m := newTestMonitor(t, cfg, rec)
	m.Start(context.Background())

	require.Eventually(t, func() bool { return len(rec.calls()) >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.calls()[0], "okx latency too high")
	assert.Equal(t, 1, connectedCount(m), "latency breach keeps the connection")
}

func TestMonitor_SilenceTriggersRecovery(t *testing.T) {
	url := newFeedServer(t, holdOpen)

	mockClock := clock.NewMock()
	cfg := testConfig(models.Feed{ID: "bybit", URL: url})
	cfg.MaxSilence = 3 * time.Second

	rec := &recorder{}
	m := newTestMonitor(t, cfg, rec, WithClock(mockClock))
	m.Start(context.Background())

	require.Eventually(t, func() bool { return connectedCount(m) == 1 }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		mockClock.Add(time.Second)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.calls()[0], "bybit stale ticker")
}

func TestMonitor_HandshakeFailureTriggersRecovery(t *testing.T) {
	opts := testConnectOptions()
	opts.Dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		return nil, errors.New("connection refused")
	}

	rec := &recorder{}
	m := newTestMonitor(t, testConfig(models.Feed{ID: "binance", URL: "ws://127.0.0.1:1"}), rec, WithConnectOptions(opts))
	m.Start(context.Background())

	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.calls()[0], "binance WebSocket error")
	assert.Contains(t, rec.calls()[0], "connection refused")
	assert.Equal(t, 1, m.ConnectionHealth()["binance"].FailureCount)
}

func TestMonitor_ShutdownIssuesNoRecovery(t *testing.T) {
	closed := make(chan error, 2)
	handle := func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		closed <- err
	}
	binance := newFeedServer(t, handle)
	okx := newFeedServer(t, handle)

	mockClock := clock.NewMock()
	cfg := testConfig(
		models.Feed{ID: "binance", URL: binance},
		models.Feed{ID: "okx", URL: okx},
	)
	cfg.MaxSilence = time.Second

	rec := &recorder{}
	m := newTestMonitor(t, cfg, rec, WithClock(mockClock))
	m.Start(context.Background())

	require.Eventually(t, func() bool { return connectedCount(m) == 2 }, 5*time.Second, 10*time.Millisecond)

	m.Shutdown()
	m.Shutdown()

	for i := 0; i < 2; i++ {
		select {
		case err := <-closed:
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout waiting for feeds to close")
		}
	}

	mockClock.Add(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.calls(), "closing our own sockets is not a failure")

	// Start after shutdown does nothing
	m.Start(context.Background())
	assert.Len(t, m.ConnectionHealth(), 2)
}

func TestMonitor_IndependentFeeds(t *testing.T) {
	closing := newFeedServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	healthy := newFeedServer(t, holdOpen)

	rec := &recorder{}
	m := newTestMonitor(t, testConfig(
		models.Feed{ID: "A", URL: closing},
		models.Feed{ID: "B", URL: healthy},
	), rec)
	m.Start(context.Background())

	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, rec.calls()[0], "A WebSocket closed")

	require.Eventually(t, func() bool {
		for _, state := range m.Snapshots() {
			if state.ID == "B" {
				return state.Connected
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMonitor_BlackholedHandshakeBoundedBySilence(t *testing.T) {
	opts := testConnectOptions()
	opts.Retry.MaxRetries = 5
	opts.HandshakeTimeout = time.Minute
	opts.Dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	cfg := testConfig(models.Feed{ID: "okx", URL: "ws://10.255.255.1/ws"})
	cfg.MaxSilence = 300 * time.Millisecond

	rec := &recorder{}
	m := newTestMonitor(t, cfg, rec, WithConnectOptions(opts))
	assert.Equal(t, cfg.MaxSilence, m.connectOpts.ConnectTimeout)

	start := time.Now()
	m.Start(context.Background())

	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, rec.calls()[0], "okx WebSocket error")
	assert.Contains(t, rec.calls()[0], "deadline exceeded")
}
